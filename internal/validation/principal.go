// Package validation содержит функции валидации входных данных.
package validation

import (
	"encoding/base32"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"strings"
)

const (
	checksumSize     = 4
	maxPrincipalSize = 29
	groupSize        = 5
)

var principalEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// ErrInvalidPrincipal возвращается для строки, не являющейся текстовой записью принципала.
var ErrInvalidPrincipal = errors.New("invalid principal")

// EncodePrincipal возвращает текстовую запись принципала: base32 от CRC32 и байтов
// идентификатора, в нижнем регистре, группами по пять символов через дефис.
func EncodePrincipal(raw []byte) string {
	buf := make([]byte, checksumSize+len(raw))
	binary.BigEndian.PutUint32(buf, crc32.ChecksumIEEE(raw))
	copy(buf[checksumSize:], raw)

	enc := strings.ToLower(principalEncoding.EncodeToString(buf))

	var b strings.Builder
	for i := 0; i < len(enc); i += groupSize {
		if i > 0 {
			b.WriteByte('-')
		}
		b.WriteString(enc[i:min(i+groupSize, len(enc))])
	}
	return b.String()
}

// ParsePrincipal декодирует текстовую запись принципала и проверяет контрольную сумму.
// Принимается только каноническая запись.
func ParsePrincipal(text string) ([]byte, error) {
	if text == "" {
		return nil, ErrInvalidPrincipal
	}

	buf, err := principalEncoding.DecodeString(strings.ToUpper(strings.ReplaceAll(text, "-", "")))
	if err != nil || len(buf) < checksumSize {
		return nil, ErrInvalidPrincipal
	}

	raw := buf[checksumSize:]
	if len(raw) > maxPrincipalSize {
		return nil, ErrInvalidPrincipal
	}
	if binary.BigEndian.Uint32(buf) != crc32.ChecksumIEEE(raw) {
		return nil, ErrInvalidPrincipal
	}
	if EncodePrincipal(raw) != text {
		return nil, ErrInvalidPrincipal
	}

	return raw, nil
}

// IsValidPrincipal проверяет текстовую запись принципала.
func IsValidPrincipal(text string) bool {
	_, err := ParsePrincipal(text)
	return err == nil
}
