// Package repository содержит реализации постоянного хранилища актора стейкинга.
package repository

import (
	"errors"

	"github.com/holiman/uint256"

	"github.com/mmeshcher/stakevault/internal/model"
)

// ErrCorrupted возвращается, если сохранённая запись не удаётся декодировать.
var ErrCorrupted = errors.New("corrupted record")

// ChangeSet содержит итоговые значения, записываемые одним сообщением атомарно.
type ChangeSet struct {
	Stakes   map[model.Principal]model.Stake
	Counters map[model.Counter]uint256.Int
}

// Empty сообщает, что изменений нет.
func (cs ChangeSet) Empty() bool {
	return len(cs.Stakes) == 0 && len(cs.Counters) == 0
}
