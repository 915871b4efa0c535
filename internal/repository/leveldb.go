package repository

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/holiman/uint256"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/filter"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"

	"github.com/mmeshcher/stakevault/internal/model"
)

const (
	counterPrefix = "c/"
	stakePrefix   = "s/"

	// amount(32) | createdAt(8) | updatedAt(8) | rewardDebt(32)
	stakeRecordSize = 32 + 8 + 8 + 32
)

var (
	readOpt  = opt.ReadOptions{}
	writeOpt = opt.WriteOptions{Sync: true}
)

// LevelDBRepository хранит счётчики и записи стейков в LevelDB.
type LevelDBRepository struct {
	db *leveldb.DB
}

// NewLevelDBRepository открывает базу по указанному пути, создавая её при отсутствии.
func NewLevelDBRepository(path string) (*LevelDBRepository, error) {
	stg, err := storage.OpenFile(path, false)
	if err != nil {
		return nil, fmt.Errorf("open leveldb storage: %w", err)
	}
	return openLevelDB(stg)
}

// NewMemLevelDBRepository создаёт базу в памяти. Используется в тестах.
func NewMemLevelDBRepository() (*LevelDBRepository, error) {
	return openLevelDB(storage.NewMemStorage())
}

func openLevelDB(stg storage.Storage) (*LevelDBRepository, error) {
	db, err := leveldb.Open(stg, &opt.Options{
		OpenFilesCacheCapacity: 16,
		BlockCacheCapacity:     8 * opt.MiB,
		WriteBuffer:            4 * opt.MiB,
		Filter:                 filter.NewBloomFilter(10),
	})
	if err != nil {
		return nil, fmt.Errorf("open leveldb: %w", err)
	}
	return &LevelDBRepository{db: db}, nil
}

// Close закрывает базу.
func (r *LevelDBRepository) Close() error {
	return r.db.Close()
}

// InitCounters записывает нулевые счётчики, если они ещё не были созданы.
func (r *LevelDBRepository) InitCounters(_ context.Context) error {
	batch := new(leveldb.Batch)
	for _, c := range model.Counters {
		ok, err := r.db.Has(counterKey(c), &readOpt)
		if err != nil {
			return fmt.Errorf("check counter %s: %w", c, err)
		}
		if !ok {
			var zero uint256.Int
			b := zero.Bytes32()
			batch.Put(counterKey(c), b[:])
		}
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := r.db.Write(batch, &writeOpt); err != nil {
		return fmt.Errorf("init counters: %w", err)
	}
	return nil
}

// GetStake возвращает запись стейка и признак её наличия.
func (r *LevelDBRepository) GetStake(_ context.Context, id model.Principal) (model.Stake, bool, error) {
	v, err := r.db.Get(stakeKey(id), &readOpt)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return model.Stake{}, false, nil
		}
		return model.Stake{}, false, fmt.Errorf("get stake: %w", err)
	}

	s, err := decodeStake(v)
	if err != nil {
		return model.Stake{}, false, fmt.Errorf("decode stake %s: %w", id, err)
	}
	return s, true, nil
}

// GetCounter возвращает значение счётчика; отсутствующий счётчик равен нулю.
func (r *LevelDBRepository) GetCounter(_ context.Context, c model.Counter) (uint256.Int, error) {
	var v uint256.Int

	raw, err := r.db.Get(counterKey(c), &readOpt)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return v, nil
		}
		return v, fmt.Errorf("get counter %s: %w", c, err)
	}
	if len(raw) != 32 {
		return v, fmt.Errorf("counter %s: %w", c, ErrCorrupted)
	}
	v.SetBytes32(raw)
	return v, nil
}

// Apply атомарно записывает набор изменений одним батчем.
func (r *LevelDBRepository) Apply(_ context.Context, cs ChangeSet) error {
	if cs.Empty() {
		return nil
	}

	batch := new(leveldb.Batch)
	for id, s := range cs.Stakes {
		batch.Put(stakeKey(id), encodeStake(s))
	}
	for c, v := range cs.Counters {
		b := v.Bytes32()
		batch.Put(counterKey(c), b[:])
	}

	if err := r.db.Write(batch, &writeOpt); err != nil {
		return fmt.Errorf("write batch: %w", err)
	}
	return nil
}

func counterKey(c model.Counter) []byte {
	return []byte(counterPrefix + string(c))
}

func stakeKey(id model.Principal) []byte {
	return []byte(stakePrefix + string(id))
}

func encodeStake(s model.Stake) []byte {
	buf := make([]byte, stakeRecordSize)

	amount := s.Amount.Bytes32()
	copy(buf[0:32], amount[:])
	binary.BigEndian.PutUint64(buf[32:40], uint64(s.CreatedAt.UnixNano()))
	binary.BigEndian.PutUint64(buf[40:48], uint64(s.UpdatedAt.UnixNano()))
	debt := s.RewardDebt.Bytes32()
	copy(buf[48:80], debt[:])

	return buf
}

func decodeStake(b []byte) (model.Stake, error) {
	if len(b) != stakeRecordSize {
		return model.Stake{}, ErrCorrupted
	}

	var s model.Stake
	s.Amount.SetBytes32(b[0:32])
	s.CreatedAt = time.Unix(0, int64(binary.BigEndian.Uint64(b[32:40])))
	s.UpdatedAt = time.Unix(0, int64(binary.BigEndian.Uint64(b[40:48])))
	s.RewardDebt.SetBytes32(b[48:80])

	return s, nil
}
