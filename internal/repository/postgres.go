package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/holiman/uint256"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mmeshcher/stakevault/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{100 * time.Millisecond, 300 * time.Millisecond, 500 * time.Millisecond}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		retryable := isConnectionError(err)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			retryable = pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
		}
		if !retryable || i == len(delays) {
			break
		}

		timer := time.NewTimer(delays[i])
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// InitCounters создаёт нулевые счётчики, если их ещё нет. Существующие значения не меняются.
func (r *PostgresRepository) InitCounters(ctx context.Context) error {
	for _, c := range model.Counters {
		_, err := r.pool.Exec(ctx,
			`INSERT INTO counters (name, value) VALUES ($1, 0) ON CONFLICT (name) DO NOTHING`,
			string(c),
		)
		if err != nil {
			return fmt.Errorf("init counter %s: %w", c, err)
		}
	}
	return nil
}

// GetStake возвращает запись стейка и признак её наличия.
func (r *PostgresRepository) GetStake(ctx context.Context, id model.Principal) (model.Stake, bool, error) {
	var (
		amount, debt         string
		createdAt, updatedAt int64
	)
	err := r.pool.QueryRow(ctx,
		`SELECT amount::text, created_at, updated_at, reward_debt::text
		 FROM stakes
		 WHERE principal = $1`,
		string(id),
	).Scan(&amount, &createdAt, &updatedAt, &debt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Stake{}, false, nil
		}
		return model.Stake{}, false, fmt.Errorf("get stake: %w", err)
	}

	s := model.Stake{
		CreatedAt: time.Unix(0, createdAt),
		UpdatedAt: time.Unix(0, updatedAt),
	}
	if err := s.Amount.SetFromDecimal(amount); err != nil {
		return model.Stake{}, false, fmt.Errorf("stake %s amount: %w", id, ErrCorrupted)
	}
	if err := s.RewardDebt.SetFromDecimal(debt); err != nil {
		return model.Stake{}, false, fmt.Errorf("stake %s reward debt: %w", id, ErrCorrupted)
	}

	return s, true, nil
}

// GetCounter возвращает значение счётчика; отсутствующий счётчик равен нулю.
func (r *PostgresRepository) GetCounter(ctx context.Context, c model.Counter) (uint256.Int, error) {
	var v uint256.Int

	var raw string
	err := r.pool.QueryRow(ctx,
		`SELECT value::text FROM counters WHERE name = $1`,
		string(c),
	).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return v, nil
		}
		return v, fmt.Errorf("get counter %s: %w", c, err)
	}

	if err := v.SetFromDecimal(raw); err != nil {
		return v, fmt.Errorf("counter %s: %w", c, ErrCorrupted)
	}
	return v, nil
}

// Apply атомарно записывает набор изменений в одной транзакции.
func (r *PostgresRepository) Apply(ctx context.Context, cs ChangeSet) error {
	if cs.Empty() {
		return nil
	}

	return r.withRetry(ctx, func() error {
		tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		for id, s := range cs.Stakes {
			_, err := tx.Exec(ctx,
				`INSERT INTO stakes (principal, amount, created_at, updated_at, reward_debt)
				 VALUES ($1, CAST($2::text AS NUMERIC), $3, $4, CAST($5::text AS NUMERIC))
				 ON CONFLICT (principal) DO UPDATE SET
				   amount = EXCLUDED.amount,
				   created_at = EXCLUDED.created_at,
				   updated_at = EXCLUDED.updated_at,
				   reward_debt = EXCLUDED.reward_debt`,
				string(id), s.Amount.Dec(), s.CreatedAt.UnixNano(), s.UpdatedAt.UnixNano(), s.RewardDebt.Dec(),
			)
			if err != nil {
				return fmt.Errorf("upsert stake: %w", err)
			}
		}

		for c, v := range cs.Counters {
			_, err := tx.Exec(ctx,
				`INSERT INTO counters (name, value) VALUES ($1, CAST($2::text AS NUMERIC))
				 ON CONFLICT (name) DO UPDATE SET value = EXCLUDED.value`,
				string(c), v.Dec(),
			)
			if err != nil {
				return fmt.Errorf("upsert counter: %w", err)
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}
