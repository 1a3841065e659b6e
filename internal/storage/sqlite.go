package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/olehkaliuzhnyi/deposit-watcher/pkg/models"
	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// maxIndex keeps allocated indexes in the non-hardened BIP-32 range.
const maxIndex = math.MaxInt32

// SQLiteLedger is the embedded relational Ledger.
type SQLiteLedger struct {
	db     *sql.DB
	lock   *sync.Mutex
	logger *log.Entry
}

// NewSQLiteLedger opens (creating if needed) the database at path and applies migrations.
func NewSQLiteLedger(path string) (*SQLiteLedger, error) {
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	// One connection: transactions then serialize inside the process.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping ledger: %w", err)
	}
	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteLedger{
		db:     db,
		lock:   &sync.Mutex{},
		logger: log.WithField("component", "ledger"),
	}, nil
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := sqlitemigrate.WithInstance(db, &sqlitemigrate.Config{})
	if err != nil {
		return fmt.Errorf("init migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	// m.Close is not called: it would close db.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}

func (l *SQLiteLedger) AllocateNext(ctx context.Context, basePath string, derive DeriveFunc) (*models.AddressRecord, error) {
	l.lock.Lock()
	defer l.lock.Unlock()

	var rec *models.AddressRecord
	txBody := func(tx *sql.Tx) error {
		var current sql.NullInt64
		if err := tx.QueryRowContext(ctx,
			`SELECT MAX(addr_index) FROM addresses WHERE path = ?`, basePath,
		).Scan(&current); err != nil {
			return fmt.Errorf("read max index: %w", err)
		}
		if current.Int64 >= maxIndex {
			return fmt.Errorf("address index space exhausted for %s", basePath)
		}
		next := uint32(current.Int64) + 1

		address, err := derive(next)
		if err != nil {
			return fmt.Errorf("derive index %d: %w", next, err)
		}

		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO addresses (address, path, addr_index, created_at) VALUES (?, ?, ?, ?)`,
			address, basePath, int64(next), now.UnixMilli(),
		); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: %s/%d", ErrIndexTaken, basePath, next)
			}
			return fmt.Errorf("insert address: %w", err)
		}

		rec = &models.AddressRecord{
			Address:   address,
			BasePath:  basePath,
			Index:     next,
			CreatedAt: time.UnixMilli(now.UnixMilli()).UTC(),
		}
		return nil
	}

	if err := execTx(ctx, l.db, txBody); err != nil {
		return nil, err
	}
	l.logger.WithFields(log.Fields{"path": basePath, "index": rec.Index}).Debug("address row inserted")
	return rec, nil
}

func (l *SQLiteLedger) Known(ctx context.Context, address string) (bool, error) {
	var one int
	err := l.db.QueryRowContext(ctx,
		`SELECT 1 FROM addresses WHERE address = ? LIMIT 1`, address,
	).Scan(&one)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("lookup address: %w", err)
	}
	return true, nil
}

func (l *SQLiteLedger) MarkUsed(ctx context.Context, address string) error {
	l.lock.Lock()
	defer l.lock.Unlock()

	res, err := l.db.ExecContext(ctx,
		`UPDATE addresses SET last_used = ? WHERE address = ?`,
		time.Now().UTC().UnixMilli(), address,
	)
	if err != nil {
		return fmt.Errorf("update last_used: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update last_used: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: address %s", ErrNotFound, address)
	}
	return nil
}

func (l *SQLiteLedger) Get(ctx context.Context, basePath string, index uint32) (*models.AddressRecord, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT address, path, addr_index, created_at, last_used
		 FROM addresses WHERE path = ? AND addr_index = ?`,
		basePath, int64(index),
	)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s/%d", ErrNotFound, basePath, index)
		}
		return nil, err
	}
	return rec, nil
}

func (l *SQLiteLedger) List(ctx context.Context, basePath string) ([]models.AddressRecord, error) {
	return l.queryRecords(ctx,
		`SELECT address, path, addr_index, created_at, last_used
		 FROM addresses WHERE path = ? ORDER BY addr_index`,
		basePath,
	)
}

func (l *SQLiteLedger) All(ctx context.Context) ([]models.AddressRecord, error) {
	return l.queryRecords(ctx,
		`SELECT address, path, addr_index, created_at, last_used
		 FROM addresses ORDER BY id`,
	)
}

func (l *SQLiteLedger) Indexes(ctx context.Context, basePath string) ([]uint32, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT addr_index FROM addresses WHERE path = ? ORDER BY addr_index`, basePath,
	)
	if err != nil {
		return nil, fmt.Errorf("query indexes: %w", err)
	}
	defer rows.Close()

	var out []uint32
	for rows.Next() {
		var idx int64
		if err := rows.Scan(&idx); err != nil {
			return nil, fmt.Errorf("scan index: %w", err)
		}
		out = append(out, uint32(idx))
	}
	return out, rows.Err()
}

func (l *SQLiteLedger) Watermark(ctx context.Context) (models.Position, bool, error) {
	var block, index int64
	err := l.db.QueryRowContext(ctx,
		`SELECT block_number, log_index FROM sync_state WHERE id = 1`,
	).Scan(&block, &index)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Position{}, false, nil
		}
		return models.Position{}, false, fmt.Errorf("read watermark: %w", err)
	}
	return models.Position{Block: uint64(block), Index: uint64(index)}, true, nil
}

func (l *SQLiteLedger) SetWatermark(ctx context.Context, pos models.Position) error {
	l.lock.Lock()
	defer l.lock.Unlock()

	if _, err := l.db.ExecContext(ctx,
		`INSERT INTO sync_state (id, block_number, log_index, updated_at) VALUES (1, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   block_number = excluded.block_number,
		   log_index = excluded.log_index,
		   updated_at = excluded.updated_at
		 WHERE excluded.block_number > sync_state.block_number
		    OR (excluded.block_number = sync_state.block_number AND excluded.log_index > sync_state.log_index)`,
		int64(pos.Block), int64(pos.Index), time.Now().UTC().UnixMilli(),
	); err != nil {
		return fmt.Errorf("store watermark %s: %w", pos, err)
	}
	return nil
}

func (l *SQLiteLedger) queryRecords(ctx context.Context, query string, args ...any) ([]models.AddressRecord, error) {
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query addresses: %w", err)
	}
	defer rows.Close()

	var out []models.AddressRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*models.AddressRecord, error) {
	var (
		rec       models.AddressRecord
		index     int64
		createdAt int64
		lastUsed  sql.NullInt64
	)
	if err := s.Scan(&rec.Address, &rec.BasePath, &index, &createdAt, &lastUsed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan address: %w", err)
	}
	rec.Index = uint32(index)
	rec.CreatedAt = time.UnixMilli(createdAt).UTC()
	if lastUsed.Valid {
		t := time.UnixMilli(lastUsed.Int64).UTC()
		rec.LastUsedAt = &t
	}
	return &rec, nil
}

func execTx(ctx context.Context, db *sql.DB, txBody func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := txBody(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.WithError(rbErr).Warn("rollback failed")
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
