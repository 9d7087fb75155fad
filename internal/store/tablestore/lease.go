package tablestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/HyphaGroup/diagd/internal/lock"
)

// leaseBackend implements lock.Backend with one row per held lock. The
// primary key makes Create exclusive and Remove filters on holder.
type leaseBackend struct {
	db        *sql.DB
	partition string
}

func (b *leaseBackend) Create(ctx context.Context, name string, info lock.Info) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO locks (partition, name, holder, operation, instance, acquired_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		b.partition, name, info.Holder, info.Operation, info.Instance, info.AcquiredAt.UnixNano(),
	)
	if err != nil {
		if isConstraint(err) {
			return lock.ErrHeld
		}
		return fmt.Errorf("failed to insert lock: %w", err)
	}
	return nil
}

func (b *leaseBackend) Read(ctx context.Context, name string) (lock.Info, error) {
	var info lock.Info
	var acquired int64
	err := b.db.QueryRowContext(ctx, `
		SELECT holder, operation, instance, acquired_at FROM locks WHERE partition = ? AND name = ?`,
		b.partition, name,
	).Scan(&info.Holder, &info.Operation, &info.Instance, &acquired)
	if errors.Is(err, sql.ErrNoRows) {
		return lock.Info{}, lock.ErrNotHeld
	}
	if err != nil {
		return lock.Info{}, fmt.Errorf("failed to read lock: %w", err)
	}
	info.AcquiredAt = time.Unix(0, acquired).UTC()
	return info, nil
}

func (b *leaseBackend) Remove(ctx context.Context, name, holder string) error {
	query := `DELETE FROM locks WHERE partition = ? AND name = ?`
	args := []any{b.partition, name}
	if holder != "" {
		query += ` AND holder = ?`
		args = append(args, holder)
	}
	res, err := b.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to delete lock: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return lock.ErrNotHeld
	}
	return nil
}
