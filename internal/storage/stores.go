package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const storeColumns = `id, uri, store_id, container_id, name, created_at`

// --- Store registry ---

// AddStore registers d. Registering an identical descriptor twice returns
// ErrConflict.
func (s *Store) AddStore(ctx context.Context, d StoreDescriptor) (StoreRecord, error) {
	if err := d.Validate(); err != nil {
		return StoreRecord{}, err
	}
	rec := StoreRecord{
		ID:              uuid.New().String(),
		StoreDescriptor: d,
		CreatedAt:       s.now(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stores (id, uri, store_id, container_id, name, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, d.URI, d.StoreID, d.ContainerID, d.Name, formatTime(rec.CreatedAt),
	)
	if isUniqueViolation(err) {
		return StoreRecord{}, fmt.Errorf("store %s/%s/%s: %w", d.StoreID, d.ContainerID, d.Name, ErrConflict)
	}
	if err != nil {
		return StoreRecord{}, fmt.Errorf("inserting store: %w", err)
	}
	return rec, nil
}

// EnsureStore returns the record matching d, registering it first if needed.
func (s *Store) EnsureStore(ctx context.Context, d StoreDescriptor) (StoreRecord, error) {
	rec, err := s.FindStore(ctx, d)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return StoreRecord{}, err
	}
	return s.AddStore(ctx, d)
}

// FindStore returns the record whose four descriptor fields equal d.
func (s *Store) FindStore(ctx context.Context, d StoreDescriptor) (StoreRecord, error) {
	rec, err := scanStore(s.db.QueryRowContext(ctx, `SELECT `+storeColumns+` FROM stores
		WHERE uri = ? AND store_id = ? AND container_id = ? AND name = ?`,
		d.URI, d.StoreID, d.ContainerID, d.Name))
	if errors.Is(err, ErrNotFound) {
		return StoreRecord{}, fmt.Errorf("store %s/%s: %w", d.StoreID, d.ContainerID, ErrNotFound)
	}
	return rec, err
}

// FindStoreByStoreID returns the oldest record registered under storeID.
func (s *Store) FindStoreByStoreID(ctx context.Context, storeID string) (StoreRecord, error) {
	rec, err := scanStore(s.db.QueryRowContext(ctx, `SELECT `+storeColumns+` FROM stores
		WHERE store_id = ? ORDER BY created_at ASC, id ASC LIMIT 1`, storeID))
	if errors.Is(err, ErrNotFound) {
		return StoreRecord{}, fmt.Errorf("store %s: %w", storeID, ErrNotFound)
	}
	return rec, err
}

func (s *Store) GetStore(ctx context.Context, id string) (StoreRecord, error) {
	rec, err := scanStore(s.db.QueryRowContext(ctx, `SELECT `+storeColumns+` FROM stores WHERE id = ?`, id))
	if errors.Is(err, ErrNotFound) {
		return StoreRecord{}, fmt.Errorf("store record %s: %w", id, ErrNotFound)
	}
	return rec, err
}

func (s *Store) ListStores(ctx context.Context) ([]StoreRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+storeColumns+` FROM stores ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StoreRecord
	for rows.Next() {
		rec, err := scanStore(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteStore removes a registry record. When no other record shares its
// store id, every user's assignments and active selection for that store id
// are dropped too.
func (s *Store) DeleteStore(ctx context.Context, id string) (StoreRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return StoreRecord{}, fmt.Errorf("beginning delete transaction: %w", err)
	}
	defer tx.Rollback()

	rec, err := scanStore(tx.QueryRowContext(ctx, `SELECT `+storeColumns+` FROM stores WHERE id = ?`, id))
	if errors.Is(err, ErrNotFound) {
		return StoreRecord{}, fmt.Errorf("store record %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return StoreRecord{}, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM stores WHERE id = ?`, id); err != nil {
		return StoreRecord{}, fmt.Errorf("deleting store: %w", err)
	}

	var remaining int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM stores WHERE store_id = ?`, rec.StoreID).Scan(&remaining); err != nil {
		return StoreRecord{}, err
	}
	if remaining == 0 {
		for _, stmt := range []string{
			`DELETE FROM assignments WHERE store_id = ?`,
			`DELETE FROM user_stores WHERE store_id = ?`,
			`UPDATE users SET active_store_id = '', active_assignment = '' WHERE active_store_id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, stmt, rec.StoreID); err != nil {
				return StoreRecord{}, fmt.Errorf("clearing assignments for %s: %w", rec.StoreID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return StoreRecord{}, err
	}
	return rec, nil
}

func scanStore(row rowScanner) (StoreRecord, error) {
	var rec StoreRecord
	var createdAt string
	err := row.Scan(&rec.ID, &rec.URI, &rec.StoreID, &rec.ContainerID, &rec.Name, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return StoreRecord{}, ErrNotFound
	}
	if err != nil {
		return StoreRecord{}, err
	}
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return StoreRecord{}, err
	}
	return rec, nil
}
