// Package rotation persists per-page rotation edits. The viewer debounces
// edits into a pending map; this store only ever sees the de-duplicated
// final values, one upsert per flush.
package rotation

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	errs "github.com/caselens/viewercore/pkg/errors"
	"github.com/caselens/viewercore/pkg/postgres"
	"github.com/caselens/viewercore/pkg/resilience"
)

// PageRotation is one page's persisted rotation in degrees (0, 90, 180, 270).
type PageRotation struct {
	PageNumber int `json:"page_number"`
	Degrees    int `json:"degrees"`
}

// Store persists and fetches rotation maps per document.
type Store interface {
	Upsert(ctx context.Context, documentID string, rotations []PageRotation) error
	Fetch(ctx context.Context, documentID string) ([]PageRotation, error)
}

// PostgresStore keeps rotations in the page_rotations table, one row per
// (document, page).
type PostgresStore struct {
	client *postgres.Client
}

func NewPostgresStore(client *postgres.Client) *PostgresStore {
	return &PostgresStore{client: client}
}

// Upsert writes every rotation in one transaction. Degrees outside
// {0, 90, 180, 270} are rejected before touching the database.
func (s *PostgresStore) Upsert(ctx context.Context, documentID string, rotations []PageRotation) error {
	if documentID == "" {
		return fmt.Errorf("%w: empty document id", errs.ErrInvalidInput)
	}
	for _, r := range rotations {
		if r.PageNumber < 1 || r.Degrees%90 != 0 || r.Degrees < 0 || r.Degrees > 270 {
			return fmt.Errorf("%w: page %d degrees %d", errs.ErrInvalidInput, r.PageNumber, r.Degrees)
		}
	}
	if len(rotations) == 0 {
		return nil
	}

	err := resilience.Retry(ctx, "rotation-upsert", resilience.RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     500 * time.Millisecond,
	}, func() error {
		return s.client.InTx(ctx, func(tx *sql.Tx) error {
			stmt, err := tx.PrepareContext(ctx, `
				INSERT INTO page_rotations (document_id, page_number, degrees, updated_at)
				VALUES ($1, $2, $3, NOW())
				ON CONFLICT (document_id, page_number)
				DO UPDATE SET degrees = EXCLUDED.degrees, updated_at = NOW()`)
			if err != nil {
				return err
			}
			defer stmt.Close()
			for _, r := range rotations {
				if _, err := stmt.ExecContext(ctx, documentID, r.PageNumber, r.Degrees); err != nil {
					return err
				}
			}
			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("%w: upserting %d rotations for %s: %v",
			errs.ErrPersistence, len(rotations), documentID, err)
	}
	return nil
}

// Fetch returns every persisted rotation for the document, in page order.
func (s *PostgresStore) Fetch(ctx context.Context, documentID string) ([]PageRotation, error) {
	rows, err := s.client.DB.QueryContext(ctx, `
		SELECT page_number, degrees
		FROM page_rotations
		WHERE document_id = $1
		ORDER BY page_number`, documentID)
	if err != nil {
		return nil, fmt.Errorf("%w: fetching rotations for %s: %v", errs.ErrPersistence, documentID, err)
	}
	defer rows.Close()

	var rotations []PageRotation
	for rows.Next() {
		var r PageRotation
		if err := rows.Scan(&r.PageNumber, &r.Degrees); err != nil {
			return nil, fmt.Errorf("%w: scanning rotation row: %v", errs.ErrPersistence, err)
		}
		rotations = append(rotations, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: reading rotation rows: %v", errs.ErrPersistence, err)
	}
	return rotations, nil
}

// MemoryStore is an in-process Store for tests and degraded startup when
// Postgres is unavailable.
type MemoryStore struct {
	docs map[string]map[int]int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]map[int]int)}
}

func (s *MemoryStore) Upsert(_ context.Context, documentID string, rotations []PageRotation) error {
	pages, ok := s.docs[documentID]
	if !ok {
		pages = make(map[int]int)
		s.docs[documentID] = pages
	}
	for _, r := range rotations {
		pages[r.PageNumber] = r.Degrees
	}
	return nil
}

func (s *MemoryStore) Fetch(_ context.Context, documentID string) ([]PageRotation, error) {
	var rotations []PageRotation
	for page, deg := range s.docs[documentID] {
		rotations = append(rotations, PageRotation{PageNumber: page, Degrees: deg})
	}
	return rotations, nil
}
