package advisory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// ErrNotFound means no advisory exists with the given id.
var ErrNotFound = errors.New("advisory not found")

// ListFilters narrows List results. Zero values mean "no filter".
type ListFilters struct {
	Severity string
	Category string
	Since    *time.Time
	Limit    int
}

// Store persists advisories in PostgreSQL. String lists use native
// arrays; the structured tactic and IOC lists are JSONB.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store on the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts a new advisory, minting an id if none is set.
func (s *Store) Create(ctx context.Context, a *Advisory) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.Title == "" {
		return errors.New("advisory title is required")
	}
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now

	tactics, err := json.Marshal(a.MitreTactics)
	if err != nil {
		return fmt.Errorf("encoding mitre tactics: %w", err)
	}
	iocs, err := json.Marshal(a.IOCs)
	if err != nil {
		return fmt.Errorf("encoding iocs: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO advisories
			(id, title, severity, tlp, category, author, cvss, executive_summary,
			 cve_ids, target_sectors, affected_products, recommendations, reference_urls,
			 patch_details, mitre_tactics, iocs, published_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`, a.ID, a.Title, a.Severity, a.TLP, a.Category, a.Author, a.CVSS, a.ExecutiveSummary,
		pq.Array(a.CVEIDs), pq.Array(a.TargetSectors), pq.Array(a.AffectedProducts),
		pq.Array(a.Recommendations), pq.Array(a.References),
		a.PatchDetails, tactics, iocs, a.PublishedAt, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting advisory: %w", err)
	}
	return nil
}

// Get loads one advisory by id.
func (s *Store) Get(ctx context.Context, id string) (*Advisory, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, severity, COALESCE(tlp, ''), COALESCE(category, ''),
			   COALESCE(author, ''), COALESCE(cvss, ''), COALESCE(executive_summary, ''),
			   cve_ids, target_sectors, affected_products, recommendations, reference_urls,
			   COALESCE(patch_details, ''), mitre_tactics, iocs,
			   published_at, created_at, updated_at
		FROM advisories WHERE id = $1
	`, id)
	a, err := scanAdvisory(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return a, err
}

// List returns advisories matching the filters, newest first.
func (s *Store) List(ctx context.Context, f ListFilters) ([]*Advisory, error) {
	query := `
		SELECT id, title, severity, COALESCE(tlp, ''), COALESCE(category, ''),
			   COALESCE(author, ''), COALESCE(cvss, ''), COALESCE(executive_summary, ''),
			   cve_ids, target_sectors, affected_products, recommendations, reference_urls,
			   COALESCE(patch_details, ''), mitre_tactics, iocs,
			   published_at, created_at, updated_at
		FROM advisories WHERE 1=1`
	var args []interface{}
	if f.Severity != "" {
		args = append(args, f.Severity)
		query += fmt.Sprintf(" AND severity = $%d", len(args))
	}
	if f.Category != "" {
		args = append(args, f.Category)
		query += fmt.Sprintf(" AND category = $%d", len(args))
	}
	if f.Since != nil {
		args = append(args, *f.Since)
		query += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing advisories: %w", err)
	}
	defer rows.Close()

	var out []*Advisory
	for rows.Next() {
		a, err := scanAdvisory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAdvisory(row scanner) (*Advisory, error) {
	a := &Advisory{}
	var tactics, iocs []byte
	err := row.Scan(&a.ID, &a.Title, &a.Severity, &a.TLP, &a.Category,
		&a.Author, &a.CVSS, &a.ExecutiveSummary,
		pq.Array(&a.CVEIDs), pq.Array(&a.TargetSectors), pq.Array(&a.AffectedProducts),
		pq.Array(&a.Recommendations), pq.Array(&a.References),
		&a.PatchDetails, &tactics, &iocs,
		&a.PublishedAt, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(tactics) > 0 {
		if err := json.Unmarshal(tactics, &a.MitreTactics); err != nil {
			return nil, fmt.Errorf("decoding mitre tactics: %w", err)
		}
	}
	if len(iocs) > 0 {
		if err := json.Unmarshal(iocs, &a.IOCs); err != nil {
			return nil, fmt.Errorf("decoding iocs: %w", err)
		}
	}
	return a, nil
}
