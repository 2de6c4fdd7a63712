package advisory

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, mock
}

func advisoryRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "title", "severity", "tlp", "category",
		"author", "cvss", "executive_summary",
		"cve_ids", "target_sectors", "affected_products", "recommendations", "reference_urls",
		"patch_details", "mitre_tactics", "iocs",
		"published_at", "created_at", "updated_at",
	})
}

func TestStoreGet(t *testing.T) {
	db, mock := setupTestDB(t)

	mock.ExpectQuery("FROM advisories WHERE id").
		WithArgs("adv-1").
		WillReturnRows(advisoryRows().AddRow(
			"adv-1", "Zero Day", "critical", "amber", "Vulnerability",
			"SOC", "9.8", "Summary",
			pq.Array([]string{"CVE-2026-1234"}), pq.Array([]string{}), pq.Array([]string{}),
			pq.Array([]string{"Patch now"}), pq.Array([]string{}),
			"", []byte(`[{"name":"Initial Access","id":"T1190","technique":"Exploit"}]`),
			[]byte(`[{"type":"ip","value":"203.0.113.50"}]`),
			nil, time.Now(), time.Now()))

	store := NewStore(db)
	a, err := store.Get(context.Background(), "adv-1")
	require.NoError(t, err)

	assert.Equal(t, "Zero Day", a.Title)
	assert.Equal(t, SeverityCritical, a.Severity)
	assert.Equal(t, []string{"CVE-2026-1234"}, a.CVEIDs)
	require.Len(t, a.MitreTactics, 1)
	assert.Equal(t, "T1190", a.MitreTactics[0].ID)
	require.Len(t, a.IOCs, 1)
	assert.Equal(t, "203.0.113.50", a.IOCs[0].Value)
}

func TestStoreGetMissing(t *testing.T) {
	db, mock := setupTestDB(t)

	mock.ExpectQuery("FROM advisories WHERE id").
		WithArgs("adv-gone").
		WillReturnError(sql.ErrNoRows)

	store := NewStore(db)
	_, err := store.Get(context.Background(), "adv-gone")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreCreateMintsID(t *testing.T) {
	db, mock := setupTestDB(t)

	mock.ExpectExec("INSERT INTO advisories").
		WillReturnResult(sqlmock.NewResult(0, 1))

	store := NewStore(db)
	a := &Advisory{Title: "New Threat", Severity: SeverityHigh}
	require.NoError(t, store.Create(context.Background(), a))
	assert.NotEmpty(t, a.ID)
	assert.False(t, a.CreatedAt.IsZero())
}

func TestStoreCreateRequiresTitle(t *testing.T) {
	db, _ := setupTestDB(t)

	store := NewStore(db)
	err := store.Create(context.Background(), &Advisory{})
	assert.Error(t, err)
}
