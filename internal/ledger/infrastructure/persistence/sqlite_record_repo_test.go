package persistence

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tallyhq/tally/internal/ledger/domain"
	sharedDomain "github.com/tallyhq/tally/internal/shared/domain"
	"github.com/tallyhq/tally/internal/shared/infrastructure/migrations"

	_ "modernc.org/sqlite"
)

func setupRecordTestDB(t *testing.T) *sql.DB {
	t.Helper()

	sqlDB, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, migrations.RunSQLiteMigrations(context.Background(), sqlDB))
	return sqlDB
}

func testPeriod() (time.Time, time.Time) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}

func TestSQLiteRecordRepository_CreateOrGet_Inserts(t *testing.T) {
	sqlDB := setupRecordTestDB(t)
	defer sqlDB.Close()

	repo := NewSQLiteRecordRepository(sqlDB)
	ctx := context.Background()

	start, end := testPeriod()
	ws := sharedDomain.NewWorkspaceID(uuid.New())
	record := domain.NewRecord(ws, domain.KindSubscriptionCharge, sharedDomain.USD(3440), start, end)

	stored, created, err := repo.CreateOrGet(ctx, record)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, record.ID, stored.ID)

	loaded, err := repo.FindByID(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, sharedDomain.USD(3440), loaded.Amount)
	assert.Equal(t, domain.StatusPending, loaded.Status)
	assert.True(t, loaded.PeriodStart.Equal(start))
}

func TestSQLiteRecordRepository_CreateOrGet_ReturnsExisting(t *testing.T) {
	sqlDB := setupRecordTestDB(t)
	defer sqlDB.Close()

	repo := NewSQLiteRecordRepository(sqlDB)
	ctx := context.Background()

	start, end := testPeriod()
	ws := sharedDomain.NewWorkspaceID(uuid.New())

	first := domain.NewRecord(ws, domain.KindSubscriptionCharge, sharedDomain.USD(1900), start, end)
	_, created, err := repo.CreateOrGet(ctx, first)
	require.NoError(t, err)
	require.True(t, created)

	second := domain.NewRecord(ws, domain.KindSubscriptionCharge, sharedDomain.USD(1900), start, end)
	stored, created, err := repo.CreateOrGet(ctx, second)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, stored.ID)

	records, err := repo.ListByWorkspace(ctx, ws)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestSQLiteRecordRepository_DisputedRowDoesNotBlockReissue(t *testing.T) {
	sqlDB := setupRecordTestDB(t)
	defer sqlDB.Close()

	repo := NewSQLiteRecordRepository(sqlDB)
	ctx := context.Background()

	start, end := testPeriod()
	ws := sharedDomain.NewWorkspaceID(uuid.New())

	first := domain.NewRecord(ws, domain.KindRevenueShare, sharedDomain.USD(9900), start, end)
	_, _, err := repo.CreateOrGet(ctx, first)
	require.NoError(t, err)
	require.NoError(t, repo.UpdateStatus(ctx, first.ID, domain.StatusPaid))
	require.NoError(t, repo.UpdateStatus(ctx, first.ID, domain.StatusDisputed))

	// The disputed row falls out of the uniqueness scope; a corrected record
	// for the same period can be written.
	second := domain.NewRecord(ws, domain.KindRevenueShare, sharedDomain.USD(15000), start, end)
	stored, created, err := repo.CreateOrGet(ctx, second)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, second.ID, stored.ID)

	found, err := repo.FindByPeriod(ctx, ws, domain.KindRevenueShare, start, end)
	require.NoError(t, err)
	assert.Equal(t, second.ID, found.ID)
}

func TestSQLiteRecordRepository_KindsDoNotCollide(t *testing.T) {
	sqlDB := setupRecordTestDB(t)
	defer sqlDB.Close()

	repo := NewSQLiteRecordRepository(sqlDB)
	ctx := context.Background()

	start, end := testPeriod()
	ws := sharedDomain.NewWorkspaceID(uuid.New())

	_, created, err := repo.CreateOrGet(ctx, domain.NewRecord(ws, domain.KindSubscriptionCharge, sharedDomain.USD(1900), start, end))
	require.NoError(t, err)
	assert.True(t, created)

	_, created, err = repo.CreateOrGet(ctx, domain.NewRecord(ws, domain.KindRevenueShare, sharedDomain.USD(9900), start, end))
	require.NoError(t, err)
	assert.True(t, created)
}

func TestSQLiteRecordRepository_UpdateStatus_NotFound(t *testing.T) {
	sqlDB := setupRecordTestDB(t)
	defer sqlDB.Close()

	repo := NewSQLiteRecordRepository(sqlDB)

	err := repo.UpdateStatus(context.Background(), uuid.New(), domain.StatusPaid)
	assert.ErrorIs(t, err, domain.ErrRecordNotFound)
}

func TestSQLiteRecordRepository_FindByPeriod_NotFound(t *testing.T) {
	sqlDB := setupRecordTestDB(t)
	defer sqlDB.Close()

	repo := NewSQLiteRecordRepository(sqlDB)

	start, end := testPeriod()
	_, err := repo.FindByPeriod(context.Background(), sharedDomain.NewWorkspaceID(uuid.New()), domain.KindSubscriptionCharge, start, end)
	assert.ErrorIs(t, err, domain.ErrRecordNotFound)
}
