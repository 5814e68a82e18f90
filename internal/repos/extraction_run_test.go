package repos

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/atlaslearn/masterygraph-backend/internal/db"
	"github.com/atlaslearn/masterygraph-backend/internal/platform/logger"
	"github.com/atlaslearn/masterygraph-backend/internal/types"
)

func newRunRepo(t *testing.T) (ExtractionRunRepo, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", uuid.NewString())
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrateAll(gdb))
	log, err := logger.New("dev")
	require.NoError(t, err)
	return NewExtractionRunRepo(gdb, log), gdb
}

func seedRun(t *testing.T, repo ExtractionRunRepo, mutate func(*types.ExtractionRun)) *types.ExtractionRun {
	t.Helper()
	run := &types.ExtractionRun{
		ID:           uuid.New(),
		LearnerID:    uuid.New(),
		CollectionID: uuid.New(),
		Status:       types.RunStatusQueued,
		Stage:        "concepts",
		MaterialText: "material",
	}
	if mutate != nil {
		mutate(run)
	}
	created, err := repo.Create(context.Background(), nil, []*types.ExtractionRun{run})
	require.NoError(t, err)
	return created[0]
}

func TestClaimNextRunnablePicksOldestQueued(t *testing.T) {
	repo, gdb := newRunRepo(t)
	ctx := context.Background()

	older := seedRun(t, repo, nil)
	require.NoError(t, gdb.Model(older).Update("created_at", time.Now().Add(-time.Hour)).Error)
	seedRun(t, repo, nil)

	claimed, err := repo.ClaimNextRunnable(ctx, nil, 3, 30*time.Second, 2*time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, older.ID, claimed.ID)

	rows, err := repo.GetByIDs(ctx, nil, []uuid.UUID{older.ID})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, types.RunStatusRunning, rows[0].Status)
	assert.Equal(t, 1, rows[0].Attempts)
	require.NotNil(t, rows[0].HeartbeatAt)
}

func TestClaimNextRunnableSkipsHealthyRunning(t *testing.T) {
	repo, _ := newRunRepo(t)
	ctx := context.Background()

	now := time.Now()
	seedRun(t, repo, func(r *types.ExtractionRun) {
		r.Status = types.RunStatusRunning
		r.HeartbeatAt = &now
	})

	claimed, err := repo.ClaimNextRunnable(ctx, nil, 3, 30*time.Second, 2*time.Minute)
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func TestClaimNextRunnableReclaimsStaleRunning(t *testing.T) {
	repo, _ := newRunRepo(t)
	ctx := context.Background()

	stale := time.Now().Add(-10 * time.Minute)
	run := seedRun(t, repo, func(r *types.ExtractionRun) {
		r.Status = types.RunStatusRunning
		r.HeartbeatAt = &stale
	})

	claimed, err := repo.ClaimNextRunnable(ctx, nil, 3, 30*time.Second, 2*time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, run.ID, claimed.ID)
}

func TestClaimNextRunnableRetriesFailedAfterDelay(t *testing.T) {
	repo, _ := newRunRepo(t)
	ctx := context.Background()

	recent := time.Now()
	seedRun(t, repo, func(r *types.ExtractionRun) {
		r.Status = types.RunStatusFailed
		r.Attempts = 1
		r.LastErrorAt = &recent
	})

	// Too soon to retry.
	claimed, err := repo.ClaimNextRunnable(ctx, nil, 3, 30*time.Second, 2*time.Minute)
	require.NoError(t, err)
	assert.Nil(t, claimed)

	// Past the delay it becomes runnable again.
	claimed, err = repo.ClaimNextRunnable(ctx, nil, 3, 0, 2*time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, 2, claimedAttempts(t, repo, claimed.ID))
}

func TestClaimNextRunnableRespectsMaxAttempts(t *testing.T) {
	repo, _ := newRunRepo(t)
	ctx := context.Background()

	old := time.Now().Add(-time.Hour)
	seedRun(t, repo, func(r *types.ExtractionRun) {
		r.Status = types.RunStatusFailed
		r.Attempts = 3
		r.LastErrorAt = &old
	})

	claimed, err := repo.ClaimNextRunnable(ctx, nil, 3, 30*time.Second, 2*time.Minute)
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func claimedAttempts(t *testing.T, repo ExtractionRunRepo, id uuid.UUID) int {
	t.Helper()
	rows, err := repo.GetByIDs(context.Background(), nil, []uuid.UUID{id})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	return rows[0].Attempts
}
