package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlaslearn/masterygraph-backend/internal/platform/tuning"
	"github.com/atlaslearn/masterygraph-backend/internal/types"
)

func newRetentionFixture(t *testing.T) (*retentionService, *testRepos, *types.Collection) {
	t.Helper()
	gdb := testDB(t)
	r := newTestRepos(t, gdb)
	cfg, err := tuning.Load("")
	require.NoError(t, err)
	svc := NewRetentionService(gdb, r.collections, r.concepts, r.problems, r.mastery, r.reviews, cfg, testLogger(t)).(*retentionService)
	collection := seedCollection(t, gdb, "biology")
	return svc, r, collection
}

func markMastered(t *testing.T, r *testRepos, learnerID, conceptID uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, r.mastery.EnsureRow(ctx, nil, learnerID, conceptID))
	status, err := r.mastery.Get(ctx, nil, learnerID, conceptID)
	require.NoError(t, err)
	require.NoError(t, r.mastery.UpdateFields(ctx, nil, status.ID, map[string]interface{}{"mastered": true}))
}

func TestCognitiveStrengthEmptyCollection(t *testing.T) {
	svc, _, collection := newRetentionFixture(t)

	report, err := svc.CognitiveStrength(context.Background(), uuid.New(), collection.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, report.ConceptCount)
	assert.InDelta(t, 0.0, report.CognitiveStrength, 1e-9)
}

func TestCognitiveStrengthUnknownCollection(t *testing.T) {
	svc, _, _ := newRetentionFixture(t)
	_, err := svc.CognitiveStrength(context.Background(), uuid.New(), uuid.New())
	require.Error(t, err)
	assertAPICode(t, err, "not_found")
}

func TestCognitiveStrengthCoverageOnly(t *testing.T) {
	svc, r, collection := newRetentionFixture(t)
	learnerID := uuid.New()

	a := seedConcept(t, svc.db, collection.ID, "Cells")
	seedConcept(t, svc.db, collection.ID, "Tissues")
	markMastered(t, r, learnerID, a.ID)

	report, err := svc.CognitiveStrength(context.Background(), learnerID, collection.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, report.ConceptCount)
	assert.Equal(t, 1, report.MasteredCount)
	assert.InDelta(t, 0.5, report.MasteryComponent, 1e-9)
	// No schedules yet, so review freshness mirrors coverage.
	assert.InDelta(t, 0.5, report.ReviewComponent, 1e-9)
	assert.InDelta(t, 0.5, report.CognitiveStrength, 1e-9)
}

func TestCognitiveStrengthDecaysWhenOverdue(t *testing.T) {
	svc, r, collection := newRetentionFixture(t)
	ctx := context.Background()
	learnerID := uuid.New()

	concept := seedConcept(t, svc.db, collection.ID, "Photosynthesis")
	problem := seedProblem(t, svc.db, concept.ID)
	markMastered(t, r, learnerID, concept.ID)

	lastReview := time.Now().Add(-60 * 24 * time.Hour)
	// Reviewed perfectly once, then ignored for 45 days past due.
	require.NoError(t, r.reviews.Enroll(ctx, nil, []*types.ReviewSchedule{{
		ID:           uuid.New(),
		LearnerID:    learnerID,
		ProblemID:    problem.ID,
		NextReviewAt: time.Now().Add(-45 * 24 * time.Hour),
		IntervalDays: 15,
		EaseFactor:   2.5,
		LastReviewAt: &lastReview,
		LastScore:    1.0,
	}}))

	report, err := svc.CognitiveStrength(ctx, learnerID, collection.ID)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, report.MasteryComponent, 1e-9)
	// 45 of the 90-day window elapsed past due: half the credit remains.
	assert.InDelta(t, 0.5, report.ReviewComponent, 1e-2)
	assert.Less(t, report.CognitiveStrength, 1.0)
	assert.Greater(t, report.CognitiveStrength, report.ReviewComponent)
}

func TestCognitiveStrengthMonotoneInMastery(t *testing.T) {
	svc, r, collection := newRetentionFixture(t)
	ctx := context.Background()
	learnerID := uuid.New()

	concepts := make([]*types.Concept, 0, 4)
	for _, name := range []string{"One", "Two", "Three", "Four"} {
		concepts = append(concepts, seedConcept(t, svc.db, collection.ID, name))
	}

	var prev float64
	for _, c := range concepts {
		markMastered(t, r, learnerID, c.ID)
		report, err := svc.CognitiveStrength(ctx, learnerID, collection.ID)
		require.NoError(t, err)
		assert.Greater(t, report.CognitiveStrength, prev)
		prev = report.CognitiveStrength
	}
	assert.InDelta(t, 1.0, prev, 1e-9)
}
