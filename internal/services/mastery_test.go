package services

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlaslearn/masterygraph-backend/internal/platform/tuning"
	"github.com/atlaslearn/masterygraph-backend/internal/types"
)

func TestFoldAttemptStreakAndMastery(t *testing.T) {
	th := tuning.DefaultThresholds()
	status := types.MasteryStatus{}

	// Two strong scores, a miss, then three strong scores. The miss resets
	// the streak, so mastery arrives exactly on the sixth attempt.
	scores := []float64{0.95, 1.0, 0.5, 0.92, 0.95, 1.0}
	var masteredAt []int
	for i, score := range scores {
		status = foldAttempt(status, score, th)
		if status.Mastered {
			masteredAt = append(masteredAt, i)
		}
	}
	require.NotEmpty(t, masteredAt)
	assert.Equal(t, 5, masteredAt[0])
	assert.Equal(t, 6, status.AttemptsCount)
	assert.Equal(t, 3, status.ConsecutiveSuccesses)
}

func TestFoldAttemptEWMA(t *testing.T) {
	th := tuning.DefaultThresholds()
	status := types.MasteryStatus{}

	status = foldAttempt(status, 1.0, th)
	assert.InDelta(t, 1.0, status.RollingSuccessRate, 1e-9)

	status = foldAttempt(status, 0.0, th)
	assert.InDelta(t, 0.7, status.RollingSuccessRate, 1e-9)

	status = foldAttempt(status, 0.5, th)
	assert.InDelta(t, 0.3*0.5+0.7*0.7, status.RollingSuccessRate, 1e-9)
}

func TestFoldAttemptMasteryIsSticky(t *testing.T) {
	th := tuning.DefaultThresholds()
	status := types.MasteryStatus{}
	for i := 0; i < 3; i++ {
		status = foldAttempt(status, 1.0, th)
	}
	require.True(t, status.Mastered)

	for i := 0; i < 10; i++ {
		status = foldAttempt(status, 0.0, th)
	}
	assert.True(t, status.Mastered)
	assert.Equal(t, 0, status.ConsecutiveSuccesses)
}

func TestFoldAttemptNeedsMinimumAttempts(t *testing.T) {
	th := tuning.DefaultThresholds()
	th.MasteryStreak = 3

	status := types.MasteryStatus{}
	status = foldAttempt(status, 1.0, th)
	status = foldAttempt(status, 1.0, th)
	assert.False(t, status.Mastered)

	status = foldAttempt(status, 1.0, th)
	assert.True(t, status.Mastered)
}

func newMasteryFixture(t *testing.T) (*masteryService, *testRepos, *types.Concept, *types.PracticeProblem) {
	t.Helper()
	gdb := testDB(t)
	r := newTestRepos(t, gdb)
	cfg, err := tuning.Load("")
	require.NoError(t, err)

	svc := NewMasteryService(gdb, r.concepts, r.problems, r.attempts, r.mastery, r.reviews, cfg, nil, nil, testLogger(t)).(*masteryService)

	collection := seedCollection(t, gdb, "algebra")
	concept := seedConcept(t, gdb, collection.ID, "Linear Equations")
	problem := seedProblem(t, gdb, concept.ID)
	return svc, r, concept, problem
}

func TestRecordAttemptAppendsAndFolds(t *testing.T) {
	svc, _, concept, problem := newMasteryFixture(t)
	ctx := context.Background()
	learnerID := uuid.New()

	out, err := svc.RecordAttempt(ctx, RecordAttemptInput{
		LearnerID:  learnerID,
		Problem:    problem,
		Submission: "x = 2",
		Score:      0.95,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, out.Status.AttemptsCount)
	assert.Equal(t, 1, out.Status.ConsecutiveSuccesses)
	assert.False(t, out.Status.Mastered)
	assert.False(t, out.NewlyMastered)

	history, err := svc.AttemptHistory(ctx, learnerID, concept.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.InDelta(t, 0.95, history[0].Score, 1e-9)
}

func TestRecordAttemptMasteryEnrollsReview(t *testing.T) {
	svc, r, concept, problem := newMasteryFixture(t)
	ctx := context.Background()
	learnerID := uuid.New()

	var newlyMastered bool
	for i := 0; i < 3; i++ {
		out, err := svc.RecordAttempt(ctx, RecordAttemptInput{
			LearnerID:  learnerID,
			Problem:    problem,
			Submission: "x = 2",
			Score:      1.0,
		})
		require.NoError(t, err)
		newlyMastered = out.NewlyMastered
	}
	require.True(t, newlyMastered)

	status, err := svc.GetMastery(ctx, learnerID, concept.ID)
	require.NoError(t, err)
	assert.True(t, status.Mastered)
	require.NotNil(t, status.MasteredAt)

	schedules, err := r.reviews.ListByLearner(ctx, nil, learnerID)
	require.NoError(t, err)
	require.Len(t, schedules, 1)
	assert.Equal(t, problem.ID, schedules[0].ProblemID)
	assert.InDelta(t, 1.0, schedules[0].IntervalDays, 1e-9)
	assert.InDelta(t, 2.5, schedules[0].EaseFactor, 1e-9)

	// Mastering again must not duplicate or reset the schedule.
	_, err = svc.RecordAttempt(ctx, RecordAttemptInput{
		LearnerID:  learnerID,
		Problem:    problem,
		Submission: "x = 2",
		Score:      1.0,
	})
	require.NoError(t, err)
	schedules, err = r.reviews.ListByLearner(ctx, nil, learnerID)
	require.NoError(t, err)
	assert.Len(t, schedules, 1)
}

func TestRecordAttemptRejectsOrphanedConcept(t *testing.T) {
	svc, r, concept, problem := newMasteryFixture(t)
	ctx := context.Background()

	require.NoError(t, r.concepts.MarkOrphaned(ctx, nil, []uuid.UUID{concept.ID}))

	_, err := svc.RecordAttempt(ctx, RecordAttemptInput{
		LearnerID:  uuid.New(),
		Problem:    problem,
		Submission: "x",
		Score:      1.0,
	})
	require.Error(t, err)
	assertAPICode(t, err, "orphaned_concept_reference")
}

func TestRecordAttemptConcurrentFold(t *testing.T) {
	svc, _, concept, problem := newMasteryFixture(t)
	ctx := context.Background()
	learnerID := uuid.New()

	// Alternating pass/fail scores submitted concurrently. Every fold holds
	// the row lock, so each outcome's AttemptsCount is its position in the
	// serialization; folding the scores sequentially in that order must
	// reproduce the stored state exactly.
	const attempts = 50
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	scoreAt := make(map[int]float64, attempts)
	errs := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		score := 1.0
		if i%2 == 1 {
			score = 0.0
		}
		wg.Add(1)
		go func(score float64) {
			defer wg.Done()
			out, err := svc.RecordAttempt(ctx, RecordAttemptInput{
				LearnerID:  learnerID,
				Problem:    problem,
				Submission: "x = 2",
				Score:      score,
			})
			if err == nil {
				mu.Lock()
				scoreAt[out.Status.AttemptsCount] = score
				mu.Unlock()
			}
			errs <- err
		}(score)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.Len(t, scoreAt, attempts)

	th := tuning.DefaultThresholds()
	oracle := types.MasteryStatus{}
	for pos := 1; pos <= attempts; pos++ {
		oracle = foldAttempt(oracle, scoreAt[pos], th)
	}

	status, err := svc.GetMastery(ctx, learnerID, concept.ID)
	require.NoError(t, err)
	assert.Equal(t, attempts, status.AttemptsCount)
	assert.Equal(t, oracle.ConsecutiveSuccesses, status.ConsecutiveSuccesses)
	assert.Equal(t, oracle.Mastered, status.Mastered)
	assert.InDelta(t, oracle.RollingSuccessRate, status.RollingSuccessRate, 1e-9)

	history, err := svc.AttemptHistory(ctx, learnerID, concept.ID)
	require.NoError(t, err)
	assert.Len(t, history, attempts)
}
