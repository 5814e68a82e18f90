package services

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlaslearn/masterygraph-backend/internal/platform/apierr"
	"github.com/atlaslearn/masterygraph-backend/internal/platform/tuning"
	"github.com/atlaslearn/masterygraph-backend/internal/types"
)

func problemPayload(prompt string) map[string]any {
	return map[string]any{
		"prompt": prompt,
		"grading_spec": map[string]any{
			"kind": "io",
			"test_cases": []any{
				map[string]any{"input": "2", "expected": "4"},
			},
		},
		"hints":              []any{"think squares", "multiply by itself"},
		"reference_solution": "return n * n",
	}
}

func newPracticeFixture(t *testing.T, sandbox SandboxClient) (*practiceService, *fakeAI, *testRepos, *types.Concept) {
	t.Helper()
	gdb := testDB(t)
	r := newTestRepos(t, gdb)
	ai := newFakeAI()
	cfg, err := tuning.Load("")
	require.NoError(t, err)

	mastery := NewMasteryService(gdb, r.concepts, r.problems, r.attempts, r.mastery, r.reviews, cfg, nil, nil, testLogger(t))
	svc := NewPracticeService(gdb, r.concepts, r.problems, ai, sandbox, mastery, testLogger(t)).(*practiceService)

	collection := seedCollection(t, gdb, "math")
	concept := seedConcept(t, gdb, collection.ID, "Squaring")
	return svc, ai, r, concept
}

func TestGenerateProblemsPersistsValidated(t *testing.T) {
	svc, ai, r, concept := newPracticeFixture(t, &fakeSandbox{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ai.queue("practice_problem", problemPayload("variant prompt"), nil)
	}

	problems, err := svc.GenerateProblems(ctx, concept.ID, "", 3)
	require.NoError(t, err)
	require.Len(t, problems, 3)
	for _, p := range problems {
		assert.Equal(t, concept.ID, p.ConceptID)
		assert.Equal(t, concept.Difficulty, p.Difficulty)
		assert.Equal(t, "test-model", p.GeneratedByModel)
		assert.NotEmpty(t, p.GradingSpec)
	}

	stored, err := r.problems.GetByConceptID(ctx, nil, concept.ID)
	require.NoError(t, err)
	assert.Len(t, stored, 3)
}

func TestGenerateProblemsHonorsRequestedDifficulty(t *testing.T) {
	svc, ai, _, concept := newPracticeFixture(t, &fakeSandbox{})
	ctx := context.Background()

	ai.queue("practice_problem", problemPayload("harder variant"), nil)

	problems, err := svc.GenerateProblems(ctx, concept.ID, "advanced", 1)
	require.NoError(t, err)
	require.Len(t, problems, 1)
	assert.Equal(t, types.DifficultyAdvanced, problems[0].Difficulty)
	assert.NotEqual(t, concept.Difficulty, problems[0].Difficulty)
}

func TestGenerateProblemsRetriesOnce(t *testing.T) {
	svc, ai, _, concept := newPracticeFixture(t, &fakeSandbox{})

	// First call returns a problem with no grading spec; the retry succeeds.
	ai.queue("practice_problem", map[string]any{"prompt": "no spec"}, nil)
	ai.queue("practice_problem", problemPayload("good"), nil)

	problems, err := svc.GenerateProblems(context.Background(), concept.ID, "", 1)
	require.NoError(t, err)
	require.Len(t, problems, 1)
	assert.Equal(t, "good", problems[0].Prompt)
}

func TestGenerateProblemsFailsWhenNothingUsable(t *testing.T) {
	svc, ai, _, concept := newPracticeFixture(t, &fakeSandbox{})

	ai.queue("practice_problem", map[string]any{"prompt": "no spec"}, nil)
	ai.queue("practice_problem", map[string]any{"prompt": ""}, nil)

	_, err := svc.GenerateProblems(context.Background(), concept.ID, "", 1)
	require.Error(t, err)
	assertAPICode(t, err, "generation_failed")
}

func TestGenerateProblemsRejectsOrphanedConcept(t *testing.T) {
	svc, _, r, concept := newPracticeFixture(t, &fakeSandbox{})
	ctx := context.Background()
	require.NoError(t, r.concepts.MarkOrphaned(ctx, nil, []uuid.UUID{concept.ID}))

	_, err := svc.GenerateProblems(ctx, concept.ID, "", 1)
	require.Error(t, err)
	assertAPICode(t, err, "orphaned_concept_reference")
}

func TestGradeRecordsAttempt(t *testing.T) {
	sandbox := &fakeSandbox{result: &SandboxResult{PassedCases: 3, TotalCases: 4, RawOutput: "3/4 passed"}}
	svc, _, r, concept := newPracticeFixture(t, sandbox)
	ctx := context.Background()
	problem := seedProblem(t, svc.db, concept.ID)
	learnerID := uuid.New()

	result, err := svc.Grade(ctx, GradeInput{
		LearnerID:  learnerID,
		ProblemID:  problem.ID,
		Submission: "return n * n",
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.75, result.Attempt.Score, 1e-9)
	assert.Equal(t, "3/4 passed", result.Attempt.Feedback)
	assert.Equal(t, 1, result.Mastery.AttemptsCount)
	assert.False(t, result.NewlyMastered)

	status, err := r.mastery.Get(ctx, nil, learnerID, concept.ID)
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.InDelta(t, 0.75, status.RollingSuccessRate, 1e-9)
}

func TestGradeTimeoutScoresZero(t *testing.T) {
	sandbox := &fakeSandbox{result: &SandboxResult{TimedOut: true, RawOutput: ""}}
	svc, _, _, concept := newPracticeFixture(t, sandbox)
	ctx := context.Background()
	problem := seedProblem(t, svc.db, concept.ID)

	result, err := svc.Grade(ctx, GradeInput{
		LearnerID:  uuid.New(),
		ProblemID:  problem.ID,
		Submission: "while true: pass",
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.0, result.Attempt.Score, 1e-9)
	assert.Equal(t, "execution timed out", result.Attempt.Feedback)
	assert.Equal(t, apierr.CodeGradingTimeout, result.WarningCode)
}

func TestGradeSuccessHasNoWarning(t *testing.T) {
	sandbox := &fakeSandbox{result: &SandboxResult{PassedCases: 1, TotalCases: 1, RawOutput: "ok"}}
	svc, _, _, concept := newPracticeFixture(t, sandbox)
	problem := seedProblem(t, svc.db, concept.ID)

	result, err := svc.Grade(context.Background(), GradeInput{
		LearnerID:  uuid.New(),
		ProblemID:  problem.ID,
		Submission: "return n",
	})
	require.NoError(t, err)
	assert.Empty(t, result.WarningCode)
}

func TestGradeValidation(t *testing.T) {
	svc, _, _, concept := newPracticeFixture(t, &fakeSandbox{})
	ctx := context.Background()
	problem := seedProblem(t, svc.db, concept.ID)

	_, err := svc.Grade(ctx, GradeInput{LearnerID: uuid.New(), ProblemID: problem.ID, Submission: "  "})
	require.Error(t, err)
	assertAPICode(t, err, "bad_request")

	_, err = svc.Grade(ctx, GradeInput{LearnerID: uuid.New(), ProblemID: uuid.New(), Submission: "x"})
	require.Error(t, err)
	assertAPICode(t, err, "not_found")
}
