package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/atlaslearn/masterygraph-backend/internal/db"
	"github.com/atlaslearn/masterygraph-backend/internal/platform/apierr"
	"github.com/atlaslearn/masterygraph-backend/internal/platform/logger"
	"github.com/atlaslearn/masterygraph-backend/internal/repos"
	"github.com/atlaslearn/masterygraph-backend/internal/types"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("dev")
	require.NoError(t, err)
	return log
}

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", uuid.NewString())
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrateAll(gdb))
	return gdb
}

type testRepos struct {
	collections repos.CollectionRepo
	concepts    repos.ConceptRepo
	edges       repos.DependencyEdgeRepo
	problems    repos.PracticeProblemRepo
	attempts    repos.AttemptRepo
	mastery     repos.MasteryStatusRepo
	reviews     repos.ReviewScheduleRepo
	runs        repos.ExtractionRunRepo
}

func newTestRepos(t *testing.T, gdb *gorm.DB) *testRepos {
	t.Helper()
	log := testLogger(t)
	return &testRepos{
		collections: repos.NewCollectionRepo(gdb, log),
		concepts:    repos.NewConceptRepo(gdb, log),
		edges:       repos.NewDependencyEdgeRepo(gdb, log),
		problems:    repos.NewPracticeProblemRepo(gdb, log),
		attempts:    repos.NewAttemptRepo(gdb, log),
		mastery:     repos.NewMasteryStatusRepo(gdb, log),
		reviews:     repos.NewReviewScheduleRepo(gdb, log),
		runs:        repos.NewExtractionRunRepo(gdb, log),
	}
}

// fakeAI scripts GenerateJSON responses per schema name; each call pops the
// next scripted step for that schema.
type fakeAI struct {
	mu    sync.Mutex
	steps map[string][]fakeAIStep
	calls map[string]int
}

type fakeAIStep struct {
	out map[string]any
	err error
}

func newFakeAI() *fakeAI {
	return &fakeAI{steps: map[string][]fakeAIStep{}, calls: map[string]int{}}
}

func (f *fakeAI) queue(schemaName string, out map[string]any, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.steps[schemaName] = append(f.steps[schemaName], fakeAIStep{out: out, err: err})
}

func (f *fakeAI) GenerateJSON(_ context.Context, _, _, schemaName string, _ map[string]any) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[schemaName]++
	queue := f.steps[schemaName]
	if len(queue) == 0 {
		return nil, fmt.Errorf("no scripted response for schema %q", schemaName)
	}
	step := queue[0]
	f.steps[schemaName] = queue[1:]
	return step.out, step.err
}

func (f *fakeAI) Model() string { return "test-model" }

type fakeSandbox struct {
	result *SandboxResult
	err    error
}

func (f *fakeSandbox) Execute(_ context.Context, _ datatypes.JSON, _ string) (*SandboxResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &SandboxResult{PassedCases: 1, TotalCases: 1}, nil
}

func assertAPICode(t *testing.T, err error, code string) {
	t.Helper()
	var apiErr *apierr.Error
	require.True(t, errors.As(err, &apiErr), "expected *apierr.Error, got %T: %v", err, err)
	require.Equal(t, code, apiErr.Code)
}

func seedCollection(t *testing.T, gdb *gorm.DB, name string) *types.Collection {
	t.Helper()
	c := &types.Collection{ID: uuid.New(), Name: name}
	require.NoError(t, gdb.Create(c).Error)
	return c
}

func seedConcept(t *testing.T, gdb *gorm.DB, collectionID uuid.UUID, name string) *types.Concept {
	t.Helper()
	c := &types.Concept{
		ID:           uuid.New(),
		CollectionID: collectionID,
		Name:         name,
		Slug:         slugify(name),
		Description:  name + " description",
		ConceptType:  types.ConceptTypeDefinition,
		Difficulty:   types.DifficultyBeginner,
	}
	require.NoError(t, gdb.Create(c).Error)
	return c
}

func seedProblem(t *testing.T, gdb *gorm.DB, conceptID uuid.UUID) *types.PracticeProblem {
	t.Helper()
	p := &types.PracticeProblem{
		ID:          uuid.New(),
		ConceptID:   conceptID,
		Difficulty:  types.DifficultyBeginner,
		Prompt:      "solve it",
		GradingSpec: datatypes.JSON(`{"kind":"io","test_cases":[{"input":"1","expected":"1"}]}`),
	}
	require.NoError(t, gdb.Create(p).Error)
	return p
}
