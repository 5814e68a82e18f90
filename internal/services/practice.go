package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/atlaslearn/masterygraph-backend/internal/platform/apierr"
	"github.com/atlaslearn/masterygraph-backend/internal/platform/logger"
	"github.com/atlaslearn/masterygraph-backend/internal/repos"
	"github.com/atlaslearn/masterygraph-backend/internal/types"
)

const (
	defaultProblemCount = 3
	maxProblemCount     = 10
	problemGenWorkers   = 4
)

type GradeInput struct {
	LearnerID      uuid.UUID
	ProblemID      uuid.UUID
	Submission     string
	ElapsedSeconds int
}

type GradeResult struct {
	Attempt       *types.Attempt      `json:"attempt"`
	Sandbox       *SandboxResult      `json:"sandbox"`
	Mastery       *types.MasteryStatus `json:"mastery"`
	NewlyMastered bool                `json:"newly_mastered"`

	// WarningCode carries non-fatal grading conditions, currently only a
	// sandbox timeout scored as zero.
	WarningCode string `json:"warning_code,omitempty"`
}

type PracticeService interface {
	GenerateProblems(ctx context.Context, conceptID uuid.UUID, difficulty string, count int) ([]*types.PracticeProblem, error)
	ListProblems(ctx context.Context, conceptID uuid.UUID) ([]*types.PracticeProblem, error)
	Grade(ctx context.Context, in GradeInput) (*GradeResult, error)
}

type practiceService struct {
	db          *gorm.DB
	conceptRepo repos.ConceptRepo
	problemRepo repos.PracticeProblemRepo
	ai          AIClient
	sandbox     SandboxClient
	mastery     MasteryService
	log         *logger.Logger
}

func NewPracticeService(
	db *gorm.DB,
	conceptRepo repos.ConceptRepo,
	problemRepo repos.PracticeProblemRepo,
	ai AIClient,
	sandbox SandboxClient,
	mastery MasteryService,
	baseLog *logger.Logger,
) PracticeService {
	return &practiceService{
		db:          db,
		conceptRepo: conceptRepo,
		problemRepo: problemRepo,
		ai:          ai,
		sandbox:     sandbox,
		mastery:     mastery,
		log:         baseLog.With("service", "PracticeService"),
	}
}

func (s *practiceService) loadConcept(ctx context.Context, conceptID uuid.UUID) (*types.Concept, error) {
	rows, err := s.conceptRepo.GetByIDs(ctx, nil, []uuid.UUID{conceptID})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, apierr.New(http.StatusNotFound, apierr.CodeNotFound, fmt.Errorf("concept %s not found", conceptID))
	}
	if rows[0].Orphaned {
		return nil, apierr.New(http.StatusUnprocessableEntity, apierr.CodeOrphanedConcept,
			fmt.Errorf("concept %s was superseded by re-extraction", conceptID))
	}
	return rows[0], nil
}

// GenerateProblems produces up to count auto-gradable problems for a concept
// at the requested difficulty, falling back to the concept's own. Generation
// runs concurrently with one retry per slot; whatever validated is persisted,
// and the call fails only when nothing did.
func (s *practiceService) GenerateProblems(ctx context.Context, conceptID uuid.UUID, difficulty string, count int) ([]*types.PracticeProblem, error) {
	if count <= 0 {
		count = defaultProblemCount
	}
	if count > maxProblemCount {
		count = maxProblemCount
	}

	concept, err := s.loadConcept(ctx, conceptID)
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(difficulty) == "" {
		difficulty = concept.Difficulty
	} else {
		difficulty = normalizeDifficulty(difficulty)
	}

	var (
		mu        sync.Mutex
		generated []*generatedProblem
		lastErr   error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(problemGenWorkers)
	for i := 0; i < count; i++ {
		i := i
		g.Go(func() error {
			p, err := s.generateOne(gctx, concept, difficulty, i)
			if err != nil {
				p, err = s.generateOne(gctx, concept, difficulty, i)
			}
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				lastErr = err
				return nil
			}
			generated = append(generated, p)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if len(generated) == 0 {
		cause := lastErr
		if cause == nil {
			cause = fmt.Errorf("collaborator produced no gradable problems")
		}
		s.log.Error("problem generation produced nothing usable", "concept_id", conceptID, "error", cause)
		return nil, apierr.New(http.StatusBadGateway, apierr.CodeGenerationFail, cause)
	}
	if lastErr != nil {
		s.log.Warn("problem generation partially failed",
			"concept_id", conceptID, "wanted", count, "got", len(generated), "error", lastErr)
	}

	rows := make([]*types.PracticeProblem, 0, len(generated))
	for _, p := range generated {
		hints, _ := json.Marshal(p.Hints)
		rows = append(rows, &types.PracticeProblem{
			ID:                uuid.New(),
			ConceptID:         concept.ID,
			Difficulty:        difficulty,
			Prompt:            p.Prompt,
			GradingSpec:       []byte(p.GradingSpec),
			Hints:             hints,
			ReferenceSolution: p.ReferenceSolution,
			GeneratedByModel:  s.ai.Model(),
		})
	}
	if _, err := s.problemRepo.Create(ctx, nil, rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *practiceService) generateOne(ctx context.Context, concept *types.Concept, difficulty string, variant int) (*generatedProblem, error) {
	user := fmt.Sprintf(
		"Concept: %s\nType: %s\nDifficulty: %s\nDescription: %s\n\nWrite practice problem variant %d for this concept. Make it distinct from other variants.",
		concept.Name, concept.ConceptType, difficulty, concept.Description, variant+1,
	)
	obj, err := s.ai.GenerateJSON(ctx, problemGenerationSystem, user, "practice_problem", problemSchema())
	if err != nil {
		return nil, err
	}
	return parseGeneratedProblem(obj)
}

func (s *practiceService) ListProblems(ctx context.Context, conceptID uuid.UUID) ([]*types.PracticeProblem, error) {
	if _, err := s.loadConcept(ctx, conceptID); err != nil {
		// Listing against an orphaned concept is still allowed for audit.
		var apiErr *apierr.Error
		if !errors.As(err, &apiErr) || apiErr.Code != apierr.CodeOrphanedConcept {
			return nil, err
		}
	}
	return s.problemRepo.GetByConceptID(ctx, nil, conceptID)
}

// Grade executes the submission against the problem's grading spec and folds
// the resulting score into the learner's mastery state. A sandbox timeout is a
// zero-score attempt, not an error.
func (s *practiceService) Grade(ctx context.Context, in GradeInput) (*GradeResult, error) {
	if strings.TrimSpace(in.Submission) == "" {
		return nil, apierr.New(http.StatusBadRequest, apierr.CodeBadRequest, fmt.Errorf("submission is required"))
	}

	problems, err := s.problemRepo.GetByIDs(ctx, nil, []uuid.UUID{in.ProblemID})
	if err != nil {
		return nil, err
	}
	if len(problems) == 0 {
		return nil, apierr.New(http.StatusNotFound, apierr.CodeNotFound, fmt.Errorf("problem %s not found", in.ProblemID))
	}
	problem := problems[0]

	if _, err := s.loadConcept(ctx, problem.ConceptID); err != nil {
		return nil, err
	}

	result, err := s.sandbox.Execute(ctx, problem.GradingSpec, in.Submission)
	if err != nil {
		return nil, err
	}

	feedback := result.RawOutput
	warning := ""
	if result.TimedOut {
		feedback = "execution timed out"
		warning = apierr.CodeGradingTimeout
	}

	outcome, err := s.mastery.RecordAttempt(ctx, RecordAttemptInput{
		LearnerID:      in.LearnerID,
		Problem:        problem,
		Submission:     in.Submission,
		Score:          result.Score(),
		Feedback:       feedback,
		ElapsedSeconds: in.ElapsedSeconds,
	})
	if err != nil {
		return nil, err
	}

	return &GradeResult{
		Attempt:       outcome.Attempt,
		Sandbox:       result,
		Mastery:       outcome.Status,
		NewlyMastered: outcome.NewlyMastered,
		WarningCode:   warning,
	}, nil
}
