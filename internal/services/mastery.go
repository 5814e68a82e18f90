package services

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/atlaslearn/masterygraph-backend/internal/clients/redis"
	"github.com/atlaslearn/masterygraph-backend/internal/platform/apierr"
	"github.com/atlaslearn/masterygraph-backend/internal/platform/logger"
	"github.com/atlaslearn/masterygraph-backend/internal/platform/tuning"
	"github.com/atlaslearn/masterygraph-backend/internal/repos"
	"github.com/atlaslearn/masterygraph-backend/internal/sse"
	"github.com/atlaslearn/masterygraph-backend/internal/types"
)

type RecordAttemptInput struct {
	LearnerID      uuid.UUID
	Problem        *types.PracticeProblem
	Submission     string
	Score          float64 // 0..1
	Feedback       string
	ElapsedSeconds int
}

type AttemptOutcome struct {
	Attempt       *types.Attempt
	Status        *types.MasteryStatus
	NewlyMastered bool
}

type MasteryService interface {
	RecordAttempt(ctx context.Context, in RecordAttemptInput) (*AttemptOutcome, error)
	GetMastery(ctx context.Context, learnerID, conceptID uuid.UUID) (*types.MasteryStatus, error)
	AttemptHistory(ctx context.Context, learnerID, conceptID uuid.UUID) ([]*types.Attempt, error)
}

type masteryService struct {
	db          *gorm.DB
	conceptRepo repos.ConceptRepo
	problemRepo repos.PracticeProblemRepo
	attemptRepo repos.AttemptRepo
	masteryRepo repos.MasteryStatusRepo
	reviewRepo  repos.ReviewScheduleRepo
	cfg         *tuning.Config
	hub         *sse.SSEHub
	bus         redis.NotifyBus
	log         *logger.Logger
}

func NewMasteryService(
	db *gorm.DB,
	conceptRepo repos.ConceptRepo,
	problemRepo repos.PracticeProblemRepo,
	attemptRepo repos.AttemptRepo,
	masteryRepo repos.MasteryStatusRepo,
	reviewRepo repos.ReviewScheduleRepo,
	cfg *tuning.Config,
	hub *sse.SSEHub,
	bus redis.NotifyBus,
	baseLog *logger.Logger,
) MasteryService {
	return &masteryService{
		db:          db,
		conceptRepo: conceptRepo,
		problemRepo: problemRepo,
		attemptRepo: attemptRepo,
		masteryRepo: masteryRepo,
		reviewRepo:  reviewRepo,
		cfg:         cfg,
		hub:         hub,
		bus:         bus,
		log:         baseLog.With("service", "MasteryService"),
	}
}

func (s *masteryService) notify(ctx context.Context, msg sse.SSEMessage) {
	if s.bus != nil {
		if err := s.bus.Publish(ctx, msg); err != nil {
			s.log.Warn("failed to publish notify message", "error", err, "event", msg.Event)
		}
		return
	}
	if s.hub != nil {
		s.hub.Broadcast(msg)
	}
}

// RecordAttempt appends the attempt and folds its score into the learner's
// mastery state for the problem's concept. The fold runs inside a transaction
// holding a row lock on the (learner, concept) status, so concurrent attempts
// serialize into some order and every score lands exactly once.
func (s *masteryService) RecordAttempt(ctx context.Context, in RecordAttemptInput) (*AttemptOutcome, error) {
	if in.Problem == nil {
		return nil, apierr.New(http.StatusBadRequest, apierr.CodeBadRequest, fmt.Errorf("attempt requires a problem"))
	}
	score := in.Score
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}

	concepts, err := s.conceptRepo.GetByIDs(ctx, nil, []uuid.UUID{in.Problem.ConceptID})
	if err != nil {
		return nil, err
	}
	if len(concepts) == 0 {
		return nil, apierr.New(http.StatusNotFound, apierr.CodeNotFound, fmt.Errorf("concept %s not found", in.Problem.ConceptID))
	}
	concept := concepts[0]
	if concept.Orphaned {
		return nil, apierr.New(http.StatusUnprocessableEntity, apierr.CodeOrphanedConcept,
			fmt.Errorf("concept %s was superseded by re-extraction", concept.ID))
	}

	th := s.cfg.ForCollection(concept.CollectionID.String())

	var outcome AttemptOutcome
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		appended, err := s.attemptRepo.Append(ctx, tx, []*types.Attempt{{
			ID:             uuid.New(),
			LearnerID:      in.LearnerID,
			ProblemID:      in.Problem.ID,
			Submission:     in.Submission,
			Score:          score,
			Feedback:       in.Feedback,
			ElapsedSeconds: in.ElapsedSeconds,
		}})
		if err != nil {
			return err
		}
		outcome.Attempt = appended[0]

		if err := s.masteryRepo.EnsureRow(ctx, tx, in.LearnerID, concept.ID); err != nil {
			return err
		}
		status, err := s.masteryRepo.GetForUpdate(ctx, tx, in.LearnerID, concept.ID)
		if err != nil {
			return err
		}
		if status == nil {
			return fmt.Errorf("mastery row missing after ensure for learner %s concept %s", in.LearnerID, concept.ID)
		}

		next := foldAttempt(*status, score, th)
		outcome.NewlyMastered = next.Mastered && !status.Mastered

		updates := map[string]interface{}{
			"consecutive_successes": next.ConsecutiveSuccesses,
			"attempts_count":        next.AttemptsCount,
			"rolling_success_rate":  next.RollingSuccessRate,
			"mastered":              next.Mastered,
		}
		if outcome.NewlyMastered {
			now := time.Now()
			next.MasteredAt = &now
			updates["mastered_at"] = &now
		}
		if err := s.masteryRepo.UpdateFields(ctx, tx, status.ID, updates); err != nil {
			return err
		}
		outcome.Status = &next

		if outcome.NewlyMastered {
			if err := s.enrollConceptForReview(ctx, tx, in.LearnerID, concept.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if outcome.NewlyMastered {
		s.log.Info("concept mastered", "learner_id", in.LearnerID, "concept_id", concept.ID)
		s.notify(ctx, sse.SSEMessage{
			Channel: fmt.Sprintf("learner:%s", in.LearnerID),
			Event:   sse.SSEEventConceptMastered,
			Data: map[string]any{
				"concept_id":    concept.ID,
				"collection_id": concept.CollectionID,
			},
		})
	}
	return &outcome, nil
}

// foldAttempt applies one graded score to a mastery snapshot. The rolling rate
// is an exponential moving average; the streak counts consecutive scores at or
// above the mastery threshold. Mastery is sticky once reached.
func foldAttempt(status types.MasteryStatus, score float64, th tuning.Thresholds) types.MasteryStatus {
	if status.AttemptsCount == 0 {
		status.RollingSuccessRate = score
	} else {
		alpha := th.SuccessRateAlpha
		status.RollingSuccessRate = alpha*score + (1-alpha)*status.RollingSuccessRate
	}
	status.AttemptsCount++

	if score >= th.MasteryThreshold {
		status.ConsecutiveSuccesses++
	} else {
		status.ConsecutiveSuccesses = 0
	}

	if !status.Mastered &&
		status.ConsecutiveSuccesses >= th.MasteryStreak &&
		status.AttemptsCount >= th.MasteryStreak {
		status.Mastered = true
	}
	return status
}

// enrollConceptForReview seeds a one-day schedule for each of the concept's
// problems. Enrollment is idempotent; existing schedules are left alone.
func (s *masteryService) enrollConceptForReview(ctx context.Context, tx *gorm.DB, learnerID, conceptID uuid.UUID) error {
	problems, err := s.problemRepo.GetByConceptID(ctx, tx, conceptID)
	if err != nil {
		return err
	}
	if len(problems) == 0 {
		return nil
	}
	next := time.Now().Add(24 * time.Hour)
	schedules := make([]*types.ReviewSchedule, 0, len(problems))
	for _, p := range problems {
		schedules = append(schedules, &types.ReviewSchedule{
			ID:              uuid.New(),
			LearnerID:       learnerID,
			ProblemID:       p.ID,
			NextReviewAt:    next,
			IntervalDays:    1,
			EaseFactor:      2.5,
			RepetitionCount: 0,
		})
	}
	return s.reviewRepo.Enroll(ctx, tx, schedules)
}

func (s *masteryService) GetMastery(ctx context.Context, learnerID, conceptID uuid.UUID) (*types.MasteryStatus, error) {
	status, err := s.masteryRepo.Get(ctx, nil, learnerID, conceptID)
	if err != nil {
		return nil, err
	}
	if status == nil {
		// No attempts yet reads as a zeroed status, not an error.
		return &types.MasteryStatus{LearnerID: learnerID, ConceptID: conceptID}, nil
	}
	return status, nil
}

// AttemptHistory returns the learner's attempts across all the concept's
// problems in submission order.
func (s *masteryService) AttemptHistory(ctx context.Context, learnerID, conceptID uuid.UUID) ([]*types.Attempt, error) {
	problems, err := s.problemRepo.GetByConceptID(ctx, nil, conceptID)
	if err != nil {
		return nil, err
	}
	if len(problems) == 0 {
		return []*types.Attempt{}, nil
	}
	ids := make([]uuid.UUID, 0, len(problems))
	for _, p := range problems {
		ids = append(ids, p.ID)
	}
	return s.attemptRepo.GetByLearnerAndProblemIDs(ctx, nil, learnerID, ids)
}
