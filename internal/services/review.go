package services

import (
	"context"
	"fmt"
	"net/http"
	"sync"
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

const (
	minEaseFactor = 1.3

	reviewSweepTick = 1 * time.Minute
	// One ReviewsDue nudge per learner per window; the due queue itself stays
	// queryable at any time.
	reviewNotifyWindow = 1 * time.Hour
)

type ReviewService interface {
	RecordReview(ctx context.Context, learnerID, problemID uuid.UUID, score float64) (*types.ReviewSchedule, error)
	DueReviews(ctx context.Context, learnerID uuid.UUID, asOf time.Time) ([]*types.ReviewSchedule, error)
	ListSchedules(ctx context.Context, learnerID uuid.UUID) ([]*types.ReviewSchedule, error)
	StartSweep(ctx context.Context)
}

type reviewService struct {
	db          *gorm.DB
	reviewRepo  repos.ReviewScheduleRepo
	problemRepo repos.PracticeProblemRepo
	conceptRepo repos.ConceptRepo
	cfg         *tuning.Config
	hub         *sse.SSEHub
	bus         redis.NotifyBus

	notifyMu   sync.Mutex
	lastNotify map[uuid.UUID]time.Time

	log *logger.Logger
}

func NewReviewService(
	db *gorm.DB,
	reviewRepo repos.ReviewScheduleRepo,
	problemRepo repos.PracticeProblemRepo,
	conceptRepo repos.ConceptRepo,
	cfg *tuning.Config,
	hub *sse.SSEHub,
	bus redis.NotifyBus,
	baseLog *logger.Logger,
) ReviewService {
	return &reviewService{
		db:          db,
		reviewRepo:  reviewRepo,
		problemRepo: problemRepo,
		conceptRepo: conceptRepo,
		cfg:         cfg,
		hub:         hub,
		bus:         bus,
		lastNotify:  make(map[uuid.UUID]time.Time),
		log:         baseLog.With("service", "ReviewService"),
	}
}

// RecordReview advances one schedule from a graded review. A passing score
// stretches the interval by the (re-weighted) ease factor; a failing one
// resets the interval to a day and the repetition count to zero while leaving
// the ease factor where the learner earned it.
func (s *reviewService) RecordReview(ctx context.Context, learnerID, problemID uuid.UUID, score float64) (*types.ReviewSchedule, error) {
	if score < 0 || score > 1 {
		return nil, apierr.New(http.StatusBadRequest, apierr.CodeBadRequest, fmt.Errorf("score must be in [0,1]"))
	}

	problems, err := s.problemRepo.GetByIDs(ctx, nil, []uuid.UUID{problemID})
	if err != nil {
		return nil, err
	}
	if len(problems) == 0 {
		return nil, apierr.New(http.StatusNotFound, apierr.CodeNotFound, fmt.Errorf("problem %s not found", problemID))
	}

	concepts, err := s.conceptRepo.GetByIDs(ctx, nil, []uuid.UUID{problems[0].ConceptID})
	if err != nil {
		return nil, err
	}
	th := s.cfg.ForCollection("")
	if len(concepts) > 0 {
		th = s.cfg.ForCollection(concepts[0].CollectionID.String())
	}

	var updated *types.ReviewSchedule
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		schedule, err := s.reviewRepo.GetForUpdate(ctx, tx, learnerID, problemID)
		if err != nil {
			return err
		}
		if schedule == nil {
			return apierr.New(http.StatusNotFound, apierr.CodeNotFound,
				fmt.Errorf("no review schedule for learner %s problem %s", learnerID, problemID))
		}

		now := time.Now()
		next := advanceSchedule(*schedule, score, now, th)
		if err := s.reviewRepo.UpdateFields(ctx, tx, schedule.ID, map[string]interface{}{
			"next_review_at":   next.NextReviewAt,
			"interval_days":    next.IntervalDays,
			"ease_factor":      next.EaseFactor,
			"repetition_count": next.RepetitionCount,
			"last_review_at":   &now,
			"last_score":       score,
		}); err != nil {
			return err
		}
		updated = &next
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Debug("review recorded",
		"learner_id", learnerID,
		"problem_id", problemID,
		"score", score,
		"interval_days", updated.IntervalDays,
	)
	return updated, nil
}

// advanceSchedule is the pure scheduling step. Pass/fail splits on the review
// pass threshold; intervals are capped so a schedule never drifts past the
// configured horizon.
func advanceSchedule(schedule types.ReviewSchedule, score float64, now time.Time, th tuning.Thresholds) types.ReviewSchedule {
	if score >= th.ReviewPassThreshold {
		q := score
		ease := schedule.EaseFactor + (0.1 - (1-q)*(0.08+(1-q)*0.02))
		if ease < minEaseFactor {
			ease = minEaseFactor
		}
		interval := schedule.IntervalDays * ease
		if interval > th.MaxIntervalDays {
			interval = th.MaxIntervalDays
		}
		schedule.EaseFactor = ease
		schedule.IntervalDays = interval
		schedule.RepetitionCount++
	} else {
		schedule.IntervalDays = 1
		schedule.RepetitionCount = 0
	}

	last := now
	schedule.LastReviewAt = &last
	schedule.LastScore = score
	schedule.NextReviewAt = now.Add(time.Duration(schedule.IntervalDays * float64(24*time.Hour)))
	return schedule
}

func (s *reviewService) DueReviews(ctx context.Context, learnerID uuid.UUID, asOf time.Time) ([]*types.ReviewSchedule, error) {
	if asOf.IsZero() {
		asOf = time.Now()
	}
	return s.reviewRepo.DueBefore(ctx, nil, learnerID, asOf)
}

func (s *reviewService) ListSchedules(ctx context.Context, learnerID uuid.UUID) ([]*types.ReviewSchedule, error) {
	return s.reviewRepo.ListByLearner(ctx, nil, learnerID)
}

func (s *reviewService) notify(ctx context.Context, msg sse.SSEMessage) {
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

// StartSweep periodically looks for learners with due reviews and nudges them
// over SSE, rate limited per learner.
func (s *reviewService) StartSweep(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(reviewSweepTick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweepOnce(ctx)
			}
		}
	}()
}

func (s *reviewService) sweepOnce(ctx context.Context) {
	now := time.Now()
	learners, err := s.reviewRepo.LearnersWithDue(ctx, nil, now)
	if err != nil {
		s.log.Error("review sweep failed", "error", err)
		return
	}
	for _, learnerID := range learners {
		if !s.shouldNotify(learnerID, now) {
			continue
		}
		due, err := s.reviewRepo.DueBefore(ctx, nil, learnerID, now)
		if err != nil {
			s.log.Warn("failed to load due reviews", "error", err, "learner_id", learnerID)
			continue
		}
		if len(due) == 0 {
			continue
		}
		s.notify(ctx, sse.SSEMessage{
			Channel: fmt.Sprintf("learner:%s", learnerID),
			Event:   sse.SSEEventReviewsDue,
			Data:    map[string]any{"due_count": len(due)},
		})
	}
}

func (s *reviewService) shouldNotify(learnerID uuid.UUID, now time.Time) bool {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	if last, ok := s.lastNotify[learnerID]; ok && now.Sub(last) < reviewNotifyWindow {
		return false
	}
	s.lastNotify[learnerID] = now
	return true
}
