package services

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/atlaslearn/masterygraph-backend/internal/platform/apierr"
	"github.com/atlaslearn/masterygraph-backend/internal/platform/logger"
	"github.com/atlaslearn/masterygraph-backend/internal/platform/tuning"
	"github.com/atlaslearn/masterygraph-backend/internal/repos"
)

// RetentionReport is the learner's cognitive-strength snapshot for one
// collection: how much of the graph is mastered and how fresh the mastered
// material still is under the review schedule.
type RetentionReport struct {
	LearnerID    uuid.UUID `json:"learner_id"`
	CollectionID uuid.UUID `json:"collection_id"`

	ConceptCount  int `json:"concept_count"`
	MasteredCount int `json:"mastered_count"`

	MasteryComponent float64 `json:"mastery_component"` // 0..1
	ReviewComponent  float64 `json:"review_component"`  // 0..1

	CognitiveStrength float64 `json:"cognitive_strength"` // 0..1
	ComputedAt        time.Time `json:"computed_at"`
}

type RetentionService interface {
	CognitiveStrength(ctx context.Context, learnerID, collectionID uuid.UUID) (*RetentionReport, error)
}

type retentionService struct {
	db             *gorm.DB
	collectionRepo repos.CollectionRepo
	conceptRepo    repos.ConceptRepo
	problemRepo    repos.PracticeProblemRepo
	masteryRepo    repos.MasteryStatusRepo
	reviewRepo     repos.ReviewScheduleRepo
	cfg            *tuning.Config
	log            *logger.Logger
}

func NewRetentionService(
	db *gorm.DB,
	collectionRepo repos.CollectionRepo,
	conceptRepo repos.ConceptRepo,
	problemRepo repos.PracticeProblemRepo,
	masteryRepo repos.MasteryStatusRepo,
	reviewRepo repos.ReviewScheduleRepo,
	cfg *tuning.Config,
	baseLog *logger.Logger,
) RetentionService {
	return &retentionService{
		db:             db,
		collectionRepo: collectionRepo,
		conceptRepo:    conceptRepo,
		problemRepo:    problemRepo,
		masteryRepo:    masteryRepo,
		reviewRepo:     reviewRepo,
		cfg:            cfg,
		log:            baseLog.With("service", "RetentionService"),
	}
}

// CognitiveStrength combines mastery coverage with review freshness into one
// 0..1 figure. Coverage is the fraction of live concepts mastered. Freshness
// averages, over the learner's schedules in the collection, the last review
// score decayed linearly by how far past due the schedule is across the
// retention window. With no schedules yet, freshness defaults to coverage so
// a fresh mastery does not read as decayed.
func (s *retentionService) CognitiveStrength(ctx context.Context, learnerID, collectionID uuid.UUID) (*RetentionReport, error) {
	collections, err := s.collectionRepo.GetByIDs(ctx, nil, []uuid.UUID{collectionID})
	if err != nil {
		return nil, err
	}
	if len(collections) == 0 {
		return nil, apierr.New(http.StatusNotFound, apierr.CodeNotFound, fmt.Errorf("collection %s not found", collectionID))
	}

	th := s.cfg.ForCollection(collectionID.String())
	now := time.Now()
	report := &RetentionReport{
		LearnerID:    learnerID,
		CollectionID: collectionID,
		ComputedAt:   now,
	}

	concepts, err := s.conceptRepo.GetByCollectionID(ctx, nil, collectionID, false)
	if err != nil {
		return nil, err
	}
	report.ConceptCount = len(concepts)
	if len(concepts) == 0 {
		return report, nil
	}

	conceptIDs := make([]uuid.UUID, 0, len(concepts))
	for _, c := range concepts {
		conceptIDs = append(conceptIDs, c.ID)
	}

	statuses, err := s.masteryRepo.GetByLearnerAndConceptIDs(ctx, nil, learnerID, conceptIDs)
	if err != nil {
		return nil, err
	}
	for _, st := range statuses {
		if st.Mastered {
			report.MasteredCount++
		}
	}
	report.MasteryComponent = float64(report.MasteredCount) / float64(report.ConceptCount)

	review, err := s.reviewFreshness(ctx, learnerID, conceptIDs, now, th)
	if err != nil {
		return nil, err
	}
	if review < 0 {
		review = report.MasteryComponent
	}
	report.ReviewComponent = review

	report.CognitiveStrength = th.RetentionMasteryWeight*report.MasteryComponent +
		th.RetentionReviewWeight*report.ReviewComponent
	if report.CognitiveStrength > 1 {
		report.CognitiveStrength = 1
	}
	return report, nil
}

// reviewFreshness returns -1 when the learner has no schedules in the
// collection, letting the caller substitute a neutral value.
func (s *retentionService) reviewFreshness(
	ctx context.Context,
	learnerID uuid.UUID,
	conceptIDs []uuid.UUID,
	now time.Time,
	th tuning.Thresholds,
) (float64, error) {
	problems, err := s.problemRepo.GetByConceptIDs(ctx, nil, conceptIDs)
	if err != nil {
		return 0, err
	}
	inCollection := make(map[uuid.UUID]bool, len(problems))
	for _, p := range problems {
		inCollection[p.ID] = true
	}

	schedules, err := s.reviewRepo.ListByLearner(ctx, nil, learnerID)
	if err != nil {
		return 0, err
	}

	window := float64(th.RetentionWindowDays)
	var sum float64
	var n int
	for _, sched := range schedules {
		if !inCollection[sched.ProblemID] {
			continue
		}
		n++
		score := sched.LastScore
		if sched.LastReviewAt == nil {
			// Enrolled but never reviewed: full credit until the first
			// review comes due, decaying afterward.
			score = 1
		}
		if overdue := now.Sub(sched.NextReviewAt); overdue > 0 {
			overdueDays := overdue.Hours() / 24
			decay := 1 - overdueDays/window
			if decay < 0 {
				decay = 0
			}
			score *= decay
		}
		sum += score
	}
	if n == 0 {
		return -1, nil
	}
	return sum / float64(n), nil
}
