package services

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/atlaslearn/masterygraph-backend/internal/platform/apierr"
	"github.com/atlaslearn/masterygraph-backend/internal/platform/logger"
	"github.com/atlaslearn/masterygraph-backend/internal/repos"
	"github.com/atlaslearn/masterygraph-backend/internal/types"
)

type Graph struct {
	Collection *types.Collection       `json:"collection"`
	Concepts   []*types.Concept        `json:"concepts"`
	Edges      []*types.DependencyEdge `json:"edges"`
}

type UnlockedConcept struct {
	Concept              *types.Concept `json:"concept"`
	Unlocked             bool           `json:"unlocked"`
	Mastered             bool           `json:"mastered"`
	MissingPrerequisites []uuid.UUID    `json:"missing_prerequisites,omitempty"`
}

type InsertEdgeInput struct {
	ConceptID      uuid.UUID
	PrerequisiteID uuid.UUID
	Strength       string
	Reason         string
}

type GraphService interface {
	GetGraph(ctx context.Context, collectionID uuid.UUID, includeOrphaned bool) (*Graph, error)
	InsertEdge(ctx context.Context, in InsertEdgeInput) (*types.DependencyEdge, error)
	UnlockedConcepts(ctx context.Context, learnerID, collectionID uuid.UUID) ([]*UnlockedConcept, error)
}

type graphService struct {
	db             *gorm.DB
	collectionRepo repos.CollectionRepo
	conceptRepo    repos.ConceptRepo
	edgeRepo       repos.DependencyEdgeRepo
	masteryRepo    repos.MasteryStatusRepo

	// Serializes edge writes per collection so two concurrent inserts cannot
	// each pass the cycle check against a graph missing the other's edge.
	edgeMu    sync.Mutex
	edgeLocks map[uuid.UUID]*sync.Mutex

	log *logger.Logger
}

func NewGraphService(
	db *gorm.DB,
	collectionRepo repos.CollectionRepo,
	conceptRepo repos.ConceptRepo,
	edgeRepo repos.DependencyEdgeRepo,
	masteryRepo repos.MasteryStatusRepo,
	baseLog *logger.Logger,
) GraphService {
	return &graphService{
		db:             db,
		collectionRepo: collectionRepo,
		conceptRepo:    conceptRepo,
		edgeRepo:       edgeRepo,
		masteryRepo:    masteryRepo,
		edgeLocks:      make(map[uuid.UUID]*sync.Mutex),
		log:            baseLog.With("service", "GraphService"),
	}
}

func (s *graphService) collectionLock(collectionID uuid.UUID) *sync.Mutex {
	s.edgeMu.Lock()
	defer s.edgeMu.Unlock()
	mu, ok := s.edgeLocks[collectionID]
	if !ok {
		mu = &sync.Mutex{}
		s.edgeLocks[collectionID] = mu
	}
	return mu
}

func (s *graphService) GetGraph(ctx context.Context, collectionID uuid.UUID, includeOrphaned bool) (*Graph, error) {
	collections, err := s.collectionRepo.GetByIDs(ctx, nil, []uuid.UUID{collectionID})
	if err != nil {
		return nil, err
	}
	if len(collections) == 0 {
		return nil, apierr.New(http.StatusNotFound, apierr.CodeNotFound, fmt.Errorf("collection %s not found", collectionID))
	}

	concepts, err := s.conceptRepo.GetByCollectionID(ctx, nil, collectionID, includeOrphaned)
	if err != nil {
		return nil, err
	}
	ids := make([]uuid.UUID, 0, len(concepts))
	for _, c := range concepts {
		ids = append(ids, c.ID)
	}

	var edges []*types.DependencyEdge
	if len(ids) > 0 {
		edges, err = s.edgeRepo.GetByConceptIDs(ctx, nil, ids)
		if err != nil {
			return nil, err
		}
	}

	return &Graph{Collection: collections[0], Concepts: concepts, Edges: edges}, nil
}

// InsertEdge adds one manual prerequisite edge. Self-loops, duplicates, edges
// touching orphaned concepts, and edges that would close a cycle are rejected;
// nothing is written on rejection.
func (s *graphService) InsertEdge(ctx context.Context, in InsertEdgeInput) (*types.DependencyEdge, error) {
	if in.ConceptID == in.PrerequisiteID {
		return nil, apierr.New(http.StatusUnprocessableEntity, apierr.CodeSelfLoop,
			fmt.Errorf("concept %s cannot be its own prerequisite", in.ConceptID))
	}

	strength := in.Strength
	switch strength {
	case "":
		strength = types.StrengthRequired
	case types.StrengthRequired, types.StrengthRecommended, types.StrengthOptional:
	default:
		return nil, apierr.New(http.StatusBadRequest, apierr.CodeBadRequest,
			fmt.Errorf("unknown edge strength %q", in.Strength))
	}

	concepts, err := s.conceptRepo.GetByIDs(ctx, nil, []uuid.UUID{in.ConceptID, in.PrerequisiteID})
	if err != nil {
		return nil, err
	}
	byID := make(map[uuid.UUID]*types.Concept, len(concepts))
	for _, c := range concepts {
		byID[c.ID] = c
	}
	dependent, okD := byID[in.ConceptID]
	prereq, okP := byID[in.PrerequisiteID]
	if !okD || !okP {
		return nil, apierr.New(http.StatusNotFound, apierr.CodeNotFound, fmt.Errorf("edge references unknown concept"))
	}
	if dependent.CollectionID != prereq.CollectionID {
		return nil, apierr.New(http.StatusUnprocessableEntity, apierr.CodeBadRequest,
			fmt.Errorf("edge endpoints belong to different collections"))
	}
	if dependent.Orphaned || prereq.Orphaned {
		return nil, apierr.New(http.StatusUnprocessableEntity, apierr.CodeOrphanedConcept,
			fmt.Errorf("edge references an orphaned concept"))
	}

	mu := s.collectionLock(dependent.CollectionID)
	mu.Lock()
	defer mu.Unlock()

	var edge *types.DependencyEdge
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		exists, err := s.edgeRepo.PairExists(ctx, tx, in.ConceptID, in.PrerequisiteID)
		if err != nil {
			return err
		}
		if exists {
			return apierr.New(http.StatusConflict, apierr.CodeDuplicateEdge,
				fmt.Errorf("edge %s -> %s already exists", in.PrerequisiteID, in.ConceptID))
		}

		adjacency, err := s.loadAdjacency(ctx, tx, dependent.CollectionID)
		if err != nil {
			return err
		}
		if pathExists(adjacency, in.ConceptID, in.PrerequisiteID) {
			return apierr.New(http.StatusUnprocessableEntity, apierr.CodeCycle,
				fmt.Errorf("edge %s -> %s would create a cycle", in.PrerequisiteID, in.ConceptID))
		}

		created, err := s.edgeRepo.Create(ctx, tx, []*types.DependencyEdge{{
			ID:             uuid.New(),
			ConceptID:      in.ConceptID,
			PrerequisiteID: in.PrerequisiteID,
			Strength:       strength,
			RawStrength:    1,
			Reason:         in.Reason,
		}})
		if err != nil {
			return err
		}
		edge = created[0]
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("dependency edge inserted",
		"collection_id", dependent.CollectionID,
		"concept_id", in.ConceptID,
		"prerequisite_id", in.PrerequisiteID,
		"strength", strength,
	)
	return edge, nil
}

func (s *graphService) loadAdjacency(ctx context.Context, tx *gorm.DB, collectionID uuid.UUID) (map[uuid.UUID][]uuid.UUID, error) {
	concepts, err := s.conceptRepo.GetByCollectionID(ctx, tx, collectionID, true)
	if err != nil {
		return nil, err
	}
	ids := make([]uuid.UUID, 0, len(concepts))
	for _, c := range concepts {
		ids = append(ids, c.ID)
	}
	adjacency := make(map[uuid.UUID][]uuid.UUID)
	if len(ids) == 0 {
		return adjacency, nil
	}
	edges, err := s.edgeRepo.GetByConceptIDs(ctx, tx, ids)
	if err != nil {
		return nil, err
	}
	for _, e := range edges {
		adjacency[e.PrerequisiteID] = append(adjacency[e.PrerequisiteID], e.ConceptID)
	}
	return adjacency, nil
}

// UnlockedConcepts reports, per concept, whether the learner may practice it.
// A concept unlocks when every required prerequisite is mastered; recommended
// and optional prerequisites never gate. Orphaned concepts are excluded.
func (s *graphService) UnlockedConcepts(ctx context.Context, learnerID, collectionID uuid.UUID) ([]*UnlockedConcept, error) {
	concepts, err := s.conceptRepo.GetByCollectionID(ctx, nil, collectionID, false)
	if err != nil {
		return nil, err
	}
	if len(concepts) == 0 {
		return []*UnlockedConcept{}, nil
	}

	ids := make([]uuid.UUID, 0, len(concepts))
	for _, c := range concepts {
		ids = append(ids, c.ID)
	}

	edges, err := s.edgeRepo.GetByConceptIDs(ctx, nil, ids)
	if err != nil {
		return nil, err
	}
	requiredBy := make(map[uuid.UUID][]uuid.UUID)
	for _, e := range edges {
		if e.Strength == types.StrengthRequired {
			requiredBy[e.ConceptID] = append(requiredBy[e.ConceptID], e.PrerequisiteID)
		}
	}

	statuses, err := s.masteryRepo.GetByLearnerAndConceptIDs(ctx, nil, learnerID, ids)
	if err != nil {
		return nil, err
	}
	mastered := make(map[uuid.UUID]bool, len(statuses))
	for _, st := range statuses {
		if st.Mastered {
			mastered[st.ConceptID] = true
		}
	}

	out := make([]*UnlockedConcept, 0, len(concepts))
	for _, c := range concepts {
		var missing []uuid.UUID
		for _, prereqID := range requiredBy[c.ID] {
			if !mastered[prereqID] {
				missing = append(missing, prereqID)
			}
		}
		out = append(out, &UnlockedConcept{
			Concept:              c,
			Unlocked:             len(missing) == 0,
			Mastered:             mastered[c.ID],
			MissingPrerequisites: missing,
		})
	}
	return out, nil
}
