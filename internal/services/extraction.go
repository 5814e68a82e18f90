package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"

	"github.com/atlaslearn/masterygraph-backend/internal/clients/redis"
	"github.com/atlaslearn/masterygraph-backend/internal/platform/apierr"
	"github.com/atlaslearn/masterygraph-backend/internal/platform/logger"
	"github.com/atlaslearn/masterygraph-backend/internal/repos"
	"github.com/atlaslearn/masterygraph-backend/internal/sse"
	"github.com/atlaslearn/masterygraph-backend/internal/types"
)

const (
	extractionWorkerTick   = 1 * time.Second
	extractionHeartbeat    = 10 * time.Second
	extractionMaxAttempts  = 3
	extractionRetryDelay   = 30 * time.Second
	extractionStaleRunning = 2 * time.Minute

	// Material beyond this is cut before prompting; the collaborator's
	// context is finite and tail content past this adds little signal.
	maxMaterialChars = 48000

	// Prerequisite chains longer than this are implausible for a single
	// body of material and usually signal confabulated dependencies; edges
	// that would deepen a chain past the bound are dropped.
	maxChainDepth = 5
)

type ExtractGraphInput struct {
	LearnerID      uuid.UUID
	CollectionID   uuid.UUID
	CollectionName string
	MaterialText   string
	Force          bool
}

type ExtractionService interface {
	Enqueue(ctx context.Context, in ExtractGraphInput) (*types.ExtractionRun, error)
	GetRun(ctx context.Context, runID uuid.UUID) (*types.ExtractionRun, error)
	GetLatestRun(ctx context.Context, collectionID uuid.UUID) (*types.ExtractionRun, error)
	StartWorker(ctx context.Context)
}

type extractionService struct {
	db             *gorm.DB
	collectionRepo repos.CollectionRepo
	conceptRepo    repos.ConceptRepo
	edgeRepo       repos.DependencyEdgeRepo
	attemptRepo    repos.AttemptRepo
	runRepo        repos.ExtractionRunRepo
	ai             AIClient
	hub            *sse.SSEHub
	bus            redis.NotifyBus
	enqueueGroup   singleflight.Group
	log            *logger.Logger
}

func NewExtractionService(
	db *gorm.DB,
	collectionRepo repos.CollectionRepo,
	conceptRepo repos.ConceptRepo,
	edgeRepo repos.DependencyEdgeRepo,
	attemptRepo repos.AttemptRepo,
	runRepo repos.ExtractionRunRepo,
	ai AIClient,
	hub *sse.SSEHub,
	bus redis.NotifyBus,
	baseLog *logger.Logger,
) ExtractionService {
	return &extractionService{
		db:             db,
		collectionRepo: collectionRepo,
		conceptRepo:    conceptRepo,
		edgeRepo:       edgeRepo,
		attemptRepo:    attemptRepo,
		runRepo:        runRepo,
		ai:             ai,
		hub:            hub,
		bus:            bus,
		log:            baseLog.With("service", "ExtractionService"),
	}
}

func materialDigest(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func collectionChannel(collectionID uuid.UUID) string {
	return fmt.Sprintf("collection:%s", collectionID)
}

// Enqueue records an extraction run and returns it immediately; the worker
// picks the run up out of band. A collection that already has concepts
// short-circuits to the previous successful run unless Force is set, and a
// collection with a run already in flight joins that run instead of queuing
// a second one.
func (s *extractionService) Enqueue(ctx context.Context, in ExtractGraphInput) (*types.ExtractionRun, error) {
	if strings.TrimSpace(in.MaterialText) == "" {
		return nil, apierr.New(http.StatusBadRequest, apierr.CodeBadRequest, fmt.Errorf("material_text is required"))
	}
	if in.CollectionID == uuid.Nil && strings.TrimSpace(in.CollectionName) == "" {
		return nil, apierr.New(http.StatusBadRequest, apierr.CodeBadRequest, fmt.Errorf("collection_id or collection_name is required"))
	}

	key := in.CollectionID.String()
	if in.CollectionID == uuid.Nil {
		key = "new:" + in.CollectionName
	}
	v, err, _ := s.enqueueGroup.Do(key, func() (any, error) {
		return s.enqueueOne(ctx, in)
	})
	if err != nil {
		return nil, err
	}
	return v.(*types.ExtractionRun), nil
}

func (s *extractionService) enqueueOne(ctx context.Context, in ExtractGraphInput) (*types.ExtractionRun, error) {
	digest := materialDigest(in.MaterialText)

	var run *types.ExtractionRun
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		collection, err := s.resolveCollection(ctx, tx, in)
		if err != nil {
			return err
		}

		if inflight, err := s.runRepo.GetInFlightByCollectionID(ctx, tx, collection.ID); err != nil {
			return err
		} else if inflight != nil {
			run = inflight
			return nil
		}

		// A collection that already has a graph is never re-extracted
		// without force, whatever the material; the caller gets the run
		// that produced the existing graph.
		if !in.Force {
			existing, err := s.conceptRepo.GetByCollectionID(ctx, tx, collection.ID, false)
			if err != nil {
				return err
			}
			if len(existing) > 0 {
				latest, err := s.runRepo.GetLatestSucceededByCollectionID(ctx, tx, collection.ID)
				if err != nil {
					return err
				}
				if latest != nil {
					if collection.MaterialDigest != digest {
						s.log.Info("extraction short-circuited despite changed material",
							"collection_id", collection.ID)
					}
					run = latest
					return nil
				}
			}
		}

		created, err := s.runRepo.Create(ctx, tx, []*types.ExtractionRun{{
			LearnerID:      in.LearnerID,
			CollectionID:   collection.ID,
			Status:         types.RunStatusQueued,
			Stage:          "concepts",
			ForceReextract: in.Force,
			MaterialText:   in.MaterialText,
		}})
		if err != nil {
			return err
		}
		run = created[0]
		return nil
	})
	if err != nil {
		s.log.Error("failed to enqueue extraction run", "error", err, "collection_id", in.CollectionID)
		return nil, err
	}
	return run, nil
}

func (s *extractionService) resolveCollection(ctx context.Context, tx *gorm.DB, in ExtractGraphInput) (*types.Collection, error) {
	if in.CollectionID != uuid.Nil {
		rows, err := s.collectionRepo.GetByIDs(ctx, tx, []uuid.UUID{in.CollectionID})
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			return nil, apierr.New(http.StatusNotFound, apierr.CodeNotFound, fmt.Errorf("collection %s not found", in.CollectionID))
		}
		return rows[0], nil
	}
	created, err := s.collectionRepo.Create(ctx, tx, []*types.Collection{{Name: strings.TrimSpace(in.CollectionName)}})
	if err != nil {
		return nil, err
	}
	return created[0], nil
}

func (s *extractionService) GetRun(ctx context.Context, runID uuid.UUID) (*types.ExtractionRun, error) {
	rows, err := s.runRepo.GetByIDs(ctx, nil, []uuid.UUID{runID})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, apierr.New(http.StatusNotFound, apierr.CodeNotFound, fmt.Errorf("extraction run %s not found", runID))
	}
	return rows[0], nil
}

func (s *extractionService) GetLatestRun(ctx context.Context, collectionID uuid.UUID) (*types.ExtractionRun, error) {
	run, err := s.runRepo.GetLatestByCollectionID(ctx, nil, collectionID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, apierr.New(http.StatusNotFound, apierr.CodeNotFound, fmt.Errorf("collection %s has no extraction runs", collectionID))
	}
	return run, nil
}

// StartWorker polls for runnable extraction runs until ctx is cancelled. Runs
// are claimed with row locks so multiple instances can share the queue.
func (s *extractionService) StartWorker(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(extractionWorkerTick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				run, err := s.runRepo.ClaimNextRunnable(ctx, nil, extractionMaxAttempts, extractionRetryDelay, extractionStaleRunning)
				if err != nil {
					s.log.Error("failed to claim extraction run", "error", err)
					continue
				}
				if run == nil {
					continue
				}
				s.processRun(ctx, run)
			}
		}
	}()
}

func (s *extractionService) notify(ctx context.Context, msg sse.SSEMessage) {
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

func (s *extractionService) processRun(ctx context.Context, run *types.ExtractionRun) {
	log := s.log.With("run_id", run.ID, "collection_id", run.CollectionID)
	channel := collectionChannel(run.CollectionID)

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go func() {
		ticker := time.NewTicker(extractionHeartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := s.runRepo.Heartbeat(hbCtx, nil, run.ID); err != nil {
					log.Warn("extraction heartbeat failed", "error", err)
				}
			}
		}
	}()

	fail := func(stage string, cause error) {
		log.Error("extraction run failed", "stage", stage, "error", cause)
		now := time.Now()
		if err := s.runRepo.UpdateFields(ctx, nil, run.ID, map[string]interface{}{
			"status":        types.RunStatusFailed,
			"stage":         stage,
			"error":         cause.Error(),
			"last_error_at": &now,
		}); err != nil {
			log.Error("failed to record run failure", "error", err)
		}
		s.notify(ctx, sse.SSEMessage{
			Channel: channel,
			Event:   sse.SSEEventExtractionFailed,
			Data:    map[string]any{"run_id": run.ID, "stage": stage, "error": cause.Error()},
		})
	}

	progress := func(stage string, pct int) {
		if err := s.runRepo.UpdateFields(ctx, nil, run.ID, map[string]interface{}{
			"stage":    stage,
			"progress": pct,
		}); err != nil {
			log.Warn("failed to record run progress", "error", err)
		}
		s.notify(ctx, sse.SSEMessage{
			Channel: channel,
			Event:   sse.SSEEventExtractionProgress,
			Data:    map[string]any{"run_id": run.ID, "stage": stage, "progress": pct},
		})
	}

	material := run.MaterialText
	if len(material) > maxMaterialChars {
		material = material[:maxMaterialChars]
	}

	// A response that fails schema validation degrades that phase to an
	// empty result; the run still succeeds with whatever parsed. Transport
	// and context errors still fail the run so the claim loop can retry it.
	parseWarnings := 0

	progress("concepts", 10)
	extracted, err := s.extractConcepts(ctx, material)
	if err != nil {
		if !errors.Is(err, ErrExtractionParse) {
			fail("concepts", err)
			return
		}
		log.Warn("concept response failed schema validation, continuing with empty phase", "error", err)
		parseWarnings++
		extracted = nil
	}

	var deps []extractedDependency
	if len(extracted) > 0 {
		progress("dependencies", 50)
		deps, err = s.extractDependencies(ctx, material, extracted)
		if err != nil {
			if !errors.Is(err, ErrExtractionParse) {
				fail("dependencies", err)
				return
			}
			log.Warn("dependency response failed schema validation, continuing without edges", "error", err)
			parseWarnings++
			deps = nil
		}
	}

	progress("persist", 80)
	stats, err := s.persistGraph(ctx, run, extracted, deps)
	if err != nil {
		fail("persist", err)
		return
	}
	stats["parse_warnings"] = parseWarnings

	statsJSON, _ := json.Marshal(stats)
	if err := s.runRepo.UpdateFields(ctx, nil, run.ID, map[string]interface{}{
		"status":        types.RunStatusSucceeded,
		"stage":         "done",
		"progress":      100,
		"error":         "",
		"material_text": "",
		"stats":         statsJSON,
	}); err != nil {
		log.Error("failed to finalize run", "error", err)
		return
	}

	log.Info("extraction run succeeded",
		"concepts", stats["concepts"],
		"edges", stats["edges"],
		"skipped_edges", stats["skipped_edges"],
	)
	s.notify(ctx, sse.SSEMessage{
		Channel: channel,
		Event:   sse.SSEEventExtractionComplete,
		Data:    map[string]any{"run_id": run.ID, "stats": stats},
	})
}

func (s *extractionService) extractConcepts(ctx context.Context, material string) ([]extractedConcept, error) {
	user := fmt.Sprintf("Extract the learning concepts from this material:\n\n%s", material)
	obj, err := s.ai.GenerateJSON(ctx, conceptExtractionSystem, user, "concept_extraction", conceptListSchema())
	if err != nil {
		return nil, err
	}
	return parseExtractedConcepts(obj)
}

func (s *extractionService) extractDependencies(ctx context.Context, material string, concepts []extractedConcept) ([]extractedDependency, error) {
	names := make([]string, 0, len(concepts))
	for _, c := range concepts {
		names = append(names, c.Name)
	}
	user := fmt.Sprintf(
		"Concepts extracted from the material:\n- %s\n\nIdentify prerequisite relationships between these concepts. Use the exact concept names above.\n\nMaterial for context:\n\n%s",
		strings.Join(names, "\n- "), material,
	)
	obj, err := s.ai.GenerateJSON(ctx, dependencyExtractionSystem, user, "dependency_extraction", dependencyListSchema())
	if err != nil {
		return nil, err
	}
	return parseExtractedDependencies(obj)
}

// persistGraph writes the extracted graph in one transaction. On a force
// re-extraction, prior concepts that have attempts are marked orphaned so the
// attempt history stays intact; untouched ones are removed outright.
func (s *extractionService) persistGraph(
	ctx context.Context,
	run *types.ExtractionRun,
	extracted []extractedConcept,
	deps []extractedDependency,
) (map[string]any, error) {
	stats := map[string]any{}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		prior, err := s.conceptRepo.GetByCollectionID(ctx, tx, run.CollectionID, false)
		if err != nil {
			return err
		}
		superseded := 0
		if len(prior) > 0 {
			if !run.ForceReextract {
				return fmt.Errorf("collection %s already has a graph; re-extraction requires force", run.CollectionID)
			}
			// An empty extraction never destroys an existing graph.
			if len(extracted) == 0 {
				stats["concepts"] = 0
				stats["edges"] = 0
				stats["skipped_edges"] = 0
				stats["skipped_duplicate_concepts"] = 0
				stats["superseded_concepts"] = 0
				return nil
			}
			if err := s.supersedePrior(ctx, tx, prior); err != nil {
				return err
			}
			superseded = len(prior)
		}

		concepts, skippedDupes := buildConceptRows(run.CollectionID, extracted)
		if _, err := s.conceptRepo.Create(ctx, tx, concepts); err != nil {
			return err
		}

		bySlug := make(map[string]uuid.UUID, len(concepts))
		for _, c := range concepts {
			bySlug[c.Slug] = c.ID
		}

		edges, skippedEdges := buildEdgeRows(bySlug, deps)
		if len(edges) > 0 {
			if _, err := s.edgeRepo.Create(ctx, tx, edges); err != nil {
				return err
			}
		}

		// The digest is only pinned when the run actually produced a graph;
		// a parse-degraded run stays re-runnable on the same material.
		if len(concepts) > 0 {
			if err := s.collectionRepo.UpdateFields(ctx, tx, run.CollectionID, map[string]interface{}{
				"material_digest": materialDigest(run.MaterialText),
			}); err != nil {
				return err
			}
		}

		stats["concepts"] = len(concepts)
		stats["edges"] = len(edges)
		stats["skipped_edges"] = skippedEdges
		stats["skipped_duplicate_concepts"] = skippedDupes
		stats["superseded_concepts"] = superseded
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// supersedePrior retires a collection's previous graph. Edges always go;
// concepts referenced by attempts are orphaned rather than deleted.
func (s *extractionService) supersedePrior(ctx context.Context, tx *gorm.DB, prior []*types.Concept) error {
	ids := make([]uuid.UUID, 0, len(prior))
	for _, c := range prior {
		ids = append(ids, c.ID)
	}

	if err := s.edgeRepo.DeleteByConceptIDs(ctx, tx, ids); err != nil {
		return err
	}

	attempted, err := s.attemptRepo.ConceptIDsWithAttempts(ctx, tx, ids)
	if err != nil {
		return err
	}
	attemptedSet := make(map[uuid.UUID]bool, len(attempted))
	for _, id := range attempted {
		attemptedSet[id] = true
	}

	var toOrphan, toDelete []uuid.UUID
	for _, id := range ids {
		if attemptedSet[id] {
			toOrphan = append(toOrphan, id)
		} else {
			toDelete = append(toDelete, id)
		}
	}
	if len(toOrphan) > 0 {
		if err := s.conceptRepo.MarkOrphaned(ctx, tx, toOrphan); err != nil {
			return err
		}
	}
	if len(toDelete) > 0 {
		if err := s.conceptRepo.DeleteByIDs(ctx, tx, toDelete); err != nil {
			return err
		}
	}
	return nil
}

func buildConceptRows(collectionID uuid.UUID, extracted []extractedConcept) ([]*types.Concept, int) {
	seen := make(map[string]bool, len(extracted))
	rows := make([]*types.Concept, 0, len(extracted))
	skipped := 0
	for _, e := range extracted {
		slug := slugify(e.Name)
		if slug == "" || seen[slug] {
			skipped++
			continue
		}
		seen[slug] = true

		keywords, _ := json.Marshal(e.Keywords)
		examples, _ := json.Marshal(e.Examples)
		rows = append(rows, &types.Concept{
			ID:                   uuid.New(),
			CollectionID:         collectionID,
			Name:                 e.Name,
			Slug:                 slug,
			Description:          e.Description,
			ConceptType:          e.ConceptType,
			Difficulty:           e.Difficulty,
			EstimatedEffortHours: e.EstimatedEffortHours,
			Keywords:             keywords,
			Examples:             examples,
			ExtractionConfidence: e.Confidence,
		})
	}
	return rows, skipped
}

// buildEdgeRows resolves name references to concept IDs and drops anything the
// graph cannot hold: unknown names, self-loops, duplicate pairs, edges that
// would close a cycle, and edges that would stretch a prerequisite chain past
// the plausibility bound. The collaborator's output is advisory; acyclicity
// is enforced here.
func buildEdgeRows(bySlug map[string]uuid.UUID, deps []extractedDependency) ([]*types.DependencyEdge, int) {
	adjacency := make(map[uuid.UUID][]uuid.UUID)
	prereqsOf := make(map[uuid.UUID][]uuid.UUID)
	seenPair := make(map[[2]uuid.UUID]bool)
	rows := make([]*types.DependencyEdge, 0, len(deps))
	skipped := 0

	for _, d := range deps {
		prereqID, okP := bySlug[slugify(d.PrerequisiteName)]
		dependentID, okD := bySlug[slugify(d.DependentName)]
		if !okP || !okD || prereqID == dependentID {
			skipped++
			continue
		}
		pair := [2]uuid.UUID{dependentID, prereqID}
		if seenPair[pair] {
			skipped++
			continue
		}
		if pathExists(adjacency, dependentID, prereqID) {
			skipped++
			continue
		}
		if chainDepth(prereqsOf, prereqID)+1+chainBelow(adjacency, dependentID) > maxChainDepth {
			skipped++
			continue
		}
		seenPair[pair] = true
		adjacency[prereqID] = append(adjacency[prereqID], dependentID)
		prereqsOf[dependentID] = append(prereqsOf[dependentID], prereqID)
		rows = append(rows, &types.DependencyEdge{
			ID:             uuid.New(),
			ConceptID:      dependentID,
			PrerequisiteID: prereqID,
			Strength:       strengthFromRaw(d.Strength),
			RawStrength:    d.Strength,
			Reason:         d.Reason,
		})
	}
	return rows, skipped
}

// chainDepth returns the longest prerequisite chain ending at node, in edges,
// following dependent->prerequisite links upward.
func chainDepth(prereqsOf map[uuid.UUID][]uuid.UUID, node uuid.UUID) int {
	deepest := 0
	for _, p := range prereqsOf[node] {
		if d := chainDepth(prereqsOf, p) + 1; d > deepest {
			deepest = d
		}
	}
	return deepest
}

// chainBelow returns the longest chain of dependents hanging off node, in
// edges, following prerequisite->dependent links downward.
func chainBelow(adjacency map[uuid.UUID][]uuid.UUID, node uuid.UUID) int {
	deepest := 0
	for _, n := range adjacency[node] {
		if d := chainBelow(adjacency, n) + 1; d > deepest {
			deepest = d
		}
	}
	return deepest
}

// pathExists reports whether `to` is reachable from `from` following
// prerequisite->dependent edges.
func pathExists(adjacency map[uuid.UUID][]uuid.UUID, from, to uuid.UUID) bool {
	if from == to {
		return true
	}
	visited := map[uuid.UUID]bool{from: true}
	queue := []uuid.UUID{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range adjacency[cur] {
			if next == to {
				return true
			}
			if !visited[next] {
				visited[next] = true
				queue = append(queue, next)
			}
		}
	}
	return false
}
