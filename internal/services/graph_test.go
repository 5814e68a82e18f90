package services

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlaslearn/masterygraph-backend/internal/types"
)

func newGraphFixture(t *testing.T) (*graphService, *testRepos, *types.Collection) {
	t.Helper()
	gdb := testDB(t)
	r := newTestRepos(t, gdb)
	svc := NewGraphService(gdb, r.collections, r.concepts, r.edges, r.mastery, testLogger(t)).(*graphService)
	collection := seedCollection(t, gdb, "programming")
	return svc, r, collection
}

func TestInsertEdgeAndGetGraph(t *testing.T) {
	svc, _, collection := newGraphFixture(t)
	ctx := context.Background()

	variables := seedConcept(t, svc.db, collection.ID, "Variables")
	loops := seedConcept(t, svc.db, collection.ID, "Loops")

	edge, err := svc.InsertEdge(ctx, InsertEdgeInput{
		ConceptID:      loops.ID,
		PrerequisiteID: variables.ID,
		Strength:       types.StrengthRequired,
		Reason:         "loop bodies manipulate variables",
	})
	require.NoError(t, err)
	assert.Equal(t, types.StrengthRequired, edge.Strength)

	graph, err := svc.GetGraph(ctx, collection.ID, false)
	require.NoError(t, err)
	assert.Len(t, graph.Concepts, 2)
	require.Len(t, graph.Edges, 1)
	assert.Equal(t, loops.ID, graph.Edges[0].ConceptID)
	assert.Equal(t, variables.ID, graph.Edges[0].PrerequisiteID)
}

func TestInsertEdgeRejectsSelfLoop(t *testing.T) {
	svc, _, collection := newGraphFixture(t)
	c := seedConcept(t, svc.db, collection.ID, "Recursion")

	_, err := svc.InsertEdge(context.Background(), InsertEdgeInput{ConceptID: c.ID, PrerequisiteID: c.ID})
	require.Error(t, err)
	assertAPICode(t, err, "self_loop")
}

func TestInsertEdgeRejectsDuplicate(t *testing.T) {
	svc, _, collection := newGraphFixture(t)
	ctx := context.Background()
	a := seedConcept(t, svc.db, collection.ID, "Sets")
	b := seedConcept(t, svc.db, collection.ID, "Functions")

	_, err := svc.InsertEdge(ctx, InsertEdgeInput{ConceptID: b.ID, PrerequisiteID: a.ID})
	require.NoError(t, err)

	_, err = svc.InsertEdge(ctx, InsertEdgeInput{ConceptID: b.ID, PrerequisiteID: a.ID, Strength: types.StrengthOptional})
	require.Error(t, err)
	assertAPICode(t, err, "duplicate_edge")
}

func TestInsertEdgeRejectsCycle(t *testing.T) {
	svc, _, collection := newGraphFixture(t)
	ctx := context.Background()
	a := seedConcept(t, svc.db, collection.ID, "A")
	b := seedConcept(t, svc.db, collection.ID, "B")
	c := seedConcept(t, svc.db, collection.ID, "C")

	_, err := svc.InsertEdge(ctx, InsertEdgeInput{ConceptID: b.ID, PrerequisiteID: a.ID})
	require.NoError(t, err)
	_, err = svc.InsertEdge(ctx, InsertEdgeInput{ConceptID: c.ID, PrerequisiteID: b.ID})
	require.NoError(t, err)

	// a -> b -> c exists; c as a prerequisite of a closes the loop.
	_, err = svc.InsertEdge(ctx, InsertEdgeInput{ConceptID: a.ID, PrerequisiteID: c.ID})
	require.Error(t, err)
	assertAPICode(t, err, "cycle_error")

	graph, err := svc.GetGraph(ctx, collection.ID, false)
	require.NoError(t, err)
	assert.Len(t, graph.Edges, 2)
}

func TestInsertEdgeRejectsOrphanedEndpoint(t *testing.T) {
	svc, r, collection := newGraphFixture(t)
	ctx := context.Background()
	a := seedConcept(t, svc.db, collection.ID, "Old Concept")
	b := seedConcept(t, svc.db, collection.ID, "New Concept")
	require.NoError(t, r.concepts.MarkOrphaned(ctx, nil, []uuid.UUID{a.ID}))

	_, err := svc.InsertEdge(ctx, InsertEdgeInput{ConceptID: b.ID, PrerequisiteID: a.ID})
	require.Error(t, err)
	assertAPICode(t, err, "orphaned_concept_reference")
}

func TestInsertEdgeRejectsCrossCollection(t *testing.T) {
	svc, _, collection := newGraphFixture(t)
	ctx := context.Background()
	other := seedCollection(t, svc.db, "other")
	a := seedConcept(t, svc.db, collection.ID, "Here")
	b := seedConcept(t, svc.db, other.ID, "There")

	_, err := svc.InsertEdge(ctx, InsertEdgeInput{ConceptID: b.ID, PrerequisiteID: a.ID})
	require.Error(t, err)
}

func TestUnlockedConceptsGating(t *testing.T) {
	svc, r, collection := newGraphFixture(t)
	ctx := context.Background()
	learnerID := uuid.New()

	variables := seedConcept(t, svc.db, collection.ID, "Variables")
	loops := seedConcept(t, svc.db, collection.ID, "Loops")
	style := seedConcept(t, svc.db, collection.ID, "Style")

	_, err := svc.InsertEdge(ctx, InsertEdgeInput{ConceptID: loops.ID, PrerequisiteID: variables.ID, Strength: types.StrengthRequired})
	require.NoError(t, err)
	// Recommended prerequisites never gate.
	_, err = svc.InsertEdge(ctx, InsertEdgeInput{ConceptID: style.ID, PrerequisiteID: loops.ID, Strength: types.StrengthRecommended})
	require.NoError(t, err)

	byID := func(list []*UnlockedConcept, id uuid.UUID) *UnlockedConcept {
		for _, u := range list {
			if u.Concept.ID == id {
				return u
			}
		}
		t.Fatalf("concept %s missing from unlock report", id)
		return nil
	}

	list, err := svc.UnlockedConcepts(ctx, learnerID, collection.ID)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.True(t, byID(list, variables.ID).Unlocked)
	assert.False(t, byID(list, loops.ID).Unlocked)
	assert.Equal(t, []uuid.UUID{variables.ID}, byID(list, loops.ID).MissingPrerequisites)
	assert.True(t, byID(list, style.ID).Unlocked)

	// Mastering the prerequisite unlocks the dependent.
	require.NoError(t, r.mastery.EnsureRow(ctx, nil, learnerID, variables.ID))
	status, err := r.mastery.Get(ctx, nil, learnerID, variables.ID)
	require.NoError(t, err)
	require.NoError(t, r.mastery.UpdateFields(ctx, nil, status.ID, map[string]interface{}{"mastered": true}))

	list, err = svc.UnlockedConcepts(ctx, learnerID, collection.ID)
	require.NoError(t, err)
	assert.True(t, byID(list, loops.ID).Unlocked)
	assert.True(t, byID(list, variables.ID).Mastered)
}
