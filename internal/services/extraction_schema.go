package services

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/atlaslearn/masterygraph-backend/internal/platform/apierr"
	"github.com/atlaslearn/masterygraph-backend/internal/types"
)

// ErrExtractionParse marks a collaborator response that did not survive schema
// validation. The extraction pipeline recovers by treating that phase as empty;
// nothing partial reaches the graph.
var ErrExtractionParse = apierr.New(0, apierr.CodeExtractionParse, fmt.Errorf("collaborator response failed schema validation"))

const conceptExtractionSystem = `You are an expert educational content analyzer building a knowledge graph for mastery-based learning.
Extract ATOMIC, TESTABLE concepts from the provided material. Each concept covers ONE specific idea, skill, or principle a student can master independently.
Concept types: definition, procedure, principle, example, application, comparison.
Difficulty: beginner (entry-level), intermediate (requires foundations), advanced (requires solid prerequisites).
Extract 5-15 concepts depending on content complexity. Quality over quantity.`

const dependencyExtractionSystem = `You are an expert curriculum designer identifying prerequisite relationships between learning concepts.
Only mark dependencies that are truly required; skip transitive edges (if A->B and B->C, do not add A->C).
Strength is 0.0-1.0 criticality: 1.0 means the prerequisite must be mastered first, below 0.5 means merely helpful.
Never produce self-dependencies or circular chains.`

const problemGenerationSystem = `You write one practice problem for a single learning concept.
The problem must be auto-gradable: produce a grading spec of concrete input/output test cases an execution sandbox can run a submission against.
Hints go from gentle nudge to near-solution, in order.`

func conceptListSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"concepts": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"name":                   map[string]any{"type": "string"},
						"description":            map[string]any{"type": "string"},
						"concept_type":           map[string]any{"type": "string", "enum": []string{"definition", "procedure", "principle", "example", "application", "comparison"}},
						"difficulty":             map[string]any{"type": "string", "enum": []string{"beginner", "intermediate", "advanced"}},
						"estimated_effort_hours": map[string]any{"type": "number"},
						"confidence":             map[string]any{"type": "number"},
						"keywords":               map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
						"examples":               map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					},
					"required":             []string{"name", "description", "difficulty", "estimated_effort_hours"},
					"additionalProperties": false,
				},
			},
		},
		"required":             []string{"concepts"},
		"additionalProperties": false,
	}
}

func dependencyListSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"dependencies": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"prerequisite_name": map[string]any{"type": "string"},
						"dependent_name":    map[string]any{"type": "string"},
						"strength":          map[string]any{"type": "number"},
						"reason":            map[string]any{"type": "string"},
					},
					"required":             []string{"prerequisite_name", "dependent_name", "strength"},
					"additionalProperties": false,
				},
			},
		},
		"required":             []string{"dependencies"},
		"additionalProperties": false,
	}
}

func problemSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"prompt": map[string]any{"type": "string"},
			"grading_spec": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"kind": map[string]any{"type": "string"},
					"test_cases": map[string]any{
						"type": "array",
						"items": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"input":    map[string]any{"type": "string"},
								"expected": map[string]any{"type": "string"},
							},
							"required":             []string{"input", "expected"},
							"additionalProperties": false,
						},
					},
				},
				"required":             []string{"kind", "test_cases"},
				"additionalProperties": false,
			},
			"hints":              map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"reference_solution": map[string]any{"type": "string"},
		},
		"required":             []string{"prompt", "grading_spec"},
		"additionalProperties": false,
	}
}

type extractedConcept struct {
	Name                 string   `json:"name"`
	Description          string   `json:"description"`
	ConceptType          string   `json:"concept_type"`
	Difficulty           string   `json:"difficulty"`
	EstimatedEffortHours float64  `json:"estimated_effort_hours"`
	Confidence           float64  `json:"confidence"`
	Keywords             []string `json:"keywords"`
	Examples             []string `json:"examples"`
}

type extractedDependency struct {
	PrerequisiteName string  `json:"prerequisite_name"`
	DependentName    string  `json:"dependent_name"`
	Strength         float64 `json:"strength"`
	Reason           string  `json:"reason"`
}

type generatedProblem struct {
	Prompt            string          `json:"prompt"`
	GradingSpec       json.RawMessage `json:"grading_spec"`
	Hints             []string        `json:"hints"`
	ReferenceSolution string          `json:"reference_solution"`
}

// parseExtractedConcepts validates the collaborator's concept payload. Rows
// missing a name or description are dropped individually; a payload with no
// usable rows at all is an ErrExtractionParse.
func parseExtractedConcepts(obj map[string]any) ([]extractedConcept, error) {
	raw, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExtractionParse, err)
	}
	var payload struct {
		Concepts []extractedConcept `json:"concepts"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExtractionParse, err)
	}

	out := make([]extractedConcept, 0, len(payload.Concepts))
	for _, c := range payload.Concepts {
		c.Name = strings.TrimSpace(c.Name)
		c.Description = strings.TrimSpace(c.Description)
		if c.Name == "" || c.Description == "" {
			continue
		}
		c.Difficulty = normalizeDifficulty(c.Difficulty)
		c.ConceptType = normalizeConceptType(c.ConceptType)
		if c.EstimatedEffortHours <= 0 {
			c.EstimatedEffortHours = 0.25
		}
		if c.Confidence < 0 {
			c.Confidence = 0
		}
		if c.Confidence > 1 {
			c.Confidence = 1
		}
		out = append(out, c)
	}
	if len(payload.Concepts) > 0 && len(out) == 0 {
		return nil, fmt.Errorf("%w: no usable concept rows", ErrExtractionParse)
	}
	return out, nil
}

func parseExtractedDependencies(obj map[string]any) ([]extractedDependency, error) {
	raw, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExtractionParse, err)
	}
	var payload struct {
		Dependencies []extractedDependency `json:"dependencies"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExtractionParse, err)
	}

	out := make([]extractedDependency, 0, len(payload.Dependencies))
	for _, d := range payload.Dependencies {
		d.PrerequisiteName = strings.TrimSpace(d.PrerequisiteName)
		d.DependentName = strings.TrimSpace(d.DependentName)
		if d.PrerequisiteName == "" || d.DependentName == "" {
			continue
		}
		if d.Strength < 0 || d.Strength > 1 {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func parseGeneratedProblem(obj map[string]any) (*generatedProblem, error) {
	raw, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExtractionParse, err)
	}
	var p generatedProblem
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExtractionParse, err)
	}
	p.Prompt = strings.TrimSpace(p.Prompt)
	if p.Prompt == "" {
		return nil, fmt.Errorf("%w: empty prompt", ErrExtractionParse)
	}
	if !gradingSpecUsable(p.GradingSpec) {
		return nil, fmt.Errorf("%w: empty or malformed grading spec", ErrExtractionParse)
	}
	return &p, nil
}

// gradingSpecUsable requires at least one concrete test case; a spec the
// sandbox cannot run grades nothing.
func gradingSpecUsable(spec json.RawMessage) bool {
	if len(spec) == 0 {
		return false
	}
	var parsed struct {
		Kind      string `json:"kind"`
		TestCases []struct {
			Input    string `json:"input"`
			Expected string `json:"expected"`
		} `json:"test_cases"`
	}
	if err := json.Unmarshal(spec, &parsed); err != nil {
		return false
	}
	return parsed.Kind != "" && len(parsed.TestCases) > 0
}

func normalizeDifficulty(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case types.DifficultyIntermediate:
		return types.DifficultyIntermediate
	case types.DifficultyAdvanced, "expert":
		return types.DifficultyAdvanced
	default:
		return types.DifficultyBeginner
	}
}

func normalizeConceptType(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case types.ConceptTypeProcedure, types.ConceptTypePrinciple, types.ConceptTypeExample,
		types.ConceptTypeApplication, types.ConceptTypeComparison:
		return strings.ToLower(strings.TrimSpace(raw))
	default:
		return types.ConceptTypeDefinition
	}
}

var slugStripRe = regexp.MustCompile(`[^a-z0-9]+`)

// slugify lowercases, hyphenates and trims a concept name into its
// collection-unique slug.
func slugify(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = slugStripRe.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if len(s) > 80 {
		s = s[:80]
		s = strings.Trim(s, "-")
	}
	return s
}

// strengthFromRaw buckets the collaborator's 0..1 criticality into the edge
// strength the unlock engine understands.
func strengthFromRaw(raw float64) string {
	switch {
	case raw >= 0.85:
		return types.StrengthRequired
	case raw >= 0.5:
		return types.StrengthRecommended
	default:
		return types.StrengthOptional
	}
}
