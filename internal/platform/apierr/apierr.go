package apierr

import "fmt"

// Error codes surfaced by the learning engine. Structural violations reject the
// write outright; collaborator failures degrade into retryable conditions.
const (
	CodeExtractionParse = "extraction_parse_error"
	CodeCycle           = "cycle_error"
	CodeDuplicateEdge   = "duplicate_edge"
	CodeSelfLoop        = "self_loop"
	CodeGenerationFail  = "generation_failed"
	CodeGradingTimeout  = "grading_timeout"
	CodeOrphanedConcept = "orphaned_concept_reference"
	CodeNotFound        = "not_found"
	CodeBadRequest      = "bad_request"
)

type Error struct {
	Status int
	Code   string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	if e.Code != "" {
		return e.Code
	}
	if e.Status != 0 {
		return fmt.Sprintf("api error (%d)", e.Status)
	}
	return "api error"
}

func (e *Error) Unwrap() error { return e.Err }

func New(status int, code string, err error) *Error {
	return &Error{Status: status, Code: code, Err: err}
}
