package story

import (
	"fmt"
	"strings"
)

// Code classifies a validation failure so callers (and external editors) can
// react to specific failure classes without parsing messages.
type Code string

const (
	// CodeSchema covers structural problems: missing required fields,
	// unrecognised enum values, out-of-range numbers, conflicting fields.
	CodeSchema Code = "schema"

	// CodeDuplicateID is reported when two checkpoints or two transitions
	// share an ID.
	CodeDuplicateID Code = "duplicate_id"

	// CodeUnknownCheckpoint is reported when a transition endpoint or cue
	// references a checkpoint that does not exist.
	CodeUnknownCheckpoint Code = "unknown_checkpoint"

	// CodeUnknownRole is reported when a cue references an undefined role.
	CodeUnknownRole Code = "unknown_role"

	// CodeInvalidPattern is reported when a transition trigger pattern does
	// not compile as a regular expression.
	CodeInvalidPattern Code = "invalid_pattern"

	// CodeInvalidCondition is reported when a cue's when-expression does not
	// compile.
	CodeInvalidCondition Code = "invalid_condition"

	// CodeNoStart means no start checkpoint was declared and none could be
	// inferred (every checkpoint has an incoming transition).
	CodeNoStart Code = "no_start"

	// CodeAmbiguousStart means no start was declared and more than one
	// checkpoint has no incoming transition.
	CodeAmbiguousStart Code = "ambiguous_start"

	// CodeUnreachableOrCyclic means some checkpoints are unreachable from the
	// start or participate in a cycle.
	CodeUnreachableOrCyclic Code = "unreachable_or_cyclic"
)

// ValidationError is a single validation finding with a field path into the
// story document (e.g. "transitions[3].patterns[0]").
type ValidationError struct {
	Code    Code
	Path    string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s (%s)", e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Path, e.Message, e.Code)
}

// CompileError aggregates every validation finding for a story document.
// [Compile] returns it fatally — an invalid story never produces a graph.
type CompileError struct {
	Story  string
	Errors []*ValidationError
}

// Error implements the error interface, listing every finding.
func (e *CompileError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "story: %d validation error(s)", len(e.Errors))
	if e.Story != "" {
		fmt.Fprintf(&b, " in %q", e.Story)
	}
	for _, ve := range e.Errors {
		b.WriteString("\n\t")
		b.WriteString(ve.Error())
	}
	return b.String()
}

// Unwrap exposes the individual findings to errors.Is / errors.As.
func (e *CompileError) Unwrap() []error {
	errs := make([]error, len(e.Errors))
	for i, ve := range e.Errors {
		errs[i] = ve
	}
	return errs
}

// HasCode reports whether any finding carries the given code.
func (e *CompileError) HasCode(c Code) bool {
	for _, ve := range e.Errors {
		if ve.Code == c {
			return true
		}
	}
	return false
}
