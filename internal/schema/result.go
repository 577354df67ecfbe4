package schema

import (
	"fmt"
	"strings"
)

// Kind is the machine-readable classification of a validation error.
type Kind string

const (
	KindMissingProperty    Kind = "missing-required-property"
	KindWrongType          Kind = "wrong-type"
	KindAdditionalProperty Kind = "unexpected-additional-property"
	KindEnumMismatch       Kind = "enum-mismatch"
)

// Error is a single schema violation.
type Error struct {
	// Path is a JSON pointer into the options document. For a missing
	// property it points at the property that should have been there.
	Path    string `json:"path"`
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

func (e Error) String() string {
	path := e.Path
	if path == "" {
		path = "/"
	}
	return fmt.Sprintf("%s: %s", path, e.Message)
}

// Result of validating one options document. Errors are ordered by the
// traversal of the document and are empty when Valid is set.
type Result struct {
	Valid  bool    `json:"valid"`
	Errors []Error `json:"errors,omitempty"`
}

func (r *Result) add(path string, kind Kind, format string, args ...interface{}) {
	r.Valid = false
	r.Errors = append(r.Errors, Error{
		Path:    path,
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
	})
}

// Messages returns the human readable messages of all errors.
func (r *Result) Messages() []string {
	msgs := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		msgs = append(msgs, e.Message)
	}
	return msgs
}

// Paths returns the paths of all errors of the given kind.
func (r *Result) Paths(kind Kind) []string {
	var paths []string
	for _, e := range r.Errors {
		if e.Kind == kind {
			paths = append(paths, e.Path)
		}
	}
	return paths
}

func (r *Result) String() string {
	if r.Valid {
		return "valid"
	}
	lines := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		lines = append(lines, e.String())
	}
	return strings.Join(lines, "\n")
}
