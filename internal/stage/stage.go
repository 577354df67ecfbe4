// Package stage defines the contract every build stage implements and the
// registry stages are looked up in.
//
// A stage is a unit of build logic identified by a well-known name in
// reverse domain-name notation (e.g. org.osbuild.symlink). It declares the
// schema of its options, whether it mutates the tree it is given, and
// whether identical inputs always produce identical output trees. The
// latter decides whether its results may be cached.
package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/invopop/jsonschema"
)

// Stage is a single, replaceable step of a pipeline.
type Stage interface {
	// Well-known name in reverse domain-name notation, uniquely identifying
	// the stage type.
	Name() string

	// Schema of the stage options.
	Schema() *jsonschema.Schema

	// Mutates reports whether the stage changes the tree. Stages that only
	// inspect the tree must leave it untouched.
	Mutates() bool

	// Deterministic reports whether running the stage twice on identical
	// inputs yields identical trees. Only deterministic stages are cached.
	Deterministic() bool

	// Run executes the stage on args.Tree. Options have been validated
	// against Schema before Run is called.
	Run(ctx context.Context, args *Args) (*Output, error)
}

// Args is everything a stage gets to see. It is also the document handed
// to an out-of-process stage host.
type Args struct {
	// Tree is the root of the filesystem tree the stage operates on.
	Tree string `json:"tree"`

	// Options are the validated stage options.
	Options json.RawMessage `json:"options,omitempty"`

	// Inputs maps input names to read-only paths holding artifacts of
	// previous stages.
	Inputs map[string]string `json:"inputs,omitempty"`

	// Meta carries invocation metadata, e.g. the stage invocation id.
	Meta map[string]string `json:"meta,omitempty"`

	// Log receives the diagnostic output of the stage. Nil discards it.
	Log io.Writer `json:"-"`
}

// Printf writes a diagnostic line to the stage log.
func (a *Args) Printf(format string, v ...interface{}) {
	if a.Log == nil {
		return
	}
	fmt.Fprintf(a.Log, format+"\n", v...)
}

// DecodeOptions unmarshals the options into v.
func (a *Args) DecodeOptions(v interface{}) error {
	if len(a.Options) == 0 {
		return nil
	}
	if err := json.Unmarshal(a.Options, v); err != nil {
		return fmt.Errorf("cannot decode stage options: %w", err)
	}
	return nil
}

type ChangeKind string

const (
	ChangeSymlink   ChangeKind = "symlink"
	ChangeDirectory ChangeKind = "directory"
	ChangeFile      ChangeKind = "file"
)

// Change records one tree mutation performed by a stage.
type Change struct {
	// Path relative to the tree root, always starting with "/".
	Path string     `json:"path"`
	Kind ChangeKind `json:"kind"`
	// Target is the literal link target for symlinks.
	Target string      `json:"target,omitempty"`
	Mode   os.FileMode `json:"mode,omitempty"`
}

// Output of a successful stage run.
type Output struct {
	Changes  []Change               `json:"changes,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Record appends a change to the output.
func (o *Output) Record(c Change) {
	o.Changes = append(o.Changes, c)
}
