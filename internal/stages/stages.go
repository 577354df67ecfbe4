// Package stages is the catalog of stage implementations shipped with the
// executor.
package stages

import (
	"os"

	"github.com/invopop/jsonschema"
	"golang.org/x/sys/unix"

	"github.com/jbtrystram/osbuild/internal/schema"
	"github.com/jbtrystram/osbuild/internal/stage"
)

// NewRegistry returns a sealed registry with every stage of the catalog.
func NewRegistry() *stage.Registry {
	r := stage.NewRegistry()
	r.MustRegister(
		NewSymlinkStage(),
		NewMkdirStage(),
		NewTruncateStage(),
		NewHostnameStage(),
		NewMachineIdStage(),
		NewInspectStage(),
	)
	r.Seal()
	return r
}

// Fields shared between all stages of the catalog (embedded in each one)
type stageCommon struct {
	name          string
	schema        *jsonschema.Schema
	mutates       bool
	deterministic bool
}

func newStageCommon(name string, options interface{}, deterministic bool) stageCommon {
	return stageCommon{
		name:          name,
		schema:        schema.Reflect(options),
		mutates:       true,
		deterministic: deterministic,
	}
}

func (s *stageCommon) Name() string               { return s.name }
func (s *stageCommon) Schema() *jsonschema.Schema { return s.schema }
func (s *stageCommon) Mutates() bool              { return s.mutates }
func (s *stageCommon) Deterministic() bool        { return s.deterministic }

// writeFile is os.WriteFile, except that it fails on a symlink instead of
// writing wherever the link points.
func writeFile(path string, data []byte, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC|unix.O_NOFOLLOW, perm)
	if err != nil {
		return err
	}
	_, err = f.Write(data)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	return err
}
