package stages

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/jbtrystram/osbuild/internal/stage"
)

const defaultDirMode = 0755

// Options for the org.osbuild.mkdir stage.
type MkdirStageOptions struct {
	Paths []MkdirStagePath `json:"paths"`
}

type MkdirStagePath struct {
	Path string `json:"path"`

	Mode    *os.FileMode `json:"mode,omitempty"`
	Parents bool         `json:"parents,omitempty"`
	ExistOk bool         `json:"exist_ok,omitempty"`
}

type MkdirStage struct {
	stageCommon
}

func NewMkdirStage() *MkdirStage {
	return &MkdirStage{
		stageCommon: newStageCommon("org.osbuild.mkdir", &MkdirStageOptions{}, true),
	}
}

func (s *MkdirStage) Run(ctx context.Context, args *stage.Args) (*stage.Output, error) {
	var options MkdirStageOptions
	if err := args.DecodeOptions(&options); err != nil {
		return nil, err
	}

	out := &stage.Output{}
	for _, p := range options.Paths {
		path, err := stage.ResolveLocation(args.Tree, p.Path)
		if err != nil {
			return nil, err
		}

		mode := os.FileMode(defaultDirMode)
		if p.Mode != nil {
			mode = *p.Mode
		}

		if p.Parents {
			err = os.MkdirAll(path, mode)
		} else {
			err = os.Mkdir(path, mode)
			if errors.Is(err, os.ErrExist) && p.ExistOk {
				err = nil
			}
		}
		if err != nil {
			return nil, fmt.Errorf("cannot create directory %s: %w", p.Path, err)
		}

		// an existing link may point out of the tree
		if info, err := os.Lstat(path); err != nil {
			return nil, err
		} else if !info.IsDir() {
			return nil, fmt.Errorf("cannot create directory %s: not a directory", p.Path)
		}

		// the umask applies to Mkdir, but not to Chmod
		if err := os.Chmod(path, mode); err != nil {
			return nil, err
		}
		out.Record(stage.Change{
			Path: stage.TreePath(args.Tree, path),
			Kind: stage.ChangeDirectory,
			Mode: mode,
		})
	}
	return out, nil
}
