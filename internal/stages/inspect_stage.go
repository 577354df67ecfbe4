package stages

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/jbtrystram/osbuild/internal/stage"
)

// Stage that reports on paths of the tree without changing it. The result
// is returned as output metadata, keyed by the requested location.
type InspectStageOptions struct {
	Paths []string `json:"paths"`
}

type InspectedPath struct {
	Exists bool        `json:"exists"`
	Kind   string      `json:"kind,omitempty"`
	Mode   os.FileMode `json:"mode,omitempty"`
	Size   int64       `json:"size,omitempty"`
	Target string      `json:"target,omitempty"`
}

type InspectStage struct {
	stageCommon
}

func NewInspectStage() *InspectStage {
	s := &InspectStage{
		stageCommon: newStageCommon("org.osbuild.inspect", &InspectStageOptions{}, true),
	}
	s.mutates = false
	return s
}

func (s *InspectStage) Run(ctx context.Context, args *stage.Args) (*stage.Output, error) {
	var options InspectStageOptions
	if err := args.DecodeOptions(&options); err != nil {
		return nil, err
	}

	out := &stage.Output{Metadata: map[string]interface{}{}}
	for _, location := range options.Paths {
		path, err := stage.ResolveLocation(args.Tree, location)
		if err != nil {
			return nil, err
		}

		info, err := os.Lstat(path)
		if errors.Is(err, os.ErrNotExist) {
			out.Metadata[location] = InspectedPath{}
			continue
		} else if err != nil {
			return nil, fmt.Errorf("cannot inspect %s: %w", location, err)
		}

		inspected := InspectedPath{Exists: true, Mode: info.Mode().Perm()}
		switch {
		case info.Mode()&os.ModeSymlink != 0:
			inspected.Kind = string(stage.ChangeSymlink)
			inspected.Mode = 0
			if inspected.Target, err = os.Readlink(path); err != nil {
				return nil, err
			}
		case info.IsDir():
			inspected.Kind = string(stage.ChangeDirectory)
		default:
			inspected.Kind = string(stage.ChangeFile)
			inspected.Size = info.Size()
		}
		args.Printf("%s: %s", location, inspected.Kind)
		out.Metadata[location] = inspected
	}
	return out, nil
}
