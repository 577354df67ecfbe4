package stages

import (
	"context"
	"fmt"
	"os"

	"github.com/jbtrystram/osbuild/internal/stage"
)

// Stage to create symbolic links in the tree. The link location is
// resolved inside the tree; the source is stored verbatim as the link
// target and does not need to exist.
type SymlinkStageOptions struct {
	Paths []SymlinkStagePath `json:"paths"`
}

type SymlinkStagePath struct {
	Source string `json:"source"`
	Link   string `json:"link"`
}

type SymlinkStage struct {
	stageCommon
}

func NewSymlinkStage() *SymlinkStage {
	return &SymlinkStage{
		stageCommon: newStageCommon("org.osbuild.symlink", &SymlinkStageOptions{}, true),
	}
}

func (s *SymlinkStage) Run(ctx context.Context, args *stage.Args) (*stage.Output, error) {
	var options SymlinkStageOptions
	if err := args.DecodeOptions(&options); err != nil {
		return nil, err
	}

	out := &stage.Output{}
	for _, p := range options.Paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		link, err := stage.ResolveLocation(args.Tree, p.Link)
		if err != nil {
			return nil, err
		}
		args.Printf("symlink %s -> %s", p.Link, p.Source)
		if err := os.Symlink(p.Source, link); err != nil {
			return nil, fmt.Errorf("cannot create symlink %s -> %s: %w", p.Link, p.Source, err)
		}
		out.Record(stage.Change{
			Path:   stage.TreePath(args.Tree, link),
			Kind:   stage.ChangeSymlink,
			Target: p.Source,
		})
	}
	return out, nil
}
