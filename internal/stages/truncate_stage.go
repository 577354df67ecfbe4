package stages

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/jbtrystram/osbuild/internal/stage"
)

// Options for the org.osbuild.truncate stage: create or resize a file to
// the given size, in bytes.
type TruncateStageOptions struct {
	Filename string `json:"filename"`
	Size     string `json:"size"`
}

type TruncateStage struct {
	stageCommon
}

func NewTruncateStage() *TruncateStage {
	return &TruncateStage{
		stageCommon: newStageCommon("org.osbuild.truncate", &TruncateStageOptions{}, true),
	}
}

func (s *TruncateStage) Run(ctx context.Context, args *stage.Args) (*stage.Output, error) {
	var options TruncateStageOptions
	if err := args.DecodeOptions(&options); err != nil {
		return nil, err
	}

	size, err := strconv.ParseInt(options.Size, 10, 64)
	if err != nil || size < 0 {
		return nil, fmt.Errorf("invalid size %q", options.Size)
	}

	path, err := stage.ResolveLocation(args.Tree, options.Filename)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|unix.O_NOFOLLOW, 0644)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if err := f.Truncate(size); err != nil {
		return nil, fmt.Errorf("cannot truncate %s: %w", options.Filename, err)
	}

	out := &stage.Output{}
	out.Record(stage.Change{Path: stage.TreePath(args.Tree, path), Kind: stage.ChangeFile, Mode: 0644})
	return out, nil
}
