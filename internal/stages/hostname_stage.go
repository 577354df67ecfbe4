package stages

import (
	"context"
	"os"
	"path/filepath"

	"github.com/jbtrystram/osbuild/internal/stage"
)

type HostnameStageOptions struct {
	Hostname string `json:"hostname"`
}

type HostnameStage struct {
	stageCommon
}

func NewHostnameStage() *HostnameStage {
	return &HostnameStage{
		stageCommon: newStageCommon("org.osbuild.hostname", &HostnameStageOptions{}, true),
	}
}

func (s *HostnameStage) Run(ctx context.Context, args *stage.Args) (*stage.Output, error) {
	var options HostnameStageOptions
	if err := args.DecodeOptions(&options); err != nil {
		return nil, err
	}

	path, err := stage.ResolveLocation(args.Tree, "/etc/hostname")
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), defaultDirMode); err != nil {
		return nil, err
	}
	if err := writeFile(path, []byte(options.Hostname+"\n"), 0644); err != nil {
		return nil, err
	}

	out := &stage.Output{}
	out.Record(stage.Change{Path: "/etc/hostname", Kind: stage.ChangeFile, Mode: 0644})
	return out, nil
}
