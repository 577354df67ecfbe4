package stages

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/jbtrystram/osbuild/internal/stage"
)

// Options for the org.osbuild.machine-id stage.
//
// With first-boot "yes" the machine id is reset to "uninitialized" so that
// systemd treats the next boot as first boot. "no" generates a fresh
// machine id, which makes this stage nondeterministic; it is never cached.
// "preserve" keeps an existing id and fails if there is none.
type MachineIdStageOptions struct {
	FirstBoot string `json:"first-boot" jsonschema:"enum=yes,enum=no,enum=preserve"`
}

type MachineIdStage struct {
	stageCommon
}

func NewMachineIdStage() *MachineIdStage {
	return &MachineIdStage{
		stageCommon: newStageCommon("org.osbuild.machine-id", &MachineIdStageOptions{}, false),
	}
}

func (s *MachineIdStage) Run(ctx context.Context, args *stage.Args) (*stage.Output, error) {
	var options MachineIdStageOptions
	if err := args.DecodeOptions(&options); err != nil {
		return nil, err
	}

	path, err := stage.ResolveLocation(args.Tree, "/etc/machine-id")
	if err != nil {
		return nil, err
	}
	var content string
	switch options.FirstBoot {
	case "yes":
		content = "uninitialized\n"
	case "no":
		id := uuid.New()
		content = fmt.Sprintf("%x\n", id[:])
	case "preserve":
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("machine-id to preserve: %w", err)
		}
		return &stage.Output{}, nil
	default:
		return nil, fmt.Errorf("unsupported first-boot value %q", options.FirstBoot)
	}

	if err := os.MkdirAll(filepath.Dir(path), defaultDirMode); err != nil {
		return nil, err
	}
	// the file is read-only, replace rather than rewrite it
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err := writeFile(path, []byte(content), 0444); err != nil {
		return nil, err
	}

	out := &stage.Output{}
	out.Record(stage.Change{Path: "/etc/machine-id", Kind: stage.ChangeFile, Mode: 0444})
	return out, nil
}
