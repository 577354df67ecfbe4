package stage

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Limits bound the resources a stage may consume. Zero means unlimited.
type Limits struct {
	CPUSeconds  uint64 `json:"cpu_seconds,omitempty"`
	MemoryBytes uint64 `json:"memory_bytes,omitempty"`
}

// Apply sets the limits on the calling process, both soft and hard, so
// that neither the stage nor anything it starts can raise them again.
func (l Limits) Apply() error {
	if l.CPUSeconds > 0 {
		if err := setLimit(unix.RLIMIT_CPU, l.CPUSeconds); err != nil {
			return fmt.Errorf("cannot limit CPU time: %w", err)
		}
	}
	if l.MemoryBytes > 0 {
		if err := setLimit(unix.RLIMIT_AS, l.MemoryBytes); err != nil {
			return fmt.Errorf("cannot limit memory: %w", err)
		}
	}
	return nil
}

func setLimit(resource int, value uint64) error {
	limit := unix.Rlimit{Cur: value, Max: value}
	return unix.Setrlimit(resource, &limit)
}
