package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
)

// HostRequest is the document an out-of-process stage host reads from its
// standard input.
type HostRequest struct {
	Stage  string `json:"stage"`
	Args   Args   `json:"args"`
	Limits Limits `json:"limits"`
}

// ServeHost is the entry point of a stage host: it decodes one HostRequest
// from in, applies its limits to the current process, runs the requested
// stage and encodes its Output to result. Stage diagnostics go to log.
func ServeHost(ctx context.Context, registry *Registry, in io.Reader, result, log io.Writer) error {
	var req HostRequest
	if err := json.NewDecoder(in).Decode(&req); err != nil {
		return fmt.Errorf("cannot decode stage request: %w", err)
	}

	s, ok := registry.Get(req.Stage)
	if !ok {
		return fmt.Errorf("unknown stage: %s", req.Stage)
	}
	if err := req.Limits.Apply(); err != nil {
		return err
	}

	req.Args.Log = log
	out, err := s.Run(ctx, &req.Args)
	if err != nil {
		return fmt.Errorf("%s: %w", req.Stage, err)
	}
	if out == nil {
		out = &Output{}
	}

	if err := json.NewEncoder(result).Encode(out); err != nil {
		return fmt.Errorf("cannot encode stage output: %w", err)
	}
	return nil
}
