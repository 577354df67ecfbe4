// Package pipeline runs ordered sequences of stages against a filesystem
// tree.
//
// Stages run strictly one after the other: the output tree of a stage is
// the input tree of the next one. Every stage is validated before anything
// runs, results of deterministic stages are taken from and stored in the
// tree cache, and the first failure aborts the whole run.
package pipeline

import (
	"encoding/json"
	"fmt"
	"time"
)

type Pipeline struct {
	Name   string `json:"name,omitempty"`
	Stages []Step `json:"stages"`
}

// Step is one stage invocation.
type Step struct {
	Type    string                 `json:"type"`
	Options map[string]interface{} `json:"options,omitempty"`

	// Inputs maps input names to read-only paths made available to the
	// stage. Their content is part of the cache key.
	Inputs map[string]string `json:"inputs,omitempty"`

	// Timeout overrides the sandbox default when set.
	Timeout Duration `json:"timeout,omitempty"`

	// Network grants the stage network access.
	Network bool `json:"network,omitempty"`
}

// Duration is a time.Duration that reads "90s"-style strings or a number of
// seconds from JSON.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		*d = Duration(value * float64(time.Second))
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("invalid duration: %s", data)
	}
	if *d < 0 {
		return fmt.Errorf("duration must not be negative: %s", data)
	}
	return nil
}
