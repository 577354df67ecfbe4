package common

import (
	"github.com/sirupsen/logrus"
)

// BuildHook stamps every log entry with the build the binary came from and
// the component that logged it.
type BuildHook struct {
	Component string
}

func (h *BuildHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *BuildHook) Fire(e *logrus.Entry) error {
	e.Data["build_commit"] = BuildCommit
	if h.Component != "" {
		e.Data["component"] = h.Component
	}
	return nil
}
