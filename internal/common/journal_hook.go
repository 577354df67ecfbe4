// Inspired by github.com/wercker/journalhook (MIT license)
package common

import (
	"fmt"
	"strings"

	"github.com/coreos/go-systemd/v22/journal"
	logrus "github.com/sirupsen/logrus"
)

// JournalHook forwards log entries to the systemd journal. Entry fields
// become journal fields, run ids included, so a pipeline run can be
// followed with journalctl RUN=<id>.
type JournalHook struct {
	Identifier string
}

var (
	severityMap = map[logrus.Level]journal.Priority{
		logrus.TraceLevel: journal.PriDebug,
		logrus.DebugLevel: journal.PriDebug,
		logrus.InfoLevel:  journal.PriInfo,
		logrus.WarnLevel:  journal.PriWarning,
		logrus.ErrorLevel: journal.PriErr,
		logrus.FatalLevel: journal.PriCrit,
		logrus.PanicLevel: journal.PriEmerg,
	}
)

// NewJournalHook returns nil when there is no journal to log to.
func NewJournalHook(identifier string) *JournalHook {
	if !journal.Enabled() {
		return nil
	}
	return &JournalHook{Identifier: identifier}
}

func stringifyOp(r rune) rune {
	switch {
	case r >= 'A' && r <= 'Z':
		return r
	case r >= '0' && r <= '9':
		return r
	case r == '_':
		return r
	case r >= 'a' && r <= 'z':
		return r - 32
	default:
		return rune('_')
	}
}

func stringifyKey(key string) string {
	key = strings.Map(stringifyOp, key)
	key = strings.TrimPrefix(key, "_")
	return key
}

// Journal wants strings but logrus takes anything.
func (hook *JournalHook) fields(data logrus.Fields) map[string]string {
	entries := make(map[string]string, len(data)+1)
	for k, v := range data {
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		entries[stringifyKey(k)] = fmt.Sprint(v)
	}
	if hook.Identifier != "" {
		entries["SYSLOG_IDENTIFIER"] = hook.Identifier
	}
	return entries
}

func (hook *JournalHook) Fire(entry *logrus.Entry) error {
	return journal.Send(entry.Message, severityMap[entry.Level], hook.fields(entry.Data))
}

func (hook *JournalHook) Levels() []logrus.Level {
	return logrus.AllLevels
}
