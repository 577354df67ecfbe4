package sandbox

import (
	"bytes"
	"sync"

	"github.com/sirupsen/logrus"
)

// capture collects the output of a stage. Complete lines are logged as they
// arrive, attributed to the stage and stream, and everything written is
// kept verbatim for diagnostics.
type capture struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	logger logrus.FieldLogger
}

func newCapture(logger logrus.FieldLogger) *capture {
	return &capture{logger: logger}
}

func (c *capture) stream(name string) *lineWriter {
	return &lineWriter{c: c, logger: c.logger.WithField("stream", name)}
}

func (c *capture) Bytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.buf.Bytes()...)
}

type lineWriter struct {
	c       *capture
	logger  logrus.FieldLogger
	pending []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.c.mu.Lock()
	w.c.buf.Write(p)
	w.c.mu.Unlock()

	w.pending = append(w.pending, p...)
	for {
		i := bytes.IndexByte(w.pending, '\n')
		if i < 0 {
			break
		}
		w.logger.Debug(string(w.pending[:i]))
		w.pending = w.pending[i+1:]
	}
	return len(p), nil
}

// Flush logs a trailing line without a newline.
func (w *lineWriter) Flush() {
	if len(w.pending) > 0 {
		w.logger.Debug(string(w.pending))
		w.pending = nil
	}
}
