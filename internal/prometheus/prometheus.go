package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "osbuild"
	subsystem = "pipeline"
)

// WriteTextfile writes the current value of every registered metric to
// filename in the text exposition format, for node_exporter's textfile
// collector.
func WriteTextfile(filename string) error {
	return prometheus.WriteToTextfile(filename, prometheus.DefaultGatherer)
}
