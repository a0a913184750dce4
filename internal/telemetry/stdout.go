package telemetry

import "github.com/charmbracelet/log"

// Reporter captures device events.
type Reporter interface {
	Report(kind EventKind, message, session string)
}

// LogReporter writes device events to the daemon log.
type LogReporter struct {
	logger *log.Logger
}

// NewLogReporter builds a log reporter with the provided logger.
func NewLogReporter(logger *log.Logger) LogReporter {
	if logger == nil {
		logger = log.Default()
	}
	return LogReporter{logger: logger}
}

func (r LogReporter) Report(kind EventKind, message, session string) {
	if session != "" {
		r.logger.Info(message, "event", kind, "session", session)
		return
	}
	r.logger.Info(message, "event", kind)
}

// MultiReporter fans events out to multiple destinations.
type MultiReporter []Reporter

// Report forwards the event to each configured reporter.
func (m MultiReporter) Report(kind EventKind, message, session string) {
	for _, r := range m {
		if r != nil {
			r.Report(kind, message, session)
		}
	}
}
