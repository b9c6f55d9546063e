package webhook

import (
	"github.com/rs/zerolog"

	"github.com/orrn/posprint/internal/core"
)

// LogListener writes one line per completed receipt.
type LogListener struct {
	log zerolog.Logger
}

func NewLogListener(log zerolog.Logger) *LogListener {
	return &LogListener{log: log.With().Str("component", "printing_listener").Logger()}
}

func (l *LogListener) OnPrinted(job *core.Job, status core.Status) {
	ev := l.log.Info()
	if status != core.StatusPrinted {
		ev = l.log.Warn()
	}
	ev.Str("receipt_id", job.ID()).
		Str("source_ip", job.SourceIP).
		Str("operator_id", job.OperatorID).
		Str("status", string(status)).
		Msg("receipt printing finished")
}

// Multi fans a completion out to several listeners in order.
type Multi []core.PrintingListener

func (m Multi) OnPrinted(job *core.Job, status core.Status) {
	for _, l := range m {
		if l != nil {
			l.OnPrinted(job, status)
		}
	}
}
