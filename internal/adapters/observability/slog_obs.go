package observability

import (
	"log/slog"

	"github.com/driftlabs/driftsync/internal/ports"
)

// SlogObs implements the Observability port with structured logs only, for
// embedders that scrape nothing.
type SlogObs struct {
	logger *slog.Logger
}

func NewSlogObs(logger *slog.Logger) *SlogObs {
	if logger == nil {
		logger = NewLogger("driftsync")
	}
	return &SlogObs{logger: logger}
}

func (s *SlogObs) LogInfo(msg string, fields ...ports.Field) {
	s.logger.Info(msg, args(fields)...)
}

func (s *SlogObs) LogError(msg string, err error, fields ...ports.Field) {
	s.logger.Error(msg, append([]any{"error", err}, args(fields)...)...)
}

func (s *SlogObs) IncCounter(name string, v float64) {}
func (s *SlogObs) ObserveLatency(name string, seconds float64) {}
func (s *SlogObs) SetGauge(name string, v float64) {}

var _ ports.Observability = (*SlogObs)(nil)
