package metrics

import "github.com/buncis/solid-queue/internal/domain"

// NoopSink is used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

func NewNoopSink() *NoopSink { return &NoopSink{} }

func (NoopSink) JobFinished(domain.Outcome) {}
func (NoopSink) Promoted(int)               {}
