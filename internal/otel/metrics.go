package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all ctxwin metrics instruments.
type Metrics struct {
	CompactionDuration metric.Float64Histogram
	SummarizerDuration metric.Float64Histogram
	SummaryTokens      metric.Int64Counter
	PrunedMessages     metric.Int64Counter
	ClampedBytes       metric.Int64Counter
	OverflowRecoveries metric.Int64Counter
	EntriesAppended    metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.CompactionDuration, err = meter.Float64Histogram("ctxwin.compaction.duration",
		metric.WithDescription("End-to-end compaction duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.SummarizerDuration, err = meter.Float64Histogram("ctxwin.summarizer.duration",
		metric.WithDescription("Summarizer call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.SummaryTokens, err = meter.Int64Counter("ctxwin.summary.tokens",
		metric.WithDescription("Estimated tokens in produced summaries"),
	)
	if err != nil {
		return nil, err
	}

	m.PrunedMessages, err = meter.Int64Counter("ctxwin.prune.messages",
		metric.WithDescription("Messages dropped by budget pruning"),
	)
	if err != nil {
		return nil, err
	}

	m.ClampedBytes, err = meter.Int64Counter("ctxwin.clamp.bytes",
		metric.WithDescription("Bytes removed by entry clamping"),
	)
	if err != nil {
		return nil, err
	}

	m.OverflowRecoveries, err = meter.Int64Counter("ctxwin.recovery.rewrites",
		metric.WithDescription("Overflow recovery rewrites performed"),
	)
	if err != nil {
		return nil, err
	}

	m.EntriesAppended, err = meter.Int64Counter("ctxwin.entries.appended",
		metric.WithDescription("Entries appended to the session log"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
