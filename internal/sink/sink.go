package sink

import (
	"context"
	"fmt"

	"github.com/dvloznov/risk-monitor/internal/config"
	"github.com/dvloznov/risk-monitor/internal/export"
)

// Sink is an export.Sink holding resources that must be released.
type Sink interface {
	export.Sink
	Close() error
}

// New builds the sink selected by cfg.Sink.
func New(ctx context.Context, cfg config.ExportConfig) (Sink, error) {
	switch cfg.Sink {
	case "", "file":
		return NewFileSink(cfg.Dir)
	case "gcs":
		return NewGCSSink(ctx, cfg.Bucket, cfg.Prefix, cfg.CredentialsFile)
	case "bigquery":
		return NewBigQuerySink(ctx, cfg.ProjectID, cfg.Dataset, cfg.Table, cfg.CredentialsFile)
	default:
		return nil, fmt.Errorf("unknown export sink %q", cfg.Sink)
	}
}
