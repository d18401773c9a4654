package export

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/dvloznov/risk-monitor/internal/domain"
	"github.com/dvloznov/risk-monitor/internal/metrics"
)

const (
	MimeCSV  = "text/csv;charset=utf-8"
	MimeJSON = "application/json"
)

// Sink persists one rendered document. Implementations must not leave a
// partial object behind when Save fails.
type Sink interface {
	Save(ctx context.Context, filename, text, mimeType string) error
}

// Error reports a failed export. It is returned to the caller as is and
// never retried.
type Error struct {
	Filename string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("export %s: %v", e.Filename, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

type Dataset string

const (
	Transactions Dataset = "transactions"
	Anomalies    Dataset = "anomalies"
)

type Format string

const (
	CSV  Format = "csv"
	JSON Format = "json"
)

// ParseDataset accepts "transactions" and "anomalies".
func ParseDataset(s string) (Dataset, error) {
	switch d := Dataset(strings.ToLower(strings.TrimSpace(s))); d {
	case Transactions, Anomalies:
		return d, nil
	default:
		return "", &domain.ConfigError{Field: "dataset", Value: s, Reason: "must be transactions or anomalies"}
	}
}

// ParseFormat accepts "csv" and "json"; empty means csv.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return CSV, nil
	case CSV, JSON:
		return f, nil
	default:
		return "", &domain.ConfigError{Field: "format", Value: s, Reason: "must be csv or json"}
	}
}

// Filename names an export after its dataset and row count, e.g. transactions_50.csv.
func Filename(d Dataset, f Format, rows int) string {
	return fmt.Sprintf("%s_%d.%s", d, rows, f)
}

// Document is rendered export text ready for a sink.
type Document struct {
	Filename string `json:"filename"`
	MimeType string `json:"mime_type"`
	Text     string `json:"-"`
	Rows     int    `json:"rows"`
	Bytes    int    `json:"bytes"`
}

// Render builds the document for rows without any I/O. CSV text starts with BOM.
func Render(d Dataset, f Format, rows []domain.Transaction) (Document, error) {
	doc := Document{Filename: Filename(d, f, len(rows)), Rows: len(rows)}
	switch f {
	case CSV:
		cols := TransactionColumns
		if d == Anomalies {
			cols = AnomalyColumns
		}
		doc.Text = BOM + ToCSV(rows, cols)
		doc.MimeType = MimeCSV
	case JSON:
		text, err := ToJSON(rows)
		if err != nil {
			return Document{}, err
		}
		doc.Text = text
		doc.MimeType = MimeJSON
	default:
		return Document{}, &domain.ConfigError{Field: "format", Value: string(f), Reason: "must be csv or json"}
	}
	doc.Bytes = len(doc.Text)
	return doc, nil
}

// Exporter renders datasets and saves them through a Sink.
type Exporter struct {
	sink    Sink
	metrics *metrics.Metrics
	log     zerolog.Logger
}

func NewExporter(sink Sink, m *metrics.Metrics, log zerolog.Logger) *Exporter {
	return &Exporter{
		sink:    sink,
		metrics: m,
		log:     log.With().Str("component", "exporter").Logger(),
	}
}

// Export renders rows and saves them. Sink failures come back as *Error.
func (e *Exporter) Export(ctx context.Context, d Dataset, f Format, rows []domain.Transaction) (Document, error) {
	doc, err := Render(d, f, rows)
	if err != nil {
		return Document{}, err
	}

	if err := e.sink.Save(ctx, doc.Filename, doc.Text, doc.MimeType); err != nil {
		e.metrics.Exported(string(d), string(f), doc.Bytes, err)
		e.log.Error().Err(err).Str("filename", doc.Filename).Msg("Export failed")
		return Document{}, &Error{Filename: doc.Filename, Err: err}
	}

	e.metrics.Exported(string(d), string(f), doc.Bytes, nil)
	e.log.Info().
		Str("filename", doc.Filename).
		Int("rows", doc.Rows).
		Int("bytes", doc.Bytes).
		Msg("Export saved")
	return doc, nil
}
