package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"cloud.google.com/go/bigquery"
)

// BigQuerySink loads each export into <table>_<dataset>_<format> with one
// load job. Load jobs are atomic, so a failed export leaves the table untouched.
type BigQuerySink struct {
	client    *bigquery.Client
	projectID string
	datasetID string
	table     string
}

func NewBigQuerySink(ctx context.Context, projectID, datasetID, table, credentialsFile string) (*BigQuerySink, error) {
	if projectID == "" || datasetID == "" || table == "" {
		return nil, fmt.Errorf("NewBigQuerySink: project_id, dataset and table are required")
	}
	client, err := bigquery.NewClient(ctx, projectID, ClientOptions(credentialsFile)...)
	if err != nil {
		return nil, fmt.Errorf("NewBigQuerySink: bigquery client: %w", err)
	}
	return &BigQuerySink{client: client, projectID: projectID, datasetID: datasetID, table: table}, nil
}

func (s *BigQuerySink) Save(ctx context.Context, filename, text, mimeType string) error {
	if err := validFilename(filename); err != nil {
		return err
	}
	dataset, format, err := parseFilename(filename)
	if err != nil {
		return fmt.Errorf("BigQuerySink.Save: %w", err)
	}
	source, err := loadSource(text, mimeType, schemaFor(dataset, format))
	if err != nil {
		return fmt.Errorf("BigQuerySink.Save: %w", err)
	}

	tableID := tableName(s.table, dataset, format)
	loader := s.client.DatasetInProject(s.projectID, s.datasetID).Table(tableID).LoaderFrom(source)
	loader.CreateDisposition = bigquery.CreateIfNeeded
	loader.WriteDisposition = bigquery.WriteAppend
	loader.Labels = map[string]string{"source": "risk-monitor"}

	job, err := loader.Run(ctx)
	if err != nil {
		return fmt.Errorf("BigQuerySink.Save: start load into %s: %w", tableID, err)
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return fmt.Errorf("BigQuerySink.Save: wait for load job %s: %w", job.ID(), err)
	}
	if err := status.Err(); err != nil {
		return fmt.Errorf("BigQuerySink.Save: load job %s: %w", job.ID(), err)
	}
	return nil
}

func (s *BigQuerySink) Close() error {
	return s.client.Close()
}

// loadSource turns export text into a load source with an explicit schema.
// CSV skips its header row; a JSON array is rewritten as newline-delimited JSON.
func loadSource(text, mimeType string, schema bigquery.Schema) (*bigquery.ReaderSource, error) {
	switch {
	case strings.HasPrefix(mimeType, "text/csv"):
		src := bigquery.NewReaderSource(strings.NewReader(strings.TrimPrefix(text, "\uFEFF")))
		src.SourceFormat = bigquery.CSV
		src.SkipLeadingRows = 1
		src.AllowQuotedNewlines = true
		src.Schema = schema
		return src, nil
	case strings.HasPrefix(mimeType, "application/json"):
		ndjson, err := toNDJSON(text)
		if err != nil {
			return nil, err
		}
		src := bigquery.NewReaderSource(bytes.NewReader(ndjson))
		src.SourceFormat = bigquery.JSON
		src.IgnoreUnknownValues = true
		src.Schema = schema
		return src, nil
	default:
		return nil, fmt.Errorf("unsupported mime type %q", mimeType)
	}
}

func toNDJSON(text string) ([]byte, error) {
	var rows []json.RawMessage
	if err := json.Unmarshal([]byte(text), &rows); err != nil {
		return nil, fmt.Errorf("decode JSON export: %w", err)
	}
	var buf bytes.Buffer
	for _, row := range rows {
		if err := json.Compact(&buf, row); err != nil {
			return nil, fmt.Errorf("compact JSON row: %w", err)
		}
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}
