package sink

import (
	"fmt"
	"strings"

	"cloud.google.com/go/bigquery"

	"github.com/dvloznov/risk-monitor/internal/domain"
	"github.com/dvloznov/risk-monitor/internal/export"
)

// fieldTypes types the export columns; anything unlisted is a STRING.
var fieldTypes = map[string]bigquery.FieldType{
	"ts":            bigquery.TimestampFieldType,
	"amount":        bigquery.NumericFieldType,
	"final_risk":    bigquery.FloatFieldType,
	"anomaly_score": bigquery.FloatFieldType,
	"rules_score":   bigquery.FloatFieldType,
}

// jsonKeys is the field order of a JSON export row.
var jsonKeys = []string{
	"id", "ts", "user_id", "user_name", "amount", "type", "country",
	"final_risk", "anomaly_score", "rules_score", "explanations",
}

// ExportTable is one BigQuery table the sink loads into.
type ExportTable struct {
	Name    string
	Dataset export.Dataset
	Format  export.Format
	Schema  bigquery.Schema
}

// ExportTables lists every table a BigQuery sink with base table name may write.
// CSV and JSON land in separate tables because explanations is a joined
// string in CSV and a repeated field in JSON.
func ExportTables(base string) []ExportTable {
	var tables []ExportTable
	for _, d := range []export.Dataset{export.Transactions, export.Anomalies} {
		for _, f := range []export.Format{export.CSV, export.JSON} {
			tables = append(tables, ExportTable{
				Name:    tableName(base, d, f),
				Dataset: d,
				Format:  f,
				Schema:  schemaFor(d, f),
			})
		}
	}
	return tables
}

func tableName(base string, d export.Dataset, f export.Format) string {
	return fmt.Sprintf("%s_%s_%s", base, d, f)
}

func schemaFor(d export.Dataset, f export.Format) bigquery.Schema {
	if f == export.JSON {
		schema := make(bigquery.Schema, 0, len(jsonKeys))
		for _, key := range jsonKeys {
			field := &bigquery.FieldSchema{Name: key, Type: fieldType(key)}
			if key == "explanations" {
				field.Repeated = true
			}
			schema = append(schema, field)
		}
		return schema
	}

	cols := export.TransactionColumns
	if d == export.Anomalies {
		cols = export.AnomalyColumns
	}
	schema := make(bigquery.Schema, 0, len(cols))
	for _, c := range cols {
		schema = append(schema, &bigquery.FieldSchema{Name: c.Key, Type: fieldType(c.Key)})
	}
	return schema
}

func fieldType(key string) bigquery.FieldType {
	if t, ok := fieldTypes[key]; ok {
		return t
	}
	return bigquery.StringFieldType
}

// parseFilename recovers dataset and format from an export filename such as
// "anomalies_20.csv".
func parseFilename(filename string) (export.Dataset, export.Format, error) {
	stem, ext, ok := strings.Cut(filename, ".")
	if !ok {
		return "", "", &domain.ConfigError{Field: "filename", Value: filename, Reason: "missing extension"}
	}
	name, _, _ := strings.Cut(stem, "_")
	d, err := export.ParseDataset(name)
	if err != nil {
		return "", "", err
	}
	f, err := export.ParseFormat(ext)
	if err != nil {
		return "", "", err
	}
	return d, f, nil
}
