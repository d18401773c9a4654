// Package export renders rows as CSV or JSON text and hands the text to a sink.
package export

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dvloznov/risk-monitor/internal/domain"
)

// BOM is prepended to CSV documents so spreadsheets detect UTF-8.
const BOM = "\uFEFF"

const explanationSep = " | "

// Column selects one CSV field. Label defaults to Key. Value returns the raw
// field; nil, nil pointers and empty optionals render as "".
type Column[T any] struct {
	Key   string
	Label string
	Value func(row T) any
}

// ToCSV renders a header line plus one line per row, separated by "\n".
func ToCSV[T any](rows []T, columns []Column[T]) string {
	var b strings.Builder
	for i, c := range columns {
		if i > 0 {
			b.WriteByte(',')
		}
		label := c.Label
		if label == "" {
			label = c.Key
		}
		b.WriteString(escapeField(label))
	}
	for _, row := range rows {
		b.WriteByte('\n')
		for i, c := range columns {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(escapeField(Stringify(c.Value(row))))
		}
	}
	return b.String()
}

// escapeField quotes s only when it contains a comma, a double quote or a
// line break; inner quotes are doubled. encoding/csv also quotes fields with
// a leading space, which this format must not do.
func escapeField(s string) string {
	if !strings.ContainsAny(s, ",\"\n\r") {
		return s
	}
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// Stringify renders a field value for CSV.
func Stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case *string:
		if x == nil {
			return ""
		}
		return *x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case *float64:
		if x == nil {
			return ""
		}
		return strconv.FormatFloat(*x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case decimal.Decimal:
		return x.String()
	case *decimal.Decimal:
		if x == nil {
			return ""
		}
		return x.String()
	case time.Time:
		if x.IsZero() {
			return ""
		}
		return domain.FormatTimestamp(x)
	case []string:
		return strings.Join(x, explanationSep)
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}

// FixedRisk formats a risk score with four decimals, absent as 0.0000.
func FixedRisk(r *float64) string {
	if r == nil {
		return "0.0000"
	}
	return strconv.FormatFloat(*r, 'f', 4, 64)
}

// TransactionColumns is the column set of the transaction export.
var TransactionColumns = []Column[domain.Transaction]{
	{Key: "ts", Value: func(t domain.Transaction) any { return t.TS }},
	{Key: "user_name", Value: func(t domain.Transaction) any { return t.UserName }},
	{Key: "user_id", Value: func(t domain.Transaction) any { return t.UserID }},
	{Key: "amount", Value: func(t domain.Transaction) any { return t.Amount }},
	{Key: "type", Value: func(t domain.Transaction) any { return t.Type }},
	{Key: "country", Value: func(t domain.Transaction) any { return t.Country }},
	{Key: "final_risk", Value: func(t domain.Transaction) any { return FixedRisk(t.FinalRisk) }},
	{Key: "anomaly_score", Value: func(t domain.Transaction) any { return t.AnomalyScore }},
	{Key: "rules_score", Value: func(t domain.Transaction) any { return t.RulesScore }},
	{Key: "explanations", Value: func(t domain.Transaction) any { return t.Explanations }},
}

// AnomalyColumns is the column set of the anomaly export.
var AnomalyColumns = []Column[domain.Anomaly]{
	{Key: "ts", Value: func(t domain.Anomaly) any { return t.TS }},
	{Key: "user_name", Value: func(t domain.Anomaly) any { return t.UserName }},
	{Key: "amount", Value: func(t domain.Anomaly) any { return t.Amount }},
	{Key: "type", Value: func(t domain.Anomaly) any { return t.Type }},
	{Key: "country", Value: func(t domain.Anomaly) any { return t.Country }},
	{Key: "final_risk", Value: func(t domain.Anomaly) any { return FixedRisk(t.FinalRisk) }},
	{Key: "explanations", Value: func(t domain.Anomaly) any { return t.Explanations }},
}

// ToJSON renders rows with two-space indentation. A nil slice renders as [].
func ToJSON[T any](rows []T) (string, error) {
	if rows == nil {
		rows = []T{}
	}
	out, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return "", fmt.Errorf("ToJSON: %w", err)
	}
	return string(out), nil
}
