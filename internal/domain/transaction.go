package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// UnknownUser is the grouping key and display name used when a record carries
// neither a user id nor a user name.
const UnknownUser = "Unknown"

// Transaction is one scored transaction as served by the backend feed.
// Optional fields are pointers; the accessor methods apply the documented
// defaults so call sites never do their own presence checks.
type Transaction struct {
	ID           string           // opaque; numeric ids are kept in their decimal form
	TS           time.Time        // always UTC after decoding
	UserID       *string          // nil when absent
	UserName     *string          // nil when absent, falls back to UserID for display
	Amount       *decimal.Decimal // nil when absent, displayed as 0
	Type         string
	Country      string
	FinalRisk    *float64 // nil when absent, treated as 0
	AnomalyScore *float64
	RulesScore   *float64
	Explanations []string
}

// Anomaly is a transaction that crossed the server-side risk threshold.
// It shares the Transaction shape; FinalRisk and Explanations are always set.
type Anomaly = Transaction

// Risk returns the final risk score, 0 when absent.
func (t Transaction) Risk() float64 {
	if t.FinalRisk == nil {
		return 0
	}
	return *t.FinalRisk
}

// UserKey is the key records are grouped by: user id, then user name, then UnknownUser.
func (t Transaction) UserKey() string {
	if t.UserID != nil {
		return *t.UserID
	}
	if t.UserName != nil {
		return *t.UserName
	}
	return UnknownUser
}

// DisplayName returns the user name, falling back to the user id and then UnknownUser.
func (t Transaction) DisplayName() string {
	if t.UserName != nil {
		return *t.UserName
	}
	return t.UserKey()
}

// AmountOrZero returns the monetary amount, zero when absent.
func (t Transaction) AmountOrZero() decimal.Decimal {
	if t.Amount == nil {
		return decimal.Zero
	}
	return *t.Amount
}

// AmountDisplay renders the amount the way the dashboard shows it, e.g. "$12.50".
func (t Transaction) AmountDisplay() string {
	return "$" + t.AmountOrZero().StringFixed(2)
}

// ExplanationPreview returns at most n explanations without copying the backing array.
func (t Transaction) ExplanationPreview(n int) []string {
	if n < 0 || len(t.Explanations) <= n {
		return t.Explanations
	}
	return t.Explanations[:n]
}

type transactionJSON struct {
	ID           json.RawMessage  `json:"id"`
	TS           string           `json:"ts"`
	UserID       *string          `json:"user_id"`
	UserName     *string          `json:"user_name"`
	Amount       *decimal.Decimal `json:"amount"`
	Type         *string          `json:"type"`
	Country      *string          `json:"country"`
	FinalRisk    *float64         `json:"final_risk"`
	AnomalyScore *float64         `json:"anomaly_score"`
	RulesScore   *float64         `json:"rules_score"`
	Explanations json.RawMessage  `json:"explanations"`
}

// UnmarshalJSON decodes a backend row. Ids may be numbers or strings,
// timestamps may lack a zone (read as UTC), and explanations may arrive as a
// JSON-encoded string instead of an array.
func (t *Transaction) UnmarshalJSON(data []byte) error {
	var raw transactionJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	id, err := decodeID(raw.ID)
	if err != nil {
		return fmt.Errorf("transaction id: %w", err)
	}
	ts, err := ParseTimestamp(raw.TS)
	if err != nil {
		return fmt.Errorf("transaction %s: %w", id, err)
	}
	exps, err := decodeExplanations(raw.Explanations)
	if err != nil {
		return fmt.Errorf("transaction %s explanations: %w", id, err)
	}

	*t = Transaction{
		ID:           id,
		TS:           ts,
		UserID:       raw.UserID,
		UserName:     raw.UserName,
		Amount:       raw.Amount,
		Type:         deref(raw.Type),
		Country:      deref(raw.Country),
		FinalRisk:    raw.FinalRisk,
		AnomalyScore: raw.AnomalyScore,
		RulesScore:   raw.RulesScore,
		Explanations: exps,
	}
	return nil
}

// MarshalJSON writes the record back in the backend's field naming. Amounts
// are emitted as JSON numbers and absent optionals as null.
func (t Transaction) MarshalJSON() ([]byte, error) {
	var amount *json.Number
	if t.Amount != nil {
		n := json.Number(t.Amount.String())
		amount = &n
	}
	exps := t.Explanations
	if exps == nil {
		exps = []string{}
	}
	var ts *string
	if !t.TS.IsZero() {
		s := FormatTimestamp(t.TS)
		ts = &s
	}
	return json.Marshal(struct {
		ID           string       `json:"id"`
		TS           *string      `json:"ts"`
		UserID       *string      `json:"user_id"`
		UserName     *string      `json:"user_name"`
		Amount       *json.Number `json:"amount"`
		Type         string       `json:"type"`
		Country      string       `json:"country"`
		FinalRisk    *float64     `json:"final_risk"`
		AnomalyScore *float64     `json:"anomaly_score"`
		RulesScore   *float64     `json:"rules_score"`
		Explanations []string     `json:"explanations"`
	}{
		ID:           t.ID,
		TS:           ts,
		UserID:       t.UserID,
		UserName:     t.UserName,
		Amount:       amount,
		Type:         t.Type,
		Country:      t.Country,
		FinalRisk:    t.FinalRisk,
		AnomalyScore: t.AnomalyScore,
		RulesScore:   t.RulesScore,
		Explanations: exps,
	})
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// ParseTimestamp accepts RFC 3339 instants and the zone-less ISO forms the
// backend emits for naive UTC columns. An empty string yields the zero time.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
}

// FormatTimestamp renders an ISO-8601 instant in UTC with millisecond precision.
func FormatTimestamp(ts time.Time) string {
	return ts.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

func decodeID(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", err
	}
	return n.String(), nil
}

func decodeExplanations(raw json.RawMessage) ([]string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return []string{}, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		var list []string
		if err := json.Unmarshal([]byte(s), &list); err == nil {
			return list, nil
		}
		return []string{s}, nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, err
	}
	if list == nil {
		list = []string{}
	}
	return list, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
