package domain

import (
	"encoding/json"
	"time"
)

// Health is the backend's advisory status. Only OK is interpreted; every
// other field the backend sends is kept in Fields.
type Health struct {
	OK     bool
	Fields map[string]any
}

func (h *Health) UnmarshalJSON(data []byte) error {
	fields := map[string]any{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	ok, _ := fields["ok"].(bool)
	delete(fields, "ok")
	*h = Health{OK: ok, Fields: fields}
	return nil
}

func (h Health) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(h.Fields)+1)
	for k, v := range h.Fields {
		out[k] = v
	}
	out["ok"] = h.OK
	return json.Marshal(out)
}

// Snapshot is the result of one fetch cycle. All three parts always come from
// the same cycle; a failed cycle carries the previous parts forward and sets Err.
type Snapshot struct {
	CycleID      string
	Health       Health
	Transactions []Transaction
	Anomalies    []Anomaly
	Params       Params
	FetchedAt    time.Time
	Err          error
	ErrAt        time.Time
}

// Failed derives the snapshot published after a failed cycle: data and
// FetchedAt are kept, the error is recorded.
func (s Snapshot) Failed(cycleID string, err error, at time.Time) Snapshot {
	s.CycleID = cycleID
	s.Err = err
	s.ErrAt = at
	return s
}

// ErrMessage returns the error text, empty when the last cycle succeeded.
func (s Snapshot) ErrMessage() string {
	if s.Err == nil {
		return ""
	}
	return s.Err.Error()
}
