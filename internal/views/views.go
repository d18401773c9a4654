// Package views derives dashboard views from snapshot contents. Every
// function is pure and leaves its inputs untouched.
package views

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dvloznov/risk-monitor/internal/domain"
	"github.com/dvloznov/risk-monitor/internal/risk"
)

const (
	DefaultChartWindow     = 40
	DefaultLeaderboardSize = 5

	chartLabelLayout = "15:04:05"
)

// Filter returns the transactions whose display name, country or type contains
// q, ignoring case. Only an empty q returns txns unchanged; whitespace in q is
// matched literally.
func Filter(txns []domain.Transaction, q string) []domain.Transaction {
	if q == "" {
		return txns
	}
	q = strings.ToLower(q)
	out := make([]domain.Transaction, 0, len(txns))
	for _, tx := range txns {
		if matches(tx, q) {
			out = append(out, tx)
		}
	}
	return out
}

func matches(tx domain.Transaction, q string) bool {
	for _, field := range []string{tx.DisplayName(), tx.Country, tx.Type} {
		if strings.Contains(strings.ToLower(field), q) {
			return true
		}
	}
	return false
}

// ChartPoint is one bar of the recent-risk chart.
type ChartPoint struct {
	Label       string    `json:"label"`
	TS          time.Time `json:"ts"`
	RiskPercent int       `json:"risk_pct"`
	Tier        risk.Tier `json:"tier"`
}

// ChartWindow returns the n most recent transactions, oldest first. txns is
// in arrival order with the newest last.
func ChartWindow(txns []domain.Transaction, n int) []ChartPoint {
	if n <= 0 || len(txns) == 0 {
		return []ChartPoint{}
	}
	if len(txns) > n {
		txns = txns[len(txns)-n:]
	}
	out := make([]ChartPoint, 0, len(txns))
	for _, tx := range txns {
		out = append(out, ChartPoint{
			Label:       tx.TS.UTC().Format(chartLabelLayout),
			TS:          tx.TS,
			RiskPercent: risk.Percent(tx.Risk()),
			Tier:        risk.Classify(tx.Risk()),
		})
	}
	return out
}

// Mode selects the leaderboard ranking.
type Mode int

const (
	ByAverageRisk Mode = iota
	ByAnomalyCount
)

func (m Mode) String() string {
	if m == ByAnomalyCount {
		return "count"
	}
	return "risk"
}

// ParseMode accepts "risk" and "count".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "risk", "avg", "average":
		return ByAverageRisk, nil
	case "count", "anomalies":
		return ByAnomalyCount, nil
	default:
		return ByAverageRisk, &domain.ConfigError{Field: "mode", Value: s, Reason: "must be risk or count"}
	}
}

// LeaderboardRow is one ranked user. Count is set in count mode, AvgRisk in risk mode.
type LeaderboardRow struct {
	User    string    `json:"user"`
	Name    string    `json:"name"`
	Count   int       `json:"count"`
	AvgRisk float64   `json:"avg_risk"`
	Tier    risk.Tier `json:"tier"`
}

type group struct {
	key   string
	name  string
	count int
	sum   float64
}

// Leaderboard ranks users. Count mode counts anomalies per user; risk mode
// averages final risk over transactions per user. Ties keep first-seen order.
func Leaderboard(txns []domain.Transaction, anomalies []domain.Anomaly, mode Mode, size int) []LeaderboardRow {
	rows := anomalies
	if mode == ByAverageRisk {
		rows = txns
	}

	groups := groupByUser(rows)
	switch mode {
	case ByAnomalyCount:
		sort.SliceStable(groups, func(i, j int) bool { return groups[i].count > groups[j].count })
	default:
		sort.SliceStable(groups, func(i, j int) bool { return groups[i].mean() > groups[j].mean() })
	}

	if size >= 0 && len(groups) > size {
		groups = groups[:size]
	}
	out := make([]LeaderboardRow, 0, len(groups))
	for _, g := range groups {
		row := LeaderboardRow{User: g.key, Name: g.name}
		if mode == ByAnomalyCount {
			row.Count = g.count
			row.Tier = risk.Classify(g.sum / float64(g.count))
		} else {
			row.AvgRisk = g.mean()
			row.Tier = risk.Classify(row.AvgRisk)
		}
		out = append(out, row)
	}
	return out
}

func (g *group) mean() float64 {
	if g.count == 0 {
		return 0
	}
	return g.sum / float64(g.count)
}

func groupByUser(rows []domain.Transaction) []*group {
	index := make(map[string]*group)
	var groups []*group
	for _, tx := range rows {
		key := tx.UserKey()
		g, ok := index[key]
		if !ok {
			g = &group{key: key, name: tx.DisplayName()}
			index[key] = g
			groups = append(groups, g)
		}
		g.count++
		g.sum += tx.Risk()
	}
	return groups
}

// Summary holds the KPI tiles.
type Summary struct {
	Transactions    int             `json:"transactions"`
	Anomalies       int             `json:"anomalies"`
	HighRiskPercent int             `json:"high_risk_pct"`
	AvgRiskPercent  int             `json:"avg_risk_pct"`
	TotalAmount     decimal.Decimal `json:"total_amount"`
}

// Summarize computes the KPI tiles of a snapshot.
func Summarize(txns []domain.Transaction, anomalies []domain.Anomaly) Summary {
	s := Summary{
		Transactions: len(txns),
		Anomalies:    len(anomalies),
		TotalAmount:  decimal.Zero,
	}
	if len(txns) == 0 {
		return s
	}
	var sum float64
	for _, tx := range txns {
		sum += tx.Risk()
		s.TotalAmount = s.TotalAmount.Add(tx.AmountOrZero())
	}
	s.HighRiskPercent = risk.Percent(float64(len(anomalies)) / float64(len(txns)))
	s.AvgRiskPercent = risk.Percent(sum / float64(len(txns)))
	return s
}

// String renders the summary on one line for terminals.
func (s Summary) String() string {
	return fmt.Sprintf("transactions=%d anomalies=%d high_risk=%d%% avg_risk=%d%% total=$%s",
		s.Transactions, s.Anomalies, s.HighRiskPercent, s.AvgRiskPercent, s.TotalAmount.StringFixed(2))
}
