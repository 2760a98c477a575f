// Package kpi derives throughput and labor-cost rollups from closed work sessions.
// Everything here is a pure function of its inputs; nothing is cached.
package kpi

import (
	"sort"
	"time"

	"shopfloor-backend/internal/parse"
	"shopfloor-backend/internal/timer"
)

// Record is one closed stage session.
type Record struct {
	UserID      string
	UserName    string
	StageID     string
	StageName   string
	Minutes     float64
	Items       int
	Orders      int
	CompletedAt time.Time
}

// GroupBy selects the grouping key of a rollup.
type GroupBy string

const (
	ByStage     GroupBy = "stage"
	ByUser      GroupBy = "user"
	ByUserStage GroupBy = "user_stage"
)

// RateFunc looks up a user's hourly rate. ok is false when none is on file.
type RateFunc func(userID string) (rate float64, ok bool)

// Row is one group of a rollup. LaborCost covers only the CostedSessions whose
// user has a rate on file; it is a full total when CostedSessions == Sessions.
type Row struct {
	UserID         string   `json:"user_id,omitempty"`
	UserName       string   `json:"user_name,omitempty"`
	StageID        string   `json:"stage_id,omitempty"`
	StageName      string   `json:"stage_name,omitempty"`
	Sessions       int      `json:"sessions"`
	TotalHours     float64  `json:"total_hours"`
	TotalItems     int      `json:"total_items"`
	TotalOrders    int      `json:"total_orders"`
	ItemsPerHour   float64  `json:"items_per_hour"`
	OrdersPerHour  float64  `json:"orders_per_hour"`
	LaborCost      *float64 `json:"labor_cost,omitempty"`
	CostedSessions int      `json:"costed_sessions"`

	minutes float64
	cost    float64
}

// Summary is the ungrouped rollup of a window. LaborCost is partial when
// CostedSessions < Sessions.
type Summary struct {
	Sessions       int      `json:"sessions"`
	ActiveUsers    int      `json:"active_users"`
	TotalHours     float64  `json:"total_hours"`
	TotalItems     int      `json:"total_items"`
	TotalOrders    int      `json:"total_orders"`
	ItemsPerHour   float64  `json:"items_per_hour"`
	OrdersPerHour  float64  `json:"orders_per_hour"`
	LaborCost      *float64 `json:"labor_cost,omitempty"`
	CostedSessions int      `json:"costed_sessions"`
}

// Filter keeps the records completed inside w.
func Filter(records []Record, w parse.Window) []Record {
	out := make([]Record, 0, len(records))
	for _, r := range records {
		if w.Contains(r.CompletedAt) {
			out = append(out, r)
		}
	}
	return out
}

// PerHour divides count by hours, yielding 0 when no time was logged.
func PerHour(count int, hours float64) float64 {
	if hours <= 0 {
		return 0
	}
	return float64(count) / hours
}

// Group rolls records up by the requested key. Rows are ordered by total hours,
// largest first, then by key.
func Group(records []Record, by GroupBy, rates RateFunc) []Row {
	index := make(map[string]*Row)
	var keys []string
	for _, r := range records {
		key := groupKey(r, by)
		row, ok := index[key]
		if !ok {
			row = &Row{}
			switch by {
			case ByStage:
				row.StageID, row.StageName = r.StageID, r.StageName
			case ByUser:
				row.UserID, row.UserName = r.UserID, r.UserName
			default:
				row.StageID, row.StageName = r.StageID, r.StageName
				row.UserID, row.UserName = r.UserID, r.UserName
			}
			index[key] = row
			keys = append(keys, key)
		}
		row.add(r, rates)
	}

	rows := make([]Row, 0, len(keys))
	for _, k := range keys {
		rows = append(rows, index[k].finish())
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].TotalHours != rows[j].TotalHours {
			return rows[i].TotalHours > rows[j].TotalHours
		}
		return rows[i].UserID+rows[i].StageID < rows[j].UserID+rows[j].StageID
	})
	return rows
}

// Overall rolls every record into a single summary.
func Overall(records []Record, rates RateFunc) Summary {
	var total Row
	users := make(map[string]struct{})
	for _, r := range records {
		total.add(r, rates)
		users[r.UserID] = struct{}{}
	}
	row := total.finish()
	return Summary{
		Sessions:       row.Sessions,
		ActiveUsers:    len(users),
		TotalHours:     row.TotalHours,
		TotalItems:     row.TotalItems,
		TotalOrders:    row.TotalOrders,
		ItemsPerHour:   row.ItemsPerHour,
		OrdersPerHour:  row.OrdersPerHour,
		LaborCost:      row.LaborCost,
		CostedSessions: row.CostedSessions,
	}
}

func groupKey(r Record, by GroupBy) string {
	switch by {
	case ByStage:
		return r.StageID
	case ByUser:
		return r.UserID
	default:
		return r.UserID + "\x00" + r.StageID
	}
}

func (row *Row) add(r Record, rates RateFunc) {
	row.Sessions++
	row.minutes += r.Minutes
	row.TotalItems += r.Items
	row.TotalOrders += r.Orders
	if rates == nil {
		return
	}
	if rate, ok := rates(r.UserID); ok {
		row.cost += r.Minutes / 60 * rate
		row.CostedSessions++
	}
}

func (row *Row) finish() Row {
	hours := row.minutes / 60
	out := *row
	out.TotalHours = timer.Round2(hours)
	out.ItemsPerHour = timer.Round2(PerHour(row.TotalItems, hours))
	out.OrdersPerHour = timer.Round2(PerHour(row.TotalOrders, hours))
	if row.CostedSessions > 0 {
		cost := timer.Round2(row.cost)
		out.LaborCost = &cost
	}
	return out
}
