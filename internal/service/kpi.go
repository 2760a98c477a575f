package service

import (
	"context"
	"time"

	"shopfloor-backend/internal/kpi"
	"shopfloor-backend/internal/model"
	"shopfloor-backend/internal/parse"
	"shopfloor-backend/internal/store"
	"shopfloor-backend/internal/timer"
)

// KPIs serves rollups of a workflow's closed stage sessions.
type KPIs struct {
	workflow model.Workflow
	store    store.Store
	rates    *RateBook
	loc      *time.Location
	now      Clock
}

func NewKPIs(workflow model.Workflow, s store.Store, rates *RateBook, loc *time.Location, clock Clock) *KPIs {
	if loc == nil {
		loc = time.UTC
	}
	return &KPIs{workflow: workflow, store: s, rates: rates, loc: loc, now: clock}
}

// WindowQuery selects the reporting window.
type WindowQuery struct {
	Period string
	From   string
	To     string
}

// GroupReport is a grouped rollup over a window.
type GroupReport struct {
	Workflow model.Workflow `json:"workflow"`
	Period   string         `json:"period"`
	From     *time.Time     `json:"from"`
	To       *time.Time     `json:"to"`
	Rows     []kpi.Row      `json:"rows"`
}

// OverallReport is the ungrouped rollup over a window.
type OverallReport struct {
	Workflow model.Workflow `json:"workflow"`
	Period   string         `json:"period"`
	From     *time.Time     `json:"from"`
	To       *time.Time     `json:"to"`
	kpi.Summary
}

func (k *KPIs) load(ctx context.Context, q WindowQuery) (parse.Window, []kpi.Record, kpi.RateFunc, error) {
	w, err := parse.ParseWindow(q.Period, q.From, q.To, utcNow(k.now), k.loc)
	if err != nil {
		return parse.Window{}, nil, nil, timer.Errorf(timer.ErrInvalidState, "%v", err)
	}
	sessions, err := k.store.ListSessions(ctx, store.SessionFilter{
		Workflow:      k.workflow,
		ClosedOnly:    true,
		CompletedFrom: w.From,
		CompletedTo:   w.To,
	})
	if err != nil {
		return parse.Window{}, nil, nil, err
	}

	records := make([]kpi.Record, 0, len(sessions))
	users := make(map[string]struct{})
	var ids []string
	for i := range sessions {
		s := &sessions[i]
		records = append(records, kpi.Record{
			UserID:      s.UserID,
			UserName:    s.UserName,
			StageID:     s.StageID,
			StageName:   s.StageName,
			Minutes:     timer.SessionState(s).Elapsed(*s.CompletedAt),
			Items:       s.ItemsProcessed,
			Orders:      s.OrdersProcessed,
			CompletedAt: *s.CompletedAt,
		})
		if _, ok := users[s.UserID]; !ok {
			users[s.UserID] = struct{}{}
			ids = append(ids, s.UserID)
		}
	}

	known, err := k.rates.Known(ctx, ids)
	if err != nil {
		return parse.Window{}, nil, nil, err
	}
	rates := func(userID string) (float64, bool) {
		r, ok := known[userID]
		return r, ok
	}
	return w, kpi.Filter(records, w), rates, nil
}

// Group rolls up the window by stage, user or (user, stage).
func (k *KPIs) Group(ctx context.Context, by kpi.GroupBy, q WindowQuery) (*GroupReport, error) {
	w, records, rates, err := k.load(ctx, q)
	if err != nil {
		return nil, err
	}
	return &GroupReport{
		Workflow: k.workflow,
		Period:   periodName(q.Period),
		From:     w.From,
		To:       w.To,
		Rows:     kpi.Group(records, by, rates),
	}, nil
}

func (k *KPIs) Overall(ctx context.Context, q WindowQuery) (*OverallReport, error) {
	w, records, rates, err := k.load(ctx, q)
	if err != nil {
		return nil, err
	}
	return &OverallReport{
		Workflow: k.workflow,
		Period:   periodName(q.Period),
		From:     w.From,
		To:       w.To,
		Summary:  kpi.Overall(records, rates),
	}, nil
}

func periodName(p string) string {
	if p == "" {
		return string(parse.PeriodAll)
	}
	return p
}
