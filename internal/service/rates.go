package service

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"

	"shopfloor-backend/internal/model"
	"shopfloor-backend/internal/store"
)

// RateSource tells where a resolved hourly rate came from.
type RateSource string

const (
	RateSourceUser    RateSource = "user"
	RateSourceDefault RateSource = "default"
)

// Rate is a resolved hourly rate.
type Rate struct {
	Hourly float64    `json:"hourly_rate"`
	Source RateSource `json:"rate_source"`
}

type rateEntry struct {
	rate  float64
	found bool
}

// RateBook looks up hourly rates through a short-lived cache. Misses are
// cached too, so users without a rate do not hit the database every request.
type RateBook struct {
	store    store.Store
	cache    *cache.Cache
	fallback float64
}

// NewRateBook creates a rate book whose entries live for ttl.
func NewRateBook(s store.Store, ttl time.Duration, fallback float64) *RateBook {
	return &RateBook{
		store:    s,
		cache:    cache.New(ttl, 2*ttl),
		fallback: fallback,
	}
}

// Default is the rate used when a user has none on file.
func (r *RateBook) Default() float64 {
	return r.fallback
}

// Known returns the rates on file for userIDs. Users without one are absent.
func (r *RateBook) Known(ctx context.Context, userIDs []string) (map[string]float64, error) {
	out := make(map[string]float64, len(userIDs))
	var missing []string
	for _, id := range userIDs {
		if v, ok := r.cache.Get(id); ok {
			if e := v.(rateEntry); e.found {
				out[id] = e.rate
			}
			continue
		}
		missing = append(missing, id)
	}
	if len(missing) == 0 {
		return out, nil
	}

	rates, err := r.store.GetUserRates(ctx, missing)
	if err != nil {
		return nil, err
	}
	for _, id := range missing {
		rate, found := rates[id]
		r.cache.SetDefault(id, rateEntry{rate: rate, found: found})
		if found {
			out[id] = rate
		}
	}
	return out, nil
}

// Resolve returns a rate for every user, substituting the default rate.
func (r *RateBook) Resolve(ctx context.Context, userIDs []string) (map[string]Rate, error) {
	known, err := r.Known(ctx, userIDs)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Rate, len(userIDs))
	for _, id := range userIDs {
		if rate, ok := known[id]; ok {
			out[id] = Rate{Hourly: rate, Source: RateSourceUser}
		} else {
			out[id] = Rate{Hourly: r.fallback, Source: RateSourceDefault}
		}
	}
	return out, nil
}

// Set stores a user's hourly rate and refreshes the cache entry.
func (r *RateBook) Set(ctx context.Context, userID string, hourly float64) (*model.UserRate, error) {
	rate := &model.UserRate{UserID: userID, HourlyRate: hourly}
	if err := r.store.UpsertUserRate(ctx, rate); err != nil {
		return nil, err
	}
	r.cache.SetDefault(userID, rateEntry{rate: hourly, found: true})
	return rate, nil
}
