// Package tidemoon provides tide-extreme and moon-phase data for a
// given date and location. It wraps a WorldTides-shaped HTTP endpoint
// and a moon-illumination endpoint with retryablehttp (matching the
// Market Data Adapter's retry policy), backed by an on-disk JSON cache
// so a transient provider outage does not immediately starve the Tide
// Gate — grounded on data/moon_tide.py's CACHE_FILE pattern.
package tidemoon

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"tidepredator/internal/model"
)

// MoonPhase is a coarse preset code driving the Scorer's moon bonus.
type MoonPhase struct {
	Label        string
	IlluminationPct int
	Preset       string // P1..P4
	Stage        string // pre | on | post
}

// Provider fetches tide extremes and moon phase data.
type Provider interface {
	TideExtremes(ctx context.Context, date time.Time, lat, lon float64) ([]model.TideEvent, error)
	MoonPhaseFor(ctx context.Context, date time.Time) (MoonPhase, error)
}

// HTTPProvider is the concrete network-backed Provider.
type HTTPProvider struct {
	TideBaseURL string
	MoonBaseURL string
	TideAPIKey  string
	MoonAPIKey  string
	CacheFile   string
	client      *retryablehttp.Client
}

// NewHTTPProvider builds a provider with a 3-retry HTTP client whose
// backoff grows ~0.6*attempt seconds, matching the Market Data Adapter.
func NewHTTPProvider(tideBaseURL, moonBaseURL, tideKey, moonKey, cacheFile string) *HTTPProvider {
	c := retryablehttp.NewClient()
	c.RetryMax = 3
	c.Logger = nil
	c.Backoff = linearBackoff
	return &HTTPProvider{
		TideBaseURL: tideBaseURL,
		MoonBaseURL: moonBaseURL,
		TideAPIKey:  tideKey,
		MoonAPIKey:  moonKey,
		CacheFile:   cacheFile,
		client:      c,
	}
}

func linearBackoff(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
	d := time.Duration(float64(attemptNum) * 0.6 * float64(time.Second))
	if d < min {
		return min
	}
	if d > max {
		return max
	}
	return d
}

type cachedDay struct {
	DateKey string            `json:"date_key"`
	Events  []model.TideEvent `json:"events"`
	Moon    MoonPhase         `json:"moon"`
}

func (p *HTTPProvider) loadCache(dateKey string) (*cachedDay, bool) {
	if p.CacheFile == "" {
		return nil, false
	}
	b, err := os.ReadFile(p.CacheFile)
	if err != nil {
		return nil, false
	}
	var entries map[string]cachedDay
	if err := json.Unmarshal(b, &entries); err != nil {
		return nil, false
	}
	entry, ok := entries[dateKey]
	if !ok {
		return nil, false
	}
	return &entry, true
}

func (p *HTTPProvider) saveCache(entry cachedDay) {
	if p.CacheFile == "" {
		return
	}
	entries := map[string]cachedDay{}
	if b, err := os.ReadFile(p.CacheFile); err == nil {
		_ = json.Unmarshal(b, &entries)
	}
	entries[entry.DateKey] = entry
	if b, err := json.Marshal(entries); err == nil {
		_ = os.WriteFile(p.CacheFile, b, 0o644)
	}
}

// TideExtremes returns the high/low tide centers for date at (lat, lon).
// A provider fetch failure falls back to the on-disk cache if present;
// otherwise it returns ProviderFailure. Zero extremes is surfaced
// verbatim (the caller treats it as NO_TIDE_DATA per spec §9).
func (p *HTTPProvider) TideExtremes(ctx context.Context, date time.Time, lat, lon float64) ([]model.TideEvent, error) {
	dateKey := date.UTC().Format("2006-01-02")

	url := fmt.Sprintf("%s?lat=%f&lon=%f&date=%s&key=%s", p.TideBaseURL, lat, lon, dateKey, p.TideAPIKey)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &model.ProviderFailure{Provider: "tide", Err: err}
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if cached, ok := p.loadCache(dateKey); ok {
			return cached.Events, nil
		}
		return nil, &model.ProviderFailure{Provider: "tide", Err: err}
	}
	defer resp.Body.Close()

	var payload struct {
		Extremes []struct {
			Type string    `json:"type"`
			Time time.Time `json:"dt"`
		} `json:"extremes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		if cached, ok := p.loadCache(dateKey); ok {
			return cached.Events, nil
		}
		return nil, &model.ProviderFailure{Provider: "tide", Err: err}
	}

	events := make([]model.TideEvent, 0, len(payload.Extremes))
	for _, e := range payload.Extremes {
		t := model.TideHigh
		if e.Type == "Low" || e.Type == "low" || e.Type == "LOW" {
			t = model.TideLow
		}
		events = append(events, model.TideEvent{Type: t, CenterTS: e.Time})
	}

	p.saveCache(cachedDay{DateKey: dateKey, Events: events})
	return events, nil
}

// MoonPhaseFor returns the moon phase/illumination for date, comparing
// against the prior day's illumination to determine waxing/waning and
// deriving a preset/stage code consumed by the Scorer's moon bonus.
func (p *HTTPProvider) MoonPhaseFor(ctx context.Context, date time.Time) (MoonPhase, error) {
	today, err := p.fetchIllumination(ctx, date)
	if err != nil {
		return MoonPhase{}, err
	}
	yesterday, err := p.fetchIllumination(ctx, date.AddDate(0, 0, -1))
	if err != nil {
		yesterday = today
	}

	waxing := today >= yesterday
	preset, stage := classifyPhase(today, waxing)

	return MoonPhase{
		Label:           phaseLabel(today, waxing),
		IlluminationPct: today,
		Preset:          preset,
		Stage:           stage,
	}, nil
}

func (p *HTTPProvider) fetchIllumination(ctx context.Context, date time.Time) (int, error) {
	dateKey := date.UTC().Format("2006-01-02")
	url := fmt.Sprintf("%s?date=%s&key=%s", p.MoonBaseURL, dateKey, p.MoonAPIKey)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, &model.ProviderFailure{Provider: "moon", Err: err}
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, &model.ProviderFailure{Provider: "moon", Err: err}
	}
	defer resp.Body.Close()

	var payload struct {
		IlluminationPct int `json:"illumination_pct"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return 0, &model.ProviderFailure{Provider: "moon", Err: err}
	}
	return payload.IlluminationPct, nil
}

// classifyPhase derives a P1..P4 preset and pre/on/post stage from
// illumination percent and the waxing/waning direction. Anchors are
// New (0%), FirstQuarter (~50% waxing), Full (100%), LastQuarter
// (~50% waning). P1 = near-new, P2 = waxing toward full, P3 = near-full,
// P4 = waning toward new.
func classifyPhase(illum int, waxing bool) (preset, stage string) {
	switch {
	case illum <= 10:
		return "P1", "on"
	case illum < 50:
		if waxing {
			return "P1", "post"
		}
		return "P4", "pre"
	case illum < 90:
		if waxing {
			return "P2", "on"
		}
		return "P4", "on"
	default:
		if waxing {
			return "P3", "pre"
		}
		return "P3", "post"
	}
}

func phaseLabel(illum int, waxing bool) string {
	direction := "Waning"
	if waxing {
		direction = "Waxing"
	}
	switch {
	case illum <= 10:
		return "New Moon"
	case illum >= 95:
		return "Full Moon"
	default:
		return direction
	}
}
