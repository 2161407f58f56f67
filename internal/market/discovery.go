package market

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"polyarb/internal/config"
	"polyarb/pkg/types"
)

// Discovery finds active 15-minute up/down markets. These use time-based
// slugs, one market per window:
//
//	btc-updown-15m-{unix end timestamp}
//	eth-updown-15m-{unix end timestamp}
//
// so the current and next few windows are directly addressable without
// scanning the whole market list. Results are cached for a minute; the
// trade path reads the tradeable subset from the cache.

// GammaMarket is the metadata API's JSON shape for one market.
type GammaMarket struct {
	ID           string `json:"id"`
	Question     string `json:"question"`
	ConditionID  string `json:"conditionId"`
	Slug         string `json:"slug"`
	Active       bool   `json:"active"`
	Closed       bool   `json:"closed"`
	EndDate      string `json:"endDate"`
	Outcomes     string `json:"outcomes"`
	ClobTokenIds string `json:"clobTokenIds"`
}

// MarketSink receives newly discovered markets for durable history.
type MarketSink interface {
	SaveMarket(m *types.Market) error
}

// Discovery polls the metadata API for 15-minute markets per asset.
type Discovery struct {
	httpClient *resty.Client
	assets     []string
	cacheTTL   time.Duration
	sink       MarketSink
	logger     *slog.Logger

	mu          sync.RWMutex
	cache       map[string]types.Market // condition_id → market
	lastRefresh time.Time

	now func() time.Time
}

// NewDiscovery creates a discovery service against the Gamma base URL.
// sink may be nil.
func NewDiscovery(cfg config.Config, sink MarketSink, logger *slog.Logger) *Discovery {
	client := resty.New().
		SetBaseURL(cfg.API.GammaBaseURL).
		SetTimeout(15 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second)

	return &Discovery{
		httpClient: client,
		assets:     cfg.Strategy.Assets,
		cacheTTL:   cfg.Discovery.CacheTTL,
		sink:       sink,
		logger:     logger.With("component", "discovery"),
		cache:      make(map[string]types.Market),
		now:        time.Now,
	}
}

// FindActiveMarkets returns the currently tradeable markets, refreshing from
// the API when the cache is older than the TTL. A refresh that fails for
// every asset falls back to the stale cache rather than erroring out.
func (d *Discovery) FindActiveMarkets(ctx context.Context) ([]types.Market, error) {
	d.mu.RLock()
	fresh := !d.lastRefresh.IsZero() && d.now().Sub(d.lastRefresh) < d.cacheTTL
	d.mu.RUnlock()

	if !fresh {
		d.refresh(ctx)
	}
	return d.tradeable(), nil
}

// AllDiscovered returns every cached market including expired ones, for
// dashboard history.
func (d *Discovery) AllDiscovered() []types.Market {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]types.Market, 0, len(d.cache))
	for _, m := range d.cache {
		out = append(out, m)
	}
	return out
}

func (d *Discovery) tradeable() []types.Market {
	now := d.now()
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []types.Market
	for _, m := range d.cache {
		if m.IsTradeable(now) {
			out = append(out, m)
		}
	}
	return out
}

func (d *Discovery) refresh(ctx context.Context) {
	var (
		all    []types.Market
		failed int
	)
	for _, asset := range d.assets {
		markets, err := d.findForAsset(ctx, asset)
		if err != nil {
			d.logger.Warn("asset discovery failed", "asset", asset, "error", err)
			failed++
			continue
		}
		all = append(all, markets...)
	}

	if failed == len(d.assets) && len(d.assets) > 0 {
		// Total failure: keep serving the stale cache.
		d.logger.Error("market discovery failed for all assets, serving stale cache")
		return
	}

	d.mu.Lock()
	d.cache = make(map[string]types.Market, len(all))
	for _, m := range all {
		d.cache[m.ConditionID] = m
	}
	d.lastRefresh = d.now()
	d.mu.Unlock()

	if d.sink != nil {
		for i := range all {
			if err := d.sink.SaveMarket(&all[i]); err != nil {
				d.logger.Debug("save discovered market", "error", err)
			}
		}
	}

	now := d.now()
	tradeableCount := 0
	for _, m := range all {
		if m.IsTradeable(now) {
			tradeableCount++
		}
	}
	d.logger.Info("market cache refreshed",
		"total", len(all), "tradeable", tradeableCount)
}

// findForAsset queries the current and next few 15-minute windows for one
// asset by slug.
func (d *Discovery) findForAsset(ctx context.Context, asset string) ([]types.Market, error) {
	assetLower := strings.ToLower(asset)
	end := windowEndTimestamp(d.now().UTC().Unix())

	var (
		out     []types.Market
		lastErr error
		hits    int
	)
	for _, endTs := range []int64{end, end + 900, end + 1800} {
		slug := fmt.Sprintf("%s-updown-15m-%d", assetLower, endTs)
		m, err := d.fetchBySlug(ctx, slug, asset, endTs)
		if err != nil {
			lastErr = err
			continue
		}
		if m != nil {
			out = append(out, *m)
			hits++
		}
	}
	if hits == 0 && lastErr != nil {
		return nil, lastErr
	}
	return out, nil
}

func (d *Discovery) fetchBySlug(ctx context.Context, slug, asset string, endTs int64) (*types.Market, error) {
	var page []GammaMarket
	resp, err := d.httpClient.R().
		SetContext(ctx).
		SetQueryParam("slug", slug).
		SetResult(&page).
		Get("/markets")
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", slug, err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("fetch %s: status %d", slug, resp.StatusCode())
	}
	if len(page) == 0 {
		return nil, nil // window not listed yet
	}

	return d.parseMarket(page[0], asset, endTs)
}

// parseMarket converts the raw metadata row into a Market. End time comes,
// in preference order, from the slug's Unix timestamp, the endDate field, or
// the "Month D, H:MMAM-H:MMPM ET" clause in the question text.
func (d *Discovery) parseMarket(gm GammaMarket, asset string, endTs int64) (*types.Market, error) {
	if gm.Closed || !gm.Active {
		return nil, nil
	}

	var tokenIDs []string
	if gm.ClobTokenIds != "" {
		if err := json.Unmarshal([]byte(gm.ClobTokenIds), &tokenIDs); err != nil {
			return nil, fmt.Errorf("parse token ids for %s: %w", gm.Slug, err)
		}
	}
	if len(tokenIDs) < 2 || tokenIDs[0] == tokenIDs[1] {
		// Only two-outcome markets with distinct YES/NO tokens are usable.
		return nil, nil
	}

	var endTime time.Time
	switch {
	case endTs > 0:
		endTime = time.Unix(endTs, 0).UTC()
	case gm.EndDate != "":
		t, err := time.Parse(time.RFC3339, gm.EndDate)
		if err != nil {
			return nil, fmt.Errorf("parse end date %q: %w", gm.EndDate, err)
		}
		endTime = t.UTC()
	default:
		_, end, ok := ParseQuestionTimes(gm.Question, d.now().UTC())
		if !ok {
			return nil, fmt.Errorf("no parseable end time for %s", gm.Slug)
		}
		endTime = end
	}

	return &types.Market{
		ConditionID: gm.ConditionID,
		Slug:        gm.Slug,
		Question:    gm.Question,
		Asset:       asset,
		YesTokenID:  tokenIDs[0],
		NoTokenID:   tokenIDs[1],
		StartTime:   endTime.Add(-15 * time.Minute),
		EndTime:     endTime,
		Active:      true,
	}, nil
}

// questionTimeRe matches clauses like "December 7, 3:00AM-3:15AM ET".
var questionTimeRe = regexp.MustCompile(`(?i)(\w+ \d+),?\s*(\d{1,2}:\d{2}(?:AM|PM))-(\d{1,2}:\d{2}(?:AM|PM))\s*ET`)

// etLocation resolves Eastern Time once. DST-aware, unlike a fixed offset.
var etLocation = func() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return time.FixedZone("ET", -5*3600)
	}
	return loc
}()

// ParseQuestionTimes extracts the start/end window from a question string
// like "Bitcoin Up or Down - December 7, 3:00AM-3:15AM ET". The year comes
// from ref; an end before start wraps to the next day (11:45PM-12:00AM).
// Returned times are UTC.
func ParseQuestionTimes(question string, ref time.Time) (start, end time.Time, ok bool) {
	m := questionTimeRe.FindStringSubmatch(question)
	if m == nil {
		return time.Time{}, time.Time{}, false
	}

	date, err := time.Parse("January 2 2006", fmt.Sprintf("%s %d", m[1], ref.Year()))
	if err != nil {
		return time.Time{}, time.Time{}, false
	}

	startClock, err := time.Parse("3:04PM", strings.ToUpper(m[2]))
	if err != nil {
		return time.Time{}, time.Time{}, false
	}
	endClock, err := time.Parse("3:04PM", strings.ToUpper(m[3]))
	if err != nil {
		return time.Time{}, time.Time{}, false
	}

	start = time.Date(date.Year(), date.Month(), date.Day(),
		startClock.Hour(), startClock.Minute(), 0, 0, etLocation)
	end = time.Date(date.Year(), date.Month(), date.Day(),
		endClock.Hour(), endClock.Minute(), 0, 0, etLocation)
	if end.Before(start) {
		end = end.AddDate(0, 0, 1)
	}
	return start.UTC(), end.UTC(), true
}

// windowEndTimestamp returns the end of the 15-minute window containing ts,
// in Unix seconds.
func windowEndTimestamp(ts int64) int64 {
	return ts/900*900 + 900
}
