// Package geo looks up coarse geolocation for captured peer addresses.
package geo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"decoy-sentinel/internal/events"
	"decoy-sentinel/internal/metrics"
)

// ErrLookupFailed wraps every enrichment failure: transport errors,
// timeouts, non-200 statuses, malformed payloads and provider "fail" replies.
var ErrLookupFailed = errors.New("geolocation lookup failed")

// errRejected is a well-formed "fail" reply. The provider is healthy, so it
// does not count against the circuit breaker.
var errRejected = errors.New("provider rejected address")

const (
	DefaultEndpoint = "http://ip-api.com/json"
	DefaultTimeout  = 5 * time.Second
	maxBody         = 64 << 10
	lookupFields    = "status,message,country,city,lat,lon,query"
)

// Enricher resolves an attributed address to a location.
type Enricher interface {
	Enrich(ctx context.Context, addr string) (events.Location, error)
}

type Options struct {
	Endpoint      string
	Timeout       time.Duration
	RatePerMinute int // 0 disables client-side limiting
	HTTPClient    *http.Client
	BreakerName   string
}

// IPAPIClient queries ip-api.com style endpoints: GET <endpoint>/<addr>.
type IPAPIClient struct {
	endpoint string
	timeout  time.Duration
	client   *http.Client
	limiter  *rate.Limiter
	cb       *gobreaker.CircuitBreaker[events.Location]
}

type ipAPIResponse struct {
	Status  string   `json:"status"`
	Message string   `json:"message"`
	Country string   `json:"country"`
	City    string   `json:"city"`
	Lat     *float64 `json:"lat"`
	Lon     *float64 `json:"lon"`
	Query   string   `json:"query"`
}

func NewIPAPIClient(opts Options) *IPAPIClient {
	if opts.Endpoint == "" {
		opts.Endpoint = DefaultEndpoint
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.BreakerName == "" {
		opts.BreakerName = "ip-api"
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	c := &IPAPIClient{
		endpoint: strings.TrimRight(opts.Endpoint, "/"),
		timeout:  opts.Timeout,
		client:   hc,
	}
	if opts.RatePerMinute > 0 {
		c.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.RatePerMinute)), opts.RatePerMinute)
	}
	c.cb = newBreaker(opts.BreakerName)
	return c
}

func newBreaker(name string) *gobreaker.CircuitBreaker[events.Location] {
	metrics.BreakerState.WithLabelValues(name).Set(0)
	return gobreaker.NewCircuitBreaker[events.Location](gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 10 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, errRejected)
		},
		OnStateChange: func(name string, _, to gobreaker.State) {
			metrics.BreakerState.WithLabelValues(name).Set(stateValue(to))
		},
	})
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	}
	return 0
}

// Enrich issues at most one request, bounded by the client timeout. Time
// spent waiting on the rate limiter counts against the same bound.
func (c *IPAPIClient) Enrich(ctx context.Context, addr string) (events.Location, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	start := time.Now()

	loc, err := c.enrich(ctx, addr)
	result := "success"
	if err != nil {
		result = "failure"
	}
	metrics.EnrichDuration.WithLabelValues(result).Observe(time.Since(start).Seconds())
	if err != nil {
		return events.Location{}, fmt.Errorf("%w: %s: %w", ErrLookupFailed, addr, err)
	}
	return loc, nil
}

func (c *IPAPIClient) enrich(ctx context.Context, addr string) (events.Location, error) {
	if _, err := netip.ParseAddr(addr); err != nil {
		return events.Location{}, fmt.Errorf("invalid address: %w", err)
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return events.Location{}, fmt.Errorf("rate limit: %w", err)
		}
	}
	return c.cb.Execute(func() (events.Location, error) {
		return c.lookup(ctx, addr)
	})
}

func (c *IPAPIClient) lookup(ctx context.Context, addr string) (events.Location, error) {
	u := fmt.Sprintf("%s/%s?fields=%s", c.endpoint, url.PathEscape(addr), lookupFields)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
	if err != nil {
		return events.Location{}, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return events.Location{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return events.Location{}, fmt.Errorf("provider returned status %d", resp.StatusCode)
	}
	var body ipAPIResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBody)).Decode(&body); err != nil {
		return events.Location{}, fmt.Errorf("decode response: %w", err)
	}
	if body.Status != "success" {
		return events.Location{}, fmt.Errorf("%w: status %q: %s", errRejected, body.Status, body.Message)
	}
	if body.Lat == nil || body.Lon == nil {
		return events.Location{}, errors.New("success reply without coordinates")
	}
	return events.Location{
		Latitude:  *body.Lat,
		Longitude: *body.Lon,
		City:      body.City,
		Country:   body.Country,
	}, nil
}

// BreakerState reports the circuit breaker state name.
func (c *IPAPIClient) BreakerState() string { return c.cb.State().String() }
