// Package mapbox is a Directions API client. Mapbox cannot exclude arbitrary
// polygons, so avoidance is approximated by routing through a detour waypoint
// pushed away from the hazard centroid.
package mapbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/sethvargo/go-retry"
	"golang.org/x/time/rate"

	"aegis/internal/domain"
	"aegis/internal/geo"
	"aegis/internal/ports"
)

const DefaultBaseURL = "https://api.mapbox.com/directions/v5/mapbox/driving"

var ErrNoRoute = errors.New("mapbox returned no routes")

type Config struct {
	AccessToken string
	BaseURL     string
	RPS         float64
	Timeout     time.Duration
	MaxRetries  uint64
	CacheTTL    time.Duration
}

func DefaultConfig() Config {
	return Config{
		BaseURL:    DefaultBaseURL,
		RPS:        5,
		Timeout:    15 * time.Second,
		MaxRetries: 3,
		CacheTTL:   5 * time.Minute,
	}
}

type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	cache   *cache.Cache
	logger  *slog.Logger
	backoff time.Duration
}

var _ ports.Router = (*Client)(nil)

// New builds a client. A nil httpClient gets one with cfg.Timeout.
func New(cfg Config, httpClient *http.Client, logger *slog.Logger) *Client {
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.RPS <= 0 {
		cfg.RPS = def.RPS
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = def.CacheTTL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:     cfg,
		http:    httpClient,
		limiter: rate.NewLimiter(rate.Limit(cfg.RPS), max(1, int(cfg.RPS))),
		cache:   cache.New(cfg.CacheTTL, cfg.CacheTTL*2),
		logger:  logger.With("component", "mapbox"),
		backoff: 200 * time.Millisecond,
	}
}

type directionsResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Routes  []struct {
		Distance float64         `json:"distance"`
		Duration float64         `json:"duration"`
		Geometry json.RawMessage `json:"geometry"`
	} `json:"routes"`
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("mapbox status %d: %s", e.code, e.body)
}

func (c *Client) Route(ctx context.Context, origin, dest orb.Point, avoid orb.Polygon) (domain.Route, error) {
	waypoints := []orb.Point{origin}
	if len(avoid) > 0 {
		if wp, ok := geo.DetourWaypoint(origin, dest, avoid); ok {
			waypoints = append(waypoints, wp)
		} else {
			c.logger.Warn("could not compute avoidance waypoint")
		}
	}
	waypoints = append(waypoints, dest)

	key := cacheKey(waypoints)
	if cached, found := c.cache.Get(key); found {
		if r, ok := cached.(domain.Route); ok {
			return r, nil
		}
	}

	var route domain.Route
	backoff := retry.WithMaxRetries(c.cfg.MaxRetries, retry.NewExponential(c.backoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		r, err := c.fetch(ctx, waypoints)
		var se *statusError
		if errors.As(err, &se) && (se.code == http.StatusTooManyRequests || se.code >= 500) {
			return retry.RetryableError(err)
		}
		if err != nil {
			return err
		}
		route = r
		return nil
	})
	if err != nil {
		return domain.Route{}, err
	}
	c.cache.Set(key, route, cache.DefaultExpiration)
	return route, nil
}

func (c *Client) fetch(ctx context.Context, waypoints []orb.Point) (domain.Route, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	q := url.Values{}
	q.Set("access_token", c.cfg.AccessToken)
	q.Set("geometries", "geojson")
	q.Set("overview", "full")
	u := fmt.Sprintf("%s/%s?%s", strings.TrimRight(c.cfg.BaseURL, "/"), coordinates(waypoints), q.Encode())

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, u, nil)
	if err != nil {
		return domain.Route{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return domain.Route{}, retry.RetryableError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return domain.Route{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return domain.Route{}, &statusError{code: resp.StatusCode, body: truncate(string(body), 200)}
	}

	var dr directionsResponse
	if err := json.Unmarshal(body, &dr); err != nil {
		return domain.Route{}, fmt.Errorf("decode directions: %w", err)
	}
	if len(dr.Routes) == 0 {
		return domain.Route{}, ErrNoRoute
	}
	best := dr.Routes[0]
	route := domain.Route{
		DistanceKm:      round2(best.Distance / 1000),
		DurationMinutes: round2(best.Duration / 60),
	}
	if len(best.Geometry) > 0 {
		g, err := geojson.UnmarshalGeometry(best.Geometry)
		if err != nil {
			return domain.Route{}, fmt.Errorf("decode geometry: %w", err)
		}
		if ls, ok := g.Geometry().(orb.LineString); ok {
			route.Geometry = ls
		}
	}
	return route, nil
}

func coordinates(points []orb.Point) string {
	parts := make([]string, len(points))
	for i, p := range points {
		parts[i] = fmt.Sprintf("%.6f,%.6f", p.Lon(), p.Lat())
	}
	return strings.Join(parts, ";")
}

func cacheKey(points []orb.Point) string {
	return "route:" + coordinates(points)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
