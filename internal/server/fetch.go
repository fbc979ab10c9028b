// ABOUTME: Simulated fetch server with TTL response caching and host filtering.
// ABOUTME: All data sources are mocked; the contract is the shape of input/output, not a live integration.

package server

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/2389/mcp-broker/internal/mcp"
)

const (
	fetchCacheTTL     = 5 * time.Minute
	fetchCacheMaxSize = 1000
)

// defaultBlockedHosts are never fetched regardless of configuration.
var defaultBlockedHosts = []string{
	"localhost",
	"127.0.0.1",
	"0.0.0.0",
	"169.254.169.254", // cloud metadata
	"metadata.google.internal",
}

// FetchServer simulates outbound HTTP fetching, scraping, and market-data
// lookups behind the capability interface, so a real HTTP client can be
// substituted without touching the broker or isolation layer.
type FetchServer struct {
	mu       sync.Mutex
	cache    *responseCache
	limiter  *rate.Limiter // courtesy pacing toward the simulated upstream
	blocked  map[string]struct{}
	allowed  map[string]struct{} // empty means allow everything not blocked
	monitors map[string]map[string]any

	cfg         mcp.ServerConfig
	logger      *slog.Logger
	initialized bool
}

// NewFetchServer creates a fetch server with the given tuning.
func NewFetchServer(cfg mcp.ServerConfig, logger *slog.Logger) *FetchServer {
	if logger == nil {
		logger = slog.Default()
	}
	blocked := make(map[string]struct{}, len(defaultBlockedHosts))
	for _, h := range defaultBlockedHosts {
		blocked[h] = struct{}{}
	}
	perSecond, burst := rate.Limit(10), 10
	if cfg.RateLimitPerMinute > 0 {
		perSecond = rate.Limit(float64(cfg.RateLimitPerMinute) / 60.0)
		burst = cfg.RateLimitPerMinute
	}
	return &FetchServer{
		cache:    newResponseCache(fetchCacheTTL, fetchCacheMaxSize),
		limiter:  rate.NewLimiter(perSecond, burst),
		blocked:  blocked,
		allowed:  make(map[string]struct{}),
		monitors: make(map[string]map[string]any),
		cfg:      cfg,
		logger:   logger.With("component", "fetch-server"),
	}
}

// BlockHost adds a hostname to the blocklist.
func (s *FetchServer) BlockHost(host string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocked[strings.ToLower(host)] = struct{}{}
}

// AllowHost restricts fetching to an allow-list; once any host is allowed,
// hosts outside the list are rejected.
func (s *FetchServer) AllowHost(host string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allowed[strings.ToLower(host)] = struct{}{}
}

// Describe returns the registry descriptor.
func (s *FetchServer) Describe() *mcp.ServerInfo {
	return &mcp.ServerInfo{
		ID:           "fetch",
		Name:         "Web Fetch",
		Type:         mcp.ServerTypeFetch,
		Status:       mcp.StatusDisconnected,
		Capabilities: s.Capabilities(),
		Config:       s.cfg,
		Version:      "1.0.0",
	}
}

// Initialize marks the server ready. Idempotent.
func (s *FetchServer) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return nil
	}
	s.initialized = true
	s.logger.Info("fetch server initialized")
	return nil
}

// Capabilities lists the fetch operations.
func (s *FetchServer) Capabilities() []mcp.Capability {
	return []mcp.Capability{
		{
			Name:        "fetchUrl",
			Description: "Fetch a URL with response caching",
			InputSchema: map[string]any{
				"url":     "string",
				"method":  "string (optional, default GET)",
				"headers": "object (optional)",
				"body":    "string (optional)",
			},
			Enabled: true,
		},
		{
			Name:        "scrapeWebsite",
			Description: "Fetch a page and extract text by selector",
			InputSchema: map[string]any{"url": "string", "selector": "string (optional)"},
			Enabled:     true,
		},
		{
			Name:        "monitorUtilityRates",
			Description: "Schedule a recurring utility-rate scrape for a state/utility",
			InputSchema: map[string]any{"state": "string", "utility": "string"},
			Enabled:     true,
		},
		{
			Name:        "getCompetitorData",
			Description: "Look up competitor pricing for a region",
			InputSchema: map[string]any{"region": "string"},
			Enabled:     true,
		},
		{
			Name:        "getWeatherData",
			Description: "Look up weather conditions for a location",
			InputSchema: map[string]any{"location": "string"},
			Enabled:     true,
		},
		{
			Name:        "getNewsAndTrends",
			Description: "Look up industry news and trends for a topic",
			InputSchema: map[string]any{"topic": "string", "limit": "number (optional)"},
			Enabled:     true,
		},
	}
}

// Handle dispatches a fetch capability call.
func (s *FetchServer) Handle(ctx context.Context, req *mcp.Request) (any, error) {
	s.mu.Lock()
	initialized := s.initialized
	s.mu.Unlock()
	if !initialized {
		return nil, ErrNotInitialized
	}

	switch req.Capability {
	case "fetchUrl":
		return s.fetchURL(ctx, req)
	case "scrapeWebsite":
		return s.scrapeWebsite(ctx, req)
	case "monitorUtilityRates":
		return s.monitorUtilityRates(req)
	case "getCompetitorData":
		return s.competitorData(req)
	case "getWeatherData":
		return s.weatherData(req)
	case "getNewsAndTrends":
		return s.newsAndTrends(req)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownCapability, req.Capability)
	}
}

// Shutdown clears the cache and monitors.
func (s *FetchServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return nil
	}
	s.initialized = false
	s.cache.clear()
	s.monitors = make(map[string]map[string]any)

	s.logger.Info("fetch server shut down")
	return nil
}

// checkHost rejects blocked hosts, and hosts outside a restrictive allow-list.
func (s *FetchServer) checkHost(host string) error {
	host = strings.ToLower(host)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, blocked := s.blocked[host]; blocked {
		return fmt.Errorf("host %q is blocked", host)
	}
	if len(s.allowed) > 0 {
		if _, ok := s.allowed[host]; !ok {
			return fmt.Errorf("host %q is not in the allow list", host)
		}
	}
	return nil
}

func (s *FetchServer) fetchURL(ctx context.Context, req *mcp.Request) (any, error) {
	rawURL, err := requireStringArg(req.Payload, "url")
	if err != nil {
		return nil, err
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Hostname() == "" {
		return nil, fmt.Errorf("invalid url %q", rawURL)
	}
	if err := s.checkHost(parsed.Hostname()); err != nil {
		return nil, err
	}

	method := stringArg(req.Payload, "method")
	if method == "" {
		method = "GET"
	}
	key := cacheKey(method, rawURL, mapArg(req.Payload, "headers"), stringArg(req.Payload, "body"))

	if cached, ok := s.cache.get(key); ok {
		s.logger.Debug("cache hit", "url", rawURL)
		return cached, nil
	}

	// Pace simulated upstream calls the way a real client would.
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	result := map[string]any{
		"url":        rawURL,
		"method":     method,
		"status":     200,
		"body":       simulatedPage(parsed.Hostname(), parsed.Path),
		"fetched_at": time.Now(),
		"simulated":  true,
	}
	s.cache.put(key, result)
	return result, nil
}

func (s *FetchServer) scrapeWebsite(ctx context.Context, req *mcp.Request) (any, error) {
	fetched, err := s.fetchURL(ctx, req)
	if err != nil {
		return nil, err
	}
	page := fetched.(map[string]any)
	body, _ := page["body"].(string)

	selector := stringArg(req.Payload, "selector")
	if selector == "" {
		selector = "body"
	}

	return map[string]any{
		"url":       page["url"],
		"selector":  selector,
		"text":      extractText(body, selector),
		"simulated": true,
	}, nil
}

func (s *FetchServer) monitorUtilityRates(req *mcp.Request) (any, error) {
	state, err := requireStringArg(req.Payload, "state")
	if err != nil {
		return nil, err
	}
	utility := stringArg(req.Payload, "utility")
	if utility == "" {
		utility = "default"
	}

	key := state + "/" + utility
	monitor := map[string]any{
		"id":       uuid.New().String(),
		"state":    state,
		"utility":  utility,
		"schedule": "recurring",
		"next_run": time.Now().Add(24 * time.Hour),
	}

	s.mu.Lock()
	s.monitors[key] = monitor
	s.mu.Unlock()

	return map[string]any{
		"monitor":          monitor,
		"current_rate_kwh": simulatedRate(key),
		"currency":         "USD",
		"simulated":        true,
	}, nil
}

func (s *FetchServer) competitorData(req *mcp.Request) (any, error) {
	region := stringArg(req.Payload, "region")
	if region == "" {
		region = "national"
	}

	base := simulatedRate(region) * 100
	competitors := []map[string]any{
		{"name": "SunBright Solar", "price_per_watt": round2(base/40 + 2.10), "rating": 4.2},
		{"name": "Ridgeline Energy", "price_per_watt": round2(base/40 + 2.45), "rating": 4.6},
		{"name": "Valley Power Co", "price_per_watt": round2(base/40 + 1.95), "rating": 3.9},
	}
	return map[string]any{
		"region":      region,
		"competitors": competitors,
		"simulated":   true,
	}, nil
}

func (s *FetchServer) weatherData(req *mcp.Request) (any, error) {
	location, err := requireStringArg(req.Payload, "location")
	if err != nil {
		return nil, err
	}

	seed := hashString(location)
	conditions := []string{"sunny", "partly cloudy", "cloudy", "rain"}
	return map[string]any{
		"location":        location,
		"condition":       conditions[seed%uint32(len(conditions))],
		"temperature_f":   55 + int(seed%40),
		"sun_hours_daily": round2(3.5 + float64(seed%50)/10),
		"simulated":       true,
	}, nil
}

func (s *FetchServer) newsAndTrends(req *mcp.Request) (any, error) {
	topic := stringArg(req.Payload, "topic")
	if topic == "" {
		topic = "solar"
	}
	limit := intArg(req.Payload, "limit", 5)

	items := make([]map[string]any, 0, limit)
	for i := 0; i < limit; i++ {
		items = append(items, map[string]any{
			"title":        fmt.Sprintf("%s update #%d", topic, i+1),
			"source":       "simulated-wire",
			"published_at": time.Now().Add(-time.Duration(i) * 6 * time.Hour),
		})
	}
	return map[string]any{"topic": topic, "items": items, "simulated": true}, nil
}

// cacheKey hashes method+url+headers+body into a stable key.
func cacheKey(method, rawURL string, headers map[string]any, body string) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte(rawURL))
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%v;", k, headers[k])
	}
	h.Write([]byte(body))
	return hex.EncodeToString(h.Sum(nil))
}

func hashString(s string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(strings.ToLower(s)))
	return h.Sum32()
}

func simulatedRate(key string) float64 {
	return round2(0.10 + float64(hashString(key)%200)/1000)
}

func round2(f float64) float64 {
	return float64(int(f*100+0.5)) / 100
}

// simulatedPage synthesizes a deterministic page body for a host/path.
func simulatedPage(host, path string) string {
	if path == "" {
		path = "/"
	}
	return fmt.Sprintf(
		"<html><head><title>%s</title></head><body><h1>%s</h1><p>Simulated content for %s%s.</p></body></html>",
		host, host, host, path,
	)
}

// extractText does naive selector-based extraction against the simulated page.
func extractText(body, selector string) []string {
	var openTag, closeTag string
	switch selector {
	case "h1":
		openTag, closeTag = "<h1>", "</h1>"
	case "p":
		openTag, closeTag = "<p>", "</p>"
	case "title":
		openTag, closeTag = "<title>", "</title>"
	default:
		// Whole-body text: strip every tag.
		var out []string
		for _, part := range strings.Split(body, "<") {
			if idx := strings.Index(part, ">"); idx >= 0 {
				if text := strings.TrimSpace(part[idx+1:]); text != "" {
					out = append(out, text)
				}
			}
		}
		return out
	}

	var out []string
	rest := body
	for {
		start := strings.Index(rest, openTag)
		if start < 0 {
			break
		}
		rest = rest[start+len(openTag):]
		end := strings.Index(rest, closeTag)
		if end < 0 {
			break
		}
		out = append(out, strings.TrimSpace(rest[:end]))
		rest = rest[end+len(closeTag):]
	}
	return out
}

// cacheValue holds one cached response and its insertion bookkeeping.
type cacheValue struct {
	value    any
	storedAt time.Time
	element  *list.Element
}

// responseCache is a TTL-bound, size-limited cache with oldest-first eviction.
type responseCache struct {
	mu      sync.Mutex
	entries map[string]*cacheValue
	order   *list.List // keys in insertion order, oldest at front
	ttl     time.Duration
	maxSize int
}

func newResponseCache(ttl time.Duration, maxSize int) *responseCache {
	return &responseCache{
		entries: make(map[string]*cacheValue),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

func (c *responseCache) get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if time.Since(entry.storedAt) >= c.ttl {
		c.order.Remove(entry.element)
		delete(c.entries, key)
		return nil, false
	}
	return entry.value, true
}

func (c *responseCache) put(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[key]; ok {
		entry.value = value
		entry.storedAt = time.Now()
		c.order.MoveToBack(entry.element)
		return
	}

	if len(c.entries) >= c.maxSize {
		front := c.order.Front()
		if front != nil {
			oldKey, _ := front.Value.(string)
			c.order.Remove(front)
			delete(c.entries, oldKey)
		}
	}

	elem := c.order.PushBack(key)
	c.entries[key] = &cacheValue{value: value, storedAt: time.Now(), element: elem}
}

func (c *responseCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *responseCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cacheValue)
	c.order = list.New()
}
