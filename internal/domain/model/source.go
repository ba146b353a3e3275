// Package model defines the core data types and structures used throughout the cvpipeline ingestion system.
package model

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/net/publicsuffix"
)

const (
	// maxNameLen is the maximum allowed length for source names in characters.
	maxNameLen = 255

	// DefaultProxyFailureThreshold is the consecutive-failure count that puts a proxy into cooldown.
	DefaultProxyFailureThreshold = 5

	// DefaultUnhealthyThreshold is the consecutive-failure count that demotes a source to unhealthy.
	DefaultUnhealthyThreshold = 5

	// DefaultRecoveryThreshold is the consecutive-success count that promotes a source back to healthy.
	DefaultRecoveryThreshold = 3
)

// SourceType identifies the payload shape a source produces.
type SourceType string

// Supported source types.
const (
	SourceTypeJSONAPI SourceType = "json_api"
	SourceTypeHTML    SourceType = "html"
	SourceTypeFeed    SourceType = "feed"
)

// Valid reports whether the source type is a known value.
func (t SourceType) Valid() bool {
	switch t {
	case SourceTypeJSONAPI, SourceTypeHTML, SourceTypeFeed:
		return true
	default:
		return false
	}
}

// SourceStatus is the operational status of a source.
type SourceStatus string

// Operational statuses. SourceStatusError is entered automatically when
// health reaches unhealthy and removes the source from active selection.
const (
	SourceStatusOK          SourceStatus = "ok"
	SourceStatusMaintenance SourceStatus = "maintenance"
	SourceStatusError       SourceStatus = "error"
	SourceStatusDisabled    SourceStatus = "disabled"
)

// Valid reports whether the source status is a known value.
func (s SourceStatus) Valid() bool {
	switch s {
	case SourceStatusOK, SourceStatusMaintenance, SourceStatusError, SourceStatusDisabled:
		return true
	default:
		return false
	}
}

// HealthState classifies a source by its recent scrape outcome streaks.
type HealthState string

// Health states, ordered from best to worst.
const (
	HealthHealthy   HealthState = "healthy"
	HealthDegraded  HealthState = "degraded"
	HealthUnhealthy HealthState = "unhealthy"
)

// Valid reports whether the health state is a known value.
func (h HealthState) Valid() bool {
	switch h {
	case HealthHealthy, HealthDegraded, HealthUnhealthy:
		return true
	default:
		return false
	}
}

// HealthThresholds control when scrape outcome streaks move a source between
// health states.
type HealthThresholds struct {
	// DemoteAfter is the consecutive-failure count that makes a source
	// unhealthy. Half of it, rounded up, makes the source degraded.
	DemoteAfter int
	// PromoteAfter is the consecutive-success count that restores a degraded
	// or unhealthy source to healthy.
	PromoteAfter int
}

// Sanitize clamps threshold values to the defaults.
func (t *HealthThresholds) Sanitize() {
	if t.DemoteAfter <= 0 {
		t.DemoteAfter = DefaultUnhealthyThreshold
	}
	if t.PromoteAfter <= 0 {
		t.PromoteAfter = DefaultRecoveryThreshold
	}
}

func (t HealthThresholds) degradeAfter() int {
	return (t.DemoteAfter + 1) / 2
}

// ProxyStrategy selects how the next proxy is chosen for a source.
type ProxyStrategy string

// Proxy rotation strategies.
const (
	StrategyRoundRobin  ProxyStrategy = "round_robin"
	StrategyRandom      ProxyStrategy = "random"
	StrategyLeastUsed   ProxyStrategy = "least_used"
	StrategyPerformance ProxyStrategy = "performance"
)

// Valid reports whether the proxy strategy is a known value.
func (s ProxyStrategy) Valid() bool {
	switch s {
	case StrategyRoundRobin, StrategyRandom, StrategyLeastUsed, StrategyPerformance:
		return true
	default:
		return false
	}
}

// LimitAction is the configured behavior when a rate limit would be exceeded.
type LimitAction string

// On-limit actions: delay sleeps until the window allows the request, reject
// surfaces a retry-after error to the caller.
const (
	LimitActionDelay  LimitAction = "delay"
	LimitActionReject LimitAction = "reject"
)

// Valid reports whether the limit action is a known value.
func (a LimitAction) Valid() bool {
	return a == LimitActionDelay || a == LimitActionReject
}

// RateLimitPolicy is the per-source request budget. It is an owned value
// type serialized inside the source row and has no independent identity.
type RateLimitPolicy struct {
	MaxPerMinute   int         `json:"max_per_minute"`
	MaxPerHour     int         `json:"max_per_hour"`
	MaxPerDay      int         `json:"max_per_day"`
	MinDelayMS     int         `json:"min_delay_ms"`
	JitterFraction float64     `json:"jitter_fraction"`
	BurstSize      int         `json:"burst_size"`
	BurstCooldownS int         `json:"burst_cooldown_s"`
	OnLimit        LimitAction `json:"on_limit"`
}

// Sanitize clamps invalid policy values to safe defaults.
func (p *RateLimitPolicy) Sanitize() {
	if p.MaxPerMinute <= 0 {
		p.MaxPerMinute = 10
	}
	if p.MaxPerHour <= 0 {
		p.MaxPerHour = p.MaxPerMinute * 60
	}
	if p.MaxPerDay <= 0 {
		p.MaxPerDay = p.MaxPerHour * 24
	}
	if p.MinDelayMS < 0 {
		p.MinDelayMS = 0
	}
	if p.JitterFraction < 0 || p.JitterFraction > 1 {
		p.JitterFraction = 0.1
	}
	if p.BurstSize <= 0 {
		p.BurstSize = p.MaxPerMinute
	}
	if p.BurstCooldownS <= 0 {
		p.BurstCooldownS = 60
	}
	if !p.OnLimit.Valid() {
		p.OnLimit = LimitActionDelay
	}
}

// Proxy is one outbound proxy owned by a source, with rolling health counters.
type Proxy struct {
	URL                 string     `json:"url"`
	Active              bool       `json:"active"`
	SuccessCount        int64      `json:"success_count"`
	FailureCount        int64      `json:"failure_count"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	AvgResponseMS       float64    `json:"avg_response_ms"`
	CooldownUntil       *time.Time `json:"cooldown_until,omitempty"`
}

// InCooldown reports whether the proxy is cooling down at the given instant.
func (p *Proxy) InCooldown(now time.Time) bool {
	return p.CooldownUntil != nil && now.Before(*p.CooldownUntil)
}

// Usable reports whether the proxy may be selected at the given instant.
func (p *Proxy) Usable(now time.Time) bool {
	return p.Active && !p.InCooldown(now)
}

// TotalAttempts returns the total number of requests routed through the proxy.
func (p *Proxy) TotalAttempts() int64 {
	return p.SuccessCount + p.FailureCount
}

// SuccessRate returns the fraction of successful requests, 1.0 when unused.
func (p *Proxy) SuccessRate() float64 {
	total := p.TotalAttempts()
	if total == 0 {
		return 1.0
	}
	return float64(p.SuccessCount) / float64(total)
}

// RecordSuccess folds one successful request into the proxy counters. The
// failure streak and any pending cooldown are cleared.
func (p *Proxy) RecordSuccess(responseMS float64) {
	p.SuccessCount++
	p.AvgResponseMS += (responseMS - p.AvgResponseMS) / float64(p.SuccessCount)
	p.ConsecutiveFailures = 0
	p.CooldownUntil = nil
}

// RecordFailure folds one failed request into the proxy counters. Once the
// failure streak reaches threshold the proxy cools down until now+cooldown
// and the streak resets. Returns true when cooldown was entered.
func (p *Proxy) RecordFailure(now time.Time, threshold int, cooldown time.Duration) bool {
	if threshold <= 0 {
		threshold = DefaultProxyFailureThreshold
	}
	p.FailureCount++
	p.ConsecutiveFailures++
	if p.ConsecutiveFailures < threshold {
		return false
	}
	until := now.Add(cooldown)
	p.CooldownUntil = &until
	p.ConsecutiveFailures = 0
	return true
}

// SourceStats are the aggregate scrape counters for a source.
type SourceStats struct {
	TotalRequests int64   `json:"total_requests"`
	SuccessCount  int64   `json:"success_count"`
	FailureCount  int64   `json:"failure_count"`
	AvgResponseMS float64 `json:"avg_response_ms"`
}

// SuccessRate returns the fraction of successful requests, 1.0 when unused.
func (s *SourceStats) SuccessRate() float64 {
	if s.TotalRequests == 0 {
		return 1.0
	}
	return float64(s.SuccessCount) / float64(s.TotalRequests)
}

// HeaderSet holds the HTTP headers sent with every request to a source,
// keyed by header name. Values may contain __NAME__ credential placeholders
// resolved at fetch time.
type HeaderSet map[string]string

// Clone returns a copy safe to extend with per-request headers.
func (h HeaderSet) Clone() HeaderSet {
	if h == nil {
		return nil
	}
	out := make(HeaderSet, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// Source is a configured external origin of candidate records together with
// its request budget, proxy pool, and health state.
type Source struct {
	ID                   string          `json:"id"                     db:"id"`
	Name                 string          `json:"name"                   db:"name"`
	Type                 SourceType      `json:"type"                   db:"type"`
	BaseURL              string          `json:"base_url"               db:"base_url"`
	Domain               string          `json:"domain"                 db:"domain"`
	Active               bool            `json:"active"                 db:"active"`
	Status               SourceStatus    `json:"status"                 db:"status"`
	MaintenanceUntil     *time.Time      `json:"maintenance_until"      db:"maintenance_until"`
	RateLimit            RateLimitPolicy `json:"rate_limit"             db:"rate_limit"`
	Proxies              []Proxy         `json:"proxies"                db:"proxies"`
	ProxyStrategy        ProxyStrategy   `json:"proxy_strategy"         db:"proxy_strategy"`
	AllowDirect          bool            `json:"allow_direct"           db:"allow_direct"`
	Health               HealthState     `json:"health"                 db:"health"`
	ConsecutiveFailures  int             `json:"consecutive_failures"   db:"consecutive_failures"`
	ConsecutiveSuccesses int             `json:"consecutive_successes"  db:"consecutive_successes"`
	Stats                SourceStats     `json:"stats"                  db:"stats"`
	Selectors            SelectorSet     `json:"selectors"              db:"selectors"`
	RequestHeaders       HeaderSet       `json:"request_headers"        db:"request_headers"`
	Credentials          []string        `json:"credentials,omitempty"  db:"credentials"`
	RequestTimeoutMS     int             `json:"request_timeout_ms"     db:"request_timeout_ms"`
	CreatedAt            time.Time       `json:"created_at"             db:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"             db:"updated_at"`
}

// InMaintenance reports whether the source is inside an unexpired maintenance window.
func (s *Source) InMaintenance(now time.Time) bool {
	if s.Status != SourceStatusMaintenance {
		return false
	}
	if s.MaintenanceUntil == nil {
		return true
	}
	return now.Before(*s.MaintenanceUntil)
}

// IsAvailable reports whether the source may receive scrape traffic at the
// given instant. Unavailable when inactive, disabled, in maintenance, or in
// error status.
func (s *Source) IsAvailable(now time.Time) bool {
	if !s.Active {
		return false
	}
	switch s.Status {
	case SourceStatusDisabled, SourceStatusError:
		return false
	case SourceStatusMaintenance:
		return !s.InMaintenance(now)
	case SourceStatusOK:
		return true
	default:
		return false
	}
}

// UsableProxies returns the proxies eligible for selection at the given instant.
func (s *Source) UsableProxies(now time.Time) []Proxy {
	usable := make([]Proxy, 0, len(s.Proxies))
	for _, p := range s.Proxies {
		if p.Usable(now) {
			usable = append(usable, p)
		}
	}
	return usable
}

// ProxyByURL returns a pointer into the pool for the proxy with the given
// URL, nil when the URL is not in the pool.
func (s *Source) ProxyByURL(url string) *Proxy {
	for i := range s.Proxies {
		if s.Proxies[i].URL == url {
			return &s.Proxies[i]
		}
	}
	return nil
}

// RecordSuccess folds one successful scrape into the source counters. The
// failure streak resets, and once the success streak reaches the promote
// threshold the source returns to healthy; a status of error set by an
// earlier demotion is restored to ok at the same time. Returns true when the
// health state changed.
func (s *Source) RecordSuccess(responseMS float64, th HealthThresholds) bool {
	th.Sanitize()
	s.Stats.TotalRequests++
	s.Stats.SuccessCount++
	s.Stats.AvgResponseMS += (responseMS - s.Stats.AvgResponseMS) / float64(s.Stats.SuccessCount)
	s.ConsecutiveFailures = 0
	s.ConsecutiveSuccesses++
	if s.Health == HealthHealthy || s.ConsecutiveSuccesses < th.PromoteAfter {
		return false
	}
	s.Health = HealthHealthy
	if s.Status == SourceStatusError {
		s.Status = SourceStatusOK
	}
	return true
}

// RecordFailure folds one failed scrape into the source counters. The
// success streak resets; the failure streak demotes the source to degraded
// at half the demote threshold and to unhealthy at the full threshold.
// Entering unhealthy flips an ok status to error, which removes the source
// from selection until it recovers. Returns true when the health state
// changed.
func (s *Source) RecordFailure(th HealthThresholds) bool {
	th.Sanitize()
	s.Stats.TotalRequests++
	s.Stats.FailureCount++
	s.ConsecutiveSuccesses = 0
	s.ConsecutiveFailures++

	next := s.Health
	switch {
	case s.ConsecutiveFailures >= th.DemoteAfter:
		next = HealthUnhealthy
	case s.ConsecutiveFailures >= th.degradeAfter() && s.Health == HealthHealthy:
		next = HealthDegraded
	}
	if next == s.Health {
		return false
	}
	s.Health = next
	if next == HealthUnhealthy && s.Status == SourceStatusOK {
		s.Status = SourceStatusError
	}
	return true
}

// CreateSourceRequest represents a request to register a new source.
type CreateSourceRequest struct {
	Name             string          `json:"name"`
	Type             SourceType      `json:"type"`
	BaseURL          string          `json:"base_url"`
	RateLimit        RateLimitPolicy `json:"rate_limit"`
	Proxies          []string        `json:"proxies,omitempty"`
	ProxyStrategy    ProxyStrategy   `json:"proxy_strategy,omitempty"`
	AllowDirect      bool            `json:"allow_direct"`
	Selectors        SelectorSet     `json:"selectors,omitempty"`
	RequestHeaders   HeaderSet       `json:"request_headers,omitempty"`
	Credentials      []string        `json:"credentials,omitempty"`
	RequestTimeoutMS int             `json:"request_timeout_ms,omitempty"`
}

// Validate validates the CreateSourceRequest fields.
func (r *CreateSourceRequest) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return errors.New("name is required and cannot be empty")
	}
	if utf8.RuneCountInString(r.Name) > maxNameLen {
		return errors.New("name cannot exceed 255 characters")
	}
	if !r.Type.Valid() {
		return fmt.Errorf("unknown source type %q", r.Type)
	}
	if err := validateBaseURL(r.BaseURL); err != nil {
		return err
	}
	if r.ProxyStrategy != "" && !r.ProxyStrategy.Valid() {
		return fmt.Errorf("unknown proxy strategy %q", r.ProxyStrategy)
	}
	return validateProxyURLs(r.Proxies)
}

// UpdateSourceRequest represents a partial update to an existing source.
type UpdateSourceRequest struct {
	Name             *string          `json:"name,omitempty"`
	BaseURL          *string          `json:"base_url,omitempty"`
	Active           *bool            `json:"active,omitempty"`
	Status           *SourceStatus    `json:"status,omitempty"`
	MaintenanceUntil *time.Time       `json:"maintenance_until,omitempty"`
	RateLimit        *RateLimitPolicy `json:"rate_limit,omitempty"`
	Proxies          []string         `json:"proxies,omitempty"`
	ProxyStrategy    *ProxyStrategy   `json:"proxy_strategy,omitempty"`
	AllowDirect      *bool            `json:"allow_direct,omitempty"`
	Selectors        SelectorSet      `json:"selectors,omitempty"`
	RequestHeaders   HeaderSet        `json:"request_headers,omitempty"`
	Credentials      []string         `json:"credentials,omitempty"`
	RequestTimeoutMS *int             `json:"request_timeout_ms,omitempty"`
}

// HasUpdates returns true if the UpdateSourceRequest has any fields to update.
func (r *UpdateSourceRequest) HasUpdates() bool {
	return r.Name != nil || r.BaseURL != nil || r.Active != nil || r.Status != nil ||
		r.MaintenanceUntil != nil || r.RateLimit != nil || r.Proxies != nil ||
		r.ProxyStrategy != nil || r.AllowDirect != nil || r.Selectors != nil ||
		r.RequestHeaders != nil || r.Credentials != nil || r.RequestTimeoutMS != nil
}

// Validate validates the UpdateSourceRequest fields and ensures at least one field is being updated.
func (r *UpdateSourceRequest) Validate() error {
	if !r.HasUpdates() {
		return errors.New("at least one field must be updated")
	}
	if r.Name != nil {
		if strings.TrimSpace(*r.Name) == "" {
			return errors.New("name cannot be empty")
		}
		if utf8.RuneCountInString(*r.Name) > maxNameLen {
			return errors.New("name cannot exceed 255 characters")
		}
	}
	if r.BaseURL != nil {
		if err := validateBaseURL(*r.BaseURL); err != nil {
			return err
		}
	}
	if r.Status != nil && !r.Status.Valid() {
		return fmt.Errorf("unknown source status %q", *r.Status)
	}
	if r.ProxyStrategy != nil && !r.ProxyStrategy.Valid() {
		return fmt.Errorf("unknown proxy strategy %q", *r.ProxyStrategy)
	}
	return validateProxyURLs(r.Proxies)
}

// DeriveDomain extracts the registrable domain (eTLD+1) from a URL. Hosts
// without a public suffix, such as IP addresses or bare hostnames, fall back
// to the host itself. Returns "" when the URL does not parse.
func DeriveDomain(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	if domain, derr := publicsuffix.EffectiveTLDPlusOne(host); derr == nil {
		return domain
	}
	return host
}

// validateBaseURL validates that the base URL is absolute http or https.
func validateBaseURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return errors.New("base_url is required and cannot be empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("base_url is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("base_url must use http or https")
	}
	if u.Host == "" {
		return errors.New("base_url must include a host")
	}
	return nil
}

// validateProxyURLs validates that all entries in a proxy slice parse as URLs.
func validateProxyURLs(proxies []string) error {
	for _, raw := range proxies {
		if strings.TrimSpace(raw) == "" {
			return errors.New("proxies cannot contain empty entries")
		}
		if _, err := url.Parse(raw); err != nil {
			return fmt.Errorf("proxy %q is not a valid URL: %w", raw, err)
		}
	}
	return nil
}
