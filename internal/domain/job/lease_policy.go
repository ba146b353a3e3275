package job

import (
	"errors"
	"time"
)

// ErrInvalidDefaultLease indicates the configured default lease duration is not positive.
var ErrInvalidDefaultLease = errors.New("default lease must be positive")

// maxLeaseSeconds bounds any lease at one hour. A worker that dies holding a
// longer lease would keep its job invisible to the requeue sweep for that
// entire window, and no runner in this pipeline holds a job anywhere near
// that long between heartbeats.
const maxLeaseSeconds = int(time.Hour / time.Second)

// LeaseSource identifies how a lease duration was resolved.
type LeaseSource string

const (
	// LeaseSourceExplicit indicates the caller supplied a usable duration.
	LeaseSourceExplicit LeaseSource = "explicit"
	// LeaseSourceDefault indicates the default duration was used.
	LeaseSourceDefault LeaseSource = "default"
	// LeaseSourceClamped indicates the requested duration was pulled inside
	// the supported range.
	LeaseSourceClamped LeaseSource = "clamped"
)

// LeasePolicy normalises lease durations for job reservations and heartbeat
// extensions. Repositories take leases as whole seconds; the policy owns the
// rounding and the bounds so every caller gets the same treatment.
type LeasePolicy struct {
	defaultLease time.Duration
}

// NewLeasePolicy constructs a LeasePolicy with the provided default lease duration.
func NewLeasePolicy(defaultLease time.Duration) (*LeasePolicy, error) {
	if defaultLease <= 0 {
		return nil, ErrInvalidDefaultLease
	}
	return &LeasePolicy{defaultLease: defaultLease}, nil
}

// Default returns the configured default lease duration.
func (p *LeasePolicy) Default() time.Duration {
	if p == nil {
		return 0
	}
	return p.defaultLease
}

// LeaseDecision captures the outcome of resolving a lease request.
type LeaseDecision struct {
	Seconds   int
	Source    LeaseSource
	Requested time.Duration
}

// UsedDefault reports whether the policy fell back to the default lease.
func (d LeaseDecision) UsedDefault() bool {
	return d.Source == LeaseSourceDefault
}

// Clamped reports whether the requested value was adjusted to fit the
// supported range.
func (d LeaseDecision) Clamped() bool {
	return d.Source == LeaseSourceClamped
}

// Resolve normalises the requested duration to a whole number of seconds
// between one second and one hour. Zero means "use the default"; negative
// and sub-second requests clamp up to one second, oversized requests clamp
// down to the ceiling.
func (p *LeasePolicy) Resolve(request time.Duration) LeaseDecision {
	if p == nil {
		return LeaseDecision{Seconds: 0, Source: LeaseSourceDefault, Requested: request}
	}

	if request == 0 {
		seconds, _ := boundSeconds(p.defaultLease)
		return LeaseDecision{Seconds: seconds, Source: LeaseSourceDefault, Requested: request}
	}

	seconds, adjusted := boundSeconds(request)
	source := LeaseSourceExplicit
	if adjusted {
		source = LeaseSourceClamped
	}
	return LeaseDecision{Seconds: seconds, Source: source, Requested: request}
}

// boundSeconds truncates d to whole seconds and forces the result into
// [1, maxLeaseSeconds]. The second return reports whether the value moved.
func boundSeconds(d time.Duration) (int, bool) {
	seconds := int(d / time.Second)
	switch {
	case seconds < 1:
		return 1, true
	case seconds > maxLeaseSeconds:
		return maxLeaseSeconds, true
	default:
		return seconds, false
	}
}
