package healthmonitor

import (
	"net/url"
	"time"

	"github.com/sxweetlollipop2912/nfqueue-lb/x/ptr"
)

// Backend is a numbered backend slot (spec.md has no service names,
// only mark-space ids) with an optional health-check URL.
type Backend struct {
	Index    int
	Url      url.URL
	Protocol Protocol

	// runtime state
	healthy bool
	// statusStreak is the number of consecutive health checks that have
	// passed or failed. Positive for passing checks, negative for
	// failing checks.
	statusStreak int
}

// HealthNoti is a point-in-time health transition for one backend.
type HealthNoti struct {
	Index   int
	Url     url.URL
	Healthy bool
	// Timestamp is the time the check was performed. nil means the
	// result will never change again (the backend was removed).
	Timestamp *time.Time
}

// NewBackend builds a Backend from its numbered mark-space slot, a
// health-check URL, and the protocol to probe it with.
func NewBackend(index int, u url.URL, protocol Protocol) *Backend {
	return &Backend{Index: index, Url: u, Protocol: protocol}
}

func (b *Backend) toNoti(opts ...func(noti *HealthNoti)) *HealthNoti {
	noti := &HealthNoti{
		Index:     b.Index,
		Url:       b.Url,
		Healthy:   b.healthy,
		Timestamp: ptr.ToPtr(time.Now()),
	}
	for _, opt := range opts {
		opt(noti)
	}
	return noti
}

func indefinite() func(*HealthNoti) {
	return func(noti *HealthNoti) {
		noti.Timestamp = nil
	}
}

func (b *Backend) fail(threshold int) (healthy bool, newly bool) {
	if b.statusStreak > 0 {
		b.statusStreak = 0
	}
	b.statusStreak--
	if b.statusStreak == -threshold {
		b.healthy = false
		newly = true
	}
	return b.healthy, newly
}

func (b *Backend) success(threshold int) (healthy bool, newly bool) {
	if b.statusStreak < 0 {
		b.statusStreak = 0
	}
	b.statusStreak++
	if b.statusStreak == threshold {
		b.healthy = true
		newly = true
	}
	return b.healthy, newly
}
