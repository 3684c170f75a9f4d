package healthmonitor

import (
	"net/url"
	"time"

	"github.com/inhies/go-bytesize"
	"github.com/rs/zerolog"
)

type Config struct {
	// Backends is the list of backends added to the health monitor at
	// startup.
	Backends []*BackendConfig `mapstructure:"backends"`
	// UnhealthyThreshold is the number of consecutive failing checks
	// before a backend is considered unhealthy.
	UnhealthyThreshold int `mapstructure:"unhealthy_threshold" default:"3"`
	// HealthyThreshold is the number of consecutive passing checks
	// before a backend is considered healthy.
	HealthyThreshold int `mapstructure:"healthy_threshold" default:"2"`
	// Interval is the time between health check rounds.
	Interval time.Duration `mapstructure:"interval" default:"30s"`
	// Timeout is the time to wait for a response before considering the
	// check failed. If greater than 2/3 of Interval, it is clamped down
	// to 2/3 of Interval to avoid unnecessary waiting & deadlocks.
	Timeout time.Duration `mapstructure:"timeout" default:"5s"`
	// HttpPath is appended to a backend's URL for HTTP/HTTPS checks.
	HttpPath string `mapstructure:"http_path" default:"/"`
	// MaxResponseBody bounds how much of an HTTP/HTTPS health-check
	// response body is read before it is discarded, so a misbehaving
	// backend streaming an unbounded body can't pin memory. Left
	// untagged for creasty/defaults (it fills zero values by parsing
	// the tag with strconv per-kind, which can't turn "64KB" into a
	// bytesize.ByteSize); NewHealthMonitor fills the zero value itself
	// using bytesize.Parse, the same human-readable format the
	// mapstructure decode hook accepts from config files.
	MaxResponseBody bytesize.ByteSize `mapstructure:"max_response_body"`
	// AcceptStatusCodes is the list of status code regex patterns
	// accepted as healthy.
	AcceptStatusCodes []string `mapstructure:"accept_status_codes" default:"[\"2.+\"]"`
	// HealthyInitially is the assumed state of a backend when first
	// added.
	HealthyInitially bool `mapstructure:"healthy_initially" default:"true"`
	// ProbeFanout bounds how many backends are actually probed per
	// tick when nonzero and the backend count exceeds it; the subset
	// rotates via internal/chash so every backend is eventually probed.
	// 0 disables bounding (probe every backend every tick).
	ProbeFanout int `mapstructure:"probe_fanout" default:"0"`

	// Runtime configuration
	// EnableHealthyChannel enables sending to channel when a backend
	// becomes healthy.
	EnableHealthyChannel bool `mapstructure:"send_new_healthy" default:"false"`
	// EnableUnhealthyChannel enables sending to channel when a backend
	// becomes unhealthy.
	EnableUnhealthyChannel bool `mapstructure:"send_new_unhealthy" default:"false"`

	logger zerolog.Logger
}

type BackendConfig struct {
	// Index is this backend's mark-space id offset (0-based slot, as
	// passed to internal/control.Activate/Deactivate before adding
	// FwOffset).
	Index int `mapstructure:"index"`
	// Url is the URL with healthcheck path of this backend.
	Url url.URL `mapstructure:"url"`
	// Protocol is the protocol to use for health checks. Default "http".
	Protocol Protocol `mapstructure:"protocol" default:"http"`
}

type Protocol string

const (
	HTTP  Protocol = "http"
	HTTPS Protocol = "https"
	TCP   Protocol = "tcp"
	ICMP  Protocol = "icmp"
)
