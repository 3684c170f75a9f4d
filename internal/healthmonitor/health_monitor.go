// Package healthmonitor is the supplemented health-aware automation
// layer from SPEC_FULL.md §5: it only ever calls the existing coarse
// Activate/Deactivate operations (via Drive, in drive.go), on a timer,
// for backends identified by numbered mark-space slot rather than by
// name.
package healthmonitor

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/creasty/defaults"
	"github.com/inhies/go-bytesize"
	"github.com/rs/zerolog"

	"github.com/sxweetlollipop2912/nfqueue-lb/internal/chash"
	ilog "github.com/sxweetlollipop2912/nfqueue-lb/x/log"
)

var ErrChannelNotEnabled = fmt.Errorf("channel not enabled")

// defaultMaxResponseBody is applied after defaults.Set, which can't
// turn a human-readable size string into a bytesize.ByteSize zero
// value (see Config.MaxResponseBody).
const defaultMaxResponseBody = "64KB"

type HealthMonitor interface {
	// Start starts the health monitor non-blocking. To stop it, call
	// Stop.
	Start() (err error)
	// EnterUnhealthyChan returns a channel that receives newly
	// unhealthy backends.
	EnterUnhealthyChan() (<-chan *HealthNoti, error)
	// EnterHealthyChan returns a channel that receives newly healthy
	// backends.
	EnterHealthyChan() (<-chan *HealthNoti, error)
	// Stop stops the health monitor.
	Stop()
	// IsHealthy returns true if the backend at index is healthy.
	IsHealthy(index int) bool
	// Add adds the given backends to the health monitor.
	Add(backends ...*Backend)
	// Remove removes the given backends from the health monitor.
	Remove(backends ...*Backend)
	// Size returns the number of backends being monitored.
	Size() int
	// LastCheckedAt returns the last time the health monitor checked
	// the backends.
	LastCheckedAt() time.Time
	// NextCheckAt returns the time the health monitor will check the
	// backends next.
	NextCheckAt() time.Time
}

type healthMonitorImpl struct {
	cfg         Config
	backends    map[int]*Backend
	backendsMtx *sync.RWMutex
	lastChecked time.Time
	outputChans outputChannels

	probeSet  chash.ConsistentHash
	tickCount uint64

	ctx           context.Context
	cancelCtx     context.CancelFunc
	tickerStopped chan struct{}
}

// NewHealthMonitor creates a new HealthMonitor.
func NewHealthMonitor(ctx context.Context, opts ...Option) (HealthMonitor, error) {
	cfg := Config{
		logger: ilog.Logger.
			With().Str("component", "healthmonitor").
			Logger().Level(zerolog.InfoLevel),
	}
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}
	if err := defaults.Set(&cfg); err != nil {
		return nil, err
	}
	if cfg.MaxResponseBody == 0 {
		size, err := bytesize.Parse(defaultMaxResponseBody)
		if err != nil {
			return nil, err
		}
		cfg.MaxResponseBody = size
	}

	if cfg.Timeout > cfg.Interval*2/3 {
		cfg.logger.Warn().
			Dur("timeout", cfg.Timeout).
			Dur("interval", cfg.Interval).
			Msg("connection timeout is greater than 2/3 interval, clamping")
		cfg.Timeout = cfg.Interval * 2 / 3
	}

	ctx, cancel := context.WithCancel(ctx)
	return &healthMonitorImpl{
		cfg:           cfg,
		backends:      make(map[int]*Backend),
		backendsMtx:   &sync.RWMutex{},
		outputChans:   newOutputChannels(cfg.EnableHealthyChannel, cfg.EnableUnhealthyChannel),
		probeSet:      chash.NewConsistentHash(uint32(chash.SmallSize)),
		ctx:           ctx,
		cancelCtx:     cancel,
		tickerStopped: make(chan struct{}),
	}, nil
}

func (h *healthMonitorImpl) Start() (err error) {
	defer func() {
		if r := recover(); r != nil {
			var ok bool
			if err, ok = r.(error); !ok {
				err = fmt.Errorf("panic: %v", r)
			}
			h.cfg.logger.Err(err).Msg("health monitor failed to start")
		}
	}()

	h.cfg.logger.Info().Interface("config", h.cfg).Msg("starting health monitor")
	go func() {
		defer close(h.tickerStopped)

		ticker := time.NewTicker(h.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-h.ctx.Done():
				return
			case <-ticker.C:
				h.runTick()
			}
		}
	}()

	return nil
}

func (h *healthMonitorImpl) runTick() {
	h.lastChecked = time.Now()

	h.backendsMtx.Lock()
	defer h.backendsMtx.Unlock()

	targets := h.selectProbeTargets()
	h.tickCount++

	var wg sync.WaitGroup
	wg.Add(len(targets))
	for _, backend := range targets {
		go func(backend *Backend) {
			defer wg.Done()
			if healthy, newly := h.healthcheck(backend); newly {
				if healthy {
					h.outputChans.sendHealthy(backend.toNoti())
				} else {
					h.outputChans.sendUnhealthy(backend.toNoti())
				}
			}
		}(backend)
	}
	wg.Wait()
}

// selectProbeTargets returns every backend, unless ProbeFanout bounds
// it below the current backend count — in which case a rotating
// subset chosen via internal/chash is probed this tick, and every
// backend is covered again within a few ticks.
//
// Assumes backendsMtx is locked.
func (h *healthMonitorImpl) selectProbeTargets() []*Backend {
	if h.cfg.ProbeFanout <= 0 || len(h.backends) <= h.cfg.ProbeFanout {
		out := make([]*Backend, 0, len(h.backends))
		for _, b := range h.backends {
			out = append(out, b)
		}
		return out
	}

	keys := chash.Subset(h.probeSet, h.tickCount, h.cfg.ProbeFanout)
	out := make([]*Backend, 0, len(keys))
	for _, k := range keys {
		idx, err := strconv.Atoi(k)
		if err != nil {
			continue
		}
		if b, ok := h.backends[idx]; ok {
			out = append(out, b)
		}
	}
	return out
}

func (h *healthMonitorImpl) Stop() {
	h.cfg.logger.Info().Msg("stopping health monitor")
	h.cancelCtx()
	h.outputChans.close()
	<-h.tickerStopped
}

func (h *healthMonitorImpl) IsHealthy(index int) bool {
	h.backendsMtx.RLock()
	defer h.backendsMtx.RUnlock()

	if backend, ok := h.backends[index]; ok {
		return backend.healthy
	}
	return false
}

func (h *healthMonitorImpl) Add(backends ...*Backend) {
	h.backendsMtx.Lock()
	defer h.backendsMtx.Unlock()

	for i := range backends {
		backend := backends[i]
		if existing, ok := h.backends[backend.Index]; ok {
			h.cfg.logger.Warn().
				Int("backend", backend.Index).
				Str("url", existing.Url.String()).
				Bool("healthy", existing.healthy).
				Msg("backend already exists")
			continue
		}
		backend.healthy = h.cfg.HealthyInitially
		h.backends[backend.Index] = backend
		h.probeSet.Add(strconv.Itoa(backend.Index))

		if backend.healthy {
			h.outputChans.sendHealthy(backend.toNoti())
		} else {
			h.outputChans.sendUnhealthy(backend.toNoti())
		}
	}
}

func (h *healthMonitorImpl) Remove(backends ...*Backend) {
	h.backendsMtx.Lock()
	defer h.backendsMtx.Unlock()

	for _, backend := range backends {
		if _, ok := h.backends[backend.Index]; !ok {
			h.cfg.logger.Warn().
				Int("backend", backend.Index).
				Str("url", backend.Url.String()).
				Msg("backend does not exist to remove")
			continue
		}
		h.outputChans.sendUnhealthy(backend.toNoti(indefinite()))
		delete(h.backends, backend.Index)
		h.probeSet.Remove(strconv.Itoa(backend.Index))
	}
}

func (h *healthMonitorImpl) EnterUnhealthyChan() (<-chan *HealthNoti, error) {
	return h.outputChans.unhealthyChannel()
}

func (h *healthMonitorImpl) EnterHealthyChan() (<-chan *HealthNoti, error) {
	return h.outputChans.healthyChannel()
}

func (h *healthMonitorImpl) Size() int {
	h.backendsMtx.RLock()
	defer h.backendsMtx.RUnlock()
	return len(h.backends)
}

func (h *healthMonitorImpl) LastCheckedAt() time.Time {
	return h.lastChecked
}

func (h *healthMonitorImpl) NextCheckAt() time.Time {
	return h.lastChecked.Add(h.cfg.Interval)
}

// healthcheck probes backend according to its protocol. Assumes
// backendsMtx is locked.
func (h *healthMonitorImpl) healthcheck(backend *Backend) (healthy bool, newly bool) {
	var (
		err    error
		logger = h.cfg.logger.With().Int("backend", backend.Index).Logger()
	)

	defer func() {
		if r := recover(); r != nil {
			var ok bool
			if err, ok = r.(error); !ok {
				err = fmt.Errorf("panic: %v", r)
			}
			logger.Err(err).Msg("panic during health check")
			healthy, newly = backend.fail(h.cfg.UnhealthyThreshold)
		}
		if healthy && newly {
			logger.Info().Msg("backend entered healthy state")
		} else if !healthy && newly {
			logger.Warn().Msg("backend entered unhealthy state")
		}
	}()

	switch backend.Protocol {
	case HTTP, HTTPS:
		var statusCode int
		statusCode, err = doHttp(h.ctx, backend.Url, h.cfg.HttpPath, h.cfg.MaxResponseBody, h.cfg.Timeout)
		if err == nil {
			statusStr := strconv.Itoa(statusCode)
			ok := false
			for _, pattern := range h.cfg.AcceptStatusCodes {
				if patternMatch(pattern, statusStr) {
					ok = true
					break
				}
			}
			if !ok {
				err = fmt.Errorf("unexpected status code: %d", statusCode)
			}
		}
	case TCP:
		err = doTcp(backend.Url, h.cfg.Timeout)
	case ICMP:
		err = doIcmp(backend.Url, h.cfg.Timeout)
	}

	if err != nil {
		healthy, newly = backend.fail(h.cfg.UnhealthyThreshold)
		logger.Debug().
			AnErr("error", err).
			Int("fail_streak", -backend.statusStreak).
			Msg("health check failed")
	} else {
		healthy, newly = backend.success(h.cfg.HealthyThreshold)
		logger.Debug().
			Int("success_streak", backend.statusStreak).
			Msg("health check succeeded")
	}

	return healthy, newly
}

type outputChannels struct {
	enableHealthyChan   bool
	healthyChan         chan *HealthNoti
	enableUnhealthyChan bool
	unhealthyChan       chan *HealthNoti
}

func newOutputChannels(enableHealthyChan, enableUnhealthyChan bool) outputChannels {
	o := outputChannels{
		enableHealthyChan:   enableHealthyChan,
		enableUnhealthyChan: enableUnhealthyChan,
	}
	if o.enableHealthyChan {
		o.healthyChan = make(chan *HealthNoti, 1)
	}
	if o.enableUnhealthyChan {
		o.unhealthyChan = make(chan *HealthNoti, 1)
	}
	return o
}

func (o *outputChannels) sendHealthy(noti *HealthNoti) {
	if o.enableHealthyChan {
		o.healthyChan <- noti
	}
}

func (o *outputChannels) sendUnhealthy(noti *HealthNoti) {
	if o.enableUnhealthyChan {
		o.unhealthyChan <- noti
	}
}

func (o *outputChannels) healthyChannel() (<-chan *HealthNoti, error) {
	if o.enableHealthyChan {
		return o.healthyChan, nil
	}
	return nil, ErrChannelNotEnabled
}

func (o *outputChannels) unhealthyChannel() (<-chan *HealthNoti, error) {
	if o.enableUnhealthyChan {
		return o.unhealthyChan, nil
	}
	return nil, ErrChannelNotEnabled
}

func (o *outputChannels) close() {
	if o.enableHealthyChan {
		close(o.healthyChan)
	}
	if o.enableUnhealthyChan {
		close(o.unhealthyChan)
	}
}

func patternMatch(pattern, str string) bool {
	if !strings.HasPrefix(pattern, "^") {
		pattern = "^" + pattern
	}
	if !strings.HasSuffix(pattern, "$") {
		pattern = pattern + "$"
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(str)
}
