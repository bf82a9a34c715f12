package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gestorlite/zapbridge/internal/config"
	"go.uber.org/zap"
)

// healthPayload mirrors the daemon's /health response body.
type healthPayload struct {
	OK       bool `json:"ok"`
	WhatsApp struct {
		State         string `json:"state"`
		Authenticated bool   `json:"authenticated"`
		Connected     bool   `json:"connected"`
		Ready         bool   `json:"ready"`
	} `json:"whatsapp"`
}

// maxProbeInterval caps the backoff-widened probe interval.
const maxProbeInterval = 2 * time.Minute

// Stabilizer is the single source of truth for "can I talk to the
// daemon, and is its downstream session ready." It probes the health
// endpoint on a loop, classifies failures, and pushes every state
// mutation to its subscribers.
type Stabilizer struct {
	baseURL    string
	httpClient *http.Client
	probe      config.Probe
	retry      config.Retry
	logger     *zap.Logger

	mu              sync.Mutex
	state           State
	transportStreak int
	stickySetAt     time.Time
	subs            map[uint64]func(State)
	nextSubID       uint64

	cancel context.CancelFunc
}

// NewStabilizer creates a stabilizer probing the daemon at baseURL.
func NewStabilizer(baseURL string, probe config.Probe, retry config.Retry, logger *zap.Logger) *Stabilizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Stabilizer{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: probe.Timeout()},
		probe:      probe,
		retry:      retry,
		logger:     logger,
		state:      State{Connected: true},
		subs:       make(map[uint64]func(State)),
	}
}

// State returns a snapshot of the current connection state.
func (s *Stabilizer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscribe registers an observer called synchronously on every state
// mutation. The returned function unsubscribes it.
func (s *Stabilizer) Subscribe(fn func(State)) func() {
	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// Start launches the probe loop.
func (s *Stabilizer) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)
}

// Stop stops the probe loop.
func (s *Stabilizer) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

// loop runs probes forever. Probe failures become state updates, never
// panics or returned errors.
func (s *Stabilizer) loop(ctx context.Context) {
	s.ProbeOnce(ctx)
	for {
		timer := time.NewTimer(s.nextInterval())
		select {
		case <-timer.C:
			s.ProbeOnce(ctx)
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

// nextInterval widens the base interval while the sticky flag is set
// and backs off further with consecutive failures, capped.
func (s *Stabilizer) nextInterval() time.Duration {
	s.mu.Lock()
	sticky := s.state.ServiceUnavailable
	failures := s.state.ConsecutiveFailures
	s.mu.Unlock()

	base := s.probe.Interval()
	if sticky {
		base = s.probe.UnavailableInterval()
	}
	d := base
	for i := 0; i < failures && d < maxProbeInterval; i++ {
		d *= 2
	}
	if d > maxProbeInterval {
		d = maxProbeInterval
	}
	return d
}

// ProbeOnce performs one health probe. A probe is skipped while the
// sticky service-unavailable flag is younger than the cooldown window.
func (s *Stabilizer) ProbeOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("health probe panicked", zap.Any("panic", r))
		}
	}()

	s.mu.Lock()
	if s.state.ServiceUnavailable && time.Since(s.stickySetAt) < s.probe.Cooldown() {
		s.mu.Unlock()
		s.logger.Debug("probe skipped inside service-unavailable cooldown")
		return
	}
	s.mu.Unlock()

	payload, err := s.fetchHealth(ctx)
	if err != nil {
		s.recordProbeFailure(err)
		return
	}
	s.recordProbeSuccess(payload)
}

func (s *Stabilizer) fetchHealth(ctx context.Context) (*healthPayload, error) {
	ctx, cancel := context.WithTimeout(ctx, s.probe.Timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/health", nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{StatusCode: resp.StatusCode}
	}
	var payload healthPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode health payload: %w", err)
	}
	return &payload, nil
}

func (s *Stabilizer) recordProbeSuccess(payload *healthPayload) {
	s.mu.Lock()
	s.state.Connected = true
	s.state.ServiceReady = payload.OK && payload.WhatsApp.Ready
	s.state.ServiceUnavailable = false
	s.state.SessionState = payload.WhatsApp.State
	s.state.LastConnectedAt = time.Now()
	s.state.ConsecutiveFailures = 0
	s.state.RetryAttempts = 0
	s.transportStreak = 0
	s.notifyLocked()
}

func (s *Stabilizer) recordProbeFailure(err error) {
	s.mu.Lock()
	s.state.ConsecutiveFailures++
	s.state.ServiceReady = false

	switch {
	case IsServiceUnavailable(err):
		// The daemon answered: transport is fine, the downstream
		// dependency is not. Sticky until an explicit success.
		s.state.ServiceUnavailable = true
		s.stickySetAt = time.Now()
		s.transportStreak = 0
	case isTransportError(err):
		s.transportStreak++
		if s.transportStreak >= s.probe.FailureThreshold {
			s.state.Connected = false
		}
	default:
		// An HTTP-level failure still proves the transport works.
		s.transportStreak = 0
	}
	s.logger.Warn("health probe failed",
		zap.Error(err),
		zap.Int("consecutive_failures", s.state.ConsecutiveFailures),
		zap.Bool("connected", s.state.Connected))
	s.notifyLocked()
}

// markServiceUnavailable is the response-interceptor path for a 503
// seen by an outbound request rather than a probe.
func (s *Stabilizer) markServiceUnavailable() {
	s.mu.Lock()
	s.state.ServiceUnavailable = true
	s.state.ServiceReady = false
	s.stickySetAt = time.Now()
	s.notifyLocked()
}

// recordRequestSuccess resets the failure state after any successful
// outbound response, not just probes.
func (s *Stabilizer) recordRequestSuccess() {
	s.mu.Lock()
	s.state.Connected = true
	s.state.ServiceUnavailable = false
	s.state.LastConnectedAt = time.Now()
	s.state.ConsecutiveFailures = 0
	s.state.RetryAttempts = 0
	s.transportStreak = 0
	s.notifyLocked()
}

func (s *Stabilizer) recordRetryAttempt() {
	s.mu.Lock()
	s.state.RetryAttempts++
	s.notifyLocked()
}

// notifyLocked snapshots state and subscribers, releases the lock, and
// invokes every observer synchronously. Callers must hold s.mu.
func (s *Stabilizer) notifyLocked() {
	snapshot := s.state
	fns := make([]func(State), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(snapshot)
	}
}
