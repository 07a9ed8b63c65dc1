// Package healthz probes backend reachability with haproxy-style rise/fall
// state transitions and serves the result as a readiness endpoint.
package healthz

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// State is the probed backend state.
type State int

const (
	StateStarting State = iota
	StateUp
	StateDown
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateUp:
		return "up"
	case StateDown:
		return "down"
	default:
		return "unknown"
	}
}

// CheckFunc performs one probe. A nil error is a success.
type CheckFunc func(ctx context.Context) error

// Config configures a Probe.
type Config struct {
	// Interval between checks while the state is settled.
	Interval time.Duration
	// FastInterval is used while a transition is pending.
	FastInterval time.Duration
	Timeout      time.Duration
	// Rise consecutive successes bring the backend up, Fall consecutive
	// failures take it down.
	Rise int
	Fall int
}

// ApplyDefaults fills missing values.
func (c *Config) ApplyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.FastInterval <= 0 {
		c.FastInterval = 2 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.Rise <= 0 {
		c.Rise = 2
	}
	if c.Fall <= 0 {
		c.Fall = 3
	}
}

// Status is a snapshot of the probe.
type Status struct {
	State       string    `json:"state"`
	LastChecked time.Time `json:"last_checked,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	TotalChecks int64     `json:"total_checks"`
	TotalFails  int64     `json:"total_fails"`
}

// Probe runs a CheckFunc periodically and tracks the backend state.
type Probe struct {
	check    CheckFunc
	cfg      Config
	log      logrus.FieldLogger
	onChange func(old, new State)

	mu          sync.RWMutex
	state       State
	successes   int
	failures    int
	lastChecked time.Time
	lastErr     error
	totalChecks int64
	totalFails  int64
}

func NewProbe(check CheckFunc, cfg Config, log logrus.FieldLogger) *Probe {
	cfg.ApplyDefaults()
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Probe{check: check, cfg: cfg, log: log}
}

// OnChange registers fn to run on every state transition. It must be set
// before Run.
func (p *Probe) OnChange(fn func(old, new State)) { p.onChange = fn }

// Run checks immediately and then on every tick until ctx is done.
func (p *Probe) Run(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		p.CheckNow(ctx)
		timer.Reset(p.nextInterval())
	}
}

// CheckNow runs one check and applies the result.
func (p *Probe) CheckNow(ctx context.Context) State {
	cctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	err := p.check(cctx)
	cancel()
	return p.observe(err, time.Now())
}

func (p *Probe) observe(err error, now time.Time) State {
	p.mu.Lock()
	old := p.state
	p.lastChecked = now
	p.lastErr = err
	p.totalChecks++
	if err != nil {
		p.totalFails++
		p.failures++
		p.successes = 0
		if p.state != StateDown && (p.failures >= p.cfg.Fall || p.state == StateStarting) {
			p.state = StateDown
		}
	} else {
		p.successes++
		p.failures = 0
		if p.state != StateUp && (p.successes >= p.cfg.Rise || p.state == StateStarting) {
			p.state = StateUp
		}
	}
	next := p.state
	p.mu.Unlock()

	if next != old {
		entry := p.log.WithFields(logrus.Fields{"from": old.String(), "to": next.String()})
		if err != nil {
			entry = entry.WithError(err)
		}
		entry.Warn("backend health changed")
		if p.onChange != nil {
			p.onChange(old, next)
		}
	}
	return next
}

// nextInterval shortens the wait while counters are heading for a
// transition.
func (p *Probe) nextInterval() time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if (p.state == StateUp && p.failures > 0) || (p.state == StateDown && p.successes > 0) {
		return p.cfg.FastInterval
	}
	return p.cfg.Interval
}

func (p *Probe) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

func (p *Probe) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	st := Status{
		State:       p.state.String(),
		LastChecked: p.lastChecked,
		TotalChecks: p.totalChecks,
		TotalFails:  p.totalFails,
	}
	if p.lastErr != nil {
		st.LastError = p.lastErr.Error()
	}
	return st
}

// Handler reports 200 while the backend is up and 503 otherwise.
func (p *Probe) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		st := p.Status()
		w.Header().Set("Content-Type", "application/json")
		if p.State() == StateUp {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	})
}
