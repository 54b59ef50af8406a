package sync

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/CrisisCore-Systems/pain-tracker-sub008/internal/logging"
)

// Connectivity reports whether the remote is reachable and publishes
// transitions.
type Connectivity interface {
	IsOnline() bool
	// Subscribe registers fn for every online/offline transition and
	// returns a function that removes it.
	Subscribe(fn func(online bool)) (unsubscribe func())
}

type subscribers struct {
	mu   sync.Mutex
	next int
	fns  map[int]func(bool)
}

func (s *subscribers) add(fn func(bool)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fns == nil {
		s.fns = make(map[int]func(bool))
	}
	id := s.next
	s.next++
	s.fns[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.fns, id)
			s.mu.Unlock()
		})
	}
}

func (s *subscribers) publish(online bool) {
	s.mu.Lock()
	fns := make([]func(bool), 0, len(s.fns))
	for _, fn := range s.fns {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(online)
	}
}

// StaticConnectivity is a Connectivity whose state is set by its owner.
// Subscribers run synchronously inside Set.
type StaticConnectivity struct {
	mu     sync.RWMutex
	online bool
	subs   subscribers
}

// NewStaticConnectivity returns a provider starting in the given state.
func NewStaticConnectivity(online bool) *StaticConnectivity {
	return &StaticConnectivity{online: online}
}

// IsOnline reports the current state.
func (c *StaticConnectivity) IsOnline() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.online
}

// Set changes the state and notifies subscribers when it actually changes.
func (c *StaticConnectivity) Set(online bool) {
	c.mu.Lock()
	changed := c.online != online
	c.online = online
	c.mu.Unlock()
	if changed {
		c.subs.publish(online)
	}
}

// Subscribe implements Connectivity.
func (c *StaticConnectivity) Subscribe(fn func(bool)) func() {
	return c.subs.add(fn)
}

// HTTPProbe polls a health endpoint and treats any 2xx-3xx answer as online.
type HTTPProbe struct {
	URL      string
	Interval time.Duration
	Timeout  time.Duration
	Client   Doer

	state StaticConnectivity
	log   *logging.Logger
}

// NewHTTPProbe creates a probe that starts offline until the first check.
func NewHTTPProbe(url string, interval time.Duration, client Doer) *HTTPProbe {
	if client == nil {
		client = http.DefaultClient
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &HTTPProbe{
		URL:      url,
		Interval: interval,
		Timeout:  5 * time.Second,
		Client:   client,
		log:      logging.Named("connectivity"),
	}
}

// IsOnline implements Connectivity.
func (p *HTTPProbe) IsOnline() bool { return p.state.IsOnline() }

// Subscribe implements Connectivity.
func (p *HTTPProbe) Subscribe(fn func(bool)) func() { return p.state.Subscribe(fn) }

// Check probes once and publishes a transition if the state changed.
func (p *HTTPProbe) Check(ctx context.Context) bool {
	online := p.probe(ctx)
	if online != p.state.IsOnline() {
		p.log.Info("connectivity changed", map[string]interface{}{"online": online, "url": p.URL})
	}
	p.state.Set(online)
	return online
}

func (p *HTTPProbe) probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		p.log.Warn("invalid health URL", map[string]interface{}{"url": p.URL, "error": err.Error()})
		return false
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 400
}

// Run checks immediately, then every Interval until ctx is done.
func (p *HTTPProbe) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	p.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.Check(ctx)
		}
	}
}
