// Package observation feeds external state into an agent. A source is
// anything that can report its current state as text; the poller
// watches a set of sources and hands state changes to the agent so it
// can decide whether to launch a goal proactively.
package observation

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Source reports the current state of something observable.
type Source interface {
	Name() string
	Observe(ctx context.Context) (string, error)
}

// Dummy always reports an empty state. It exists so an agent can run
// with observation wiring in place but nothing to watch.
type Dummy struct {
	name string
}

func NewDummy(name string) *Dummy { return &Dummy{name: name} }

func (d *Dummy) Name() string { return d.name }

func (d *Dummy) Observe(context.Context) (string, error) { return "", nil }

// HTTPSource polls an endpoint that returns the state as plain text or
// JSON.
type HTTPSource struct {
	name   string
	url    string
	client *http.Client
}

func NewHTTPSource(name, url string) *HTTPSource {
	return &HTTPSource{
		name:   name,
		url:    url,
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

func (s *HTTPSource) Name() string { return s.name }

func (s *HTTPSource) Observe(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return "", err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("observe %s: %w", s.name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("observe %s: status %d", s.name, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}

// Build constructs a source from its config value: "dummy" (or empty)
// for the no-op source, anything else is treated as an HTTP endpoint.
func Build(name, spec string) Source {
	if spec == "" || spec == "dummy" {
		return NewDummy(name)
	}
	return NewHTTPSource(name, spec)
}

// Poller watches sources on an interval and invokes the handler for
// every state change.
type Poller struct {
	sources  []Source
	interval time.Duration
	logger   *slog.Logger
	handler  func(ctx context.Context, source, state string)

	mu   sync.Mutex
	last map[string]string
}

func NewPoller(sources []Source, interval time.Duration, logger *slog.Logger,
	handler func(ctx context.Context, source, state string)) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Poller{
		sources:  sources,
		interval: interval,
		logger:   logger,
		handler:  handler,
		last:     make(map[string]string),
	}
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		p.pollOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Poller) pollOnce(ctx context.Context) {
	for _, src := range p.sources {
		state, err := src.Observe(ctx)
		if err != nil {
			p.logger.Warn("observation failed", "source", src.Name(), "error", err)
			continue
		}
		if state == "" {
			continue
		}
		p.mu.Lock()
		changed := p.last[src.Name()] != state
		p.last[src.Name()] = state
		p.mu.Unlock()
		if changed && p.handler != nil {
			p.handler(ctx, src.Name(), state)
		}
	}
}
