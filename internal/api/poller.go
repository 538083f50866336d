package api

import (
	"context"
	"sync"
	"time"
)

// Status is the backend reachability as last observed by a HealthPoller.
type Status struct {
	Connected bool
	Loading   bool
	Error     string
	Health    *Health
}

// HealthPoller checks the backend health at a fixed interval.
type HealthPoller struct {
	client   *Client
	interval time.Duration

	mu     sync.RWMutex
	status Status
}

// NewHealthPoller creates a poller. Until the first check completes the
// status reports Loading.
func NewHealthPoller(client *Client, interval time.Duration) *HealthPoller {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &HealthPoller{
		client:   client,
		interval: interval,
		status:   Status{Loading: true},
	}
}

// Run checks immediately and then every interval until ctx is done.
// onChange, if not nil, receives every new status.
func (p *HealthPoller) Run(ctx context.Context, onChange func(Status)) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		st := p.Check(ctx)
		if ctx.Err() != nil {
			return
		}
		if onChange != nil {
			onChange(st)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Check performs one health request and records the result.
func (p *HealthPoller) Check(ctx context.Context) Status {
	var st Status
	h, err := p.client.Health(ctx)
	if err != nil {
		st.Error = err.Error()
		if st.Error == "" {
			st.Error = "Unknown error"
		}
	} else {
		st.Connected = true
		st.Health = &h
	}

	p.mu.Lock()
	p.status = st
	p.mu.Unlock()
	return st
}

// Status returns the last observed status.
func (p *HealthPoller) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}
