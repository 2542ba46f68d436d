package core

import (
	"context"
	"log"
	"net/http"
	"sync/atomic"
	"time"
)

// Connectivity reports whether the upstream can currently be reached.
type Connectivity interface {
	Online() bool
}

// HealthProbe polls a health URL and remembers the last outcome. It starts
// out online.
type HealthProbe struct {
	url    string
	client *http.Client
	online atomic.Bool
}

func NewHealthProbe(url string, client *http.Client) *HealthProbe {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	p := &HealthProbe{url: url, client: client}
	p.online.Store(true)
	return p
}

func (p *HealthProbe) Online() bool {
	return p.online.Load()
}

// Probe performs one check and records the result.
func (p *HealthProbe) Probe(ctx context.Context) bool {
	online := p.check(ctx)
	if previous := p.online.Swap(online); previous != online {
		if online {
			log.Printf("Upstream %s is reachable again", p.url)
		} else {
			log.Printf("Upstream %s is unreachable", p.url)
		}
	}
	return online
}

func (p *HealthProbe) check(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// Run probes every interval until ctx is done.
func (p *HealthProbe) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	p.Probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Probe(ctx)
		}
	}
}
