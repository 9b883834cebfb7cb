package session

import (
	"sync"

	"github.com/pegasus-kv/go-client/base"
)

// Pool is the Replica Session Pool of §4.D: a map from endpoint to Session,
// lazily created and shared by every table in the client.
type Pool struct {
	cfg *Config

	mu       sync.Mutex
	sessions map[base.Endpoint]*Session
}

// NewPool builds an empty pool. cfg is shared by every Session the pool
// creates.
func NewPool(cfg *Config) *Pool {
	return &Pool{cfg: cfg, sessions: make(map[base.Endpoint]*Session)}
}

// Get returns the existing Session for ep, creating one under a single lock
// if this is the first request for that endpoint. Sessions are never
// removed during normal operation.
func (p *Pool) Get(ep base.Endpoint) *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.sessions[ep]; ok {
		return s
	}
	s := New(ep, p.cfg)
	p.sessions[ep] = s
	return s
}

// CloseAll shuts every pooled session down and clears the map.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	sessions := p.sessions
	p.sessions = make(map[base.Endpoint]*Session)
	p.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(len(sessions))
	for _, s := range sessions {
		s := s
		go func() {
			defer wg.Done()
			s.Close()
		}()
	}
	wg.Wait()
}

// Len reports the number of distinct endpoints currently pooled, mostly
// useful for tests and metrics.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}
