package session

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"
)

// Dummy is a stand-in session for local runs: simulated latency and a
// small failure rate. Wire the real transport client in its place.
type Dummy struct {
	Latency  time.Duration
	FailPct  int
	Standing Entitlement
}

func NewDummy() *Dummy {
	return &Dummy{Latency: 50 * time.Millisecond, FailPct: 3, Standing: Entitlement{Subscribed: true}}
}

func (d *Dummy) Ready() bool              { return true }
func (d *Dummy) Entitlement() Entitlement { return d.Standing }

func (d *Dummy) send(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(d.Latency):
	}
	if rand.Intn(100) < d.FailPct {
		return "", errors.New("transport_temporary_error")
	}
	return "ref-" + randomID(), nil
}

func (d *Dummy) SendText(ctx context.Context, to, body string) (string, error) {
	return d.send(ctx)
}

func (d *Dummy) SendMedia(ctx context.Context, to string, media Media, caption string) (string, error) {
	return d.send(ctx)
}

func (d *Dummy) SendContactCard(ctx context.Context, to, vcard string) (string, error) {
	return d.send(ctx)
}

func (d *Dummy) SendPoll(ctx context.Context, to string, poll Poll) (string, error) {
	return d.send(ctx)
}

func (d *Dummy) Star(ctx context.Context, ref string) error { return nil }

func randomID() string {
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	const letters = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, 12)
	for i := range b {
		b[i] = letters[r.Intn(len(letters))]
	}
	return string(b)
}

// StaticPool is a fixed account -> session map. The provider that owns
// real session lifecycles maintains one of these for the engine to read.
type StaticPool struct {
	mu       sync.RWMutex
	sessions map[string]Session
}

func NewStaticPool() *StaticPool {
	return &StaticPool{sessions: make(map[string]Session)}
}

func (p *StaticPool) Put(accountID string, s Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessions[accountID] = s
}

func (p *StaticPool) Remove(accountID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sessions, accountID)
}

func (p *StaticPool) Resolve(accountID string) (Session, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.sessions[accountID]
	if !ok || !s.Ready() {
		return nil, false
	}
	return s, true
}
