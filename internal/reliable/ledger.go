// Package reliable implements at-least-once delivery over UDP: the ack
// ledger tracking outstanding and already-processed message ids, and the
// sender that retransmits until acknowledged or out of retries.
package reliable

import (
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// LedgerConfig bounds the retransmission and duplicate-suppression state.
type LedgerConfig struct {
	// InitialTimeout is the wait before the first retransmission.
	InitialTimeout time.Duration
	// MaxTimeout caps the exponential growth of the wait.
	MaxTimeout time.Duration
	Multiplier float64
	// Jitter randomizes each wait by +/- this fraction. Zero disables it.
	Jitter float64
	// MaxRetries is the number of retransmissions after the first send.
	MaxRetries int

	// DedupRetention is how long a processed id is remembered per sender.
	DedupRetention time.Duration
	// DedupCapacity bounds the number of remembered (sender, id) pairs.
	DedupCapacity int
}

// DefaultLedgerConfig returns the documented defaults.
func DefaultLedgerConfig() LedgerConfig {
	return LedgerConfig{
		InitialTimeout: 200 * time.Millisecond,
		MaxTimeout:     2 * time.Second,
		Multiplier:     2,
		Jitter:         0.2,
		MaxRetries:     5,
		DedupRetention: 2 * time.Minute,
		DedupCapacity:  65536,
	}
}

// PendingDelivery is one reliable envelope awaiting an ACK from one
// destination.
type PendingDelivery struct {
	Destination netip.AddrPort `json:"destination"`
	MessageID   string         `json:"message_id"`
	Category    string         `json:"category"`
	Payload     []byte         `json:"-"`
	Attempts    int            `json:"attempts"`
	NextRetry   time.Time      `json:"next_retry"`
	CreatedAt   time.Time      `json:"created_at"`
}

type deliveryKey struct {
	dest netip.AddrPort
	id   string
}

type pendingEntry struct {
	PendingDelivery
	backoff *backoff.ExponentialBackOff
}

// Ledger is shared between the receive path (ACKs, duplicate checks) and the
// retry scheduler.
type Ledger struct {
	cfg LedgerConfig
	now func() time.Time

	mu      sync.Mutex
	pending map[deliveryKey]*pendingEntry

	seenMu sync.Mutex
	seen   *expirable.LRU[deliveryKey, struct{}]
}

// NewLedger creates a ledger with the given limits.
func NewLedger(cfg LedgerConfig) *Ledger {
	return &Ledger{
		cfg:     cfg,
		now:     time.Now,
		pending: make(map[deliveryKey]*pendingEntry),
		seen:    expirable.NewLRU[deliveryKey, struct{}](cfg.DedupCapacity, nil, cfg.DedupRetention),
	}
}

// Config returns the ledger limits.
func (l *Ledger) Config() LedgerConfig {
	return l.cfg
}

// ShouldProcess reports whether an inbound envelope id from sender is seen
// for the first time. Empty ids are always processed. The check and the
// insert happen atomically, so concurrent duplicates let exactly one through.
func (l *Ledger) ShouldProcess(sender netip.AddrPort, id string) bool {
	if id == "" {
		return true
	}
	key := deliveryKey{dest: sender, id: id}

	l.seenMu.Lock()
	defer l.seenMu.Unlock()

	if _, ok := l.seen.Get(key); ok {
		return false
	}
	l.seen.Add(key, struct{}{})
	return true
}

func (l *Ledger) newBackOff() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     l.cfg.InitialTimeout,
		RandomizationFactor: l.cfg.Jitter,
		Multiplier:          l.cfg.Multiplier,
		MaxInterval:         l.cfg.MaxTimeout,
	}
	b.Reset()
	return b
}

// RegisterPending records a reliable envelope that has just been sent once.
// Registering the same (destination, id) again restarts its schedule.
func (l *Ledger) RegisterPending(dest netip.AddrPort, id, category string, payload []byte) PendingDelivery {
	now := l.now()
	b := l.newBackOff()
	entry := &pendingEntry{
		PendingDelivery: PendingDelivery{
			Destination: dest,
			MessageID:   id,
			Category:    category,
			Payload:     payload,
			Attempts:    1,
			NextRetry:   now.Add(b.NextBackOff()),
			CreatedAt:   now,
		},
		backoff: b,
	}

	l.mu.Lock()
	l.pending[deliveryKey{dest: dest, id: id}] = entry
	l.mu.Unlock()

	return entry.PendingDelivery
}

// Acknowledge retires the pending delivery of id to from. It returns false
// when nothing matched, which is not an error: the delivery may already be
// retired or was never sent by this process.
func (l *Ledger) Acknowledge(from netip.AddrPort, id string) bool {
	key := deliveryKey{dest: from, id: id}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.pending[key]; !ok {
		return false
	}
	delete(l.pending, key)
	return true
}

// DueForRetry returns the deliveries whose deadline has passed at now. Each
// due delivery has its attempt count incremented and its deadline extended.
// Deliveries that already used every retransmission are removed and returned
// as exhausted instead.
func (l *Ledger) DueForRetry(now time.Time) (due, exhausted []PendingDelivery) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for key, p := range l.pending {
		if now.Before(p.NextRetry) {
			continue
		}
		if p.Attempts-1 >= l.cfg.MaxRetries {
			delete(l.pending, key)
			exhausted = append(exhausted, p.PendingDelivery)
			continue
		}
		p.Attempts++
		p.NextRetry = now.Add(p.backoff.NextBackOff())
		due = append(due, p.PendingDelivery)
	}
	return due, exhausted
}

// Pending returns a snapshot of all outstanding deliveries, oldest first.
func (l *Ledger) Pending() []PendingDelivery {
	l.mu.Lock()
	out := make([]PendingDelivery, 0, len(l.pending))
	for _, p := range l.pending {
		out = append(out, p.PendingDelivery)
	}
	l.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Len returns the number of outstanding deliveries.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}
