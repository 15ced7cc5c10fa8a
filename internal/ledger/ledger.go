// Package ledger keeps the durable mapping from a device's stable key to its
// assigned Matter endpoint number. A previously commissioned controller
// expects an endpoint number to keep referring to the same physical device
// forever, so the ledger is flushed after every structural change and
// verified before controlled shutdown.
package ledger

import (
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"matterhub/internal/fabric"
	"matterhub/internal/storage"
)

// Entry maps one stable key to its hosting node and assigned number.
type Entry struct {
	StableKey      string                `json:"stableKey"`
	NodeID         fabric.NodeID         `json:"hostingNodeId"`
	EndpointNumber fabric.EndpointNumber `json:"endpointNumber"`
}

// Ledger is the endpoint-number ledger. Writes are serialized; a number,
// once assigned to a key under a node, is never handed to a different key on
// that node until an explicit factory reset.
type Ledger struct {
	mu      sync.Mutex
	store   *storage.Store
	entries map[string]Entry
	logger  *zap.Logger

	// retain keeps entries for removed devices so surviving devices are
	// never renumbered. Default in bridge mode.
	retain bool

	maxRetryElapsed time.Duration
}

// Open loads the ledger from its store.
func Open(store *storage.Store, retain bool, logger *zap.Logger) (*Ledger, error) {
	l := &Ledger{
		store:           store,
		entries:         make(map[string]Entry),
		logger:          logger.Named("ledger"),
		retain:          retain,
		maxRetryElapsed: 5 * time.Second,
	}
	for _, key := range store.Keys() {
		var e Entry
		if _, err := store.Get(key, &e); err != nil {
			return nil, fmt.Errorf("ledger entry %q: %w", key, err)
		}
		l.entries[key] = e
	}
	l.logger.Info("Ledger loaded", zap.Int("entries", len(l.entries)))
	return l, nil
}

// Lookup returns the entry for a stable key.
func (l *Ledger) Lookup(stableKey string) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[stableKey]
	return e, ok
}

// NumbersForNode returns the stable-key to number mapping for one node.
func (l *Ledger) NumbersForNode(node fabric.NodeID) map[string]fabric.EndpointNumber {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]fabric.EndpointNumber)
	for key, e := range l.entries {
		if e.NodeID == node {
			out[key] = e.EndpointNumber
		}
	}
	return out
}

// Assign records that stableKey was materialized at number under node and
// writes the entry durably, retrying transient failures with backoff.
// Assigning a number already held by a different key on the same node is a
// consistency violation and is rejected.
func (l *Ledger) Assign(stableKey string, node fabric.NodeID, number fabric.EndpointNumber) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for key, e := range l.entries {
		if key != stableKey && e.NodeID == node && e.EndpointNumber == number {
			return fmt.Errorf("endpoint number %d on node %s already reserved for %q", number, node, key)
		}
	}
	if prev, ok := l.entries[stableKey]; ok && prev.NodeID == node && prev.EndpointNumber != number {
		l.logger.Warn("Stable key renumbered",
			zap.String("stable_key", stableKey),
			zap.Uint16("old", uint16(prev.EndpointNumber)),
			zap.Uint16("new", uint16(number)))
	}

	entry := Entry{StableKey: stableKey, NodeID: node, EndpointNumber: number}
	if err := l.persist(stableKey, entry); err != nil {
		return err
	}
	l.entries[stableKey] = entry
	return nil
}

// AssignBatch records a batch of lazily assigned numbers, as reported by a
// node after endpoints-assigned. The batch is applied entry by entry so a
// partial failure leaves already-written entries durable.
func (l *Ledger) AssignBatch(node fabric.NodeID, numbers map[string]fabric.EndpointNumber) error {
	for key, number := range numbers {
		if err := l.Assign(key, node, number); err != nil {
			return err
		}
	}
	return nil
}

// Forget handles removal of a device. With retention on, the entry is kept
// so re-adding the same key yields the same number; otherwise it is deleted
// durably.
func (l *Ledger) Forget(stableKey string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.retain {
		l.logger.Debug("Ledger entry retained", zap.String("stable_key", stableKey))
		return nil
	}
	if _, ok := l.entries[stableKey]; !ok {
		return nil
	}
	if err := l.retryWrite(func() error { return l.store.Delete(stableKey) }); err != nil {
		return fmt.Errorf("ledger delete %q: %w", stableKey, err)
	}
	delete(l.entries, stableKey)
	return nil
}

// Retains reports whether entries survive device removal.
func (l *Ledger) Retains() bool {
	return l.retain
}

// Verify checks that every active stable key has a ledger entry, returning
// the missing keys. Used for the pre-shutdown invariant.
func (l *Ledger) Verify(activeKeys []string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	var missing []string
	for _, key := range activeKeys {
		if _, ok := l.entries[key]; !ok {
			missing = append(missing, key)
		}
	}
	return missing
}

// Reset performs a factory reset, dropping every entry. Only after this may
// numbers be reused for different keys.
func (l *Ledger) Reset() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.store.DeleteAll(); err != nil {
		return fmt.Errorf("ledger reset: %w", err)
	}
	l.entries = make(map[string]Entry)
	l.logger.Warn("Ledger factory reset")
	return nil
}

// Len returns the number of entries.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *Ledger) persist(stableKey string, entry Entry) error {
	err := l.retryWrite(func() error { return l.store.Put(stableKey, entry) })
	if err != nil {
		l.logger.Error("Ledger write failed",
			zap.String("stable_key", stableKey),
			zap.Error(err))
		return fmt.Errorf("ledger write %q: %w", stableKey, err)
	}
	return nil
}

func (l *Ledger) retryWrite(op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	policy.MaxElapsedTime = l.maxRetryElapsed
	return backoff.Retry(op, policy)
}

// SetMaxRetryElapsed bounds how long a durable write is retried before the
// failure is surfaced. Useful for testing.
func (l *Ledger) SetMaxRetryElapsed(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.maxRetryElapsed = d
}
