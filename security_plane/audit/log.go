// Package audit provides the append-only security audit log. Every
// rejection, denial and violation in the platform is recorded here
// synchronously, in the same operation as the decision itself.
package audit

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/plugsentry/PlugSentry/security_plane/observability"
	"github.com/plugsentry/PlugSentry/security_plane/store"
)

// Subscriber receives every committed entry. Used by the websocket hub to
// stream live events; must not block.
type Subscriber func(entry store.AuditEntry)

// Log writes audit entries through the store, which assigns monotonically
// increasing sequence numbers at write time. Entries are never updated or
// deleted; corrections are new entries.
type Log struct {
	store store.Store
	log   *logrus.Entry

	mu   sync.RWMutex
	subs []Subscriber
}

// NewLog creates an audit log over the given store.
func NewLog(s store.Store) *Log {
	return &Log{
		store: s,
		log:   logrus.WithField("component", "audit"),
	}
}

// Subscribe registers a subscriber for committed entries.
func (l *Log) Subscribe(sub Subscriber) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subs = append(l.subs, sub)
}

// Record appends one entry. The write is synchronous: callers must not
// return their decision to the caller before Record returns. The assigned
// sequence number is written back onto the entry.
func (l *Log) Record(ctx context.Context, entry *store.AuditEntry) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	seq, err := l.store.AppendAudit(ctx, entry)
	if err != nil {
		return fmt.Errorf("audit append: %w", err)
	}
	entry.Seq = seq

	observability.AuditEntriesWritten.WithLabelValues(entry.Category, entry.Severity).Inc()
	l.log.WithFields(logrus.Fields{
		"seq":      seq,
		"tenant":   entry.TenantID,
		"instance": entry.InstanceID,
		"category": entry.Category,
		"severity": entry.Severity,
	}).Debug(entry.Message)

	l.mu.RLock()
	subs := l.subs
	l.mu.RUnlock()
	for _, sub := range subs {
		sub(*entry)
	}
	return nil
}

// Query returns entries matching the filter in sequence order. This is the
// read-only surface consumed by the external dashboard.
func (l *Log) Query(ctx context.Context, filter store.AuditFilter) ([]*store.AuditEntry, error) {
	return l.store.QueryAudit(ctx, filter)
}
