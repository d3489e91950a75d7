package config

import (
	"sync"
	"time"
)

// OperatorDirectory answers "is this sender a human operator, and what is
// their name". Entries come from a loader (usually the config file) and are
// cached with a TTL so the file can be edited while the bot runs.
type OperatorDirectory struct {
	loader   func() []Operator
	ttl      time.Duration
	mu       sync.Mutex
	byJID    map[string]Operator
	loadedAt time.Time
}

// NewOperatorDirectory builds a directory over loader. ttl <= 0 disables
// expiry; Invalidate still forces a reload.
func NewOperatorDirectory(loader func() []Operator, ttl time.Duration) *OperatorDirectory {
	return &OperatorDirectory{loader: loader, ttl: ttl}
}

func (d *OperatorDirectory) refresh() {
	if d.byJID != nil && (d.ttl <= 0 || time.Since(d.loadedAt) < d.ttl) {
		return
	}
	d.byJID = map[string]Operator{}
	for _, op := range d.loader() {
		d.byJID[op.JID] = op
	}
	d.loadedAt = time.Now()
}

// Lookup returns the operator record for jid.
func (d *OperatorDirectory) Lookup(jid string) (Operator, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.refresh()
	op, ok := d.byJID[jid]
	return op, ok
}

// IsOperator reports whether jid belongs to a registered operator.
func (d *OperatorDirectory) IsOperator(jid string) bool {
	_, ok := d.Lookup(jid)
	return ok
}

// HasOperator reports whether at least one operator is configured.
func (d *OperatorDirectory) HasOperator() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.refresh()
	return len(d.byJID) > 0
}

// Invalidate drops the cache so the next lookup reloads.
func (d *OperatorDirectory) Invalidate() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byJID = nil
}
