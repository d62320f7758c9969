package iot

import (
	"sync"
	"time"

	"liyu1981.xyz/smartplant-service/pkg/models"
)

const (
	DefaultAlertCooldown     = 30 * time.Minute
	DefaultPumpAlertCooldown = 5 * time.Minute
)

// pumpCategory keeps pump activations in their own window, apart from the
// other system/info candidates of the same sensor. offlineCategory does the
// same for sensor-offline warnings, which would otherwise share a key with
// the excessive-light warning.
const (
	pumpCategory    models.Category = "pump"
	offlineCategory models.Category = "offline"
)

type DedupKey struct {
	OwnerID  string
	SensorID string
	Category models.Category
	Severity models.Severity
}

func DedupKeyOf(c *models.AlertCandidate) DedupKey {
	key := DedupKey{
		OwnerID:  c.OwnerID,
		SensorID: c.SensorID,
		Category: c.Category,
		Severity: c.Severity,
	}
	switch c.Rule {
	case models.RulePumpActivated:
		key.Category = pumpCategory
	case models.RuleSensorOffline:
		key.Category = offlineCategory
	}
	return key
}

type dedupEntry struct {
	mu   sync.Mutex
	last time.Time
	set  bool
	dead bool
}

// Deduplicator suppresses repeated candidates per DedupKey. Each key has its
// own lock, so owners and sensors never contend with each other.
type Deduplicator struct {
	entries    sync.Map // DedupKey -> *dedupEntry
	window     time.Duration
	pumpWindow time.Duration
	now        func() time.Time
}

func NewDeduplicator(window, pumpWindow time.Duration, now func() time.Time) *Deduplicator {
	if window <= 0 {
		window = DefaultAlertCooldown
	}
	if pumpWindow <= 0 {
		pumpWindow = DefaultPumpAlertCooldown
	}
	if now == nil {
		now = time.Now
	}
	return &Deduplicator{window: window, pumpWindow: pumpWindow, now: now}
}

func (d *Deduplicator) windowFor(key DedupKey) time.Duration {
	if key.Category == pumpCategory {
		return d.pumpWindow
	}
	return d.window
}

// lockEntry returns the live entry for key with its lock held.
func (d *Deduplicator) lockEntry(key DedupKey) *dedupEntry {
	for {
		v, ok := d.entries.Load(key)
		if !ok {
			v, _ = d.entries.LoadOrStore(key, &dedupEntry{})
		}
		e := v.(*dedupEntry)
		e.mu.Lock()
		if !e.dead {
			return e
		}
		e.mu.Unlock()
	}
}

// Accept reports whether the candidate should become an alert and, if so,
// stamps its key with the current time. Critical candidates always pass,
// except pump activations which only follow their fixed window.
func (d *Deduplicator) Accept(c *models.AlertCandidate) bool {
	if !c.Severity.Valid() || !c.Category.Valid() {
		panic("dedup: invalid candidate " + string(c.Category) + "/" + string(c.Severity))
	}

	key := DedupKeyOf(c)
	now := d.now()

	e := d.lockEntry(key)
	defer e.mu.Unlock()

	bypass := c.Severity == models.SeverityCritical && key.Category != pumpCategory
	if !bypass && e.set && now.Sub(e.last) < d.windowFor(key) {
		return false
	}

	e.last = now
	e.set = true
	return true
}

// Seed records an emission that happened before this process started.
func (d *Deduplicator) Seed(key DedupKey, at time.Time) {
	e := d.lockEntry(key)
	defer e.mu.Unlock()
	if !e.set || at.After(e.last) {
		e.last = at
		e.set = true
	}
}

// LastEmitted returns the window timestamp for key.
func (d *Deduplicator) LastEmitted(key DedupKey) (time.Time, bool) {
	v, ok := d.entries.Load(key)
	if !ok {
		return time.Time{}, false
	}
	e := v.(*dedupEntry)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last, e.set
}

// Prune drops keys whose window has expired and returns how many were removed.
func (d *Deduplicator) Prune() int {
	now := d.now()
	removed := 0
	d.entries.Range(func(k, v any) bool {
		key := k.(DedupKey)
		e := v.(*dedupEntry)
		e.mu.Lock()
		if !e.dead && e.set && now.Sub(e.last) >= d.windowFor(key) {
			e.dead = true
			d.entries.CompareAndDelete(k, v)
			removed++
		}
		e.mu.Unlock()
		return true
	})
	return removed
}

func (d *Deduplicator) Len() int {
	n := 0
	d.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
