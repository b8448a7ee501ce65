package ratelimit

import (
	"time"
)

// HistoryRecord is the persisted form of one history
type HistoryRecord struct {
	Key          Key           `json:"key"`
	Entries      []Entry       `json:"entries"`
	BlockedUntil time.Time     `json:"blocked_until"`
	Trips        int           `json:"trips"`
	LastTrip     time.Time     `json:"last_trip"`
	LastBlock    time.Duration `json:"last_block"`
}

// Sweep drops histories with nothing left to remember and expired
// overrides. A history is kept while its window has entries, while it is
// blocked, and for the escalation memory period after its last trip.
// Keys are visited from a snapshot and locked one at a time.
func (l *Limiter) Sweep() int {
	now := l.now()

	l.historiesMux.RLock()
	snapshot := make(map[Key]*history, len(l.histories))
	for k, h := range l.histories {
		snapshot[k] = h
	}
	l.historiesMux.RUnlock()

	var stale []Key
	for key, h := range snapshot {
		rule, ok := l.EffectiveRule(key)
		window := time.Duration(0)
		if ok {
			window = rule.Window
		}

		h.mutex.Lock()
		h.prune(now.Add(-window))
		if len(h.entries) == 0 && !now.Before(h.blockedUntil) && now.Sub(h.lastTrip) >= l.maxBlock {
			h.deleted.Store(true)
			stale = append(stale, key)
		}
		h.mutex.Unlock()
	}

	if len(stale) > 0 {
		l.historiesMux.Lock()
		for _, key := range stale {
			if h, exists := l.histories[key]; exists && h == snapshot[key] {
				delete(l.histories, key)
			}
		}
		l.historiesMux.Unlock()
	}

	l.overridesMux.Lock()
	for key, o := range l.overrides {
		if !now.Before(o.expiresAt) {
			delete(l.overrides, key)
		}
	}
	l.overridesMux.Unlock()

	return len(stale)
}

// Snapshot returns the live histories
func (l *Limiter) Snapshot() []HistoryRecord {
	l.historiesMux.RLock()
	snapshot := make(map[Key]*history, len(l.histories))
	for k, h := range l.histories {
		snapshot[k] = h
	}
	l.historiesMux.RUnlock()

	out := make([]HistoryRecord, 0, len(snapshot))
	for key, h := range snapshot {
		h.mutex.Lock()
		entries := make([]Entry, len(h.entries))
		copy(entries, h.entries)
		out = append(out, HistoryRecord{
			Key:          key,
			Entries:      entries,
			BlockedUntil: h.blockedUntil,
			Trips:        h.trips,
			LastTrip:     h.lastTrip,
			LastBlock:    h.lastBlock,
		})
		h.mutex.Unlock()
	}
	return out
}

// Restore replaces all histories
func (l *Limiter) Restore(records []HistoryRecord) {
	histories := make(map[Key]*history, len(records))
	for _, rec := range records {
		entries := make([]Entry, len(rec.Entries))
		copy(entries, rec.Entries)
		histories[rec.Key] = &history{
			entries:      entries,
			blockedUntil: rec.BlockedUntil,
			trips:        rec.Trips,
			lastTrip:     rec.LastTrip,
			lastBlock:    rec.LastBlock,
		}
	}

	l.historiesMux.Lock()
	for _, h := range l.histories {
		h.deleted.Store(true)
	}
	l.histories = histories
	l.historiesMux.Unlock()
}
