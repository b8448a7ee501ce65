package blocklist

import (
	"net/netip"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/venuescout/accessguard/pkg/access"
)

// List is one block set. Origin lists understand addresses and CIDR
// prefixes; anything that does not parse as either matches exactly.
type List struct {
	kind     access.BlockKind
	records  map[string]*access.BlockRecord
	prefixes map[string]netip.Prefix
	mu       sync.RWMutex
	now      func() time.Time
}

// Option configures a List
type Option func(*List)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(l *List) {
		l.now = now
	}
}

// New creates an empty block set of the given kind
func New(kind access.BlockKind, opts ...Option) *List {
	l := &List{
		kind:     kind,
		records:  make(map[string]*access.BlockRecord),
		prefixes: make(map[string]netip.Prefix),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Kind returns the kind of subjects held
func (l *List) Kind() access.BlockKind {
	return l.kind
}

// Block adds subject or refreshes an existing block. Repeated calls are
// idempotent except that the most recent reason, actor and unblock time win.
func (l *List) Block(subject, reason, actor string, until time.Time) (access.BlockRecord, error) {
	key, prefix, isPrefix := l.normalize(subject)
	if key == "" {
		return access.BlockRecord{}, access.ErrInvalidSubject
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	rec, exists := l.records[key]
	if !exists || !rec.ActiveAt(now) {
		rec = &access.BlockRecord{
			Subject:   key,
			Kind:      l.kind,
			BlockedAt: now,
		}
		l.records[key] = rec
	}
	rec.Reason = reason
	rec.Actor = actor
	rec.UnblockAt = until
	if isPrefix {
		l.prefixes[key] = prefix
	}

	return *rec, nil
}

// Unblock removes subject. It fails with ErrNotBlocked when subject has no
// active block.
func (l *List) Unblock(subject string) (access.BlockRecord, error) {
	key, _, _ := l.normalize(subject)

	l.mu.Lock()
	defer l.mu.Unlock()

	rec, exists := l.records[key]
	if !exists || !rec.ActiveAt(l.now()) {
		return access.BlockRecord{}, access.ErrNotBlocked.WithSubject(subject)
	}
	delete(l.records, key)
	delete(l.prefixes, key)
	return *rec, nil
}

// Lookup returns the block in force for subject, if any. Expired records are
// treated as absent even before the sweep removes them.
func (l *List) Lookup(subject string) (access.BlockRecord, bool) {
	if subject == "" {
		return access.BlockRecord{}, false
	}
	key, _, _ := l.normalize(subject)
	now := l.now()

	l.mu.RLock()
	defer l.mu.RUnlock()

	if rec, ok := l.records[key]; ok && rec.ActiveAt(now) {
		return *rec, true
	}

	if l.kind != access.BlockOrigin || len(l.prefixes) == 0 {
		return access.BlockRecord{}, false
	}
	addr, err := netip.ParseAddr(key)
	if err != nil {
		return access.BlockRecord{}, false
	}
	for pkey, prefix := range l.prefixes {
		if !prefix.Contains(addr) {
			continue
		}
		if rec, ok := l.records[pkey]; ok && rec.ActiveAt(now) {
			return *rec, true
		}
	}
	return access.BlockRecord{}, false
}

// IsBlocked reports whether subject is blocked now
func (l *List) IsBlocked(subject string) bool {
	_, ok := l.Lookup(subject)
	return ok
}

// Covers reports whether the block record for blocked applies to subject.
// Used to find the sessions a new origin block must terminate.
func (l *List) Covers(blocked, subject string) bool {
	bkey, prefix, isPrefix := l.normalize(blocked)
	skey, _, _ := l.normalize(subject)
	if bkey == skey {
		return true
	}
	if !isPrefix {
		return false
	}
	addr, err := netip.ParseAddr(skey)
	return err == nil && prefix.Contains(addr)
}

// Active returns the number of blocks in force
func (l *List) Active() int {
	now := l.now()

	l.mu.RLock()
	defer l.mu.RUnlock()

	n := 0
	for _, rec := range l.records {
		if rec.ActiveAt(now) {
			n++
		}
	}
	return n
}

// Sweep drops expired records and returns them
func (l *List) Sweep() []access.BlockRecord {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	var expired []access.BlockRecord
	for key, rec := range l.records {
		if !rec.ActiveAt(now) {
			expired = append(expired, *rec)
			delete(l.records, key)
			delete(l.prefixes, key)
		}
	}
	return expired
}

// Records returns the active blocks sorted by subject
func (l *List) Records() []access.BlockRecord {
	now := l.now()

	l.mu.RLock()
	out := make([]access.BlockRecord, 0, len(l.records))
	for _, rec := range l.records {
		if rec.ActiveAt(now) {
			out = append(out, *rec)
		}
	}
	l.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Subject < out[j].Subject })
	return out
}

// Restore replaces the set with records, skipping expired ones
func (l *List) Restore(records []access.BlockRecord) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.records = make(map[string]*access.BlockRecord, len(records))
	l.prefixes = make(map[string]netip.Prefix)
	for i := range records {
		rec := records[i]
		if !rec.ActiveAt(now) {
			continue
		}
		key, prefix, isPrefix := l.normalize(rec.Subject)
		if key == "" {
			continue
		}
		rec.Subject = key
		rec.Kind = l.kind
		l.records[key] = &rec
		if isPrefix {
			l.prefixes[key] = prefix
		}
	}
}

// normalize canonicalizes origin subjects so "10.0.0.1" and "::ffff:10.0.0.1"
// or "10.0.0.0/8" and "10.1.2.3/8" collapse to the same key.
func (l *List) normalize(subject string) (string, netip.Prefix, bool) {
	subject = strings.TrimSpace(subject)
	if l.kind != access.BlockOrigin || subject == "" {
		return subject, netip.Prefix{}, false
	}
	if strings.Contains(subject, "/") {
		if prefix, err := netip.ParsePrefix(subject); err == nil {
			prefix = prefix.Masked()
			if prefix.Addr().Is4In6() && prefix.Bits() >= 96 {
				prefix = netip.PrefixFrom(prefix.Addr().Unmap(), prefix.Bits()-96)
			}
			if prefix.IsSingleIP() {
				return prefix.Addr().String(), netip.Prefix{}, false
			}
			return prefix.String(), prefix, true
		}
		return subject, netip.Prefix{}, false
	}
	if addrPort, err := netip.ParseAddrPort(subject); err == nil {
		return addrPort.Addr().Unmap().String(), netip.Prefix{}, false
	}
	if addr, err := netip.ParseAddr(subject); err == nil {
		return addr.Unmap().String(), netip.Prefix{}, false
	}
	return subject, netip.Prefix{}, false
}

// MatchOrigin reports whether origin falls under pattern. Patterns are
// addresses, CIDR prefixes or opaque tokens compared exactly.
func MatchOrigin(pattern, origin string) bool {
	if pattern == "" || origin == "" {
		return false
	}
	return (&List{kind: access.BlockOrigin}).Covers(pattern, origin)
}
