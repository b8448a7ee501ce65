package behavior

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/venuescout/accessguard/pkg/access"
)

// Observation is what one allowed attempt contributes to a profile
type Observation struct {
	Timestamp time.Time
	Location  *access.Location
	DeviceID  string
}

// Assessment compares an observation against the profile baseline
type Assessment struct {
	HasBaseline     bool
	UnusualHour     bool
	UnusualLocation bool
	NewDevice       bool
	NearestKm       float64
}

// Anomalous reports whether the hour or location is outside the baseline
func (a Assessment) Anomalous() bool {
	return a.UnusualHour || a.UnusualLocation
}

// Sighting is the last known position of an identity
type Sighting struct {
	Location access.Location
	At       time.Time
}

// Config holds tracker thresholds
type Config struct {
	MergeDistanceKm   float64
	AnomalyDistanceKm float64
	MaxLocations      int
}

// DefaultConfig returns the standard thresholds
func DefaultConfig() Config {
	return Config{
		MergeDistanceKm:   50,
		AnomalyDistanceKm: 1000,
		MaxLocations:      32,
	}
}

// profile wraps a BehaviorProfile with its own lock
type profile struct {
	data  access.BehaviorProfile
	mutex sync.Mutex
}

// Tracker maintains rolling per-identity behavior profiles
type Tracker struct {
	config      Config
	profiles    map[string]*profile
	profilesMux sync.RWMutex
	logger      *logrus.Logger
}

// NewTracker creates a tracker
func NewTracker(config Config, logger *logrus.Logger) *Tracker {
	if config.MaxLocations <= 0 {
		config.MaxLocations = DefaultConfig().MaxLocations
	}
	return &Tracker{
		config:   config,
		profiles: make(map[string]*profile),
		logger:   logger,
	}
}

// Observe merges an observation into the identity's profile, creating the
// profile on first use.
func (t *Tracker) Observe(identity string, obs Observation) {
	if identity == "" {
		return
	}
	p := t.getProfile(identity)

	p.mutex.Lock()
	defer p.mutex.Unlock()

	d := &p.data
	if d.Observations == 0 {
		d.FirstSeen = obs.Timestamp
	}
	d.Observations++
	d.LastSeen = obs.Timestamp
	d.HourCounts[obs.Timestamp.Hour()]++

	if obs.DeviceID != "" {
		d.Devices[obs.DeviceID]++
	}

	if obs.Location != nil {
		t.mergeLocation(d, *obs.Location, obs.Timestamp)
		loc := *obs.Location
		d.LastLocation = &loc
		d.LastLocationAt = obs.Timestamp
	}
}

// Assess compares obs with the identity's baseline. An identity without
// observations has no baseline and is never anomalous.
func (t *Tracker) Assess(identity string, obs Observation) Assessment {
	t.profilesMux.RLock()
	p, exists := t.profiles[identity]
	t.profilesMux.RUnlock()
	if !exists {
		return Assessment{}
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	d := &p.data
	if d.Observations == 0 {
		return Assessment{}
	}

	a := Assessment{
		HasBaseline: true,
		UnusualHour: d.HourCounts[obs.Timestamp.Hour()] == 0,
		NearestKm:   -1,
	}
	if obs.DeviceID != "" && len(d.Devices) > 0 {
		_, known := d.Devices[obs.DeviceID]
		a.NewDevice = !known
	}
	if obs.Location != nil && len(d.Locations) > 0 {
		nearest := math.MaxFloat64
		for _, l := range d.Locations {
			dist := DistanceKm(l.Latitude, l.Longitude, obs.Location.Latitude, obs.Location.Longitude)
			if dist < nearest {
				nearest = dist
			}
		}
		a.NearestKm = nearest
		a.UnusualLocation = nearest > t.config.AnomalyDistanceKm
	}
	return a
}

// IsAnomalous reports whether obs falls outside the identity's typical hours
// or locations
func (t *Tracker) IsAnomalous(identity string, obs Observation) bool {
	return t.Assess(identity, obs).Anomalous()
}

// LastSighting returns the last located observation for identity
func (t *Tracker) LastSighting(identity string) (Sighting, bool) {
	t.profilesMux.RLock()
	p, exists := t.profiles[identity]
	t.profilesMux.RUnlock()
	if !exists {
		return Sighting{}, false
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.data.LastLocation == nil {
		return Sighting{}, false
	}
	return Sighting{Location: *p.data.LastLocation, At: p.data.LastLocationAt}, true
}

// Profile returns a copy of the identity's profile
func (t *Tracker) Profile(identity string) (access.BehaviorProfile, bool) {
	t.profilesMux.RLock()
	p, exists := t.profiles[identity]
	t.profilesMux.RUnlock()
	if !exists {
		return access.BehaviorProfile{}, false
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()
	return copyProfile(&p.data), true
}

// Count returns the number of tracked profiles
func (t *Tracker) Count() int {
	t.profilesMux.RLock()
	defer t.profilesMux.RUnlock()
	return len(t.profiles)
}

// Snapshot returns copies of all profiles sorted by identity
func (t *Tracker) Snapshot() []access.BehaviorProfile {
	t.profilesMux.RLock()
	ps := make([]*profile, 0, len(t.profiles))
	for _, p := range t.profiles {
		ps = append(ps, p)
	}
	t.profilesMux.RUnlock()

	out := make([]access.BehaviorProfile, 0, len(ps))
	for _, p := range ps {
		p.mutex.Lock()
		out = append(out, copyProfile(&p.data))
		p.mutex.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}

// Restore replaces all profiles
func (t *Tracker) Restore(profiles []access.BehaviorProfile) {
	restored := make(map[string]*profile, len(profiles))
	for i := range profiles {
		data := copyProfile(&profiles[i])
		if data.Devices == nil {
			data.Devices = make(map[string]int64)
		}
		restored[data.Identity] = &profile{data: data}
	}

	t.profilesMux.Lock()
	t.profiles = restored
	t.profilesMux.Unlock()
}

// getProfile gets or creates the profile for identity
func (t *Tracker) getProfile(identity string) *profile {
	t.profilesMux.RLock()
	p, exists := t.profiles[identity]
	t.profilesMux.RUnlock()
	if exists {
		return p
	}

	t.profilesMux.Lock()
	defer t.profilesMux.Unlock()

	if p, exists := t.profiles[identity]; exists {
		return p
	}
	p = &profile{data: access.BehaviorProfile{
		Identity: identity,
		Devices:  make(map[string]int64),
	}}
	t.profiles[identity] = p

	t.logger.WithField("identity", identity).Debug("Created behavior profile")
	return p
}

// mergeLocation folds loc into the nearest typical location within the merge
// distance, moving it toward loc by frequency weight, or appends a new one.
// When full, the least frequent location is replaced.
func (t *Tracker) mergeLocation(d *access.BehaviorProfile, loc access.Location, at time.Time) {
	best := -1
	bestDist := math.MaxFloat64
	for i, l := range d.Locations {
		dist := DistanceKm(l.Latitude, l.Longitude, loc.Latitude, loc.Longitude)
		if dist <= t.config.MergeDistanceKm && dist < bestDist {
			best, bestDist = i, dist
		}
	}

	if best >= 0 {
		l := &d.Locations[best]
		n := float64(l.Count)
		l.Latitude = (l.Latitude*n + loc.Latitude) / (n + 1)
		l.Longitude = (l.Longitude*n + loc.Longitude) / (n + 1)
		l.Count++
		l.LastSeen = at
		if l.Country == "" {
			l.Country = loc.Country
		}
		return
	}

	stat := access.LocationStat{
		Latitude:  loc.Latitude,
		Longitude: loc.Longitude,
		Country:   loc.Country,
		Count:     1,
		LastSeen:  at,
	}
	if len(d.Locations) < t.config.MaxLocations {
		d.Locations = append(d.Locations, stat)
		return
	}
	weakest := 0
	for i, l := range d.Locations {
		if l.Count < d.Locations[weakest].Count {
			weakest = i
		}
	}
	d.Locations[weakest] = stat
}

func copyProfile(src *access.BehaviorProfile) access.BehaviorProfile {
	dst := *src
	dst.Locations = append([]access.LocationStat(nil), src.Locations...)
	dst.Devices = make(map[string]int64, len(src.Devices))
	for k, v := range src.Devices {
		dst.Devices[k] = v
	}
	if src.LastLocation != nil {
		loc := *src.LastLocation
		dst.LastLocation = &loc
	}
	return dst
}
