// Package tracker maintains per-user IP observations over sliding time
// windows. It is the single shared structure between the ingest path, the
// classifier tick and the query API; one reader-writer lock protects it.
package tracker

import (
	"sort"
	"sync"
	"time"

	"github.com/sentinelops/banhammer/internal/xray"
)

// Stage is the derived classification stage of a user.
type Stage int

const (
	StageClean Stage = iota
	StageOverLimit
	StageViolator
	StageBanlisted
)

var stageNames = map[Stage]string{
	StageClean:     "clean",
	StageOverLimit: "over_limit",
	StageViolator:  "violator",
	StageBanlisted: "banlisted",
}

func (s Stage) String() string { return stageNames[s] }

// MarshalJSON renders the stage as its name.
func (s Stage) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// Observation records the latest sighting of one source IP for one user.
type Observation struct {
	IP           string    `json:"ip"`
	FirstSeen    time.Time `json:"first_seen"`
	LastSeen     time.Time `json:"last_seen"`
	NodeID       string    `json:"node_id"`
	RequestCount int       `json:"request_count"`
}

// UserState holds everything the engine knows about one email. The tracker
// owns the observation fields; the classifier owns the staging fields and
// mutates them through Tracker.Update so the same lock covers both.
type UserState struct {
	Email        string
	Observations map[string]*Observation
	recent       *requestRing
	RequestCount int
	BlockedCount int
	FirstSeen    time.Time
	LastSeen     time.Time

	// Classifier-owned staging state.
	TriggerTimes   []time.Time
	ViolatorSince  time.Time // zero = not in violator run
	BanlistedSince time.Time // zero = never promoted; sticky once set
	OverLimit      bool      // last tick observed C > L
	CleanTicks     int       // consecutive sub-limit ticks, for hysteresis
	ViolationIPs   map[string]struct{}
	LastNotified   time.Time
}

// Stage derives the user's stage strictly from fields.
func (u *UserState) Stage() Stage {
	switch {
	case !u.BanlistedSince.IsZero():
		return StageBanlisted
	case !u.ViolatorSince.IsZero():
		return StageViolator
	case u.OverLimit:
		return StageOverLimit
	default:
		return StageClean
	}
}

// RecentIPs returns the observation keys seen within the window ending at now.
func (u *UserState) RecentIPs(now time.Time, window time.Duration) []string {
	cutoff := now.Add(-window)
	out := make([]string, 0, len(u.Observations))
	for ip, obs := range u.Observations {
		if !obs.LastSeen.Before(cutoff) {
			out = append(out, ip)
		}
	}
	return out
}

// ResetRun clears the continuous-run state (triggers and violator onset).
// BanlistedSince is sticky and survives.
func (u *UserState) ResetRun() {
	u.TriggerTimes = nil
	u.ViolatorSince = time.Time{}
	u.ViolationIPs = nil
	u.OverLimit = false
	u.CleanTicks = 0
}

// Tracker maintains UserState across all known emails plus an inverted
// ip → emails index for the shared-IP view.
type Tracker struct {
	mu        sync.RWMutex
	users     map[string]*UserState
	ipIndex   map[string]map[string]struct{}
	retention time.Duration
	ringSize  int

	totalRequests uint64
	totalBlocked  uint64

	now func() time.Time // injectable clock for tests
}

// New creates a tracker. retention bounds observation age; ringSize bounds
// the per-user recent-request history.
func New(retention time.Duration, ringSize int) *Tracker {
	return &Tracker{
		users:     make(map[string]*UserState),
		ipIndex:   make(map[string]map[string]struct{}),
		retention: retention,
		ringSize:  ringSize,
		now:       time.Now,
	}
}

// SetClock overrides the tracker's time source, used by tests.
func (t *Tracker) SetClock(now func() time.Time) { t.now = now }

// Record upserts the event's source IP observation and appends to the
// recent-request ring. It never fails; pressure is absorbed by the ring.
func (t *Tracker) Record(ev xray.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()

	u, ok := t.users[ev.Email]
	if !ok {
		u = &UserState{
			Email:        ev.Email,
			Observations: make(map[string]*Observation),
			recent:       newRequestRing(t.ringSize),
			FirstSeen:    now,
		}
		t.users[ev.Email] = u
	}

	obs, ok := u.Observations[ev.SourceIP]
	if !ok {
		obs = &Observation{IP: ev.SourceIP, FirstSeen: now}
		u.Observations[ev.SourceIP] = obs
		emails, ok := t.ipIndex[ev.SourceIP]
		if !ok {
			emails = make(map[string]struct{})
			t.ipIndex[ev.SourceIP] = emails
		}
		emails[ev.Email] = struct{}{}
	}
	obs.LastSeen = now
	obs.NodeID = ev.NodeID
	obs.RequestCount++

	u.recent.push(RequestLog{
		Timestamp:   now,
		SourceIP:    ev.RawIP,
		Destination: ev.Destination,
		DestPort:    ev.DestPort,
		Action:      ev.Action,
		NodeID:      ev.NodeID,
	})

	u.RequestCount++
	u.LastSeen = now
	t.totalRequests++
	if ev.Action == "BLOCK" {
		u.BlockedCount++
		t.totalBlocked++
	}
}

// RecentIPs returns the user's distinct observation keys within the window.
func (t *Tracker) RecentIPs(email string, window time.Duration) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	u, ok := t.users[email]
	if !ok {
		return nil
	}
	return u.RecentIPs(t.now(), window)
}

// Update runs fn against the user's state under the exclusive lock. The
// classifier uses this to advance staging fields atomically with respect to
// concurrent ingest. fn must not retain the *UserState.
func (t *Tracker) Update(email string, fn func(u *UserState, now time.Time)) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	u, ok := t.users[email]
	if !ok {
		return false
	}
	fn(u, t.now())
	return true
}

// Emails returns all emails with live state, in no particular order.
func (t *Tracker) Emails() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]string, 0, len(t.users))
	for email := range t.users {
		out = append(out, email)
	}
	return out
}

// Prune evicts observations older than the retention window and drops users
// whose observations are all gone, unless their stage still matters.
// Returns the number of users removed.
func (t *Tracker) Prune() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	cutoff := now.Add(-t.retention)
	removed := 0

	for email, u := range t.users {
		for ip, obs := range u.Observations {
			if obs.LastSeen.Before(cutoff) {
				delete(u.Observations, ip)
				t.dropFromIndex(ip, email)
			}
		}
		if len(u.Observations) == 0 && u.Stage() == StageClean {
			delete(t.users, email)
			removed++
		}
	}
	return removed
}

func (t *Tracker) dropFromIndex(ip, email string) {
	emails, ok := t.ipIndex[ip]
	if !ok {
		return
	}
	delete(emails, email)
	if len(emails) == 0 {
		delete(t.ipIndex, ip)
	}
}

// SharedIPs returns IPs observed for more than one email within the
// retention window, with the emails sorted for stable output.
func (t *Tracker) SharedIPs() map[string][]string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string][]string)
	for ip, emails := range t.ipIndex {
		if len(emails) < 2 {
			continue
		}
		list := make([]string, 0, len(emails))
		for email := range emails {
			list = append(list, email)
		}
		sort.Strings(list)
		out[ip] = list
	}
	return out
}

// Totals reports the tracker-wide counters.
func (t *Tracker) Totals() (users int, requests, blocked uint64) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.users), t.totalRequests, t.totalBlocked
}

// UserSummary is the per-user row of the /api/users view.
type UserSummary struct {
	Email         string    `json:"email"`
	RecentIPCount int       `json:"recent_ip_count"`
	RecentIPs     []string  `json:"recent_ips"`
	Stage         Stage     `json:"stage"`
	TriggerCount  int       `json:"trigger_count"`
	RequestCount  int       `json:"request_count"`
	BlockedCount  int       `json:"blocked_count"`
	LastSeen      time.Time `json:"last_seen"`
}

// Summaries returns one row per tracked user, recent-IP counts computed over
// the given window, sorted by descending IP count for the UI.
func (t *Tracker) Summaries(window time.Duration) []UserSummary {
	t.mu.RLock()
	defer t.mu.RUnlock()

	now := t.now()
	out := make([]UserSummary, 0, len(t.users))
	for _, u := range t.users {
		ips := u.RecentIPs(now, window)
		sort.Strings(ips)
		out = append(out, UserSummary{
			Email:         u.Email,
			RecentIPCount: len(ips),
			RecentIPs:     ips,
			Stage:         u.Stage(),
			TriggerCount:  len(u.TriggerTimes),
			RequestCount:  u.RequestCount,
			BlockedCount:  u.BlockedCount,
			LastSeen:      u.LastSeen,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RecentIPCount != out[j].RecentIPCount {
			return out[i].RecentIPCount > out[j].RecentIPCount
		}
		return out[i].Email < out[j].Email
	})
	return out
}

// UserDetail is the full state snapshot behind /api/user/{email}.
type UserDetail struct {
	Email          string        `json:"email"`
	Observations   []Observation `json:"observations"`
	RecentRequests []RequestLog  `json:"recent_requests"`
	RecentIPs      []string      `json:"recent_ips"`
	ViolationIPs   []string      `json:"violation_ips"`
	TriggerTimes   []time.Time   `json:"trigger_times"`
	Stage          Stage         `json:"stage"`
	ViolatorSince  time.Time     `json:"violator_since,omitzero"`
	BanlistedSince time.Time     `json:"banlisted_since,omitzero"`
	RequestCount   int           `json:"request_count"`
	BlockedCount   int           `json:"blocked_count"`
	FirstSeen      time.Time     `json:"first_seen"`
	LastSeen       time.Time     `json:"last_seen"`
}

// Detail returns a deep copy of one user's state, or false if unknown.
func (t *Tracker) Detail(email string, window time.Duration) (UserDetail, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	u, ok := t.users[email]
	if !ok {
		return UserDetail{}, false
	}
	return detailOf(u, t.now(), window), true
}

// Violators returns deep copies of every user currently in violator or
// banlisted stage. Filter and copy happen under one lock acquisition, so a
// returned row's stage always matches the filter that selected it.
func (t *Tracker) Violators(window time.Duration) []UserDetail {
	t.mu.RLock()
	defer t.mu.RUnlock()

	now := t.now()
	var out []UserDetail
	for _, u := range t.users {
		if s := u.Stage(); s == StageViolator || s == StageBanlisted {
			out = append(out, detailOf(u, now, window))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out
}

// detailOf snapshots one user's state. Caller holds at least the read lock.
func detailOf(u *UserState, now time.Time, window time.Duration) UserDetail {
	obs := make([]Observation, 0, len(u.Observations))
	for _, o := range u.Observations {
		obs = append(obs, *o)
	}
	sort.Slice(obs, func(i, j int) bool { return obs[i].IP < obs[j].IP })

	violationIPs := make([]string, 0, len(u.ViolationIPs))
	for ip := range u.ViolationIPs {
		violationIPs = append(violationIPs, ip)
	}
	sort.Strings(violationIPs)

	recentIPs := u.RecentIPs(now, window)
	sort.Strings(recentIPs)

	triggers := make([]time.Time, len(u.TriggerTimes))
	copy(triggers, u.TriggerTimes)

	return UserDetail{
		Email:          u.Email,
		Observations:   obs,
		RecentRequests: u.recent.snapshot(),
		RecentIPs:      recentIPs,
		ViolationIPs:   violationIPs,
		TriggerTimes:   triggers,
		Stage:          u.Stage(),
		ViolatorSince:  u.ViolatorSince,
		BanlistedSince: u.BanlistedSince,
		RequestCount:   u.RequestCount,
		BlockedCount:   u.BlockedCount,
		FirstSeen:      u.FirstSeen,
		LastSeen:       u.LastSeen,
	}
}

// MarkBanlisted force-sets a user's banlisted timestamp, used when hydrating
// persisted banlist rows at startup for users with no live traffic yet.
func (t *Tracker) MarkBanlisted(email string, since time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	u, ok := t.users[email]
	if !ok {
		u = &UserState{
			Email:        email,
			Observations: make(map[string]*Observation),
			recent:       newRequestRing(t.ringSize),
		}
		t.users[email] = u
	}
	if u.BanlistedSince.IsZero() {
		u.BanlistedSince = since
	}
}

// ClearBanlisted clears the sticky banlist flag for every user (admin path).
// Returns the affected emails.
func (t *Tracker) ClearBanlisted() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var cleared []string
	for email, u := range t.users {
		if !u.BanlistedSince.IsZero() {
			u.BanlistedSince = time.Time{}
			cleared = append(cleared, email)
		}
	}
	sort.Strings(cleared)
	return cleared
}
