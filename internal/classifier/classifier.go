// Package classifier drives the staged violation state machine:
// concurrent-window overflow → trigger accumulation → violator → banlist.
// It runs on a fixed tick, reads the tracker and roster, and fans out
// domain events to the configured sinks.
package classifier

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sentinelops/banhammer/internal/config"
	"github.com/sentinelops/banhammer/internal/pkg/logger"
	"github.com/sentinelops/banhammer/internal/sink"
	"github.com/sentinelops/banhammer/internal/tracker"
)

// Limits resolves a user's device limit from the roster snapshot.
// known=false means the panel has no entry for the email; such users are
// treated as unlimited and never classified.
type Limits interface {
	DeviceLimit(email string) (limit int, known bool)
}

const pruneEvery = 30 * time.Second

// Classifier owns banlist promotion and writes through the sinks.
type Classifier struct {
	cfg       config.DetectionConfig
	tracker   *tracker.Tracker
	limits    Limits
	sinks     sink.Sinks
	whitelist map[string]struct{}
	notifyMin time.Duration
	log       *logger.Logger

	now    func() time.Time
	cancel context.CancelFunc
}

// New creates a classifier. sinks must already have no-op defaults filled in.
func New(cfg config.DetectionConfig, tr *tracker.Tracker, limits Limits, sinks sink.Sinks, notifyMin time.Duration) *Classifier {
	return &Classifier{
		cfg:       cfg,
		tracker:   tr,
		limits:    limits,
		sinks:     sinks,
		whitelist: cfg.Whitelist(),
		notifyMin: notifyMin,
		log:       logger.With("classifier"),
		now:       time.Now,
	}
}

// SetClock overrides the classifier's time source, used by tests.
func (c *Classifier) SetClock(now func() time.Time) { c.now = now }

// Hydrate loads persisted banlist rows and marks their users banlisted so
// membership survives restarts.
func (c *Classifier) Hydrate(ctx context.Context) error {
	records, err := c.sinks.Persist.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("load banlist: %w", err)
	}
	for _, r := range records {
		c.tracker.MarkBanlisted(r.Email, r.FirstBanlistedAt)
	}
	if len(records) > 0 {
		c.log.Info("hydrated banlist", "count", len(records))
	}
	return nil
}

// Start begins the periodic tick in a background goroutine.
func (c *Classifier) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	go func() {
		ticker := time.NewTicker(c.cfg.Tick())
		defer ticker.Stop()

		lastPrune := c.now()
		for {
			select {
			case <-ticker.C:
				c.Tick(ctx)
				if c.now().Sub(lastPrune) >= pruneEvery {
					lastPrune = c.now()
					if removed := c.tracker.Prune(); removed > 0 {
						c.log.Debug("pruned users", "count", removed)
					}
				}
			case <-ctx.Done():
				c.log.Info("classifier stopped")
				return
			}
		}
	}()
}

// Stop halts the tick loop.
func (c *Classifier) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
}

// Tick classifies every tracked user once.
func (c *Classifier) Tick(ctx context.Context) {
	for _, email := range c.tracker.Emails() {
		c.classifyUser(ctx, email)
	}
}

type decision struct {
	events []sink.Event
	upsert bool
	at     time.Time
	reason string
}

func (c *Classifier) classifyUser(ctx context.Context, email string) {
	var d decision

	c.tracker.Update(email, func(u *tracker.UserState, now time.Time) {
		d = c.advance(u, now)
	})

	// Sink I/O happens outside the tracker lock.
	for _, ev := range d.events {
		c.sinks.Notify.Notify(ev)
	}
	if d.upsert {
		if err := c.persistWithRetry(ctx, email, d.at, d.reason); err != nil {
			// The in-memory promotion stands; persistence catches up on the
			// next promotion or restart hydration from the other direction.
			c.log.Error("banlist persist failed", "email", email, "error", err)
		}
	}
}

// advance runs one tick of the state machine for one user. Called under the
// tracker's exclusive lock; must not do I/O.
func (c *Classifier) advance(u *tracker.UserState, now time.Time) decision {
	var d decision

	limit, known := c.limits.DeviceLimit(u.Email)
	_, whitelisted := c.whitelist[u.Email]

	// Unlimited and whitelisted users are never classified. Triggers and
	// violator state evaporate immediately so a limit flip mid-run does not
	// strand them; banlist membership stays until the admin clears it.
	if whitelisted || (known && limit == 0) {
		u.ResetRun()
		return d
	}
	if !known {
		limit = int(^uint(0) >> 1) // unknown user: effectively unlimited
	}

	ips := u.RecentIPs(now, c.cfg.ConcurrentWindow())
	concurrent := len(ips)

	if concurrent > limit {
		u.OverLimit = true
		u.CleanTicks = 0

		// One trigger per tick even if multiple overflows were observed.
		if len(u.TriggerTimes) == 0 || now.After(u.TriggerTimes[len(u.TriggerTimes)-1]) {
			u.TriggerTimes = append(u.TriggerTimes, now)
		}
		u.TriggerTimes = pruneTriggers(u.TriggerTimes, now, c.cfg.TriggerPeriod())

		if len(u.TriggerTimes) >= c.cfg.TriggerCount && u.ViolatorSince.IsZero() {
			u.ViolatorSince = now
			u.ViolationIPs = make(map[string]struct{}, len(ips))
			d.events = append(d.events, sink.Event{
				Kind:        sink.ViolatorOnset,
				Email:       u.Email,
				ObservedIPs: sorted(ips),
				Limit:       limit,
				At:          now,
			})
			c.log.Warn("violator onset", "email", u.Email, "ips", concurrent, "limit", limit)
		}

		if !u.ViolatorSince.IsZero() {
			if u.ViolationIPs == nil {
				u.ViolationIPs = make(map[string]struct{}, len(ips))
			}
			for _, ip := range ips {
				u.ViolationIPs[ip] = struct{}{}
			}
			if now.Sub(u.ViolatorSince) >= c.cfg.BanlistThreshold() {
				d = c.promote(u, now, limit, d)
			}
		}
		return d
	}

	// Under the limit. Triggers still decay even while hysteresis holds the
	// run open.
	u.OverLimit = false
	u.TriggerTimes = pruneTriggers(u.TriggerTimes, now, c.cfg.TriggerPeriod())
	u.CleanTicks++
	if u.CleanTicks < c.cfg.ClearHysteresisTicks {
		return d
	}

	wasViolator := !u.ViolatorSince.IsZero()
	u.TriggerTimes = nil
	u.ViolatorSince = time.Time{}
	u.ViolationIPs = nil
	u.CleanTicks = 0
	if wasViolator && u.BanlistedSince.IsZero() {
		d.events = append(d.events, sink.Event{Kind: sink.ViolatorCleared, Email: u.Email, At: now})
		c.log.Info("violator cleared", "email", u.Email)
	}
	return d
}

// promote moves a sustained violator onto the banlist, or refreshes an
// existing membership at most once per notify interval so tick reruns do not
// duplicate sink calls.
func (c *Classifier) promote(u *tracker.UserState, now time.Time, limit int, d decision) decision {
	violationIPs := make([]string, 0, len(u.ViolationIPs))
	for ip := range u.ViolationIPs {
		violationIPs = append(violationIPs, ip)
	}
	sort.Strings(violationIPs)

	nodes := observedNodes(u)
	reason := fmt.Sprintf("%d IPs over limit %d; ips=%s; nodes=%s",
		len(violationIPs), limit, strings.Join(violationIPs, ","), strings.Join(nodes, ","))

	if u.BanlistedSince.IsZero() {
		u.BanlistedSince = now
		u.LastNotified = now
		d.upsert = true
		d.at = now
		d.reason = reason
		d.events = append(d.events, sink.Event{
			Kind:        sink.BanlistAdded,
			Email:       u.Email,
			ObservedIPs: violationIPs,
			Nodes:       nodes,
			Limit:       limit,
			At:          now,
		})
		c.log.Warn("banlist added", "email", u.Email, "ips", len(violationIPs), "limit", limit)
		return d
	}

	if now.Sub(u.LastNotified) >= c.notifyMin {
		u.LastNotified = now
		d.upsert = true
		d.at = now
		d.reason = reason
		d.events = append(d.events, sink.Event{
			Kind:        sink.BanlistOngoing,
			Email:       u.Email,
			ObservedIPs: violationIPs,
			Nodes:       nodes,
			Limit:       limit,
			At:          now,
		})
	}
	return d
}

// ClearBanlist empties the banlist store and clears the sticky flags.
// This is the admin path behind POST /api/banlist/clear.
func (c *Classifier) ClearBanlist(ctx context.Context) ([]string, error) {
	cleared := c.tracker.ClearBanlisted()

	if err := c.sinks.Persist.Clear(ctx); err != nil {
		return cleared, fmt.Errorf("clear banlist store: %w", err)
	}
	now := c.now()
	for _, email := range cleared {
		c.sinks.Notify.Notify(sink.Event{Kind: sink.BanlistCleared, Email: email, At: now})
	}
	c.log.Warn("banlist cleared", "count", len(cleared))
	return cleared, nil
}

func (c *Classifier) persistWithRetry(ctx context.Context, email string, at time.Time, reason string) error {
	backoff := 100 * time.Millisecond
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if err = c.sinks.Persist.Upsert(ctx, email, at, reason); err == nil {
			return nil
		}
		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// pruneTriggers keeps only timestamps in (now − period, now].
func pruneTriggers(triggers []time.Time, now time.Time, period time.Duration) []time.Time {
	cutoff := now.Add(-period)
	kept := triggers[:0]
	for _, t := range triggers {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}

func observedNodes(u *tracker.UserState) []string {
	set := make(map[string]struct{})
	for _, obs := range u.Observations {
		if obs.NodeID != "" {
			set[obs.NodeID] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for n := range set {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func sorted(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)
	return out
}
