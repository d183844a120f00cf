package tracker

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelops/banhammer/internal/xray"
)

type fakeClock struct{ t time.Time }

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func event(email, ip string) xray.Event {
	return xray.Event{Email: email, SourceIP: ip, RawIP: ip, NodeID: "node-1", Action: "direct"}
}

func newTestTracker(clock *fakeClock) *Tracker {
	tr := New(time.Hour, 200)
	tr.SetClock(clock.now)
	return tr
}

func TestRecordAndRecentIPs(t *testing.T) {
	clock := newFakeClock()
	tr := newTestTracker(clock)

	tr.Record(event("alice@x", "10.0.0.1"))
	clock.advance(time.Second)
	tr.Record(event("alice@x", "10.0.0.2"))

	ips := tr.RecentIPs("alice@x", 2*time.Second)
	assert.ElementsMatch(t, []string{"10.0.0.1", "10.0.0.2"}, ips)

	// Outside the 2s window only the newer IP remains
	clock.advance(2 * time.Second)
	ips = tr.RecentIPs("alice@x", 2*time.Second)
	assert.ElementsMatch(t, []string{"10.0.0.2"}, ips)
}

func TestZeroWindowCountsOnlyInstant(t *testing.T) {
	clock := newFakeClock()
	tr := newTestTracker(clock)

	tr.Record(event("alice@x", "10.0.0.1"))
	assert.Len(t, tr.RecentIPs("alice@x", 0), 1)

	clock.advance(time.Millisecond)
	assert.Empty(t, tr.RecentIPs("alice@x", 0))
}

func TestBlockedCounter(t *testing.T) {
	clock := newFakeClock()
	tr := newTestTracker(clock)

	ev := event("alice@x", "10.0.0.1")
	ev.Action = "BLOCK"
	tr.Record(ev)
	tr.Record(event("alice@x", "10.0.0.1"))

	users, requests, blocked := tr.Totals()
	assert.Equal(t, 1, users)
	assert.Equal(t, uint64(2), requests)
	assert.Equal(t, uint64(1), blocked)
}

func TestRecentRequestRingBounded(t *testing.T) {
	clock := newFakeClock()
	tr := New(time.Hour, 5)
	tr.SetClock(clock.now)

	for i := 0; i < 12; i++ {
		ev := event("alice@x", "10.0.0.1")
		ev.Destination = fmt.Sprintf("host-%d", i)
		tr.Record(ev)
	}

	detail, ok := tr.Detail("alice@x", time.Minute)
	require.True(t, ok)
	require.Len(t, detail.RecentRequests, 5)
	assert.Equal(t, "host-7", detail.RecentRequests[0].Destination)
	assert.Equal(t, "host-11", detail.RecentRequests[4].Destination)
	assert.Equal(t, 12, detail.RequestCount)
}

func TestPruneEvictsStaleObservationsAndCleanUsers(t *testing.T) {
	clock := newFakeClock()
	tr := New(time.Minute, 10)
	tr.SetClock(clock.now)

	tr.Record(event("alice@x", "10.0.0.1"))
	clock.advance(2 * time.Minute)
	tr.Record(event("bob@x", "10.0.0.2"))

	removed := tr.Prune()
	assert.Equal(t, 1, removed)
	assert.Empty(t, tr.RecentIPs("alice@x", time.Hour))
	assert.Len(t, tr.RecentIPs("bob@x", time.Hour), 1)
}

func TestPruneRetainsBanlistedUsers(t *testing.T) {
	clock := newFakeClock()
	tr := New(time.Minute, 10)
	tr.SetClock(clock.now)

	tr.Record(event("alice@x", "10.0.0.1"))
	tr.Update("alice@x", func(u *UserState, now time.Time) {
		u.BanlistedSince = now
	})

	clock.advance(time.Hour)
	removed := tr.Prune()
	assert.Zero(t, removed)

	detail, ok := tr.Detail("alice@x", time.Minute)
	require.True(t, ok)
	assert.Empty(t, detail.Observations)
	assert.Equal(t, StageBanlisted, detail.Stage)
}

func TestSharedIPs(t *testing.T) {
	clock := newFakeClock()
	tr := newTestTracker(clock)

	tr.Record(event("alice@x", "10.0.0.9"))
	tr.Record(event("bob@x", "10.0.0.9"))
	tr.Record(event("carol@x", "10.0.0.7"))

	shared := tr.SharedIPs()
	require.Len(t, shared, 1)
	assert.Equal(t, []string{"alice@x", "bob@x"}, shared["10.0.0.9"])
}

func TestSharedIPsDropsAfterPrune(t *testing.T) {
	clock := newFakeClock()
	tr := New(time.Minute, 10)
	tr.SetClock(clock.now)

	tr.Record(event("alice@x", "10.0.0.9"))
	tr.Record(event("bob@x", "10.0.0.9"))
	clock.advance(2 * time.Minute)
	tr.Prune()

	assert.Empty(t, tr.SharedIPs())
}

func TestStageDerivation(t *testing.T) {
	u := &UserState{}
	assert.Equal(t, StageClean, u.Stage())

	u.OverLimit = true
	assert.Equal(t, StageOverLimit, u.Stage())

	u.ViolatorSince = time.Now()
	assert.Equal(t, StageViolator, u.Stage())

	u.BanlistedSince = time.Now()
	assert.Equal(t, StageBanlisted, u.Stage())

	// Banlist is sticky through a run reset
	u.ResetRun()
	assert.Equal(t, StageBanlisted, u.Stage())
}

func TestSummariesSortedByIPCount(t *testing.T) {
	clock := newFakeClock()
	tr := newTestTracker(clock)

	tr.Record(event("one@x", "10.0.0.1"))
	tr.Record(event("two@x", "10.0.0.2"))
	tr.Record(event("two@x", "10.0.0.3"))

	got := tr.Summaries(time.Minute)
	require.Len(t, got, 2)
	assert.Equal(t, "two@x", got[0].Email)
	assert.Equal(t, 2, got[0].RecentIPCount)
}

func TestViolatorsFiltersAndSnapshotsStage(t *testing.T) {
	clock := newFakeClock()
	tr := newTestTracker(clock)

	tr.Record(event("clean@x", "10.0.0.1"))
	tr.Record(event("over@x", "10.0.0.2"))
	tr.Record(event("bad@x", "10.0.0.3"))
	tr.Record(event("worse@x", "10.0.0.4"))

	tr.Update("over@x", func(u *UserState, now time.Time) { u.OverLimit = true })
	tr.Update("bad@x", func(u *UserState, now time.Time) {
		u.ViolatorSince = now
		u.ViolationIPs = map[string]struct{}{"10.0.0.3": {}}
	})
	tr.Update("worse@x", func(u *UserState, now time.Time) { u.BanlistedSince = now })

	got := tr.Violators(time.Minute)
	require.Len(t, got, 2)
	assert.Equal(t, "bad@x", got[0].Email)
	assert.Equal(t, StageViolator, got[0].Stage)
	assert.Equal(t, []string{"10.0.0.3"}, got[0].ViolationIPs)
	assert.Equal(t, "worse@x", got[1].Email)
	assert.Equal(t, StageBanlisted, got[1].Stage)

	// A row's stage always matches the filter that selected it; once the
	// run clears, the user drops out instead of showing up as clean.
	tr.Update("bad@x", func(u *UserState, now time.Time) { u.ResetRun() })
	got = tr.Violators(time.Minute)
	require.Len(t, got, 1)
	assert.Equal(t, "worse@x", got[0].Email)
}

func TestMarkAndClearBanlisted(t *testing.T) {
	clock := newFakeClock()
	tr := newTestTracker(clock)

	tr.MarkBanlisted("ghost@x", clock.now())
	detail, ok := tr.Detail("ghost@x", time.Minute)
	require.True(t, ok)
	assert.Equal(t, StageBanlisted, detail.Stage)

	cleared := tr.ClearBanlisted()
	assert.Equal(t, []string{"ghost@x"}, cleared)

	detail, _ = tr.Detail("ghost@x", time.Minute)
	assert.Equal(t, StageClean, detail.Stage)
}
