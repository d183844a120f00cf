// Package sink defines the optional capability contracts the classifier
// writes through: banlist persistence, outbound notification and IP
// enrichment. Absent capabilities are replaced by no-op implementations so
// the classifier never branches on their presence.
package sink

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// BanlistRecord is one durable banlist row.
type BanlistRecord struct {
	Email               string    `json:"email"`
	FirstBanlistedAt    time.Time `json:"first_banlisted_at"`
	LastSeenBanlistedAt time.Time `json:"last_seen_banlisted_at"`
	Reason              string    `json:"reason"`
}

// Persister stores banlist membership durably.
type Persister interface {
	LoadAll(ctx context.Context) ([]BanlistRecord, error)
	Upsert(ctx context.Context, email string, now time.Time, reason string) error
	Delete(ctx context.Context, email string) error
	Clear(ctx context.Context) error
}

// EventKind identifies a classifier domain event.
type EventKind int

const (
	ViolatorOnset EventKind = iota
	ViolatorCleared
	BanlistAdded
	BanlistCleared
	BanlistOngoing
)

var kindNames = map[EventKind]string{
	ViolatorOnset:   "violator_onset",
	ViolatorCleared: "violator_cleared",
	BanlistAdded:    "banlist_added",
	BanlistCleared:  "banlist_cleared",
	BanlistOngoing:  "banlist_ongoing",
}

func (k EventKind) String() string { return kindNames[k] }

// Event is a classifier domain event fanned out to the Notifier.
type Event struct {
	Kind        EventKind
	Email       string
	ObservedIPs []string
	Nodes       []string
	Limit       int
	At          time.Time
}

// Message renders the event as a human-readable notification.
func (e Event) Message() string {
	switch e.Kind {
	case ViolatorOnset:
		return fmt.Sprintf("⚠️ Sharing suspected: %s using %d IPs (limit %d)\nIPs: %s",
			e.Email, len(e.ObservedIPs), e.Limit, strings.Join(e.ObservedIPs, ", "))
	case ViolatorCleared:
		return fmt.Sprintf("✅ Back under limit: %s", e.Email)
	case BanlistAdded:
		return fmt.Sprintf("🔨 Banlisted: %s, %d IPs over limit %d\nIPs: %s\nNodes: %s",
			e.Email, len(e.ObservedIPs), e.Limit,
			strings.Join(e.ObservedIPs, ", "), strings.Join(e.Nodes, ", "))
	case BanlistOngoing:
		return fmt.Sprintf("🔨 Still banlisted: %s, %d IPs (limit %d)",
			e.Email, len(e.ObservedIPs), e.Limit)
	case BanlistCleared:
		return fmt.Sprintf("🧹 Banlist cleared: %s", e.Email)
	}
	return ""
}

// Notifier delivers classifier events somewhere humans look.
// Implementations must not block the caller.
type Notifier interface {
	Notify(ev Event)
}

// Enricher resolves an IP to its provider name. A miss is not an error;
// detail views simply omit the field.
type Enricher interface {
	LookupISP(ctx context.Context, ip string) (string, bool)
}

// Sinks bundles the three capabilities with no-op defaults.
type Sinks struct {
	Persist Persister
	Notify  Notifier
	Enrich  Enricher
}

// New fills nil capabilities with no-ops.
func New(p Persister, n Notifier, e Enricher) Sinks {
	if p == nil {
		p = NopPersister{}
	}
	if n == nil {
		n = NopNotifier{}
	}
	if e == nil {
		e = NopEnricher{}
	}
	return Sinks{Persist: p, Notify: n, Enrich: e}
}

// NopPersister is the absent-persistence capability.
type NopPersister struct{}

func (NopPersister) LoadAll(context.Context) ([]BanlistRecord, error) { return nil, nil }
func (NopPersister) Upsert(context.Context, string, time.Time, string) error {
	return nil
}
func (NopPersister) Delete(context.Context, string) error { return nil }
func (NopPersister) Clear(context.Context) error          { return nil }

// NopNotifier drops every event.
type NopNotifier struct{}

func (NopNotifier) Notify(Event) {}

// NopEnricher never resolves anything.
type NopEnricher struct{}

func (NopEnricher) LookupISP(context.Context, string) (string, bool) { return "", false }
