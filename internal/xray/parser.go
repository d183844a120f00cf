// Package xray parses Xray access-log lines into typed events.
//
// A well-formed line looks like:
//
//	2024/05/01 12:00:00.123456 from 10.0.0.1:54321 accepted tcp:example.com:443 [inbound >> direct] email: alice@x
//
// The parser is a pure function: no state, no I/O. Lines that do not match
// are rejected with a typed reason so the ingest server can count them.
package xray

import (
	"errors"
	"fmt"
	"net/netip"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Rejection reasons. The ingest server keys drop counters off these.
var (
	ErrRejectEmpty     = errors.New("empty or control-prefixed line")
	ErrRejectNoEmail   = errors.New("no email token in line")
	ErrRejectMalformed = errors.New("line does not match access-log grammar")
	ErrRejectOversize  = errors.New("line exceeds maximum record size")
)

// Event is the result of parsing one access-log line.
type Event struct {
	NodeID      string    `json:"node_id"`
	ObservedAt  time.Time `json:"observed_at"` // server wall clock at ingest
	Timestamp   time.Time `json:"timestamp"`   // agent clock, informational only
	SourceIP    string    `json:"source_ip"`   // canonicalized when subnet grouping is on
	RawIP       string    `json:"raw_ip"`      // as written in the log line
	Protocol    string    `json:"protocol"`
	Destination string    `json:"destination"`
	DestPort    int       `json:"dest_port"`
	Action      string    `json:"action"`
	Email       string    `json:"email"`
}

var linePattern = regexp.MustCompile(
	`^(\d{4}/\d{2}/\d{2} \d{2}:\d{2}:\d{2}(?:\.\d+)?)\s+` + // timestamp
		`from\s+(?:tcp:|udp:)?(\[[0-9a-fA-F:.]+\]|\d+\.\d+\.\d+\.\d+):\d+\s+` + // source IP
		`accepted\s+` +
		`(tcp|udp):([^:\s]+):(\d+)` + // protocol:destination:port
		`(?:\s+\[([^\]]*)\])?` + // routing tag
		`\s+email:\s*(\S+)`) // email

// Parser converts raw log lines into events. SubnetGrouping canonicalizes the
// source IP to its /24 (IPv4) or /64 (IPv6) network before it reaches the
// tracker; the raw address survives in Event.RawIP for detail views.
type Parser struct {
	SubnetGrouping bool
}

// Parse parses a single access-log line.
func (p Parser) Parse(line string) (Event, error) {
	line = strings.TrimSpace(line)
	if line == "" || line[0] < 0x20 {
		return Event{}, ErrRejectEmpty
	}
	if !strings.Contains(line, "email:") {
		return Event{}, ErrRejectNoEmail
	}

	m := linePattern.FindStringSubmatch(line)
	if m == nil {
		return Event{}, ErrRejectMalformed
	}

	ts, err := parseTimestamp(m[1])
	if err != nil {
		return Event{}, ErrRejectMalformed
	}

	rawIP := strings.Trim(m[2], "[]")
	addr, err := netip.ParseAddr(rawIP)
	if err != nil {
		return Event{}, ErrRejectMalformed
	}

	destPort, err := strconv.Atoi(m[5])
	if err != nil {
		return Event{}, ErrRejectMalformed
	}

	email := strings.TrimSpace(m[7])
	if email == "" {
		return Event{}, ErrRejectNoEmail
	}

	ev := Event{
		Timestamp:   ts,
		SourceIP:    addr.String(),
		RawIP:       addr.String(),
		Protocol:    m[3],
		Destination: m[4],
		DestPort:    destPort,
		Action:      actionFromTag(m[6]),
		Email:       email,
	}
	if p.SubnetGrouping {
		ev.SourceIP = SubnetKey(addr)
	}
	return ev, nil
}

func parseTimestamp(s string) (time.Time, error) {
	// .999999 accepts any fraction length, including none.
	return time.Parse("2006/01/02 15:04:05.999999", s)
}

// actionFromTag extracts the outbound tag from a routing annotation like
// "inbound >> direct" or "vless-in -> BLOCK". Returns the raw tag when no
// separator is present.
func actionFromTag(tag string) string {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return ""
	}
	for _, sep := range []string{">>", "->"} {
		if idx := strings.LastIndex(tag, sep); idx >= 0 {
			return strings.TrimSpace(tag[idx+len(sep):])
		}
	}
	return tag
}

// SubnetKey canonicalizes an address to its /24 (IPv4) or /64 (IPv6) network.
func SubnetKey(addr netip.Addr) string {
	bits := 24
	if addr.Is6() && !addr.Is4In6() {
		bits = 64
	}
	prefix, err := addr.Prefix(bits)
	if err != nil {
		return addr.String()
	}
	return prefix.String()
}

// SubnetKeyString is SubnetKey for addresses held as strings; unparseable
// input is returned unchanged.
func SubnetKeyString(ip string) string {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return ip
	}
	return SubnetKey(addr)
}

// GroupBySubnet collapses a set of IPs to their subnet keys.
func GroupBySubnet(ips []string) []string {
	seen := make(map[string]struct{}, len(ips))
	var out []string
	for _, ip := range ips {
		key := SubnetKeyString(ip)
		if _, ok := seen[key]; !ok {
			seen[key] = struct{}{}
			out = append(out, key)
		}
	}
	return out
}

// RejectReason maps a parse error to its counter label.
func RejectReason(err error) string {
	switch {
	case errors.Is(err, ErrRejectEmpty):
		return "empty"
	case errors.Is(err, ErrRejectNoEmail):
		return "no_email"
	case errors.Is(err, ErrRejectOversize):
		return "oversize"
	case errors.Is(err, ErrRejectMalformed):
		return "malformed"
	default:
		return fmt.Sprintf("other:%v", err)
	}
}
