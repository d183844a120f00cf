// Package ingest runs the TCP listener that edge nodes ship access-log
// lines to. Each line arrives framed as "NODE_NAME|<log line>"; accepted
// events are parsed and recorded into the tracker.
package ingest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelops/banhammer/internal/config"
	"github.com/sentinelops/banhammer/internal/pkg/logger"
	"github.com/sentinelops/banhammer/internal/tracker"
	"github.com/sentinelops/banhammer/internal/xray"
)

// nodeNamePattern bounds what a collector may call itself. Anything else
// is rejected before it can pollute the registry or the per-event NodeID.
var nodeNamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// NodeInfo is the registry entry for one reporting edge node. An entry
// exists only while at least one connection claiming that name is open;
// Connections is the live connection count.
type NodeInfo struct {
	Name        string    `json:"name"`
	Address     string    `json:"address"`
	LastSeen    time.Time `json:"last_seen"`
	Lines       uint64    `json:"lines"`
	Connections int       `json:"connections"`
}

// Stats are the ingest-side counters served by /api/stats.
type Stats struct {
	Accepted uint64            `json:"accepted"`
	Rejected map[string]uint64 `json:"rejected"`
}

// Server is the TCP ingest listener.
type Server struct {
	cfg     config.IngestConfig
	parser  *xray.Parser
	tracker *tracker.Tracker
	log     *logger.Logger

	mu    sync.Mutex
	nodes map[string]*NodeInfo
	// conns maps each open connection to the node name it is bound to, ""
	// until the first valid frame arrives. The nodes registry is derived
	// from these bindings, so a node disappears with its last connection.
	conns    map[net.Conn]string
	accepted uint64
	rejected map[string]uint64

	listener net.Listener
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	now func() time.Time
}

// NewServer creates an ingest server feeding the given tracker.
func NewServer(cfg config.IngestConfig, parser *xray.Parser, tr *tracker.Tracker) *Server {
	return &Server{
		cfg:      cfg,
		parser:   parser,
		tracker:  tr,
		log:      logger.With("ingest"),
		nodes:    make(map[string]*NodeInfo),
		conns:    make(map[net.Conn]string),
		rejected: make(map[string]uint64),
		now:      time.Now,
	}
}

// SetClock overrides the server's time source, used by tests.
func (s *Server) SetClock(now func() time.Time) { s.now = now }

// Start binds the listener and begins accepting connections.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("ingest listen %s: %w", s.cfg.Addr(), err)
	}
	s.listener = ln

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go s.acceptLoop(ctx)

	s.log.Info("ingest listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound listener address, useful when the configured port
// is 0.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener and every live connection, then waits for the
// handler goroutines to drain.
func (s *Server) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("accept failed", "error", err)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// handleConn reads framed lines off one collector connection until EOF,
// idle timeout, or an oversize line.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	s.mu.Lock()
	s.conns[conn] = ""
	s.mu.Unlock()
	defer func() {
		conn.Close()
		s.mu.Lock()
		s.unbindNodeLocked(conn)
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	// Connection ID ties log lines from one collector session together
	// across reconnects from the same address.
	connID := uuid.NewString()
	remote := conn.RemoteAddr().String()
	s.log.Debug("collector connected", "conn", connID, "remote", remote)

	// A Scanner with an explicit max token size gives us the oversize guard
	// for free: lines past the cap surface as ErrTooLong.
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), s.cfg.MaxLineBytes)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn.SetReadDeadline(s.now().Add(s.cfg.IdleTimeout()))
		if !scanner.Scan() {
			switch err := scanner.Err(); {
			case err == nil:
				s.log.Debug("collector disconnected", "conn", connID, "remote", remote)
			case errors.Is(err, bufio.ErrTooLong):
				// A line past the cap means a confused or hostile peer;
				// drop the whole connection rather than resync mid-stream.
				s.countReject("oversize")
				s.log.Warn("oversize line, closing connection", "conn", connID, "remote", remote)
			default:
				s.log.Debug("collector read ended", "conn", connID, "remote", remote, "error", err)
			}
			return
		}
		s.handleLine(conn, remote, scanner.Text())
	}
}

func (s *Server) handleLine(conn net.Conn, remote, line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}

	node, payload, found := strings.Cut(line, "|")
	if !found || node == "" {
		s.countReject("no_node")
		return
	}
	if !nodeNamePattern.MatchString(node) {
		s.countReject("bad_node")
		return
	}
	s.touchNode(conn, node, remote)

	ev, err := s.parser.Parse(payload)
	if err != nil {
		s.countReject(xray.RejectReason(err))
		return
	}
	ev.NodeID = node
	ev.ObservedAt = s.now()

	s.tracker.Record(ev)

	s.mu.Lock()
	s.accepted++
	s.mu.Unlock()
}

func (s *Server) touchNode(conn net.Conn, name, remote string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conns[conn] != name {
		// Collectors normally keep one name per connection, but a rename
		// mid-stream moves the binding rather than leaking the old entry.
		s.unbindNodeLocked(conn)
		s.conns[conn] = name

		n, ok := s.nodes[name]
		if !ok {
			n = &NodeInfo{Name: name}
			s.nodes[name] = n
			s.log.Info("node connected", "node", name, "remote", remote)
		}
		n.Connections++
	}

	n := s.nodes[name]
	n.Address = remote
	n.LastSeen = s.now()
	n.Lines++
}

// unbindNodeLocked drops the connection's node binding and removes the node
// entry when no other connection still claims it. Caller holds s.mu.
func (s *Server) unbindNodeLocked(conn net.Conn) {
	name := s.conns[conn]
	if name == "" {
		return
	}
	s.conns[conn] = ""

	n, ok := s.nodes[name]
	if !ok {
		return
	}
	n.Connections--
	if n.Connections <= 0 {
		delete(s.nodes, name)
		s.log.Info("node disconnected", "node", name)
	}
}

func (s *Server) countReject(reason string) {
	s.mu.Lock()
	s.rejected[reason]++
	s.mu.Unlock()
}

// Nodes returns the currently connected nodes sorted by name.
func (s *Server) Nodes() []NodeInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]NodeInfo, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, *n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Stats returns the accept/reject counters.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	rejected := make(map[string]uint64, len(s.rejected))
	for k, v := range s.rejected {
		rejected[k] = v
	}
	return Stats{Accepted: s.accepted, Rejected: rejected}
}
