package cluster

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrPeerUnreachable is returned when no live session exists for the
// addressed node.
var ErrPeerUnreachable = errors.New("peer unreachable")

const (
	// DefaultHeartbeatInterval is the per-session heartbeat period.
	DefaultHeartbeatInterval = 5 * time.Second

	// missedHeartbeats is how many intervals may elapse without traffic
	// before a peer is marked unreachable.
	missedHeartbeats = 3

	// DefaultEvictAfter is how long an unreachable peer stays in the
	// table awaiting reconnection before eviction.
	DefaultEvictAfter = 60 * time.Second

	// handshakeTimeout bounds the Hello exchange on a new session.
	handshakeTimeout = 5 * time.Second

	// dialTimeout bounds the TCP connect to a discovered peer.
	dialTimeout = 5 * time.Second

	// dispatchQueue bounds per-peer inbound message buffering. A full
	// queue backpressures the session read loop.
	dispatchQueue = 64
)

// PeerState is the liveness state of a membership table entry.
type PeerState string

const (
	// PeerConnected: a live session exists and heartbeats are flowing.
	PeerConnected PeerState = "connected"

	// PeerUnreachable: heartbeats stopped; the session is closed and the
	// entry awaits reconnection before eviction.
	PeerUnreachable PeerState = "unreachable"
)

// PeerInfo is a read-only snapshot of a membership table entry.
type PeerInfo struct {
	ID       string
	Name     string
	Addr     string
	State    PeerState
	LastSeen time.Time
}

// Handler processes an inbound message from a peer. Handlers for the same
// peer run serially in arrival order (the FIFO guarantee the migration
// protocol depends on); handlers for different peers run concurrently.
type Handler func(from string, msg Message)

// Manager owns the membership table: it accepts and dials sessions,
// exchanges handshakes and heartbeats, routes inbound messages to
// registered handlers, and marks or evicts silent peers.
//
// Peers are identified by node id everywhere; addresses only matter at
// dial time.
type Manager struct {
	nodeID     string
	nodeName   string
	version    string
	listenAddr string

	heartbeatInterval time.Duration
	evictAfter        time.Duration

	log logrus.FieldLogger

	ln     net.Listener
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	peers    map[string]*peer
	handlers map[Kind]Handler
	dialing  map[string]bool

	// onPeerUp/onPeerDown observe membership changes; both optional.
	onPeerUp   func(PeerInfo)
	onPeerDown func(PeerInfo)
}

type peer struct {
	info    PeerInfo
	session *Session
	inbound bool

	lastSeen      time.Time
	unreachableAt time.Time

	queue chan Message
}

// NewManager creates a node manager with the default heartbeat and
// eviction timings; SetHeartbeatInterval and SetEvictAfter override them.
func NewManager(nodeID, nodeName, version, listenAddr string, log logrus.FieldLogger) *Manager {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Manager{
		nodeID:            nodeID,
		nodeName:          nodeName,
		version:           version,
		listenAddr:        listenAddr,
		heartbeatInterval: DefaultHeartbeatInterval,
		evictAfter:        DefaultEvictAfter,
		log:               log.WithField("node_id", nodeID),
		peers:             make(map[string]*peer),
		handlers:          make(map[Kind]Handler),
		dialing:           make(map[string]bool),
	}
}

// SetHeartbeatInterval overrides the heartbeat period. Call before Start.
func (m *Manager) SetHeartbeatInterval(d time.Duration) {
	if d > 0 {
		m.heartbeatInterval = d
	}
}

// SetEvictAfter overrides the unreachable-entry retention. Call before Start.
func (m *Manager) SetEvictAfter(d time.Duration) {
	if d > 0 {
		m.evictAfter = d
	}
}

// OnPeerUp registers a callback invoked after a peer completes handshake.
func (m *Manager) OnPeerUp(fn func(PeerInfo)) { m.onPeerUp = fn }

// OnPeerDown registers a callback invoked when a peer is marked unreachable.
func (m *Manager) OnPeerDown(fn func(PeerInfo)) { m.onPeerDown = fn }

// Handle registers the handler for a message kind. Call before Start;
// unhandled kinds are logged and dropped.
func (m *Manager) Handle(kind Kind, h Handler) {
	m.handlers[kind] = h
}

// NodeID returns this node's id.
func (m *Manager) NodeID() string { return m.nodeID }

// ListenAddr returns the bound listen address, useful when the configured
// address had port 0.
func (m *Manager) ListenAddr() string {
	if m.ln != nil {
		return m.ln.Addr().String()
	}
	return m.listenAddr
}

// Start binds the listener and launches the accept and heartbeat loops.
func (m *Manager) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", m.listenAddr)
	if err != nil {
		return fmt.Errorf("bind listen addr: %w", err)
	}
	m.ln = ln
	m.ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(2)
	go m.acceptLoop()
	go m.heartbeatLoop()
	return nil
}

// Close tears down the listener and every session, and waits for loops.
func (m *Manager) Close() {
	if m.cancel != nil {
		m.cancel()
	}
	if m.ln != nil {
		_ = m.ln.Close()
	}
	m.mu.Lock()
	for _, p := range m.peers {
		if p.session != nil {
			_ = p.session.Close()
		}
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// HandleBeacon reacts to a discovery beacon: unknown or unreachable peers
// are dialed. Connected peers just refresh their address.
func (m *Manager) HandleBeacon(b Beacon) {
	m.mu.Lock()
	p, known := m.peers[b.NodeID]
	if known && p.info.State == PeerConnected {
		p.info.Addr = b.ListenAddr
		m.mu.Unlock()
		return
	}
	if m.dialing[b.NodeID] {
		m.mu.Unlock()
		return
	}
	m.dialing[b.NodeID] = true
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			delete(m.dialing, b.NodeID)
			m.mu.Unlock()
		}()
		if err := m.Dial(b.ListenAddr); err != nil {
			m.log.WithField("peer", b.NodeID).WithError(err).Debug("dial from beacon failed")
		}
	}()
}

// Dial connects to a peer's listen address, performs the handshake and
// registers the session.
func (m *Manager) Dial(addr string) error {
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	sess := NewSession(conn)

	hello, err := m.handshake(sess)
	if err != nil {
		_ = sess.Close()
		return err
	}
	m.register(hello, sess, false, addr)
	return nil
}

// handshake sends our Hello and reads the peer's, in either order, under
// a deadline.
func (m *Manager) handshake(sess *Session) (*Hello, error) {
	if err := sess.WriteMessage(&Hello{NodeID: m.nodeID, NodeName: m.nodeName, SoftwareVersion: m.version}); err != nil {
		return nil, fmt.Errorf("send hello: %w", err)
	}
	_ = sess.SetReadDeadline(time.Now().Add(handshakeTimeout))
	defer func() { _ = sess.SetReadDeadline(time.Time{}) }()

	msg, err := sess.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("read hello: %w", err)
	}
	hello, ok := msg.(*Hello)
	if !ok {
		return nil, fmt.Errorf("%w: expected Hello, got %s", ErrProtocol, msg.Kind())
	}
	if hello.NodeID == m.nodeID {
		return nil, fmt.Errorf("%w: connected to self", ErrProtocol)
	}
	return hello, nil
}

// register installs a session for a peer, resolving duplicate-session
// races deterministically: when both sides dialed simultaneously, the
// session dialed by the lower node id wins.
func (m *Manager) register(hello *Hello, sess *Session, inbound bool, addr string) {
	m.mu.Lock()
	existing, ok := m.peers[hello.NodeID]
	if ok && existing.info.State == PeerConnected && existing.session != nil {
		keepNew := m.preferInbound(hello.NodeID) == inbound
		if !keepNew {
			m.mu.Unlock()
			_ = sess.Close()
			return
		}
		_ = existing.session.Close()
	}

	p := &peer{
		info: PeerInfo{
			ID:       hello.NodeID,
			Name:     hello.NodeName,
			Addr:     addr,
			State:    PeerConnected,
			LastSeen: time.Now(),
		},
		session:  sess,
		inbound:  inbound,
		lastSeen: time.Now(),
		queue:    make(chan Message, dispatchQueue),
	}
	m.peers[hello.NodeID] = p
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{"peer": hello.NodeID, "peer_name": hello.NodeName}).Info("peer joined")
	if m.onPeerUp != nil {
		m.onPeerUp(p.info)
	}

	m.wg.Add(2)
	go m.readLoop(p)
	go m.dispatchLoop(p)
}

// preferInbound reports whether, for a duplicate-session race with this
// peer, the inbound session (peer dialed us) is the keeper.
func (m *Manager) preferInbound(peerID string) bool {
	// The lower node id's outbound dial wins.
	return peerID < m.nodeID
}

func (m *Manager) acceptLoop() {
	defer m.wg.Done()
	for {
		conn, err := m.ln.Accept()
		if err != nil {
			if m.ctx.Err() != nil {
				return
			}
			m.log.WithError(err).Warn("accept failed")
			continue
		}
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			sess := NewSession(conn)
			hello, err := m.handshake(sess)
			if err != nil {
				m.log.WithError(err).Debug("inbound handshake failed")
				_ = sess.Close()
				return
			}
			m.register(hello, sess, true, conn.RemoteAddr().String())
		}()
	}
}

// readLoop consumes frames from one session, refreshing liveness and
// feeding the peer's dispatch queue.
func (m *Manager) readLoop(p *peer) {
	defer m.wg.Done()
	defer close(p.queue)
	for {
		msg, err := p.session.ReadMessage()
		if err != nil {
			if m.ctx.Err() == nil {
				if errors.Is(err, ErrProtocol) {
					m.log.WithField("peer", p.info.ID).WithError(err).Warn("closing session on protocol error")
				} else {
					m.log.WithField("peer", p.info.ID).WithError(err).Debug("session read ended")
				}
			}
			m.markUnreachable(p.info.ID, p.session)
			return
		}

		m.mu.Lock()
		if cur, ok := m.peers[p.info.ID]; ok && cur == p {
			p.lastSeen = time.Now()
			p.info.LastSeen = p.lastSeen
		}
		m.mu.Unlock()

		switch msg.(type) {
		case *Heartbeat, *Hello:
			// Liveness refresh only.
		default:
			select {
			case p.queue <- msg:
			case <-m.ctx.Done():
				return
			}
		}
	}
}

// dispatchLoop runs handlers for one peer serially, preserving per-session
// FIFO without letting a slow handler (a restore, a disk write) stall the
// session read loop or the heartbeat exchange.
func (m *Manager) dispatchLoop(p *peer) {
	defer m.wg.Done()
	for msg := range p.queue {
		h, ok := m.handlers[msg.Kind()]
		if !ok {
			m.log.WithFields(logrus.Fields{"peer": p.info.ID, "kind": msg.Kind().String()}).Warn("no handler for message")
			continue
		}
		h(p.info.ID, msg)
	}
}

func (m *Manager) heartbeatLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.tickHeartbeats()
		}
	}
}

func (m *Manager) tickHeartbeats() {
	now := time.Now()
	staleAfter := time.Duration(missedHeartbeats) * m.heartbeatInterval

	m.mu.RLock()
	type target struct {
		id   string
		sess *Session
	}
	var sendTo []target
	var stale []string
	var evict []string
	for id, p := range m.peers {
		switch p.info.State {
		case PeerConnected:
			if now.Sub(p.lastSeen) > staleAfter {
				stale = append(stale, id)
			} else {
				sendTo = append(sendTo, target{id: id, sess: p.session})
			}
		case PeerUnreachable:
			if now.Sub(p.unreachableAt) > m.evictAfter {
				evict = append(evict, id)
			}
		}
	}
	m.mu.RUnlock()

	for _, t := range sendTo {
		if err := t.sess.WriteMessage(&Heartbeat{}); err != nil {
			m.log.WithField("peer", t.id).WithError(err).Debug("heartbeat send failed")
			m.markUnreachable(t.id, t.sess)
		}
	}
	for _, id := range stale {
		m.log.WithField("peer", id).Warn("peer missed heartbeats")
		m.markUnreachable(id, nil)
	}
	for _, id := range evict {
		m.mu.Lock()
		p, ok := m.peers[id]
		if ok && p.info.State == PeerUnreachable {
			delete(m.peers, id)
		}
		m.mu.Unlock()
		if ok {
			m.log.WithField("peer", id).Info("evicting unreachable peer")
		}
	}
}

// markUnreachable closes the peer's session and flips it to unreachable,
// keeping the entry around for reconnection. sess, when non-nil, guards
// against racing a replacement session installed by register.
func (m *Manager) markUnreachable(id string, sess *Session) {
	m.mu.Lock()
	p, ok := m.peers[id]
	if !ok || p.info.State != PeerConnected || (sess != nil && p.session != sess) {
		m.mu.Unlock()
		return
	}
	p.info.State = PeerUnreachable
	p.unreachableAt = time.Now()
	session := p.session
	p.session = nil
	info := p.info
	m.mu.Unlock()

	if session != nil {
		_ = session.Close()
	}
	m.log.WithField("peer", id).Warn("peer unreachable")
	if m.onPeerDown != nil {
		m.onPeerDown(info)
	}
}

// Send delivers one message to a peer, failing with ErrPeerUnreachable
// when no live session exists.
func (m *Manager) Send(nodeID string, msg Message) error {
	m.mu.RLock()
	p, ok := m.peers[nodeID]
	var sess *Session
	if ok && p.info.State == PeerConnected {
		sess = p.session
	}
	m.mu.RUnlock()

	if sess == nil {
		return fmt.Errorf("%w: %s", ErrPeerUnreachable, nodeID)
	}
	if err := sess.WriteMessage(msg); err != nil {
		m.markUnreachable(nodeID, sess)
		return fmt.Errorf("send %s to %s: %w", msg.Kind(), nodeID, err)
	}
	return nil
}

// Broadcast delivers one message to every connected peer, best-effort.
func (m *Manager) Broadcast(msg Message) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.peers))
	for id, p := range m.peers {
		if p.info.State == PeerConnected {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range ids {
		if err := m.Send(id, msg); err != nil {
			m.log.WithField("peer", id).WithError(err).Debug("broadcast send failed")
		}
	}
}

// Peers returns a snapshot of the membership table.
func (m *Manager) Peers() []PeerInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]PeerInfo, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, p.info)
	}
	return out
}

// Connected reports whether a live session exists for the node.
func (m *Manager) Connected(nodeID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.peers[nodeID]
	return ok && p.info.State == PeerConnected
}
