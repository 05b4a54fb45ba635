// Copyright 2016 The parity Authors
// This file is part of the parity library.
//
// The parity library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The parity library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the parity library. If not, see <http://www.gnu.org/licenses/>.

// Package p2p implements the devp2p network layer: an authenticated and
// encrypted transport, subprotocol multiplexing and a server managing the
// peer set with the help of the discovery table.
package p2p

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kirushik/parity/p2p/discover"

	"github.com/JekaMas/workerpool"
	"github.com/inconshreveable/log15"
	"golang.org/x/time/rate"
)

var log = log15.New("module", "p2p")

const (
	defaultDialTimeout = 15 * time.Second

	// Maximum number of concurrently handshaking inbound connections.
	defaultMaxPendingPeers = 50

	// Maximum time allowed for reading a complete message.
	// This is effectively the amount of time a connection can be idle.
	frameReadTimeout = 30 * time.Second

	// Maximum amount of time allowed for writing a complete message.
	frameWriteTimeout = 20 * time.Second

	// Sustained rate and burst of accepted inbound connections.
	inboundThrottleRate  = 8
	inboundThrottleBurst = 16

	maxActiveDialTasks = 16
)

var (
	errServerStopped = errors.New("server stopped")

	// ErrShuttingDown is returned for writes on a peer that is shutting down.
	ErrShuttingDown = errors.New("shutting down")
)

// Config holds Server options. The zero value is not usable, at least
// PrivateKey and MaxPeers must be set. A Config value is not modified by
// the Server after Start has been called.
type Config struct {
	// This field must be set to a valid secp256k1 private key.
	PrivateKey *ecdsa.PrivateKey

	// MaxPeers is the maximum number of peers that can be
	// connected. It must be greater than zero.
	MaxPeers int

	// MinPeers is the number of peers the dialer tries to maintain
	// through dynamic dials. If zero, half of MaxPeers is used.
	MinPeers int

	// MaxPendingPeers is the maximum number of peers that can be pending in the
	// handshake phase, counted separately for inbound and outbound connections.
	// Zero defaults to preset values.
	MaxPendingPeers int

	// NoDiscovery can be used to disable the peer discovery mechanism.
	// Disabling is useful for protocol debugging (manual topology).
	NoDiscovery bool

	// DiscoveryConfig holds Kademlia table settings.
	DiscoveryConfig discover.Config

	// Name sets the node name of this server.
	Name string

	// BootstrapNodes are used to establish connectivity
	// with the rest of the network.
	BootstrapNodes []*discover.Node

	// Static nodes are used as pre-configured connections which are always
	// maintained and re-connected on disconnects.
	StaticNodes []*discover.Node

	// Trusted nodes are used as pre-configured connections which are always
	// allowed to connect, even above the peer limit.
	TrustedNodes []*discover.Node

	// NodeDatabase is the path to the database containing the previously seen
	// live nodes in the network.
	NodeDatabase string

	// Protocols should contain the protocols supported
	// by the server. Matching protocols are launched for
	// each peer.
	Protocols []Protocol

	// If ListenAddr is set to a non-nil address, the server
	// will listen for incoming connections.
	//
	// If the port is zero, the operating system will pick a port. The
	// ListenAddr field will be updated with the actual address when
	// the server is started.
	ListenAddr string

	// MaxFrameSize bounds the size of transport frames accepted from
	// remote ends. Zero means the protocol limit applies.
	MaxFrameSize uint32

	// If Dialer is set to a non-nil value, the given Dialer
	// is used to dial outbound peer connections.
	Dialer NodeDialer

	// If NoDial is true, the server will not dial any peers.
	NoDial bool

	// Logger is a custom logger to use with the p2p.Server.
	Logger log15.Logger
}

// Server manages all peer connections.
type Server struct {
	// Config fields may not be modified while the server is running.
	Config

	// Hooks for testing. These are useful because we can inhibit
	// the whole protocol stack.
	newTransport func(net.Conn, *ecdsa.PublicKey) transport
	newPeerHook  func(*Peer)

	lock         sync.Mutex // protects running and handshakeGen
	running      bool
	handshakeGen uint32

	ntab         discoverTable
	listener     net.Listener
	ourHandshake *protoHandshake
	lastLookup   time.Time

	// handshakePool runs encryption handshakes on a bounded set of
	// workers so a connection flood cannot exhaust the CPU.
	handshakePool  *workerpool.WorkerPool
	inboundLimiter *rate.Limiter
	peerCount      atomic.Int32

	// These are for Peers, PeerCount (and nothing else).
	peerOp     chan peerOpFunc
	peerOpDone chan struct{}

	quit          chan struct{}
	addstatic     chan *discover.Node
	removestatic  chan *discover.Node
	posthandshake chan *conn
	addpeer       chan *conn
	delpeer       chan peerDrop
	loopWG        sync.WaitGroup // loop, listenLoop
	log           log15.Logger
}

type peerOpFunc func(map[discover.NodeID]*Peer)

type peerDrop struct {
	*Peer
	err       error
	requested bool // true if signaled by the peer
}

type connFlag int

const (
	dynDialedConn connFlag = 1 << iota
	staticDialedConn
	inboundConn
	trustedConn
)

// PeerState tracks the lifecycle of a connection from the first TCP
// contact to an established (or dead) session.
type PeerState int32

const (
	StateConnecting PeerState = iota
	StateHandshaking
	StateNegotiating
	StateEstablished
	StateClosed
	StateFailed
)

func (s PeerState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateNegotiating:
		return "negotiating"
	case StateEstablished:
		return "established"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// conn wraps a network connection with information gathered
// during the two handshakes.
type conn struct {
	fd net.Conn
	transport
	flags connFlag
	state atomic.Int32
	cont  chan error      // The run loop uses cont to signal errors to SetupConn.
	id    discover.NodeID // valid after the encryption handshake
	caps  []Cap           // valid after the protocol handshake
	name  string          // valid after the protocol handshake
}

// transport covers the two handshakes and message transfer of a single
// connection.
type transport interface {
	// The two handshakes.
	doEncHandshake(prv *ecdsa.PrivateKey) (*ecdsa.PublicKey, error)
	doProtoHandshake(our *protoHandshake) (*protoHandshake, error)
	// The MsgReadWriter can only be used after the encryption
	// handshake has completed. The code uses conn.id to track this
	// by setting it to a non-nil value after the encryption handshake.
	MsgReadWriter
	// transports must provide Close because we use MsgPipe in some of
	// the tests. Closing the actual network connection doesn't do
	// anything in those tests because MsgPipe doesn't use it.
	close(err error)
}

func (c *conn) String() string {
	s := c.flags.String()
	if (c.id != discover.NodeID{}) {
		s += " " + c.id.String()
	}
	s += " " + c.fd.RemoteAddr().String()
	return s
}

func (f connFlag) String() string {
	s := ""
	if f&trustedConn != 0 {
		s += "-trusted"
	}
	if f&dynDialedConn != 0 {
		s += "-dyndial"
	}
	if f&staticDialedConn != 0 {
		s += "-staticdial"
	}
	if f&inboundConn != 0 {
		s += "-inbound"
	}
	if s != "" {
		s = s[1:]
	}
	return s
}

func (c *conn) is(f connFlag) bool {
	return c.flags&f != 0
}

func (c *conn) setState(s PeerState) {
	c.state.Store(int32(s))
}

func (c *conn) peerState() PeerState {
	return PeerState(c.state.Load())
}

// Peers returns all connected peers.
func (srv *Server) Peers() []*Peer {
	var ps []*Peer
	select {
	// Note: We'd love to put this function into a variable but
	// that seems to cause a weird compiler error in some
	// environments.
	case srv.peerOp <- func(peers map[discover.NodeID]*Peer) {
		for _, p := range peers {
			ps = append(ps, p)
		}
	}:
		<-srv.peerOpDone
	case <-srv.quit:
	}
	return ps
}

// PeerCount returns the number of connected peers.
func (srv *Server) PeerCount() int {
	var count int
	select {
	case srv.peerOp <- func(ps map[discover.NodeID]*Peer) { count = len(ps) }:
		<-srv.peerOpDone
	case <-srv.quit:
	}
	return count
}

// AddPeer connects to the given node and maintains the connection until the
// server is shut down. If the connection fails for any reason, the server
// will attempt to reconnect the peer.
func (srv *Server) AddPeer(node *discover.Node) {
	select {
	case srv.addstatic <- node:
	case <-srv.quit:
	}
}

// RemovePeer disconnects from the given node.
func (srv *Server) RemovePeer(node *discover.Node) {
	select {
	case srv.removestatic <- node:
	case <-srv.quit:
	}
}

// SendToPeer sends a message on the named subprotocol to the given peer.
// Sends to unknown peers, or to peers that have not negotiated the
// protocol, are dropped with a log message instead of returning an error.
func (srv *Server) SendToPeer(id discover.NodeID, proto string, code uint64, data interface{}) {
	var rw MsgWriter
	srv.doPeerOp(func(peers map[discover.NodeID]*Peer) {
		p := peers[id]
		if p == nil {
			srv.log.Debug("Dropping message to unknown peer", "id", id.TerminalString(), "proto", proto, "code", code)
			return
		}
		prw := p.running[proto]
		if prw == nil {
			srv.log.Debug("Dropping message, protocol not negotiated", "id", id.TerminalString(), "proto", proto)
			return
		}
		rw = prw
	})
	if rw != nil {
		if err := Send(rw, code, data); err != nil {
			srv.log.Debug("Peer send failed", "id", id.TerminalString(), "proto", proto, "err", err)
		}
	}
}

// Broadcast sends a message to every connected peer that has the named
// subprotocol negotiated. Individual send failures are logged, they do not
// abort the broadcast.
func (srv *Server) Broadcast(proto string, code uint64, data interface{}) {
	var rws []MsgWriter
	srv.doPeerOp(func(peers map[discover.NodeID]*Peer) {
		for _, p := range peers {
			if prw := p.running[proto]; prw != nil {
				rws = append(rws, prw)
			}
		}
	})
	for _, rw := range rws {
		if err := Send(rw, code, data); err != nil {
			srv.log.Debug("Broadcast send failed", "proto", proto, "err", err)
		}
	}
}

func (srv *Server) doPeerOp(fn peerOpFunc) {
	select {
	case srv.peerOp <- fn:
		<-srv.peerOpDone
	case <-srv.quit:
	}
}

// Self returns the local node's endpoint information.
func (srv *Server) Self() *discover.Node {
	srv.lock.Lock()
	defer srv.lock.Unlock()

	if !srv.running {
		return &discover.Node{IP: net.ParseIP("0.0.0.0")}
	}
	return srv.makeSelf(srv.listener, srv.ntab)
}

func (srv *Server) makeSelf(listener net.Listener, ntab discoverTable) *discover.Node {
	// If the node is running but discovery is off, manually assemble the node infos.
	if ntab == nil {
		// Inbound connections disabled, use zero address.
		if listener == nil {
			return &discover.Node{IP: net.ParseIP("0.0.0.0"), ID: discover.PubkeyID(&srv.PrivateKey.PublicKey)}
		}
		// Otherwise inject the listener address too
		addr := listener.Addr().(*net.TCPAddr)
		return &discover.Node{
			ID:  discover.PubkeyID(&srv.PrivateKey.PublicKey),
			IP:  addr.IP,
			TCP: uint16(addr.Port),
		}
	}
	// Otherwise return the discovery node.
	return ntab.Self()
}

// Stop terminates the server and all active peer connections.
// It blocks until all active connections have been closed.
func (srv *Server) Stop() {
	srv.lock.Lock()
	if !srv.running {
		srv.lock.Unlock()
		return
	}
	srv.running = false
	srv.handshakeGen++
	if srv.listener != nil {
		// this unblocks listener Accept
		srv.listener.Close()
	}
	pool := srv.handshakePool
	close(srv.quit)
	srv.lock.Unlock()
	srv.loopWG.Wait()
	if pool != nil {
		pool.Stop()
	}
}

func (srv *Server) generation() uint32 {
	srv.lock.Lock()
	defer srv.lock.Unlock()
	return srv.handshakeGen
}

// Start starts running the server.
// Servers can not be re-used after stopping.
func (srv *Server) Start() (err error) {
	srv.lock.Lock()
	defer srv.lock.Unlock()
	if srv.running {
		return errors.New("server already running")
	}
	srv.running = true
	srv.log = srv.Logger
	if srv.log == nil {
		srv.log = log
	}
	srv.log.Info("Starting P2P networking")

	// static fields
	if srv.PrivateKey == nil {
		return fmt.Errorf("Server.PrivateKey must be set to a non-nil key")
	}
	if srv.newTransport == nil {
		maxFrameSize := srv.MaxFrameSize
		srv.newTransport = func(fd net.Conn, dialDest *ecdsa.PublicKey) transport {
			return newRLPX(fd, dialDest, maxFrameSize)
		}
	}
	if srv.Dialer == nil {
		srv.Dialer = TCPDialer{&net.Dialer{Timeout: defaultDialTimeout}}
	}
	if srv.MaxPendingPeers <= 0 {
		srv.MaxPendingPeers = defaultMaxPendingPeers
	}
	srv.quit = make(chan struct{})
	srv.addpeer = make(chan *conn)
	srv.delpeer = make(chan peerDrop)
	srv.posthandshake = make(chan *conn)
	srv.addstatic = make(chan *discover.Node)
	srv.removestatic = make(chan *discover.Node)
	srv.peerOp = make(chan peerOpFunc)
	srv.peerOpDone = make(chan struct{})
	srv.handshakePool = workerpool.New(srv.MaxPendingPeers)
	srv.inboundLimiter = rate.NewLimiter(rate.Limit(inboundThrottleRate), inboundThrottleBurst)

	// node table
	if !srv.NoDiscovery {
		cfg := srv.DiscoveryConfig
		if cfg.NodeDBPath == "" {
			cfg.NodeDBPath = srv.NodeDatabase
		}
		ntab, err := discover.ListenUDP(srv.PrivateKey, srv.ListenAddr, cfg)
		if err != nil {
			return err
		}
		if err := ntab.SetFallbackNodes(srv.BootstrapNodes); err != nil {
			return err
		}
		srv.ntab = ntab
	}

	dynPeers := srv.maxDialedConns()
	dialer := newDialState(srv.StaticNodes, srv.BootstrapNodes, srv.ntab, dynPeers)

	// handshake
	srv.ourHandshake = &protoHandshake{
		Version: baseProtocolVersion,
		Name:    srv.Name,
		ID:      discover.PubkeyID(&srv.PrivateKey.PublicKey),
	}
	for _, p := range srv.Protocols {
		srv.ourHandshake.Caps = append(srv.ourHandshake.Caps, p.cap())
	}
	// listen/dial
	if srv.ListenAddr != "" {
		if err := srv.startListening(); err != nil {
			return err
		}
	}
	if srv.NoDial && srv.ListenAddr == "" {
		srv.log.Warn("P2P server will be useless, neither dialing nor listening")
	}

	srv.loopWG.Add(1)
	go srv.run(dialer)
	return nil
}

func (srv *Server) maxDialedConns() int {
	if srv.NoDial {
		return 0
	}
	if srv.MinPeers > 0 {
		return srv.MinPeers
	}
	dyn := srv.MaxPeers / 2
	if dyn == 0 {
		dyn = 1
	}
	return dyn
}

func (srv *Server) startListening() error {
	// Launch the TCP listener.
	listener, err := net.Listen("tcp", srv.ListenAddr)
	if err != nil {
		return err
	}
	laddr := listener.Addr().(*net.TCPAddr)
	srv.ListenAddr = laddr.String()
	srv.listener = listener
	srv.loopWG.Add(1)
	go srv.listenLoop()
	return nil
}

type dialer interface {
	newTasks(running int, peers map[discover.NodeID]*Peer, now time.Time) []task
	taskDone(task, time.Time)
	addStatic(*discover.Node)
	removeStatic(*discover.Node)
}

func (srv *Server) run(dialstate dialer) {
	defer srv.loopWG.Done()
	var (
		peers        = make(map[discover.NodeID]*Peer)
		inboundCount = 0
		trusted      = make(map[discover.NodeID]bool, len(srv.TrustedNodes))
		taskdone     = make(chan task, maxActiveDialTasks)
		runningTasks []task
		queuedTasks  []task // tasks that can't run yet
	)
	// Put trusted nodes into a map to speed up checks.
	// Trusted peers are loaded on startup and cannot be
	// modified while the server is running.
	for _, n := range srv.TrustedNodes {
		trusted[n.ID] = true
	}

	// removes t from runningTasks
	delTask := func(t task) {
		for i := range runningTasks {
			if runningTasks[i] == t {
				runningTasks = append(runningTasks[:i], runningTasks[i+1:]...)
				break
			}
		}
	}
	// starts until max active dial tasks is satisfied
	startTasks := func(ts []task) (rest []task) {
		i := 0
		for ; len(runningTasks) < maxActiveDialTasks && i < len(ts); i++ {
			t := ts[i]
			srv.log.Debug("New dial task", "task", t)
			go func() { t.Do(srv); taskdone <- t }()
			runningTasks = append(runningTasks, t)
		}
		return ts[i:]
	}
	scheduleTasks := func() {
		// Start from queue first.
		queuedTasks = append(queuedTasks[:0], startTasks(queuedTasks)...)
		// Query dialer for new tasks and start as many as possible now.
		if len(runningTasks) < maxActiveDialTasks {
			nt := dialstate.newTasks(len(runningTasks)+len(queuedTasks), peers, time.Now())
			queuedTasks = append(queuedTasks, startTasks(nt)...)
		}
	}

running:
	for {
		scheduleTasks()

		select {
		case <-srv.quit:
			// The server was stopped. Run the cleanup logic.
			break running
		case n := <-srv.addstatic:
			// This channel is used by AddPeer to add to the
			// ephemeral static peer list. Add it to the dialer,
			// it will keep the node connected.
			srv.log.Debug("Adding static node", "node", n)
			dialstate.addStatic(n)
		case n := <-srv.removestatic:
			// This channel is used by RemovePeer to send a
			// disconnect request to a peer and begin the
			// stop keeping the node connected
			srv.log.Debug("Removing static node", "node", n)
			dialstate.removeStatic(n)
			if p, ok := peers[n.ID]; ok {
				p.Disconnect(DiscRequested)
			}
		case op := <-srv.peerOp:
			// This channel is used by Peers and PeerCount.
			op(peers)
			srv.peerOpDone <- struct{}{}
		case t := <-taskdone:
			// A task got done. Tell dialstate about it so it
			// can update its state and remove it from the active
			// tasks list.
			srv.log.Debug("Dial task done", "task", t)
			dialstate.taskDone(t, time.Now())
			delTask(t)
		case c := <-srv.posthandshake:
			// A connection has passed the encryption handshake so
			// the remote identity is known (but hasn't been verified yet).
			if trusted[c.id] {
				// Ensure that the trusted flag is set before checking against MaxPeers.
				c.flags |= trustedConn
			}
			select {
			case c.cont <- srv.encHandshakeChecked(c, peers):
			case <-srv.quit:
				break running
			}
		case c := <-srv.addpeer:
			// At this point the connection is past the protocol handshake.
			// Its capabilities are known and the remote identity is verified.
			err := srv.protoHandshakeChecked(c, peers)
			if err == nil {
				// The handshakes are done and it passed all checks.
				p := newPeer(c, srv.Protocols)
				c.setState(StateEstablished)
				name := truncateName(c.name)
				srv.log.Debug("Adding p2p peer", "name", name, "addr", c.fd.RemoteAddr(), "peers", len(peers)+1)
				go srv.runPeer(p)
				peers[c.id] = p
				srv.peerCount.Store(int32(len(peers)))
				if p.Inbound() {
					inboundCount++
				}
			}
			// The dialer logic relies on the assumption that
			// dial tasks complete after the peer has been added or
			// discarded. Unblock the task last.
			select {
			case c.cont <- err:
			case <-srv.quit:
				break running
			}
		case pd := <-srv.delpeer:
			// A peer disconnected.
			d := time.Since(pd.created)
			delete(peers, pd.ID())
			srv.peerCount.Store(int32(len(peers)))
			srv.log.Debug("Removing p2p peer", "duration", d, "peers", len(peers), "req", pd.requested, "err", pd.err)
			if pd.Inbound() {
				inboundCount--
			}
		}
	}

	srv.log.Debug("P2P networking is spinning down")

	// Terminate discovery. If there is a running lookup it will terminate soon.
	if srv.ntab != nil {
		srv.ntab.Close()
	}
	// Disconnect all peers.
	for _, p := range peers {
		p.Disconnect(DiscQuitting)
	}
	// Wait for peers to shut down. Pending connections and tasks are
	// not handled here and will terminate soon-ish because srv.quit
	// is closed.
	for len(peers) > 0 {
		p := <-srv.delpeer
		p.log.Debug("<-delpeer (spindown)", "remainingTasks", len(runningTasks))
		delete(peers, p.ID())
	}
}

func (srv *Server) encHandshakeChecked(c *conn, peers map[discover.NodeID]*Peer) error {
	switch {
	case !c.is(trustedConn|staticDialedConn) && len(peers) >= srv.MaxPeers:
		return DiscTooManyPeers
	case peers[c.id] != nil:
		return DiscAlreadyConnected
	case c.id == srv.Self().ID:
		return DiscSelf
	default:
		return nil
	}
}

func (srv *Server) protoHandshakeChecked(c *conn, peers map[discover.NodeID]*Peer) error {
	// Drop connections with no matching protocols.
	if len(srv.Protocols) > 0 && countMatchingProtocols(srv.Protocols, c.caps) == 0 {
		return DiscUselessPeer
	}
	// Repeat the encryption handshake checks because the
	// peer set might have changed between the checks.
	return srv.encHandshakeChecked(c, peers)
}

// runPeer runs in its own goroutine for each peer.
// it waits until the Peer logic returns and removes
// the peer.
func (srv *Server) runPeer(p *Peer) {
	if srv.newPeerHook != nil {
		srv.newPeerHook(p)
	}
	remoteRequested, err := p.run()
	// Graceful disconnects end in StateClosed, anything else failed.
	switch {
	case remoteRequested, err == nil, err == errProtocolReturned, err == DiscRequested, err == DiscQuitting:
		p.rw.setState(StateClosed)
	default:
		p.rw.setState(StateFailed)
	}
	// Note: run waits for existing peers to be sent on srv.delpeer
	// before returning, so this send should not select on srv.quit.
	srv.delpeer <- peerDrop{p, err, remoteRequested}
}

// listenLoop runs in its own goroutine and accepts
// inbound connections.
func (srv *Server) listenLoop() {
	defer srv.loopWG.Done()
	srv.log.Info("RLPx listener up", "self", srv.makeSelf(srv.listener, srv.ntab))

	tokens := defaultMaxPendingPeers
	if srv.MaxPendingPeers > 0 {
		tokens = srv.MaxPendingPeers
	}
	slots := make(chan struct{}, tokens)
	for i := 0; i < tokens; i++ {
		slots <- struct{}{}
	}

	for {
		// Wait for a handshake slot before accepting.
		<-slots

		var fd net.Conn
		for {
			var err error
			fd, err = srv.listener.Accept()
			if netutilIsTemporaryError(err) {
				srv.log.Debug("Temporary read error", "err", err)
				continue
			} else if err != nil {
				slots <- struct{}{}
				return
			}
			break
		}

		// Refuse connections above the inbound rate limit. This happens
		// before any handshake work so a connection flood stays cheap.
		if !srv.inboundLimiter.Allow() {
			srv.log.Debug("Rejected inbound connection", "addr", fd.RemoteAddr(), "err", "rate limited")
			fd.Close()
			slots <- struct{}{}
			continue
		}
		// Refuse connections while the peer set is full. Trusted nodes
		// dial us and are checked against the limit after the handshake
		// instead.
		if int(srv.peerCount.Load()) >= srv.MaxPeers {
			srv.log.Debug("Rejected inbound connection", "addr", fd.RemoteAddr(), "err", "too many peers")
			fd.Close()
			slots <- struct{}{}
			continue
		}

		fd = newMeteredConn(fd, true)
		srv.log.Debug("Accepted connection", "addr", fd.RemoteAddr())
		go func() {
			srv.SetupConn(fd, inboundConn, nil)
			slots <- struct{}{}
		}()
	}
}

// SetupConn runs the handshakes and attempts to add the connection
// as a peer. It returns when the connection has been added as a peer
// or the handshakes have failed.
func (srv *Server) SetupConn(fd net.Conn, flags connFlag, dialDest *discover.Node) error {
	c := &conn{fd: fd, flags: flags, cont: make(chan error)}
	c.setState(StateConnecting)
	err := srv.setupConn(c, flags, dialDest)
	if err != nil {
		c.setState(StateFailed)
		c.close(err)
		srv.log.Debug("Setting up connection failed", "id", c.id, "err", err)
	}
	return err
}

func (srv *Server) setupConn(c *conn, flags connFlag, dialDest *discover.Node) error {
	// Prevent leftover pending conns from entering the handshake.
	srv.lock.Lock()
	running, gen := srv.running, srv.handshakeGen
	srv.lock.Unlock()
	if !running {
		return errServerStopped
	}
	var dialPubkey *ecdsa.PublicKey
	if dialDest != nil {
		var err error
		if dialPubkey, err = dialDest.ID.Pubkey(); err != nil {
			return fmt.Errorf("dial destination has no public key: %v", err)
		}
	}
	c.transport = srv.newTransport(c.fd, dialPubkey)

	// Run the encryption handshake on the worker pool. The pool bounds
	// concurrent handshake crypto; results belonging to a previous
	// server generation are discarded. The pool result channel delivers
	// the handshake error; the handshake budget is enforced by the
	// connection deadline set in doEncHandshake. The pool timeout must
	// stay 0: workerpool v1.1.8's timed-task path wedges the worker
	// permanently once a timed task completes (see REVIEW_FINDINGS F8).
	c.setState(StateHandshaking)
	var remote *ecdsa.PublicKey
	done := srv.handshakePool.Submit(context.Background(), func() error {
		var err error
		remote, err = c.doEncHandshake(srv.PrivateKey)
		return err
	}, 0)
	var hserr error
	select {
	case hserr = <-done:
	case <-srv.quit:
		return errServerStopped
	}
	if srv.generation() != gen {
		return errServerStopped
	}
	if hserr != nil {
		handshakeErrorMeter.Mark(1)
		srv.log.Debug("Failed RLPx handshake", "addr", c.fd.RemoteAddr(), "conn", c.flags, "err", hserr)
		return hserr
	}
	c.id = discover.PubkeyID(remote)

	// For dialed connections, check that the remote public key matches.
	if dialDest != nil && c.id != dialDest.ID {
		return DiscUnexpectedIdentity
	}
	clog := srv.log.New("id", c.id.TerminalString(), "addr", c.fd.RemoteAddr(), "conn", c.flags)
	err := srv.checkpoint(c, srv.posthandshake)
	if err != nil {
		clog.Debug("Rejected peer before protocol handshake", "err", err)
		return err
	}

	// Run the protocol handshake
	c.setState(StateNegotiating)
	phs, err := c.doProtoHandshake(srv.ourHandshake)
	if err != nil {
		clog.Debug("Failed protocol handshake", "err", err)
		return err
	}
	if phs.ID != c.id {
		clog.Debug("Wrong devp2p handshake identity", "phsid", fmt.Sprintf("%x", phs.ID[:8]))
		return DiscUnexpectedIdentity
	}
	c.caps, c.name = phs.Caps, phs.Name
	err = srv.checkpoint(c, srv.addpeer)
	if err != nil {
		clog.Debug("Rejected peer", "err", err)
		return err
	}
	// If the checks completed successfully, runPeer has now been
	// launched by run. The connection belongs to it now.
	clog.Debug("Connection set up", "inbound", dialDest == nil)
	return nil
}

// checkpoint sends the conn to run, which performs the
// post-handshake checks for the stage (posthandshake, addpeer).
func (srv *Server) checkpoint(c *conn, stage chan<- *conn) error {
	select {
	case stage <- c:
	case <-srv.quit:
		return errServerStopped
	}
	select {
	case err := <-c.cont:
		return err
	case <-srv.quit:
		return errServerStopped
	}
}

func netutilIsTemporaryError(err error) bool {
	tempErr, ok := err.(interface {
		Temporary() bool
	})
	return ok && tempErr.Temporary()
}

func truncateName(s string) string {
	if len(s) > 20 {
		return s[:20] + "..."
	}
	return s
}

// NodeInfo represents a short summary of the information known about the host.
type NodeInfo struct {
	ID    string `json:"id"`    // Unique node identifier (also the encryption key)
	Name  string `json:"name"`  // Name of the node, including client type, version, OS, custom data
	Enode string `json:"enode"` // Enode URL for adding this peer from remote peers
	IP    string `json:"ip"`    // IP address of the node
	Ports struct {
		Discovery int `json:"discovery"` // UDP listening port for discovery protocol
		Listener  int `json:"listener"`  // TCP listening port for RLPx
	} `json:"ports"`
	ListenAddr string `json:"listenAddr"`
}

// NodeInfo gathers and returns a collection of metadata known about the host.
func (srv *Server) NodeInfo() *NodeInfo {
	node := srv.Self()

	// Gather and assemble the generic node infos
	info := &NodeInfo{
		Name:       srv.Name,
		Enode:      node.String(),
		ID:         node.ID.String(),
		IP:         node.IP.String(),
		ListenAddr: srv.ListenAddr,
	}
	info.Ports.Discovery = int(node.UDP)
	info.Ports.Listener = int(node.TCP)
	return info
}

// PeersInfo returns an array of metadata objects describing connected peers.
func (srv *Server) PeersInfo() []*PeerInfo {
	// Gather all the generic and sub-protocol specific infos
	infos := make([]*PeerInfo, 0, srv.PeerCount())
	for _, peer := range srv.Peers() {
		if peer != nil {
			infos = append(infos, peer.Info())
		}
	}
	// Sort the result array alphabetically by node identifier
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].ID < infos[j].ID
	})
	return infos
}
