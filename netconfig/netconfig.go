// Package netconfig implements modules.Configuration over plain TCP
// connections using package wire's hand-rolled codec (see DESIGN.md for
// why an RPC/codegen framework was not used). Each replica keeps one
// outbound connection per peer, dialed lazily on first use and reused
// for later sends; a connection whose write fails is dropped and dialed
// again on the next send. Incoming frames on both
// inbound and outbound connections are dispatched to the event loop or
// to pending block-fetch waiters.
package netconfig

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/relab/kauri"
	kcrypto "github.com/relab/kauri/crypto"
	"github.com/relab/kauri/eventloop"
	"github.com/relab/kauri/logging"
	"github.com/relab/kauri/modules"
	"github.com/relab/kauri/wire"
)

// peerConn is one persistent outbound connection, serialized by writeMu
// since multiple goroutines (Propose broadcasts, Vote, Fetch) may write
// to the same peer concurrently.
type peerConn struct {
	writeMu sync.Mutex
	conn    net.Conn
}

// Manager is a modules.Configuration: it owns the listening socket,
// dials peers on demand, and routes every decoded message either onto
// the event loop (proposals, votes, relayed votes) or to the block chain
// and pending fetch waiters (block requests/responses).
type Manager struct {
	id       kauri.ID
	replicas map[kauri.ID]kauri.ReplicaInfo

	codec      *wire.Codec
	eventLoop  *eventloop.EventLoop
	blockChain modules.BlockChain
	logger     logging.Logger

	mut       sync.Mutex
	conns     map[kauri.ID]*peerConn
	listener  net.Listener
	fetchWait map[kauri.Hash][]chan *kauri.Block
}

// New returns a Manager for replica id with the given static peer table.
// InitModule wires the remaining dependencies (crypto, event loop, block
// chain, logger) once the module core is built.
func New(id kauri.ID, replicas map[kauri.ID]kauri.ReplicaInfo) *Manager {
	return &Manager{
		id:        id,
		replicas:  replicas,
		conns:     make(map[kauri.ID]*peerConn),
		fetchWait: make(map[kauri.Hash][]chan *kauri.Block),
	}
}

// InitModule wires crypto (for the wire codec), the event loop, and the
// block chain (to answer incoming ReqBlock frames).
func (m *Manager) InitModule(mods *modules.Core) {
	var crypto kcrypto.Crypto
	mods.Get(&crypto, &m.eventLoop, &m.blockChain, &m.logger)
	m.codec = wire.NewCodec(crypto)
}

// Listen starts accepting inbound connections on addr. It returns once
// the listener is bound; the accept loop runs in the background until
// the listener is closed.
func (m *Manager) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("netconfig: failed to listen on %s: %w", addr, err)
	}
	m.mut.Lock()
	m.listener = ln
	m.mut.Unlock()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go m.readLoop(conn)
		}
	}()
	return nil
}

// Close stops accepting new connections. Established peer connections
// are left open; the process exiting will close them.
func (m *Manager) Close() error {
	m.mut.Lock()
	ln := m.listener
	m.mut.Unlock()
	if ln == nil {
		return nil
	}
	return ln.Close()
}

// Replicas returns the static replica table.
func (m *Manager) Replicas() map[kauri.ID]kauri.ReplicaInfo { return m.replicas }

// Len returns the total number of replicas (including this one).
func (m *Manager) Len() int { return len(m.replicas) }

// ReplicaIDs returns every replica ID other than this one, for
// package blockfetch's broadcast fetch rounds.
func (m *Manager) ReplicaIDs() []kauri.ID {
	ids := make([]kauri.ID, 0, len(m.replicas))
	for id := range m.replicas {
		if id != m.id {
			ids = append(ids, id)
		}
	}
	return ids
}

func (m *Manager) getConn(id kauri.ID) (*peerConn, error) {
	m.mut.Lock()
	pc, ok := m.conns[id]
	m.mut.Unlock()
	if ok {
		return pc, nil
	}

	info, ok := m.replicas[id]
	if !ok {
		return nil, fmt.Errorf("netconfig: unknown replica %v", id)
	}
	conn, err := net.Dial("tcp", info.Address)
	if err != nil {
		return nil, fmt.Errorf("netconfig: failed to dial replica %v at %s: %w", id, info.Address, err)
	}

	pc = &peerConn{conn: conn}
	m.mut.Lock()
	m.conns[id] = pc
	m.mut.Unlock()

	go m.readLoop(conn)
	return pc, nil
}

func (m *Manager) send(id kauri.ID, op wire.Opcode, payload []byte) {
	pc, err := m.getConn(id)
	if err != nil {
		m.logger.Warnf("netconfig: send: %v", err)
		return
	}
	pc.writeMu.Lock()
	defer pc.writeMu.Unlock()
	if err := m.codec.WriteFrame(pc.conn, op, payload); err != nil {
		m.logger.Warnf("netconfig: send to %v: %v", id, err)
		m.mut.Lock()
		delete(m.conns, id)
		m.mut.Unlock()
	}
}

// Propose broadcasts proposal to every other replica.
func (m *Manager) Propose(proposal kauri.ProposeMsg) {
	payload := m.codec.EncodePropose(proposal)
	for id := range m.replicas {
		if id == m.id {
			continue
		}
		go m.send(id, wire.OpPropose, payload)
	}
}

// Vote sends a vote to the given replica.
func (m *Manager) Vote(id kauri.ID, cert kauri.PartialCert) {
	payload := m.codec.EncodeVote(kauri.VoteMsg{ID: m.id, PartialCert: cert})
	go m.send(id, wire.OpVote, payload)
}

// RelayVote sends an aggregated or partial QC to the given replica, used
// by package kauri's tree aggregator to relay votes up to a node's parent.
func (m *Manager) RelayVote(id kauri.ID, qc kauri.QuorumCert) {
	payload := m.codec.EncodeVoteRelay(kauri.VoteRelayMsg{ID: m.id, QC: qc})
	go m.send(id, wire.OpVoteRelay, payload)
}

// SendNewView sends a view-change NewView message to the given replica
// (ordinarily the next view's leader), satisfying the optional
// synchronizer.TreeRotator-adjacent SendNewView hook package synchronizer
// looks for via a type assertion on modules.Configuration.
func (m *Manager) SendNewView(id kauri.ID, msg kauri.NewViewMsg) {
	payload := m.codec.EncodeNewView(msg)
	go m.send(id, wire.OpNewView, payload)
}

// Fetch requests the block with the given hash from every other
// replica, returning the first valid response.
func (m *Manager) Fetch(ctx context.Context, hash kauri.Hash) (*kauri.Block, bool) {
	ch := m.registerWaiter(hash)
	payload := m.codec.EncodeReqBlock(hash)
	for id := range m.replicas {
		if id == m.id {
			continue
		}
		go m.send(id, wire.OpReqBlock, payload)
	}
	select {
	case block := <-ch:
		return block, true
	case <-ctx.Done():
		return nil, false
	}
}

// FetchFrom requests the block with the given hash from a single
// replica (package blockfetch calls it once per replica in each
// broadcast round), but (since
// blocks are content-addressed) accepts a response from any replica.
func (m *Manager) FetchFrom(ctx context.Context, id kauri.ID, hash kauri.Hash) (*kauri.Block, bool) {
	ch := m.registerWaiter(hash)
	go m.send(id, wire.OpReqBlock, m.codec.EncodeReqBlock(hash))
	select {
	case block := <-ch:
		return block, true
	case <-ctx.Done():
		return nil, false
	}
}

func (m *Manager) registerWaiter(hash kauri.Hash) chan *kauri.Block {
	ch := make(chan *kauri.Block, 1)
	m.mut.Lock()
	m.fetchWait[hash] = append(m.fetchWait[hash], ch)
	m.mut.Unlock()
	return ch
}

func (m *Manager) resolveWaiters(block *kauri.Block) {
	hash := block.Hash()
	m.mut.Lock()
	waiters := m.fetchWait[hash]
	delete(m.fetchWait, hash)
	m.mut.Unlock()
	for _, ch := range waiters {
		ch <- block
	}
}

func (m *Manager) readLoop(conn net.Conn) {
	defer conn.Close()
	for {
		op, payload, err := m.codec.ReadFrame(conn)
		if err != nil {
			return
		}
		m.handle(conn, op, payload)
	}
}

func (m *Manager) handle(conn net.Conn, op wire.Opcode, payload []byte) {
	switch op {
	case wire.OpPropose:
		msg, err := m.codec.DecodePropose(payload)
		if err != nil {
			m.logger.Warnf("netconfig: malformed propose: %v", err)
			return
		}
		m.eventLoop.AddEvent(msg)
	case wire.OpVote:
		msg, err := m.codec.DecodeVote(payload)
		if err != nil {
			m.logger.Warnf("netconfig: malformed vote: %v", err)
			return
		}
		m.eventLoop.AddEvent(msg)
	case wire.OpVoteRelay:
		msg, err := m.codec.DecodeVoteRelay(payload)
		if err != nil {
			m.logger.Warnf("netconfig: malformed vote relay: %v", err)
			return
		}
		m.eventLoop.AddEvent(msg)
	case wire.OpReqBlock:
		hash, err := m.codec.DecodeReqBlock(payload)
		if err != nil {
			m.logger.Warnf("netconfig: malformed block request: %v", err)
			return
		}
		block, ok := m.blockChain.LocalGet(hash)
		if !ok {
			return
		}
		resp := m.codec.EncodeRespBlock(block)
		if err := m.codec.WriteFrame(conn, wire.OpRespBlock, resp); err != nil {
			m.logger.Warnf("netconfig: failed to answer block request: %v", err)
		}
	case wire.OpNewView:
		msg, err := m.codec.DecodeNewView(payload)
		if err != nil {
			m.logger.Warnf("netconfig: malformed new-view: %v", err)
			return
		}
		m.eventLoop.AddEvent(msg)
	case wire.OpRespBlock:
		block, err := m.codec.DecodeRespBlock(payload)
		if err != nil {
			m.logger.Warnf("netconfig: malformed block response: %v", err)
			return
		}
		m.blockChain.Store(block)
		m.resolveWaiters(block)
	default:
		m.logger.Warnf("netconfig: unknown opcode %x", op)
	}
}

var (
	_ modules.Module        = (*Manager)(nil)
	_ modules.Configuration = (*Manager)(nil)
)
