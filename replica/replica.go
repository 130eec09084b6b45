// Package replica assembles one cluster member's full modules.Core: it
// takes a resolved kauri.ReplicaConfig and runtime options, registers
// every component (storage, crypto, consensus, synchronizer, network,
// vote-aggregation tree) in dependency order, and exposes Run/Stop for
// the CLI entry point to drive. See DESIGN.md for why this uses the
// hand-rolled netconfig/wire transport rather than an RPC framework.
package replica

import (
	"context"
	"fmt"

	"github.com/relab/kauri"
	"github.com/relab/kauri/blockchain"
	"github.com/relab/kauri/blockfetch"
	"github.com/relab/kauri/cmdqueue"
	"github.com/relab/kauri/consensus"
	"github.com/relab/kauri/consensus/chainedhotstuff"
	kcrypto "github.com/relab/kauri/crypto"
	"github.com/relab/kauri/crypto/bls12"
	"github.com/relab/kauri/crypto/ecdsa"
	"github.com/relab/kauri/eventloop"
	ktree "github.com/relab/kauri/kauri"
	"github.com/relab/kauri/logging"
	"github.com/relab/kauri/modules"
	"github.com/relab/kauri/netconfig"
	"github.com/relab/kauri/persistence"
	"github.com/relab/kauri/synchronizer"
)

// Options configures a Replica beyond what ReplicaConfig itself carries:
// the listen address, optional on-disk data directory, and the view
// timeout knobs threaded through to modules.Options.
type Options struct {
	Listen            string
	DataDir           string // empty selects an in-memory state store
	UseBLS            bool
	InitialTimeoutMS  int
	MaxTimeoutMS      int
	TimeoutMultiplier float64
	Development       bool // verbose (development) logging
}

// Replica is one fully wired cluster member.
type Replica struct {
	mods       *modules.Core
	eventLoop  *eventloop.EventLoop
	netconfig  *netconfig.Manager
	cmdQueue   *cmdqueue.Queue
	store      *persistence.StateStore
	logger     logging.Logger
	listenAddr string
}

// New builds and wires a Replica from conf and opts but does not start
// listening; call Run to bind the socket and begin participating.
func New(conf *kauri.ReplicaConfig, opts Options) (*Replica, error) {
	if opts.InitialTimeoutMS == 0 {
		opts.InitialTimeoutMS = 100
	}
	if opts.MaxTimeoutMS == 0 {
		opts.MaxTimeoutMS = 10000
	}
	if opts.TimeoutMultiplier == 0 {
		opts.TimeoutMultiplier = 1.5
	}

	var logger logging.Logger
	if opts.Development {
		logger = logging.NewDevelopment()
	} else {
		logger = logging.New()
	}

	store, err := openStore(opts.DataDir)
	if err != nil {
		return nil, err
	}

	crypto, err := newCryptoBackend(conf, opts.UseBLS)
	if err != nil {
		return nil, err
	}

	runtimeOpts := &modules.Options{
		ID:                conf.ID,
		PipelineDepth:     maxInt(conf.AsyncBlocks, 1),
		InitialTimeout:    opts.InitialTimeoutMS,
		MaxTimeout:        opts.MaxTimeoutMS,
		TimeoutMultiplier: opts.TimeoutMultiplier,
	}

	mods := modules.New(conf.ID)
	el := eventloop.New(1000)
	nc := netconfig.New(conf.ID, conf.Replicas)
	cq := cmdqueue.New(cmdqueue.DefaultBatchSize)
	bc := blockchain.New()
	bf := blockfetch.New()
	lr := synchronizer.NewRoundRobin(conf.Replicas)
	sync := synchronizer.New(runtimeOpts)
	cs := consensus.New(chainedhotstuff.New())
	executor := &logExecutor{}
	acceptor := noOpAcceptor{}
	agg := ktree.New(maxInt(conf.Fanout, 1))

	mods.Register(
		logger,
		el,
		crypto,
		bc,
		bf,
		nc,
		cq,
		lr,
		runtimeOpts,
		acceptor,
		executor,
		store,
		// cs must finish InitModule before sync does: sync.InitModule may
		// spawn a goroutine that calls cs.Propose immediately, and Build
		// calls InitModule in registration order on the same goroutine.
		cs,
		sync,
		agg,
	)
	mods.Build()

	listen := opts.Listen
	if listen == "" {
		listen = conf.Replicas[conf.ID].Address
	}

	r := &Replica{
		mods:       mods,
		eventLoop:  el,
		netconfig:  nc,
		cmdQueue:   cq,
		store:      store,
		logger:     logger,
		listenAddr: listen,
	}
	return r, nil
}

// Run starts the event loop dispatcher and binds the replica's listening
// socket. It returns once the socket is bound; the event loop and the
// netconfig accept loop continue running on their own goroutines until
// Stop is called.
func (r *Replica) Run() error {
	go r.eventLoop.Run(context.Background())
	if err := r.netconfig.Listen(r.listenAddr); err != nil {
		return fmt.Errorf("replica: %w", err)
	}
	r.logger.Infof("replica: listening on %s", r.listenAddr)
	return nil
}

// Submit enqueues a client command for inclusion in a future proposal.
func (r *Replica) Submit(cmd kauri.Command) {
	r.cmdQueue.Add(cmd)
}

// Stop halts the event loop, releases the replica's listening socket, and
// closes the persistent state store.
func (r *Replica) Stop() error {
	r.eventLoop.Stop()
	if err := r.netconfig.Close(); err != nil {
		return err
	}
	if r.store != nil {
		return r.store.Close()
	}
	return nil
}

func newCryptoBackend(conf *kauri.ReplicaConfig, useBLS bool) (kcrypto.Crypto, error) {
	if useBLS {
		return bls12.New(conf)
	}
	return ecdsa.New(conf), nil
}

func openStore(dataDir string) (*persistence.StateStore, error) {
	if dataDir == "" {
		return persistence.OpenInMemory()
	}
	return persistence.Open(dataDir)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
