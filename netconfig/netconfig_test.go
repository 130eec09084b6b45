package netconfig

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relab/kauri"
	"github.com/relab/kauri/blockchain"
	ecdsabackend "github.com/relab/kauri/crypto/ecdsa"
	"github.com/relab/kauri/eventloop"
	"github.com/relab/kauri/logging"
	"github.com/relab/kauri/modules"
)

// cluster wires n Managers, each bound to an OS-assigned TCP port, with a
// real ECDSA backend, a fresh block chain, and an event loop driven in
// the background for the lifetime of the test.
type cluster struct {
	managers []*Manager
	backends []*ecdsabackend.Backend
	chains   []*blockchain.BlockChain
	events   []*eventloop.EventLoop
}

func newCluster(t *testing.T, n int) *cluster {
	t.Helper()
	replicas := make(map[kauri.ID]kauri.ReplicaInfo, n)
	privs := make(map[kauri.ID]*ecdsa.PrivateKey, n)
	for i := 1; i <= n; i++ {
		id := kauri.ID(i)
		priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		require.NoError(t, err)
		privs[id] = priv
		replicas[id] = kauri.ReplicaInfo{ID: id, PubKey: &priv.PublicKey}
	}

	c := &cluster{}
	for i := 1; i <= n; i++ {
		id := kauri.ID(i)
		conf := &kauri.ReplicaConfig{ID: id, PrivateKey: privs[id], Replicas: replicas}
		backend := ecdsabackend.New(conf)
		el := eventloop.New(100)
		bc := blockchain.New()
		mgr := New(id, replicas)

		mods := modules.New(id)
		mods.Register(logging.NewNop(), el, backend, bc, mgr)
		mods.Build()

		require.NoError(t, mgr.Listen("127.0.0.1:0"))

		c.managers = append(c.managers, mgr)
		c.backends = append(c.backends, backend)
		c.chains = append(c.chains, bc)
		c.events = append(c.events, el)
		go el.Run(el.Context())
	}

	// Every Manager now has a real bound port; fix up the shared replica
	// table before anything tries to dial a peer.
	for i, mgr := range c.managers {
		id := kauri.ID(i + 1)
		info := replicas[id]
		info.Address = mgr.listener.Addr().String()
		replicas[id] = info
	}
	for _, mgr := range c.managers {
		mgr.replicas = replicas
	}
	return c
}

func (c *cluster) close() {
	for _, mgr := range c.managers {
		mgr.Close()
	}
}

func TestVoteIsDeliveredToTheTargetReplicasEventLoop(t *testing.T) {
	c := newCluster(t, 2)
	defer c.close()

	received := make(chan kauri.VoteMsg, 1)
	c.events[1].RegisterHandler(kauri.VoteMsg{}, func(ev any) {
		received <- ev.(kauri.VoteMsg)
	})

	block := kauri.NewBlock(nil, nil, nil, 1, 1)
	cert, err := c.backends[0].CreatePartialCert(block)
	require.NoError(t, err)

	c.managers[0].Vote(2, cert)

	select {
	case vote := <-received:
		require.Equal(t, kauri.ID(1), vote.ID)
		require.Equal(t, cert.BlockHash(), vote.PartialCert.BlockHash())
	case <-time.After(2 * time.Second):
		t.Fatal("vote was never delivered to replica 2's event loop")
	}
}

func TestProposeIsBroadcastToEveryOtherReplica(t *testing.T) {
	c := newCluster(t, 3)
	defer c.close()

	received := make(chan kauri.ProposeMsg, 2)
	for _, i := range []int{1, 2} {
		c.events[i].RegisterHandler(kauri.ProposeMsg{}, func(ev any) {
			received <- ev.(kauri.ProposeMsg)
		})
	}

	block := kauri.NewBlock(nil, nil, []kauri.Command{[]byte("cmd")}, 1, 1)
	c.managers[0].Propose(kauri.ProposeMsg{ID: 1, Block: block})

	seen := 0
	for seen < 2 {
		select {
		case msg := <-received:
			require.Equal(t, block.Hash(), msg.Block.Hash())
			seen++
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d of 2 replicas received the broadcast proposal", seen)
		}
	}
}

func TestFetchRetrievesABlockStoredOnAPeer(t *testing.T) {
	c := newCluster(t, 2)
	defer c.close()

	block := kauri.NewBlock([]kauri.Hash{kauri.GetGenesis().Hash()}, nil, []kauri.Command{[]byte("x")}, 1, 1)
	c.chains[1].Store(block) // replica 2 has it locally, replica 1 doesn't

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	got, ok := c.managers[0].Fetch(ctx, block.Hash())
	require.True(t, ok)
	require.Equal(t, block.Hash(), got.Hash())
}

func TestFetchGivesUpWhenNoReplicaHasTheBlock(t *testing.T) {
	c := newCluster(t, 2)
	defer c.close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, ok := c.managers[0].Fetch(ctx, kauri.Hash{0xEE})
	require.False(t, ok)
}

func TestReplicasAndLenReflectTheStaticTable(t *testing.T) {
	c := newCluster(t, 3)
	defer c.close()

	require.Equal(t, 3, c.managers[0].Len())
	require.Len(t, c.managers[0].Replicas(), 3)
}
