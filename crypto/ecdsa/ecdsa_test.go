package ecdsa

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relab/kauri"
)

func newCluster(t *testing.T, n int) []*Backend {
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

	backends := make([]*Backend, 0, n)
	for i := 1; i <= n; i++ {
		id := kauri.ID(i)
		conf := &kauri.ReplicaConfig{
			ID:         id,
			PrivateKey: privs[id],
			Replicas:   replicas,
		}
		backends = append(backends, New(conf))
	}
	return backends
}

func TestPartialCertRoundTripsThroughBytes(t *testing.T) {
	backends := newCluster(t, 1)
	b := backends[0]
	block := kauri.NewBlock(nil, nil, []kauri.Command{[]byte("cmd")}, 1, 1)

	pc, err := b.CreatePartialCert(block)
	require.NoError(t, err)
	require.True(t, b.VerifyPartialCert(pc))

	parsed, err := b.ParsePartialCert(pc.ToBytes())
	require.NoError(t, err)
	require.True(t, b.VerifyPartialCert(parsed))
	require.Equal(t, pc.Signer(), parsed.Signer())
	require.Equal(t, pc.BlockHash(), parsed.BlockHash())
}

func TestVerifyPartialCertRejectsWrongSigner(t *testing.T) {
	backends := newCluster(t, 2)
	block := kauri.NewBlock(nil, nil, nil, 1, 1)

	pc, err := backends[0].CreatePartialCert(block)
	require.NoError(t, err)

	tampered := &PartialCert{}
	*tampered = *(pc.(*PartialCert))
	tampered.signer = 2 // claim replica 2 signed it, but it used replica 1's key
	require.False(t, backends[1].VerifyPartialCert(tampered))
}

func TestQuorumCertFormsOnceThresholdReached(t *testing.T) {
	backends := newCluster(t, 4) // n=4, f=1, nMajority=3
	block := kauri.NewBlock(nil, nil, nil, 1, 1)

	qc, err := backends[0].CreateQuorumCert(block)
	require.NoError(t, err)

	for i, b := range backends {
		if i == 2 {
			break // only add 2 of 4 partial certs, below threshold
		}
		pc, err := b.CreatePartialCert(block)
		require.NoError(t, err)
		require.NoError(t, qc.AddPart(pc.Signer(), pc))
	}
	require.False(t, qc.HasN(backends[0].conf.NMajority()))

	pc, err := backends[2].CreatePartialCert(block)
	require.NoError(t, err)
	require.NoError(t, qc.AddPart(pc.Signer(), pc))
	require.True(t, qc.HasN(backends[0].conf.NMajority()))

	require.NoError(t, qc.Compute())
	require.True(t, backends[0].VerifyQuorumCert(qc))
}

func TestQuorumCertToBytesRoundTrips(t *testing.T) {
	backends := newCluster(t, 3)
	block := kauri.NewBlock(nil, nil, nil, 1, 1)

	qc, err := backends[0].CreateQuorumCert(block)
	require.NoError(t, err)
	for _, b := range backends {
		pc, err := b.CreatePartialCert(block)
		require.NoError(t, err)
		require.NoError(t, qc.AddPart(pc.Signer(), pc))
	}
	require.NoError(t, qc.Compute())

	parsed, err := backends[0].ParseQuorumCert(qc.ToBytes())
	require.NoError(t, err)
	require.True(t, backends[0].VerifyQuorumCert(parsed))
	require.ElementsMatch(t, qc.Signers(), parsed.Signers())
}

func TestAddPartRejectsMismatchedBlockHash(t *testing.T) {
	backends := newCluster(t, 2)
	blockA := kauri.NewBlock(nil, nil, []kauri.Command{[]byte("a")}, 1, 1)
	blockB := kauri.NewBlock(nil, nil, []kauri.Command{[]byte("b")}, 1, 1)

	qc, err := backends[0].CreateQuorumCert(blockA)
	require.NoError(t, err)

	pc, err := backends[1].CreatePartialCert(blockB)
	require.NoError(t, err)
	require.Error(t, qc.AddPart(pc.Signer(), pc))
}

func TestNotAggregatable(t *testing.T) {
	backends := newCluster(t, 1)
	require.False(t, backends[0].Aggregatable())
}
