package bls12

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relab/kauri"
)

func newCluster(t *testing.T, n int) []*Backend {
	t.Helper()
	seeds := make(map[kauri.ID][]byte, n)
	replicas := make(map[kauri.ID]kauri.ReplicaInfo, n)
	for i := 1; i <= n; i++ {
		id := kauri.ID(i)
		seed := []byte{byte(i), byte(i * 7), byte(i * 13)}
		seeds[id] = seed
		pub := GeneratePrivateKey(seed).PublicKey()
		replicas[id] = kauri.ReplicaInfo{ID: id, BLSPubKey: pub.ToBytes()}
	}

	backends := make([]*Backend, 0, n)
	for i := 1; i <= n; i++ {
		id := kauri.ID(i)
		conf := &kauri.ReplicaConfig{ID: id, BLSPrivateKey: seeds[id], Replicas: replicas}
		b, err := New(conf)
		require.NoError(t, err)
		backends = append(backends, b)
	}
	return backends
}

func TestAggregatableIsAlwaysTrue(t *testing.T) {
	backends := newCluster(t, 1)
	require.True(t, backends[0].Aggregatable())
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
	require.Equal(t, pc.BlockHash(), parsed.BlockHash())
	require.Equal(t, pc.Signer(), parsed.Signer())
}

func TestVerifyPartialCertRejectsAnUnknownSigner(t *testing.T) {
	backends := newCluster(t, 2)
	block := kauri.NewBlock(nil, nil, nil, 1, 1)

	pc, err := backends[0].CreatePartialCert(block)
	require.NoError(t, err)

	tampered := pc.(*PartialCert)
	forged := &PartialCert{signer: 99, hash: tampered.hash, sig: tampered.sig}
	require.False(t, backends[1].VerifyPartialCert(forged))
}

func TestQuorumCertAggregatesPartialCertsAcrossSigners(t *testing.T) {
	backends := newCluster(t, 4) // n=4, f=1, nmajority=3
	block := kauri.NewBlock(nil, nil, nil, 1, 1)

	qc, err := backends[0].CreateQuorumCert(block)
	require.NoError(t, err)
	for i, b := range backends {
		if i == 2 {
			break
		}
		pc, err := b.CreatePartialCert(block)
		require.NoError(t, err)
		require.NoError(t, qc.AddPart(pc.Signer(), pc))
	}
	require.False(t, qc.HasN(3))

	pc, err := backends[2].CreatePartialCert(block)
	require.NoError(t, err)
	require.NoError(t, qc.AddPart(pc.Signer(), pc))
	require.True(t, qc.HasN(3))

	require.NoError(t, qc.Compute())
	require.True(t, backends[0].VerifyQuorumCert(qc))
}

func TestQuorumCertComputeIsIdempotent(t *testing.T) {
	backends := newCluster(t, 1)
	block := kauri.NewBlock(nil, nil, nil, 1, 1)
	qc, err := backends[0].CreateQuorumCert(block)
	require.NoError(t, err)
	pc, err := backends[0].CreatePartialCert(block)
	require.NoError(t, err)
	require.NoError(t, qc.AddPart(pc.Signer(), pc))

	require.NoError(t, qc.Compute())
	first := qc.ToBytes()
	require.NoError(t, qc.Compute())
	require.Equal(t, first, qc.ToBytes())
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

func TestMergeCombinesTwoPartialQuorumCertsForTheSameBlock(t *testing.T) {
	backends := newCluster(t, 4)
	block := kauri.NewBlock(nil, nil, nil, 1, 1)

	qcA, err := backends[0].CreateQuorumCert(block)
	require.NoError(t, err)
	pcA, err := backends[0].CreatePartialCert(block)
	require.NoError(t, err)
	require.NoError(t, qcA.AddPart(pcA.Signer(), pcA))

	qcB, err := backends[1].CreateQuorumCert(block)
	require.NoError(t, err)
	pcB, err := backends[1].CreatePartialCert(block)
	require.NoError(t, err)
	require.NoError(t, qcB.AddPart(pcB.Signer(), pcB))

	require.NoError(t, qcA.Merge(qcB))
	require.True(t, qcA.HasN(2))
	require.ElementsMatch(t, []kauri.ID{1, 2}, qcA.Signers())
}

func TestMergeRejectsQCsForDifferentBlocks(t *testing.T) {
	backends := newCluster(t, 2)
	blockA := kauri.NewBlock(nil, nil, []kauri.Command{[]byte("a")}, 1, 1)
	blockB := kauri.NewBlock(nil, nil, []kauri.Command{[]byte("b")}, 1, 1)

	qcA, err := backends[0].CreateQuorumCert(blockA)
	require.NoError(t, err)
	qcB, err := backends[0].CreateQuorumCert(blockB)
	require.NoError(t, err)

	require.Error(t, qcA.Merge(qcB))
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

func TestVerifyAggregateQCSelectsTheLowestContributingReplica(t *testing.T) {
	backends := newCluster(t, 3)
	block := kauri.NewBlock(nil, nil, nil, 1, 1)

	// n=3, f=0, nmajority=3: every constituent QC needs all three signers
	// to verify on its own.
	qcs := make(map[kauri.ID]kauri.QuorumCert, 3)
	for _, b := range backends {
		qc, err := b.CreateQuorumCert(block)
		require.NoError(t, err)
		for _, signer := range backends {
			pc, err := signer.CreatePartialCert(block)
			require.NoError(t, err)
			require.NoError(t, qc.AddPart(pc.Signer(), pc))
		}
		require.NoError(t, qc.Compute())
		qcs[b.conf.ID] = qc
	}

	selected, ok := backends[0].VerifyAggregateQC(kauri.AggregateQC{QCs: qcs})
	require.True(t, ok)
	require.Equal(t, block.Hash(), selected.BlockHash())
	require.Same(t, qcs[1], selected)
}

func TestVerifyAggregateQCRejectsIfAnyConstituentFailsVerification(t *testing.T) {
	backends := newCluster(t, 2)
	block := kauri.NewBlock(nil, nil, nil, 1, 1)

	// n=2, f=0, nmajority=2: goodQC carries both signers.
	goodQC, err := backends[0].CreateQuorumCert(block)
	require.NoError(t, err)
	for _, b := range backends {
		pc, err := b.CreatePartialCert(block)
		require.NoError(t, err)
		require.NoError(t, goodQC.AddPart(pc.Signer(), pc))
	}
	require.NoError(t, goodQC.Compute())

	// An empty, never-sealed QC cannot possibly satisfy the majority
	// threshold, so it should fail verification and sink the whole batch.
	emptyQC, err := backends[1].CreateQuorumCert(block)
	require.NoError(t, err)

	_, ok := backends[0].VerifyAggregateQC(kauri.AggregateQC{QCs: map[kauri.ID]kauri.QuorumCert{
		1: goodQC,
		2: emptyQC,
	}})
	require.False(t, ok)
}
