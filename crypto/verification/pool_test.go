package verification

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relab/kauri"
)

// stubCrypto answers every verification call with a canned bool (and,
// for VerifyAggregateQC, a canned QC).
type stubCrypto struct {
	partialOK bool
	qcOK      bool
	aggOK     bool
	aggQC     kauri.QuorumCert
}

func (s *stubCrypto) CreatePartialCert(*kauri.Block) (kauri.PartialCert, error) { return nil, nil }
func (s *stubCrypto) CreateQuorumCert(*kauri.Block) (kauri.QuorumCert, error)   { return nil, nil }
func (s *stubCrypto) VerifyPartialCert(kauri.PartialCert) bool                 { return s.partialOK }
func (s *stubCrypto) VerifyQuorumCert(kauri.QuorumCert) bool                   { return s.qcOK }
func (s *stubCrypto) VerifyAggregateQC(kauri.AggregateQC) (kauri.QuorumCert, bool) {
	return s.aggQC, s.aggOK
}
func (s *stubCrypto) ParsePartialCert([]byte) (kauri.PartialCert, error) { return nil, nil }
func (s *stubCrypto) ParseQuorumCert([]byte) (kauri.QuorumCert, error)   { return nil, nil }
func (s *stubCrypto) Aggregatable() bool                                { return false }

func waitPromise[T any](t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("promise was never resolved")
	}
}

func TestVerifyPartialCertResolvesWithTheBackendsAnswer(t *testing.T) {
	pool := New(&stubCrypto{partialOK: true}, 2)
	defer pool.Close()

	prom := pool.VerifyPartialCert(nil)
	waitPromise[bool](t, prom.Done())
	ok, err := prom.Wait()
	require.NoError(t, err)
	require.True(t, ok)
}

func TestVerifyQuorumCertResolvesWithTheBackendsAnswer(t *testing.T) {
	pool := New(&stubCrypto{qcOK: false}, 2)
	defer pool.Close()

	prom := pool.VerifyQuorumCert(nil)
	waitPromise[bool](t, prom.Done())
	ok, err := prom.Wait()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestVerifyAggregateQCResolvesWithSelectedQCAndValidity(t *testing.T) {
	fake := fakeQC{hash: kauri.Hash{0x09}}
	pool := New(&stubCrypto{aggOK: true, aggQC: fake}, 2)
	defer pool.Close()

	prom := pool.VerifyAggregateQC(kauri.AggregateQC{})
	waitPromise[aggregateResult](t, prom.Done())
	res, err := prom.Wait()
	require.NoError(t, err)
	require.True(t, res.Valid)
	require.Equal(t, fake.BlockHash(), res.QC.BlockHash())
}

func TestDefaultWorkersAppliesWhenNonPositive(t *testing.T) {
	pool := New(&stubCrypto{}, 0)
	defer pool.Close()
	require.Equal(t, DefaultWorkers, pool.workers)
}

func TestPoolProcessesManyJobsConcurrently(t *testing.T) {
	pool := New(&stubCrypto{partialOK: true}, 4)
	defer pool.Close()

	dones := make([]<-chan struct{}, 0, 50)
	waits := make([]func() (bool, error), 0, 50)
	for i := 0; i < 50; i++ {
		prom := pool.VerifyPartialCert(nil)
		dones = append(dones, prom.Done())
		waits = append(waits, prom.Wait)
	}
	for i := range waits {
		waitPromise[bool](t, dones[i])
		ok, err := waits[i]()
		require.NoError(t, err)
		require.True(t, ok)
	}
}

// fakeQC is a minimal kauri.QuorumCert stub; only BlockHash matters here.
type fakeQC struct{ hash kauri.Hash }

func (q fakeQC) BlockHash() kauri.Hash                     { return q.hash }
func (q fakeQC) AddPart(kauri.ID, kauri.PartialCert) error { return nil }
func (q fakeQC) Merge(kauri.QuorumCert) error              { return nil }
func (q fakeQC) HasN(int) bool                             { return true }
func (q fakeQC) Signers() []kauri.ID                       { return nil }
func (q fakeQC) Compute() error                            { return nil }
func (q fakeQC) Clone() kauri.QuorumCert                   { return q }
func (q fakeQC) ToBytes() []byte                           { return q.hash[:] }
