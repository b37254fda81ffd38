package pending

import (
	"testing"
	"time"

	"github.com/markdingo/edgedns/internal/fingerprint"

	"github.com/stretchr/testify/require"
)

func fp(name string) fingerprint.Fingerprint {
	return fingerprint.Fingerprint{Key: fingerprint.NormalizedQuestionKey{Qname: name}}
}

func newPQ(clients ...*ClientQuery) *PendingQuery {
	return &PendingQuery{
		ClientQueries: clients,
		Ts:            time.Now(),
		DoneCh:        make(chan struct{}),
	}
}

func TestTryAttachNoEntry(t *testing.T) {
	tbl := NewTable(10)
	res := tbl.TryAttach(fp("a."), &ClientQuery{})
	require.Equal(t, NoEntry, res)
	require.Equal(t, 0, tbl.WaitingClientCount())
}

func TestInsertThenTryAttach(t *testing.T) {
	tbl := NewTable(10)
	f := fp("a.")
	tbl.Insert(f, newPQ(&ClientQuery{}))
	require.Equal(t, 1, tbl.WaitingClientCount())

	res := tbl.TryAttach(f, &ClientQuery{})
	require.Equal(t, Attached, res)
	require.Equal(t, 2, tbl.WaitingClientCount())
	require.Len(t, tbl.Lookup(f).ClientQueries, 2)
}

func TestRemove(t *testing.T) {
	tbl := NewTable(10)
	f := fp("a.")
	tbl.Insert(f, newPQ(&ClientQuery{}, &ClientQuery{}))
	require.Equal(t, 2, tbl.WaitingClientCount())

	pq := tbl.Remove(f)
	require.NotNil(t, pq)
	require.Equal(t, 0, tbl.WaitingClientCount())
	require.Nil(t, tbl.Remove(f), "second remove finds nothing")
}

func TestNeedsEviction(t *testing.T) {
	tbl := NewTable(2)
	tbl.Insert(fp("a."), newPQ(&ClientQuery{}))
	require.False(t, tbl.NeedsEviction())
	tbl.Insert(fp("b."), newPQ(&ClientQuery{}))
	require.True(t, tbl.NeedsEviction())
}

func TestEvictOneRemovesOldest(t *testing.T) {
	tbl := NewTable(100)
	old := newPQ(&ClientQuery{})
	old.Ts = time.Now().Add(-time.Hour)
	tbl.Insert(fp("old."), old)

	recent := newPQ(&ClientQuery{})
	tbl.Insert(fp("recent."), recent)

	evicted := tbl.EvictOne()
	require.NotNil(t, evicted)
	require.Same(t, old, evicted)
	require.Nil(t, tbl.Lookup(fp("old.")))
	require.NotNil(t, tbl.Lookup(fp("recent.")))
}

func TestEvictOneEmptyTable(t *testing.T) {
	tbl := NewTable(10)
	require.Nil(t, tbl.EvictOne())
}

func TestMutateInPlaceVisibleThroughLookup(t *testing.T) {
	tbl := NewTable(10)
	f := fp("a.")
	pq := newPQ(&ClientQuery{})
	tbl.Insert(f, pq)

	pq.Retried = true
	pq.UpstreamServerIdx = 7
	require.True(t, tbl.Lookup(f).Retried, "mutating the pointer obtained from Insert must be visible to Lookup")
	require.Equal(t, 7, tbl.Lookup(f).UpstreamServerIdx)
}

func TestLookupByTidRoundtrip(t *testing.T) {
	tbl := NewTable(10)
	f := fp("a.")
	pq := newPQ(&ClientQuery{})
	pq.Minimal.UpstreamTid = 42
	tbl.Insert(f, pq)

	got, ok := tbl.LookupByTid(42)
	require.True(t, ok)
	require.Equal(t, f, got)

	_, ok = tbl.LookupByTid(999)
	require.False(t, ok)
}

func TestSetTidMovesIndexOffOldValue(t *testing.T) {
	tbl := NewTable(10)
	f := fp("a.")
	pq := newPQ(&ClientQuery{})
	pq.Minimal.UpstreamTid = 1
	tbl.Insert(f, pq)

	tbl.SetTid(f, 1, 2)

	_, ok := tbl.LookupByTid(1)
	require.False(t, ok, "old tid must no longer resolve after a retry re-indexes it")
	got, ok := tbl.LookupByTid(2)
	require.True(t, ok)
	require.Equal(t, f, got)
}

func TestRemoveClearsTidIndex(t *testing.T) {
	tbl := NewTable(10)
	f := fp("a.")
	pq := newPQ(&ClientQuery{})
	pq.Minimal.UpstreamTid = 7
	tbl.Insert(f, pq)

	tbl.Remove(f)
	_, ok := tbl.LookupByTid(7)
	require.False(t, ok)
}

func TestFireIsIdempotent(t *testing.T) {
	pq := newPQ()
	pq.Fire()
	require.NotPanics(t, pq.Fire)

	select {
	case <-pq.DoneCh:
	default:
		t.Fatal("DoneCh should be closed after Fire")
	}
}
