package cache

import (
	"testing"
	"time"

	"github.com/markdingo/edgedns/internal/fingerprint"

	"github.com/stretchr/testify/require"
)

func TestGetMiss(t *testing.T) {
	c := NewLRU(8)
	_, ok := c.Get(fingerprint.Fingerprint{Key: fingerprint.NormalizedQuestionKey{Qname: "a."}})
	require.False(t, ok)
}

func TestSetThenGet(t *testing.T) {
	c := NewLRU(8)
	fp := fingerprint.Fingerprint{Key: fingerprint.NormalizedQuestionKey{Qname: "a.", Qtype: 1}}
	c.Set(fp, []byte("packet"), time.Minute)

	entry, ok := c.Get(fp)
	require.True(t, ok)
	require.Equal(t, []byte("packet"), entry.Packet)
}

func TestGetStillServesAfterExpiry(t *testing.T) {
	c := NewLRU(8)
	fp := fingerprint.Fingerprint{Key: fingerprint.NormalizedQuestionKey{Qname: "a.", Qtype: 1}}
	c.Set(fp, []byte("stale-packet"), -time.Minute) // Already "expired" per Entry.Expires

	entry, ok := c.Get(fp)
	require.True(t, ok, "an expired entry must still be returned for stale-degradation to work")
	require.Equal(t, []byte("stale-packet"), entry.Packet)
	require.True(t, entry.Expires.Before(time.Now()))
}

func TestDistinctCustomHashDoNotCollide(t *testing.T) {
	c := NewLRU(8)
	base := fingerprint.NormalizedQuestionKey{Qname: "a.", Qtype: 1}
	fp1 := fingerprint.Fingerprint{Key: base, CustomHash: [2]uint64{1, 1}}
	fp2 := fingerprint.Fingerprint{Key: base, CustomHash: [2]uint64{2, 2}}

	c.Set(fp1, []byte("one"), time.Minute)
	_, ok := c.Get(fp2)
	require.False(t, ok)
}
