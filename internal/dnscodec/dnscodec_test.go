package dnscodec

import (
	"testing"

	"github.com/markdingo/edgedns/internal/fingerprint"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

func TestBuildQueryPacket(t *testing.T) {
	nq := fingerprint.NormalizedQuestion{Qname: "example.com.", Qtype: dns.TypeA, Qclass: dns.ClassINET, Tid: 0xBEEF}

	wire, min, err := BuildQueryPacket(nq, false)
	require.NoError(t, err)
	require.NotEmpty(t, wire)

	var m dns.Msg
	require.NoError(t, m.Unpack(wire))
	require.Equal(t, min.UpstreamTid, m.Id)
	require.NotEqual(t, nq.Tid, m.Id, "upstream tid must be randomized, not the client's tid")
	require.True(t, m.RecursionDesired)
	require.Len(t, m.Question, 1)
	require.Equal(t, "example.com.", m.Question[0].Name)
}

func TestBuildQueryPacketTidsDiffer(t *testing.T) {
	nq := fingerprint.NormalizedQuestion{Qname: "example.com.", Qtype: dns.TypeA, Qclass: dns.ClassINET}

	seen := map[uint16]bool{}
	for i := 0; i < 8; i++ {
		_, min, err := BuildQueryPacket(nq, false)
		require.NoError(t, err)
		seen[min.UpstreamTid] = true
	}
	require.Greater(t, len(seen), 1, "randomized tids should not all collide across repeated builds")
}

func TestBuildServFailPacket(t *testing.T) {
	nq := fingerprint.NormalizedQuestion{Qname: "example.net.", Qtype: dns.TypeAAAA, Qclass: dns.ClassINET, Tid: 0x4242}

	wire, err := BuildServFailPacket(nq)
	require.NoError(t, err)

	var m dns.Msg
	require.NoError(t, m.Unpack(wire))
	require.Equal(t, uint16(0x4242), m.Id)
	require.True(t, m.Response)
	require.Equal(t, dns.RcodeServerFailure, m.Rcode)
	require.Len(t, m.Question, 1)
	require.Equal(t, "example.net.", m.Question[0].Name)
}
