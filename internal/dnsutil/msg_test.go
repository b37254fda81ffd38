package dnsutil

import (
	"net"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

func TestFindOPT(t *testing.T) {
	mno := &dns.Msg{}
	require.Nil(t, FindOPT(mno))

	mno.Answer = append(mno.Answer, &dns.OPT{}) // Populate all-but Extra
	mno.Ns = append(mno.Ns, &dns.OPT{})
	require.Nil(t, FindOPT(mno), "FindOPT must not find an OPT RR outside Extra")

	myes := &dns.Msg{}
	newOpt := &dns.OPT{}
	myes.Extra = append(myes.Extra, newOpt)
	opt := FindOPT(myes)
	require.NotNil(t, opt)
	require.Same(t, newOpt, opt)
}

func TestFindECS(t *testing.T) {
	mno := &dns.Msg{}
	opt, ecs := FindECS(mno)
	require.Nil(t, opt)
	require.Nil(t, ecs)

	withOPT := &dns.Msg{}
	optRR := NewOPT()
	withOPT.Extra = append(withOPT.Extra, optRR)
	opt, ecs = FindECS(withOPT)
	require.Nil(t, opt, "an OPT with no ECS sub-option must not be found by FindECS")
	require.Nil(t, ecs)

	newECS := &dns.EDNS0_SUBNET{
		Code:          dns.EDNS0SUBNET,
		Family:        1,
		SourceNetmask: 24,
		Address:       net.ParseIP("192.0.2.0"),
	}
	optRR.Option = append(optRR.Option, newECS)
	opt, ecs = FindECS(withOPT)
	require.Same(t, optRR, opt)
	require.Same(t, newECS, ecs)
}

func TestNewOPT(t *testing.T) {
	opt := NewOPT()
	require.Equal(t, dns.TypeOPT, opt.Hdr.Rrtype)
	require.Equal(t, ".", opt.Hdr.Name)
	require.Equal(t, uint16(dns.DefaultMsgSize), opt.UDPSize())
	require.Equal(t, uint8(0), opt.Version())
}
