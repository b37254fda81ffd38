package fingerprint

import (
	"net"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

func TestNewAndFingerprintNoECS(t *testing.T) {
	m := &dns.Msg{}
	m.SetQuestion("Example.COM.", dns.TypeA)
	m.Id = 0x1234

	nq := New(m)
	require.Equal(t, "example.com.", nq.Qname)
	require.Equal(t, dns.TypeA, nq.Qtype)
	require.Equal(t, uint16(0x1234), nq.Tid)

	fp := nq.Fingerprint(m)
	require.Equal(t, [2]uint64{}, fp.CustomHash)
	require.Equal(t, "example.com.", fp.Key.Qname)
}

func TestFingerprintCaseInsensitiveCoalesce(t *testing.T) {
	m1 := &dns.Msg{}
	m1.SetQuestion("www.Example.com.", dns.TypeAAAA)
	m2 := &dns.Msg{}
	m2.SetQuestion("WWW.example.COM.", dns.TypeAAAA)

	fp1 := New(m1).Fingerprint(m1)
	fp2 := New(m2).Fingerprint(m2)
	require.Equal(t, fp1, fp2, "queries differing only in name case must produce equal fingerprints")
}

func TestFingerprintDistinctByECS(t *testing.T) {
	base := &dns.Msg{}
	base.SetQuestion("example.net.", dns.TypeA)
	nq := New(base)

	fpNoECS := nq.Fingerprint(base)

	withECS := base.Copy()
	opt := dnsutilNewOPT()
	opt.Option = append(opt.Option, &dns.EDNS0_SUBNET{
		Code:          dns.EDNS0SUBNET,
		Family:        1,
		SourceNetmask: 24,
		Address:       net.ParseIP("192.0.2.1"),
	})
	withECS.Extra = append(withECS.Extra, opt)

	fpECS := nq.Fingerprint(withECS)
	require.NotEqual(t, fpNoECS.CustomHash, fpECS.CustomHash)

	withDifferentECS := base.Copy()
	opt2 := dnsutilNewOPT()
	opt2.Option = append(opt2.Option, &dns.EDNS0_SUBNET{
		Code:          dns.EDNS0SUBNET,
		Family:        1,
		SourceNetmask: 24,
		Address:       net.ParseIP("203.0.113.1"),
	})
	withDifferentECS.Extra = append(withDifferentECS.Extra, opt2)

	fpECS2 := nq.Fingerprint(withDifferentECS)
	require.NotEqual(t, fpECS.CustomHash, fpECS2.CustomHash, "distinct subnets must not collide")
}

// dnsutilNewOPT avoids importing the internal dnsutil package's NewOPT directly into the test to
// keep this test package import-equivalent to callers that build their own OPT RR.
func dnsutilNewOPT() *dns.OPT {
	opt := &dns.OPT{}
	opt.SetVersion(0)
	opt.SetUDPSize(dns.DefaultMsgSize)
	opt.Hdr.Name = "."
	opt.Hdr.Rrtype = dns.TypeOPT

	return opt
}
