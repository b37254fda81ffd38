/*
Package dnscodec builds the wire-format packets the core sends upstream and synthesizes back to
clients. It is the only package in the core that reaches into "github.com/miekg/dns" to construct
messages rather than merely inspect them.
*/
package dnscodec

import (
	"math/rand"

	"github.com/markdingo/edgedns/internal/fingerprint"

	"github.com/miekg/dns"
)

// NormalizedQuestionMinimal carries the bits of a just-built upstream query that the response
// dispatcher needs to match an incoming reply back to the attempt that sent it: the randomized
// upstream transaction id and the flags the query was sent with.
type NormalizedQuestionMinimal struct {
	UpstreamTid uint16
	Flags       uint16 // Packed copy of the relevant MsgHdr bits at send time
}

// BuildQueryPacket constructs the wire bytes of an upstream query for the given question. A fresh,
// randomized transaction id is always assigned regardless of isRetry; isRetry exists in the
// signature so a future codec revision can vary flags (e.g. CD) between primary and retry attempts
// without changing every call site.
func BuildQueryPacket(nq fingerprint.NormalizedQuestion, isRetry bool) ([]byte, NormalizedQuestionMinimal, error) {
	m := new(dns.Msg)
	m.Id = uint16(rand.Uint32())
	m.RecursionDesired = true
	m.Question = []dns.Question{{Name: dns.Fqdn(nq.Qname), Qtype: nq.Qtype, Qclass: nq.Qclass}}

	wire, err := m.Pack()
	if err != nil {
		return nil, NormalizedQuestionMinimal{}, err
	}

	min := NormalizedQuestionMinimal{
		UpstreamTid: m.Id,
		Flags:       packFlags(m),
	}

	return wire, min, nil
}

// BuildServFailPacket synthesizes a SERVFAIL response to be returned directly to a client, echoing
// their original transaction id and question.
func BuildServFailPacket(nq fingerprint.NormalizedQuestion) ([]byte, error) {
	m := new(dns.Msg)
	m.Id = nq.Tid
	m.Response = true
	m.RecursionAvailable = true
	m.Rcode = dns.RcodeServerFailure
	m.Question = []dns.Question{{Name: dns.Fqdn(nq.Qname), Qtype: nq.Qtype, Qclass: nq.Qclass}}

	return m.Pack()
}

func packFlags(m *dns.Msg) uint16 {
	var f uint16
	if m.RecursionDesired {
		f |= 0x0100
	}
	if m.CheckingDisabled {
		f |= 0x0010
	}

	return f
}
