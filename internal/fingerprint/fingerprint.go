/*
Package fingerprint normalizes an incoming client question into the canonical form used for
coalescing and cache keying throughout the core. Two client queries that produce equal Fingerprints
are eligible to share a single upstream attempt.
*/
package fingerprint

import (
	"strings"

	"github.com/markdingo/edgedns/internal/dnsutil"

	"github.com/miekg/dns"
)

// NormalizedQuestionKey is the hashable, comparable identity of a client question. Qname is
// lower-cased so that queries differing only in case coalesce onto the same PendingQuery, matching
// DNS's case-insensitive name comparison.
type NormalizedQuestionKey struct {
	Qname  string
	Qtype  uint16
	Qclass uint16
}

// Fingerprint is the full coalescing/cache key: the question identity plus a reserved two-word
// custom hash populated from any EDNS Client Subnet option present on the query. Two queries for the
// same name/type/class from clients in different subnets therefore do not collide when CustomHash is
// non-zero, while ordinary queries with no ECS share the zero value and coalesce freely.
type Fingerprint struct {
	Key        NormalizedQuestionKey
	CustomHash [2]uint64
}

// NormalizedQuestion is the canonical form of a client DNS question, carrying everything the core
// needs to build an upstream packet and a Fingerprint from it.
type NormalizedQuestion struct {
	Qname  string
	Qtype  uint16
	Qclass uint16
	Tid    uint16 // Client-supplied transaction id, echoed back on response
}

// New builds a NormalizedQuestion from an inbound dns.Msg. The caller must have already validated
// that m carries exactly one Question, as is the case for any well-formed query accepted by a
// listener.
func New(m *dns.Msg) NormalizedQuestion {
	q := m.Question[0]

	return NormalizedQuestion{
		Qname:  strings.ToLower(q.Name),
		Qtype:  q.Qtype,
		Qclass: q.Qclass,
		Tid:    m.Id,
	}
}

// Fingerprint derives the coalescing/cache key for this question. If m carries an EDNS Client Subnet
// option, its address and netmask seed CustomHash so that queries from distinct subnets do not
// coalesce; otherwise CustomHash is the zero value.
func (nq NormalizedQuestion) Fingerprint(m *dns.Msg) Fingerprint {
	fp := Fingerprint{
		Key: NormalizedQuestionKey{
			Qname:  nq.Qname,
			Qtype:  nq.Qtype,
			Qclass: nq.Qclass,
		},
	}

	if m == nil {
		return fp
	}

	_, ecs := dnsutil.FindECS(m)
	if ecs == nil {
		return fp
	}

	fp.CustomHash = customHashFromECS(ecs)

	return fp
}

// customHashFromECS folds an EDNS0_SUBNET option into the two-word custom hash. Family and netmask
// go in the low word, the address bytes are FNV-folded into the high word. This mirrors the original
// edgedns implementation's reservation of custom_hash for subnet-aware policy extensions without
// requiring the whole address to be carried verbatim.
func customHashFromECS(ecs *dns.EDNS0_SUBNET) [2]uint64 {
	var hash [2]uint64
	hash[0] = uint64(ecs.Family)<<32 | uint64(ecs.SourceNetmask)<<16 | uint64(ecs.SourceScope)

	const offset64 = 14695981039346656037
	const prime64 = 1099511628211
	h := uint64(offset64)
	for _, b := range ecs.Address {
		h ^= uint64(b)
		h *= prime64
	}
	hash[1] = h

	return hash
}
