/*
Package dnsutil provides small helper functions for manipulating a "github.com/miekg/dns.Msg", used
by the fingerprinting code to find EDNS options. The caller is assumed to have
checked that the dns.Msg is a legitimate query prior to calling any of these functions.
*/
package dnsutil

import (
	"github.com/markdingo/edgedns/internal/constants"

	"github.com/miekg/dns"
)

var (
	consts = constants.Get()
)

// FindOPT searches dns.Msg.Extra for the first occurrence of an OPT RR. There should only be one.
//
// Return *dns.OPT if found otherwise nil
func FindOPT(q *dns.Msg) *dns.OPT {
	for _, rr := range q.Extra { // Search Extra for OPT RRs
		if opt, ok := rr.(*dns.OPT); ok {
			return opt
		}
	}

	return nil
}

// FindECS searches dns.Msg.Extra for any occurrences of an EDNS_SUBNET sub-option in any
// occurrences of a dns.OPT in the Extra list of RRs. This multi-occurrence search is more
// aggressive than the standard DNS Message format intends but we really don't want an ECS to be
// missed even if it is ostensibly not in exactly the right place.
//
// If an EDNS_SUBNET sub-option is found, return the containing OPT RR and sub-option otherwise
// return nil, nil
func FindECS(q *dns.Msg) (*dns.OPT, *dns.EDNS0_SUBNET) {
	for _, rr := range q.Extra { // Search Extra for OPT RRs
		if opt, ok := rr.(*dns.OPT); ok {
			for _, subOpt := range opt.Option { // Search OPT RR for ECS
				if ecs, ok := subOpt.(*dns.EDNS0_SUBNET); ok {
					return opt, ecs
				}
			}
		}
	}

	return nil, nil
}

// NewOPT creates a populated msg.OPT RR as a zero-values struct is not a valid OPT. Note that
// SetUDPSize has to be set for some resolvers that are ECS aware. In particular unbound does not
// seem to like a UDP size of zero.
func NewOPT() *dns.OPT {
	optRR := &dns.OPT{}
	optRR.SetVersion(0)
	optRR.SetUDPSize(dns.DefaultMsgSize)
	optRR.Hdr.Name = "."
	optRR.Hdr.Rrtype = dns.TypeOPT

	return optRR
}
