/*
Package constants provides common values used across all edgedns packages. Usage is to call the
global Get() function which returns the Constants by value ensuring that any modifications made
(accidental or otherwise) will not affect other modules when they call Get().

Typically usage:

    consts := constants.Get()
    fmt.Println("I am", consts.ProxyProgramName, "based on", consts.RFC)

The primary reason for making this a constructed struct rather than the more typical const () block
is so that it can be fed directly into templating packages for printing usage messages.
*/
package constants

// Constants contains the system-wide constants
type Constants struct {
	ProxyProgramName string // Package related constants
	Version          string
	PackageName      string
	PackageURL       string
	RFC              string

	DNSDefaultPort          string // DNS Related constants
	MinimumViableDNSMessage uint   // MsgHdr + one Question with zero length name
	DNSTruncateThreshold    int    // A message larger than this size may be truncated unless EDNS0
	MaximumViableDNSMessage uint   // RFC1035/EDNS0 upper limit

	DNSUDPTransport string // Suitable for the "net" package, but just to make sure we're
	DNSTCPTransport string // consistent across the whole package.

	// Forwarder-core defaults. The config file overrides the query ceiling used by the handler's
	// retry timer and the admission and socket counts; the probe delay, the failure threshold and the
	// registry's per-attempt timeout ceiling always use the values here.
	UpstreamProbesDelayMs     uint64
	UpstreamQueryMaxTimeoutMs uint64
	DefaultMaxActiveQueries   int
	DefaultMaxWaitingClients  int
	DefaultOutboundSockets    int
	UpstreamFailureThreshold  int // Consecutive failures before an upstream is marked offline
}

var readOnlyConstants *Constants

// createReadOnlyConstants creates a read-only copy of the Constants which is copied whenever a
// caller asks for the constants set. The main reason for returning a struct is so that callers can
// inspect and/or use packages that introspect - particularly */template packages.
func createReadOnlyConstants() {
	readOnlyConstants = &Constants{
		ProxyProgramName: "edgedns-proxy",
		Version:          "v0.1.0",
		PackageName:      "edgedns client query resolution core",
		PackageURL:       "https://github.com/markdingo/edgedns",
		RFC:              "RFC1035",

		DNSDefaultPort:          "53",
		MinimumViableDNSMessage: 16, // A legit binary DNS Message *cannot* be shorter than this
		DNSTruncateThreshold:    512,
		MaximumViableDNSMessage: 65535,

		DNSUDPTransport: "udp",
		DNSTCPTransport: "tcp",

		UpstreamProbesDelayMs:     1000,
		UpstreamQueryMaxTimeoutMs: 3000,
		DefaultMaxActiveQueries:   4096,
		DefaultMaxWaitingClients:  8192,
		DefaultOutboundSockets:    8,
		UpstreamFailureThreshold:  3,
	}
}

func init() {
	createReadOnlyConstants()
}

// Get returns a copy of the Constant struct. Return by value so internal values cannot be
// inadvertently changed by callers.
func Get() Constants {
	return *readOnlyConstants
}
