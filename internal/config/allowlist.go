package config

import "fmt"

// Allowlist is the fixed set of hosts one enclave image may contact.
type Allowlist []AllowlistEntry

// Lookup returns the entry whose Hostname exactly (case-sensitively)
// matches hostname.
func (a Allowlist) Lookup(hostname string) (AllowlistEntry, bool) {
	for _, e := range a {
		if e.Hostname == hostname {
			return e, true
		}
	}
	return AllowlistEntry{}, false
}

// Hostnames returns every hostname in the allowlist, in order — used by
// the diagnostics server's info endpoint.
func (a Allowlist) Hostnames() []string {
	out := make([]string, len(a))
	for i, e := range a {
		out[i] = e.Hostname
	}
	return out
}

func (e AllowlistEntry) String() string {
	return fmt.Sprintf("%s:%d(%s)", e.Hostname, e.ProxyPort, e.Transport)
}
