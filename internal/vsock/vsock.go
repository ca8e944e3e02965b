// Package vsock wraps the AF_VSOCK address family used for all host/guest
// communication in and out of the enclave: the host router dialling an
// enclave's accept loop, and an enclave dialling the host's vsock-proxy
// for outbound TLS/plain HTTP fetches.
package vsock

import (
	"fmt"
	"net"

	mdvsock "github.com/mdlayher/vsock"
	"github.com/pkg/errors"
)

// HostCID is the CID at which the EC2 host is reachable from inside an
// enclave. Fixed by the Nitro Enclaves platform.
const HostCID = 3

// Conn is the blocking byte-duplex exposed by an accepted or dialled vsock
// connection. It is satisfied by *mdvsock.Conn and is also the interface
// internal/tlsvsock adapts for TLS.
type Conn interface {
	net.Conn
}

// Listener accepts inbound vsock connections on a bound port.
type Listener struct {
	ln *mdvsock.Listener
}

// Bind listens for vsock connections on the given port, on all CIDs
// (mirroring mdlayher/vsock's "any" semantics for an enclave's accept loop).
func Bind(port uint32) (*Listener, error) {
	ln, err := mdvsock.Listen(port, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "vsock: failed to bind port %d", port)
	}
	return &Listener{ln: ln}, nil
}

// Accept blocks until a peer connects, returning the resulting duplex
// stream. Accept blocks the calling goroutine; the accept loop must not
// have another request in flight while parked here.
func (l *Listener) Accept() (Conn, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, errors.Wrap(err, "vsock: accept failed")
	}
	return conn, nil
}

// Close tears down the listening socket.
func (l *Listener) Close() error {
	return l.ln.Close()
}

// Connect dials a vsock peer at (cid, port). Used by the host router to
// reach an enclave's accept loop, and by an enclave to reach the host's
// vsock-proxy for a given allowlist entry's proxy_port.
func Connect(cid, port uint32) (Conn, error) {
	conn, err := mdvsock.Dial(cid, port, nil)
	if err != nil {
		return nil, errors.Wrap(err, fmt.Sprintf("vsock: failed to dial cid=%d port=%d", cid, port))
	}
	return conn, nil
}
