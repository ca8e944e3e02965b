// Package tlsvsock adapts a blocking vsock byte stream (internal/vsock) into
// the net.Conn shape crypto/tls expects, and performs the TLS handshake for
// the "proxy_fetch" mode of the HTTP/1.1 micro-client. Server identity
// verification is always on; it is not configurable by callers.
package tlsvsock

import (
	"crypto/tls"
	"crypto/x509"
	"net"
	"time"

	"github.com/pkg/errors"

	ivsock "github.com/zh-labs/confidential-fetch/internal/vsock"
)

// duplex wraps an ivsock.Conn so that writes always loop until the full
// buffer is drained, so a short write to the
// underlying stream never truncates a TLS record. Reads are passed straight through: the underlying vsock Read
// already blocks the calling goroutine, which on our single-threaded
// accept loop is the intended, sequentialised behaviour.
type duplex struct {
	ivsock.Conn
}

func (d *duplex) Write(b []byte) (int, error) {
	total := 0
	for total < len(b) {
		n, err := d.Conn.Write(b[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Dial establishes a vsock connection to (cid, port) and negotiates TLS over
// it with the given server name. caBundle, if non-nil, replaces the system
// root pool with the enclave image's bundled CA set. Certificate verification can never be
// disabled here.
func Dial(cid, port uint32, serverName string, caBundle *x509.CertPool, timeout time.Duration) (net.Conn, error) {
	raw, err := ivsock.Connect(cid, port)
	if err != nil {
		return nil, errors.Wrap(err, "tlsvsock: vsock connect failed")
	}

	cfg := &tls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: false,
		RootCAs:            caBundle,
		MinVersion:         tls.VersionTLS12,
	}

	d := &duplex{Conn: raw}
	tlsConn := tls.Client(d, cfg)

	if err := tlsConn.SetDeadline(time.Now().Add(timeout)); err != nil {
		tlsConn.Close()
		return nil, errors.Wrap(err, "tlsvsock: failed to set handshake deadline")
	}
	if err := tlsConn.Handshake(); err != nil {
		tlsConn.Close()
		return nil, errors.Wrap(err, "tlsvsock: TLS handshake failed")
	}
	// Clear the deadline; the caller (internal/httpclient) manages its own
	// 25-second wall-clock timeout around the whole request/response cycle.
	if err := tlsConn.SetDeadline(time.Time{}); err != nil {
		tlsConn.Close()
		return nil, errors.Wrap(err, "tlsvsock: failed to clear deadline")
	}

	return tlsConn, nil
}

// DialPlain establishes a vsock connection to (cid, port) with no TLS, for
// the "proxy_fetch_plain" mode. Attestations over plain-HTTP responses
// prove only that this code ran, not that the server sent those bytes.
func DialPlain(cid, port uint32) (net.Conn, error) {
	raw, err := ivsock.Connect(cid, port)
	if err != nil {
		return nil, errors.Wrap(err, "tlsvsock: vsock connect failed")
	}
	return &duplex{Conn: raw}, nil
}
