// Package enclaveserver implements the sequential vsock accept loop
// that every enclave image (generic or custom-handler) runs. It reads one
// framed request per connection, dispatches it to a handler.Dispatcher, and
// writes back one framed response.
package enclaveserver

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/zh-labs/confidential-fetch/internal/config"
	"github.com/zh-labs/confidential-fetch/internal/handler"
	"github.com/zh-labs/confidential-fetch/internal/vsock"
	"github.com/zh-labs/confidential-fetch/internal/wire"
)

// Port is the fixed vsock port every enclave image listens on for
// host-originated requests.
const Port = 5000

// acceptRetryDelay is how long Serve waits before retrying Accept after a
// failure.
const acceptRetryDelay = 100 * time.Millisecond

// Server owns the vsock listener and dispatches accepted connections.
type Server struct {
	Dispatcher handler.Dispatcher
	listen     func(port uint32) (*vsock.Listener, error)
}

// New returns a Server that dispatches to d and listens on the real vsock
// device.
func New(d handler.Dispatcher) *Server {
	return &Server{Dispatcher: d, listen: vsock.Bind}
}

// Serve binds the fixed vsock port and accepts connections forever, one at a
// time; it returns only if the bind fails. An Accept error is logged and
// retried after acceptRetryDelay. Every connection is handled and closed
// before the next Accept call, one framed request per connection, so a slow
// caller delays every connection queued behind it.
func (s *Server) Serve() error {
	l, err := s.listen(Port)
	if err != nil {
		return err
	}
	defer l.Close()

	log.WithField("port", Port).Info("enclave server listening on vsock")

	for {
		conn, err := l.Accept()
		if err != nil {
			log.WithError(err).Warn("accept failed, retrying")
			time.Sleep(acceptRetryDelay)
			continue
		}
		s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn vsock.Conn) {
	defer conn.Close()

	var req config.EnclaveRequest
	if err := wire.ReadMessage(conn, &req); err != nil {
		log.WithError(err).Warn("failed to read framed request")
		s.writeReply(conn, config.Failure(500, err))
		return
	}

	resp := s.dispatch(req)
	s.writeReply(conn, resp)
}

// dispatch recovers from a panicking handler so one bad request can never
// take down the accept loop; the caller still gets a well-formed error
// envelope when the handler itself fails unexpectedly.
func (s *Server) dispatch(req config.EnclaveRequest) (resp config.EnclaveResponse) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("recover", r).Error("handler panicked")
			resp = config.Failure(500, fmt.Errorf("handler panic: %v", r))
		}
	}()
	return s.Dispatcher.Handle(req)
}

func (s *Server) writeReply(conn vsock.Conn, resp config.EnclaveResponse) {
	if err := wire.WriteMessage(conn, resp); err != nil {
		log.WithError(err).Error("failed to write framed response")
	}
}
