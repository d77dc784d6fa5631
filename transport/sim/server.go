package sim

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/wheelctl/m25/logging"
	"github.com/wheelctl/m25/utils"
	"github.com/wheelctl/m25/wire"
)

// Server exposes one simulated wheel on a TCP listener, speaking stuffed frames on the stream.
type Server struct {
	wheel          *Wheel
	logger         logging.Logger
	statusInterval time.Duration

	listener net.Listener
	workers  utils.StoppableWorkers

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
}

// NewServer listens on address for wheel. A positive statusInterval makes the server push a
// status report to every client at that rate.
func NewServer(address string, wheel *Wheel, statusInterval time.Duration, logger logging.Logger) (*Server, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, errors.Wrapf(err, "listening on %q", address)
	}
	s := &Server{
		wheel:          wheel,
		logger:         logger,
		statusInterval: statusInterval,
		listener:       listener,
		conns:          map[net.Conn]struct{}{},
	}
	s.workers = utils.NewStoppableWorkers(s.acceptLoop)
	s.logger.Infow("simulated wheel listening", "wheel", wheel.Address(), "address", listener.Addr().String())
	return s, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				s.logger.Warnw("accept failed", "error", err)
			}
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			//nolint:errcheck
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		var writeMu sync.Mutex
		s.workers.AddWorkers(func(ctx context.Context) {
			s.serve(ctx, conn, &writeMu)
		})
		if s.statusInterval > 0 {
			s.workers.AddWorkers(func(ctx context.Context) {
				s.pushStatus(ctx, conn, &writeMu)
			})
		}
	}
}

func (s *Server) serve(ctx context.Context, conn net.Conn, writeMu *sync.Mutex) {
	defer s.drop(conn)
	var deframer wire.Deframer
	buf := make([]byte, 512)
	for {
		n, err := conn.Read(buf)
		for _, frame := range deframer.Write(buf[:n]) {
			responses, herr := s.wheel.Handle(frame)
			if herr != nil {
				s.logger.Debugw("dropping frame", "error", herr)
				continue
			}
			for _, resp := range responses {
				if werr := s.write(conn, writeMu, resp); werr != nil {
					s.logger.Debugw("write failed", "error", werr)
					return
				}
			}
		}
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Debugw("client read failed", "error", err)
			}
			return
		}
	}
}

func (s *Server) pushStatus(ctx context.Context, conn net.Conn, writeMu *sync.Mutex) {
	ticker := time.NewTicker(s.statusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		status, err := s.wheel.StatusFrame()
		if err != nil {
			s.logger.Warnw("building status report", "error", err)
			continue
		}
		if err := s.write(conn, writeMu, status); err != nil {
			return
		}
	}
}

func (s *Server) write(conn net.Conn, writeMu *sync.Mutex, frame []byte) error {
	writeMu.Lock()
	defer writeMu.Unlock()
	_, err := conn.Write(wire.Stuff(frame))
	return err
}

func (s *Server) drop(conn net.Conn) {
	s.mu.Lock()
	_, ok := s.conns[conn]
	delete(s.conns, conn)
	s.mu.Unlock()
	if ok {
		//nolint:errcheck
		conn.Close()
	}
}

// DropClients closes every open client connection, as if the wheel went out of range.
func (s *Server) DropClients() {
	s.mu.Lock()
	conns := make([]net.Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()
	for _, conn := range conns {
		s.drop(conn)
	}
}

// Close stops accepting, drops every client and waits for the handlers to exit.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	err := s.listener.Close()
	s.DropClients()
	s.workers.Stop()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
