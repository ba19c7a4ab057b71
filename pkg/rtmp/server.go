package rtmp

import (
	"context"
	"net"

	"github.com/aminofox/rtmpingest/pkg/logger"
)

// Server binds a listening socket and spawns one Session per accepted
// connection. The core's only required surface is Session.Run; this
// accept loop is an external collaborator, not part of it.
type Server struct {
	cfg      SessionConfig
	sinkFor  func(remote net.Addr) Sink
	log      logger.Logger
	listener net.Listener
}

// NewServer creates a Server. sinkFor is invoked once per accepted
// connection to obtain the Sink that session's media frames are pushed
// through (typically a *ChannelSink, or a decorator that also enforces
// a distributed stream-key lease).
func NewServer(cfg SessionConfig, sinkFor func(remote net.Addr) Sink, log logger.Logger) *Server {
	return &Server{cfg: cfg, sinkFor: sinkFor, log: log}
}

// Serve accepts connections on addr until ctx is cancelled or listening
// fails. Each connection is driven by its own Session on its own
// goroutine, one logical task per connection.
func (srv *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv.listener = ln

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	srv.log.Info("rtmp: listening", logger.String("addr", addr))

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go srv.handle(conn)
	}
}

func (srv *Server) handle(conn net.Conn) {
	defer conn.Close()

	sink := srv.sinkFor(conn.RemoteAddr())
	session := NewSession(srv.cfg, sink, srv.log)

	log := srv.log.With(
		logger.String("session_id", session.ID()),
		logger.String("remote_addr", conn.RemoteAddr().String()),
	)

	if err := session.Run(conn); err != nil {
		log.Warn("rtmp: session terminated", logger.Err(err))
		return
	}
	log.Info("rtmp: session closed")
}
