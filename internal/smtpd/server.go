package smtpd

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/relaymta/relaymta/internal/ruleengine"
)

// Listener binds one Config to one network address. §4.1 "each kind may
// have multiple bound addresses" — a Server holds one Listener per
// configured address, all sharing the same rule registry and publisher.
type Listener struct {
	Addr string
	Cfg  Config
}

// Server accepts connections across every configured Listener and hands
// each one to its own Session, mirroring the teacher's
// internal/smtp/server.go accept-dispatch loop but driving internal
// Sessions instead of go-smtp's Server.Serve.
type Server struct {
	listeners    []Listener
	rules        *ruleengine.Registry
	localDomains map[string]bool
	publisher    Publisher
	ioPort       ruleengine.IOPort
	logger       *slog.Logger
}

// NewServer builds a Server ready to ListenAndServe.
func NewServer(listeners []Listener, rules *ruleengine.Registry, localDomains map[string]bool, publisher Publisher, ioPort ruleengine.IOPort, logger *slog.Logger) *Server {
	return &Server{
		listeners:    listeners,
		rules:        rules,
		localDomains: localDomains,
		publisher:    publisher,
		ioPort:       ioPort,
		logger:       logger,
	}
}

// ListenAndServe opens every configured address and blocks accepting
// connections until ctx is cancelled or a listener's Accept fails fatally.
// Each accepted connection is served on its own goroutine, per §4.1
// "an accept dispatcher serves each new connection on its own task".
func (srv *Server) ListenAndServe(ctx context.Context) error {
	if len(srv.listeners) == 0 {
		return fmt.Errorf("smtpd: no listeners configured")
	}

	errCh := make(chan error, len(srv.listeners))
	for _, l := range srv.listeners {
		l := l
		go func() {
			errCh <- srv.serveOne(ctx, l)
		}()
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (srv *Server) serveOne(ctx context.Context, l Listener) error {
	ln, err := net.Listen("tcp", l.Addr)
	if err != nil {
		return fmt.Errorf("smtpd: listen %s: %w", l.Addr, err)
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	srv.logger.Info("listening", "addr", l.Addr, "kind", l.Cfg.Kind.String())

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("smtpd: accept on %s: %w", l.Addr, err)
		}
		go srv.handle(ctx, conn, l.Cfg)
	}
}

func (srv *Server) handle(ctx context.Context, conn net.Conn, cfg Config) {
	sess := NewSession(cfg, conn, srv.rules, srv.localDomains, srv.publisher, srv.ioPort, srv.logger)
	sess.Serve(ctx)
}
