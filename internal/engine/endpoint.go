package engine

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/example/gofix/internal/config"
	"github.com/example/gofix/internal/fixsession"
	"github.com/example/gofix/internal/reactor"
)

// retryInterval is how long an initiator endpoint waits between failed
// dial attempts (§4.3 EndPoint construction).
const retryInterval = 5 * time.Second

// EndPoint owns the listening or dialing side of one configured session
// and hands off each accepted/established connection to a
// ConnectionHandler registered with the Engine's reactor.
type EndPoint struct {
	engine *Engine
	cfg    config.SessionConfig

	listener net.Listener
}

// NewInitiatorEndPoint dials cfg.Addr in a background goroutine, retrying
// every retryInterval until ctx is cancelled or the dial succeeds, then
// wires a ConnectionHandler for the resulting connection.
func NewInitiatorEndPoint(ctx context.Context, cfg config.SessionConfig, e *Engine) (*EndPoint, error) {
	ep := &EndPoint{engine: e, cfg: cfg}

	var sess *fixsession.Session
	if cfg.SenderCompID != "" && cfg.TargetCompID != "" {
		s, err := e.sessionFor(cfg.SenderCompID, cfg.TargetCompID)
		if err != nil {
			return nil, fmt.Errorf("endpoint %s: %w", cfg.Name, err)
		}
		sess = s
	}

	go ep.dialLoop(ctx, sess)
	return ep, nil
}

func (ep *EndPoint) dialLoop(ctx context.Context, sess *fixsession.Session) {
	for {
		conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", ep.cfg.Addr)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			ep.engine.Logger.Warn("fixengine: dial failed, retrying",
				"session", ep.cfg.Name, "addr", ep.cfg.Addr, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(retryInterval):
			}
			continue
		}

		ch := newConnectionHandler(ep.engine, conn, RoleInitiator, sess)
		if err := ep.wireHandler(ch, conn); err != nil {
			ep.engine.Logger.Warn("fixengine: wiring initiator connection failed", "error", err)
			ch.Close()
			continue
		}

		if sess == nil {
			ep.engine.Logger.Warn("fixengine: initiator has no session (SenderCompID/TargetCompID not configured), cannot send Logon",
				"session", ep.cfg.Name)
		} else if err := ch.SendLogon(ep.cfg.HeartBtInt); err != nil {
			ep.engine.Logger.Warn("fixengine: sending initial Logon failed", "session", ep.cfg.Name, "error", err)
			ch.Close()
			continue
		}
		return
	}
}

// NewAcceptorEndPoint listens on cfg.Addr and registers the listening fd
// with the Engine's reactor; each accepted connection becomes a fresh
// ConnectionHandler awaiting the peer's Logon (§4.3).
func NewAcceptorEndPoint(cfg config.SessionConfig, e *Engine) (*EndPoint, error) {
	lc := net.ListenConfig{}
	l, err := lc.Listen(context.Background(), "tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("endpoint %s: listen: %w", cfg.Name, err)
	}

	ep := &EndPoint{engine: e, cfg: cfg, listener: l}

	tl, ok := l.(*net.TCPListener)
	if !ok {
		return nil, fmt.Errorf("endpoint %s: listener is not a *net.TCPListener", cfg.Name)
	}
	raw, err := tl.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("endpoint %s: %w", cfg.Name, err)
	}

	var regErr error
	err = raw.Control(func(fd uintptr) {
		regErr = e.Reactor.RegisterFD(int(fd), reactor.InterestRead, func(reactor.Interest) {
			ep.acceptOne()
		})
	})
	if err != nil {
		return nil, fmt.Errorf("endpoint %s: %w", cfg.Name, err)
	}
	if regErr != nil {
		return nil, fmt.Errorf("endpoint %s: %w", cfg.Name, regErr)
	}

	return ep, nil
}

func (ep *EndPoint) acceptOne() {
	conn, err := ep.listener.Accept()
	if err != nil {
		ep.engine.Logger.Warn("fixengine: accept failed", "session", ep.cfg.Name, "error", err)
		return
	}

	ch := newConnectionHandler(ep.engine, conn, RoleAcceptor, nil)
	if err := ep.wireHandler(ch, conn); err != nil {
		ep.engine.Logger.Warn("fixengine: wiring acceptor connection failed", "error", err)
		ch.Close()
	}
}

// wireHandler registers conn's fd with the reactor for read readiness,
// driving ch.onReadable on every event.
func (ep *EndPoint) wireHandler(ch *ConnectionHandler, conn net.Conn) error {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return fmt.Errorf("connection is not a *net.TCPConn")
	}
	raw, err := tc.SyscallConn()
	if err != nil {
		return err
	}

	var regErr error
	err = raw.Control(func(fd uintptr) {
		regErr = ep.engine.Reactor.RegisterFD(int(fd), reactor.InterestRead, ch.onReadable)
	})
	if err != nil {
		return err
	}
	return regErr
}

// Close stops accepting new connections on this endpoint's listener, if
// any.
func (ep *EndPoint) Close() error {
	if ep.listener != nil {
		return ep.listener.Close()
	}
	return nil
}
