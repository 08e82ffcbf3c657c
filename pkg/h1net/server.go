package h1net

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/shapestone/shape-h1/pkg/h1"
)

// AttachServer binds a server state machine to nc and starts pumping it.
// The returned Conn's Wakeup lets handlers complete responses from other
// goroutines.
func AttachServer(engine *h1.Server, nc net.Conn, log *zap.Logger) *Conn {
	if log == nil {
		log = zap.NewNop()
	}
	c := newConn(uuid.NewString(), nc, log)
	c.mu.Lock()
	sc := engine.NewConn(c, c, c)
	c.m = sc
	c.mu.Unlock()
	go c.readLoop()
	return c
}

// Server accepts connections and runs each through an h1.Server engine.
type Server struct {
	engine *h1.Server
	log    *zap.Logger
}

// NewServer wraps an engine for serving real listeners.
func NewServer(engine *h1.Server, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{engine: engine, log: log}
}

// Serve accepts on ln until ctx is canceled or the listener fails, then
// waits for in-flight connections to tear down.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)

	var conns sync.Map // *Conn -> struct{}

	g.Go(func() error {
		<-ctx.Done()
		err := ln.Close()
		conns.Range(func(key, _ any) bool {
			key.(*Conn).Shutdown()
			return true
		})
		return err
	})

	g.Go(func() error {
		for {
			nc, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return nil
				}
				return err
			}
			c := AttachServer(s.engine, nc, s.log)
			conns.Store(c, struct{}{})
			s.log.Debug("connection accepted",
				zap.String("conn", c.id),
				zap.String("remote", nc.RemoteAddr().String()))
		}
	})

	return g.Wait()
}
