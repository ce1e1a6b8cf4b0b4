// Package proxy bridges ordinary TCP sockets and tunnel connections. The
// client side accepts local TCP connections and forwards them through the
// workspace; the server side accepts tunnel connections and dials a
// downstream TCP target. Each bridged connection runs two pump goroutines,
// one per direction, operating on disjoint channel zones.
package proxy

import (
	"context"
	"errors"
	"io"
	"net"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/lambdaS-zh/kamui/pkg/config"
	"github.com/lambdaS-zh/kamui/pkg/stream"
)

const copyBufferSize = 32 * 1024

// ClientProxy accepts local TCP connections and tunnels them.
type ClientProxy struct {
	cfg    *config.Config
	client *stream.Client
	ln     net.Listener
}

// NewClientProxy builds the client side of the bridge on an established zone
// store.
func NewClientProxy(cfg *config.Config, client *stream.Client) *ClientProxy {
	return &ClientProxy{cfg: cfg, client: client}
}

// Addr returns the TCP address the proxy is listening on, once Listen (or
// Run, which calls it when needed) has bound it; nil before that. Useful
// when listen_address carries port 0.
func (p *ClientProxy) Addr() net.Addr {
	if p.ln == nil {
		return nil
	}
	return p.ln.Addr()
}

// Listen binds the local TCP listener without accepting yet.
func (p *ClientProxy) Listen() error {
	ln, err := net.Listen("tcp", p.cfg.ListenAddress)
	if err != nil {
		return err
	}
	p.ln = ln
	log.Infof("client proxy listening on %v, tunnelling to %q", ln.Addr(), p.cfg.ProxyAddress)
	return nil
}

// Run accepts local TCP connections until ctx ends, tunnelling each one.
func (p *ClientProxy) Run(ctx context.Context) error {
	if p.ln == nil {
		if err := p.Listen(); err != nil {
			return err
		}
	}
	go func() {
		<-ctx.Done()
		p.ln.Close()
	}()
	for {
		tcpConn, err := p.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		go func() {
			tunnel, err := p.client.Connect(ctx, p.cfg.ProxyAddress)
			if err != nil {
				log.Errorf("tunnel connect to %q failed: %v", p.cfg.ProxyAddress, err)
				tcpConn.Close()
				return
			}
			bridge(ctx, tcpConn, tunnel)
		}()
	}
}

// ServerProxy accepts tunnel connections and dials the downstream target.
type ServerProxy struct {
	cfg    *config.Config
	server *stream.Server
}

// NewServerProxy builds the server side of the bridge on an established zone
// store.
func NewServerProxy(cfg *config.Config, server *stream.Server) *ServerProxy {
	return &ServerProxy{cfg: cfg, server: server}
}

// Run listens on the proxy address and serves tunnel connections until ctx
// ends.
func (p *ServerProxy) Run(ctx context.Context) error {
	if err := p.server.Listen(ctx, p.cfg.ProxyAddress); err != nil {
		return err
	}
	log.Infof("server proxy listening on %q, forwarding to %s", p.cfg.ProxyAddress, p.cfg.TargetAddress)
	for {
		tunnel, err := p.server.AcceptContext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		go func() {
			tcpConn, err := net.Dial("tcp", p.cfg.TargetAddress)
			if err != nil {
				log.Errorf("dialing target %s failed: %v", p.cfg.TargetAddress, err)
				tunnel.Close(ctx)
				return
			}
			bridge(ctx, tcpConn, tunnel)
		}()
	}
}

// bridge pumps bytes both ways until both directions have drained, then
// closes both ends.
func bridge(ctx context.Context, tcpConn net.Conn, tunnel *stream.Connection) {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return pumpToTunnel(gctx, tcpConn, tunnel)
	})
	g.Go(func() error {
		return pumpFromTunnel(gctx, tunnel, tcpConn)
	})
	if err := g.Wait(); err != nil {
		log.Debugf("bridge for %s finished: %v", tunnel.ZoneId(), err)
	}
	if err := tunnel.Close(ctx); err != nil {
		log.Warnf("tunnel close for %s: %v", tunnel.ZoneId(), err)
	}
	tcpConn.Close()
}

// pumpToTunnel copies TCP bytes into the tunnel's sending channel. A TCP EOF
// half-closes the tunnel direction with the FIN handshake.
func pumpToTunnel(ctx context.Context, src net.Conn, dst *stream.Connection) error {
	buf := make([]byte, copyBufferSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if sendErr := dst.SendContext(ctx, buf[:n]); sendErr != nil {
				return sendErr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return dst.ShutdownContext(ctx, stream.ShutWR)
			}
			return err
		}
	}
}

// pumpFromTunnel copies tunnel bytes onto the TCP socket. A zero-length
// receive is the tunnel EOF; it half-closes the TCP write side when the
// socket supports it.
func pumpFromTunnel(ctx context.Context, src *stream.Connection, dst net.Conn) error {
	for {
		data, err := src.RecvContext(ctx, 0)
		if err != nil {
			return err
		}
		if len(data) == 0 {
			if tcpConn, ok := dst.(*net.TCPConn); ok {
				return tcpConn.CloseWrite()
			}
			return nil
		}
		if _, err := dst.Write(data); err != nil {
			return err
		}
	}
}
