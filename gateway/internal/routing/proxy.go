package routing

import (
	"bufio"
	"context"
	"io"
	"net"
	"strings"
	"time"

	"github.com/scusemua/distributed-sessions/common/entity"
	"github.com/scusemua/distributed-sessions/common/utils"
)

// KeyResolver extracts the session key from a freshly-accepted client
// connection. The front door (TLS SNI, HTTP host, auth token) decides how keys
// arrive on the wire; the router only consumes the resolved key.
type KeyResolver func(conn net.Conn) (string, error)

// LineKeyResolver reads a single newline-terminated key from the connection.
// It is the minimal framing used by the reference deployment and by tests.
func LineKeyResolver(conn net.Conn) (string, error) {
	key, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(key), nil
}

// Serve accepts connections from the listener and proxies each one to the
// backend serving its key. Serve returns when the listener is closed.
func (r *Router) Serve(ctx context.Context, lis net.Listener, resolve KeyResolver) error {
	r.log.Info("Router serving on %s.", lis.Addr())

	for {
		clientConn, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			case <-r.stopChan:
				return nil
			default:
			}
			return err
		}

		go func(clientConn net.Conn) {
			key, err := resolve(clientConn)
			if err != nil {
				r.log.Warn("Failed to resolve session key for connection from %s: %v", clientConn.RemoteAddr(), err)
				_ = clientConn.Close()
				return
			}

			if err := r.Proxy(ctx, clientConn, key); err != nil {
				r.log.Warn("Proxy for key \"%s\" ended with error: %v", key, err)
			}
		}(clientConn)
	}
}

// Proxy bridges the client connection to the backend serving the key,
// copying bytes in both directions until either side closes. The client
// connection is always closed before Proxy returns.
func (r *Router) Proxy(ctx context.Context, clientConn net.Conn, key string) error {
	b, err := r.routeBackend(ctx, key)
	if err != nil {
		_ = clientConn.Close()
		return err
	}

	backendConn, err := r.dial(b)
	if err != nil {
		// The address went stale between resolution and dial; drop the cached
		// entry so the next request re-resolves.
		r.cache.Delete(key)
		_ = clientConn.Close()
		return err
	}

	r.trackConn(b.ID, clientConn)
	defer r.untrackConn(b.ID, clientConn)

	if r.metrics != nil {
		r.metrics.ActiveProxiedConnectionsGauge.Inc()
		defer r.metrics.ActiveProxiedConnectionsGauge.Dec()
	}

	r.log.Debug("Proxying %s <-> %s for key \"%s\" (backend %s).",
		clientConn.RemoteAddr(), b.Address, key, b.ID)

	bridge(clientConn, backendConn)

	return nil
}

// dial opens a connection to the backend's serving address.
func (r *Router) dial(b *entity.Backend) (net.Conn, error) {
	return net.DialTimeout("tcp", b.Address, r.dialTimeout)
}

// bridge copies bytes between the two connections until both directions are
// done, half-closing each side's write end as its peer finishes.
func bridge(a, b net.Conn) {
	done := make(chan struct{}, 2)

	copyHalf := func(dst, src net.Conn) {
		_, _ = io.Copy(dst, src)
		closeWrite(dst)
		done <- struct{}{}
	}

	go copyHalf(a, b)
	go copyHalf(b, a)

	<-done
	<-done

	_ = a.Close()
	_ = b.Close()
}

// closeWrite half-closes the write side when the transport supports it, so
// the peer observes EOF while its own writes still drain.
func closeWrite(conn net.Conn) {
	type writeCloser interface {
		CloseWrite() error
	}

	if wc, ok := conn.(writeCloser); ok {
		_ = wc.CloseWrite()
	} else {
		_ = conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	}
}

func (r *Router) trackConn(backendID string, conn net.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.conns[backendID]
	if !ok {
		set = make(map[net.Conn]struct{})
		r.conns[backendID] = set
	}
	set[conn] = struct{}{}
}

// untrackConn removes the connection and, if its backend is draining and this
// was the last open connection, requests the backend's termination.
func (r *Router) untrackConn(backendID string, conn net.Conn) {
	r.mu.Lock()
	set, ok := r.conns[backendID]
	if ok {
		delete(set, conn)
		if len(set) == 0 {
			delete(r.conns, backendID)
		}
	}
	_, draining := r.drainTimers[backendID]
	drained := draining && (!ok || len(set) == 0)
	r.mu.Unlock()

	if drained {
		r.cancelDrainTimer(backendID)
		r.log.Info(utils.GreenStyle.Render("Last connection to draining backend %s closed naturally."), backendID)
		r.requestTermination(context.Background(), backendID, "drained: all connections closed")
	}
}

// closeConns forcibly closes every tracked connection to the backend.
func (r *Router) closeConns(backendID string) {
	r.mu.Lock()
	set := r.conns[backendID]
	delete(r.conns, backendID)
	r.mu.Unlock()

	for conn := range set {
		_ = conn.Close()
	}

	if len(set) > 0 {
		r.log.Warn("Forcibly closed %d connection(s) to backend %s.", len(set), backendID)
	}
}
