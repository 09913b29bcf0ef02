// Package httpproxy implements the HTTP/HTTPS front-end described in
// spec.md §4.D: CONNECT tunneling and absolute-URI request rewriting,
// both funneled through the SSH Transport Manager directly (the
// observationally-equivalent alternative of looping back through the
// local SOCKS5 front-end is not used here, to avoid an extra hop).
package httpproxy

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/JoursBleu/ssh-tunnel/internal/metrics"
	"github.com/JoursBleu/ssh-tunnel/internal/notice"
	"github.com/JoursBleu/ssh-tunnel/internal/relay"
)

// maxHeaderBytes bounds the request-line + header read, per spec.md
// §4.D ("bounded buffer, e.g. 64 KiB").
const maxHeaderBytes = 64 * 1024

// hopHeaders are stripped before forwarding, per spec.md §4.D. This
// mirrors the hop-by-hop header list used by net/http/httputil's
// reverse proxy, trimmed to the two the spec calls out by name plus
// the standard hop-by-hop set so a chained proxy never leaks its own
// framing headers upstream.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

// Opener is the subset of the SSH Transport Manager the front-end
// needs: open a channel to an endpoint.
type Opener interface {
	Open(host string, port uint16) (net.Conn, error)
}

// Server is a listening HTTP/HTTPS front-end. Default bind address
// per spec.md §4.D is 127.0.0.1:10801.
type Server struct {
	Opener      Opener
	Counters    *metrics.Counters
	IdleTimeout time.Duration
	MaxRelays   int

	listener  net.Listener
	sem       chan struct{}
	acceptWG  sync.WaitGroup
	handlerWG sync.WaitGroup
	closing   chan struct{}
}

// Listen binds the listener and begins accepting in a background
// goroutine.
func (s *Server) Listen(addr string) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", err
	}
	s.listener = ln
	s.closing = make(chan struct{})
	if s.MaxRelays <= 0 {
		s.MaxRelays = 256
	}
	s.sem = make(chan struct{}, s.MaxRelays)

	s.acceptWG.Add(1)
	go s.acceptLoop()

	notice.HttpProxyListening(ln.Addr().String())
	return ln.Addr().String(), nil
}

// Close stops accepting new connections and waits for the accept loop
// to exit, without waiting for in-flight relays; use Drain for that.
func (s *Server) Close() {
	if s.closing != nil {
		close(s.closing)
	}
	if s.listener != nil {
		s.listener.Close()
	}
	s.acceptWG.Wait()
}

// Drain waits up to timeout for in-flight relays to finish. Call
// Close first so no new handlers are admitted while waiting.
func (s *Server) Drain(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		s.handlerWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (s *Server) acceptLoop() {
	defer s.acceptWG.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}

		select {
		case s.sem <- struct{}{}:
		default:
			conn.Close()
			continue
		}

		// Every connection that clears the concurrency cap counts
		// against total_relays exactly once, whatever becomes of it
		// (spec.md §3, §7) — rejection-before-accounting is only the
		// MaxRelays case just above.
		if s.Counters != nil {
			s.Counters.Accepted()
		}

		s.handlerWG.Add(1)
		go func() {
			defer s.handlerWG.Done()
			defer func() { <-s.sem }()
			s.handle(conn)
		}()
	}
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()

	limited := &io.LimitedReader{R: conn, N: maxHeaderBytes}
	reader := bufio.NewReaderSize(limited, maxHeaderBytes)
	req, err := http.ReadRequest(reader)
	if err != nil {
		notice.ClientProtocolError(err)
		writeStatusLine(conn, 400, "Bad Request")
		return
	}
	// The bound applies to the request line and headers only; the
	// body and any later bytes read through reader are not capped.
	limited.N = math.MaxInt64

	// Anything already pulled into reader's buffer past the parsed
	// request (the first bytes of a CONNECT tunnel's payload, written
	// by the client in the same packet as the request) must still
	// reach the upstream once relaying starts, not be dropped on the
	// floor along with the now-discarded bufio.Reader.
	wrapped := &bufferedConn{Conn: conn, r: reader}

	if req.Method == http.MethodConnect {
		s.handleConnect(wrapped, req)
		return
	}
	s.handleAbsoluteURI(wrapped, req)
}

// bufferedConn drains a bufio.Reader's already-buffered bytes before
// falling through to the underlying connection, so wrapping a conn in
// a bufio.Reader to parse one request doesn't silently swallow bytes
// the client pipelined right after it.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (b *bufferedConn) Read(p []byte) (int, error) {
	if b.r.Buffered() > 0 {
		return b.r.Read(p)
	}
	return b.Conn.Read(p)
}

func (s *Server) handleConnect(conn net.Conn, req *http.Request) {
	host, port, err := splitHostPort(req.Host, 443)
	if err != nil {
		notice.ClientProtocolError(err)
		writeStatusLine(conn, 400, "Bad Request")
		return
	}

	upstream, err := s.Opener.Open(host, port)
	if err != nil {
		notice.RejectedConnection(req.Host, err)
		writeStatusLine(conn, 502, "Bad Gateway")
		return
	}

	if _, err := io.WriteString(conn, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		upstream.Close()
		return
	}

	if s.Counters != nil {
		s.Counters.RelayStarted()
		defer s.Counters.RelayFinished()
	}
	relay.Run(conn, upstream, s.IdleTimeout, s.Counters)
}

func (s *Server) handleAbsoluteURI(conn net.Conn, req *http.Request) {
	if !req.URL.IsAbs() {
		notice.ClientProtocolError(fmt.Errorf("non-absolute request-target %q on non-CONNECT method", req.URL.String()))
		writeStatusLine(conn, 400, "Bad Request")
		return
	}

	host, port, err := splitHostPort(req.URL.Host, 80)
	if err != nil {
		notice.ClientProtocolError(err)
		writeStatusLine(conn, 400, "Bad Request")
		return
	}

	upstream, err := s.Opener.Open(host, port)
	if err != nil {
		notice.RejectedConnection(req.URL.Host, err)
		writeStatusLine(conn, 502, "Bad Gateway")
		return
	}

	for _, h := range hopHeaders {
		req.Header.Del(h)
	}
	// Force Connection: close on forwarded plaintext requests to
	// simplify lifetime management (spec.md §4.D).
	req.Header.Set("Connection", "close")
	req.Close = true

	requestLine := fmt.Sprintf("%s %s HTTP/1.1\r\n", req.Method, originForm(req.URL))
	if _, err := io.WriteString(upstream, requestLine); err != nil {
		upstream.Close()
		return
	}
	if err := req.Header.Write(upstream); err != nil {
		upstream.Close()
		return
	}
	if _, err := io.WriteString(upstream, "\r\n"); err != nil {
		upstream.Close()
		return
	}
	if req.Body != nil {
		if _, err := io.Copy(upstream, req.Body); err != nil {
			upstream.Close()
			return
		}
	}

	if s.Counters != nil {
		s.Counters.RelayStarted()
		defer s.Counters.RelayFinished()
	}
	relay.Run(conn, upstream, s.IdleTimeout, s.Counters)
}

// originForm strips the scheme and authority from the request target,
// per spec.md §4.D.
func originForm(u *url.URL) string {
	return u.RequestURI()
}

func writeStatusLine(conn net.Conn, code int, reason string) {
	fmt.Fprintf(conn, "HTTP/1.1 %d %s\r\n\r\n", code, reason)
}

// splitHostPort parses a "host:port" or bare "host" target, applying
// defaultPort when no port is present.
func splitHostPort(hostport string, defaultPort uint16) (string, uint16, error) {
	if hostport == "" {
		return "", 0, fmt.Errorf("empty host")
	}
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		// No port present.
		return strings.TrimSuffix(hostport, ":"), defaultPort, nil
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port %q", portStr)
	}
	return host, uint16(port), nil
}
