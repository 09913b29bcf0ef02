// Package sshtestserver is a minimal in-process SSH server, used only
// by this module's own tests to stand in for a real remote SSH
// daemon. It accepts password or public-key auth against one fixed
// credential and serves direct-tcpip channel-open requests by dialing
// the requested host:port locally — the same shape as
// golang.org/x/crypto/ssh's server-side ServerConn plus the
// direct-tcpip relay loop documented in RFC 4254 §7.2, grounded on
// the teacher's own SSH server (psiphon/server/sshService.go).
package sshtestserver

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"golang.org/x/crypto/ssh"
)

// Server is a loopback SSH server accepting one user/password pair
// (and/or one authorized public key) and forwarding direct-tcpip
// channels to whatever host:port the client asks for.
type Server struct {
	User          string
	Password      string        // empty disables password auth
	AuthorizedKey ssh.PublicKey // nil disables public-key auth

	// DialFunc overrides how a direct-tcpip request is satisfied;
	// defaults to net.Dial("tcp", addr). Tests use this to point
	// channel opens at an in-process echo listener without touching
	// the network.
	DialFunc func(addr string) (net.Conn, error)

	listener net.Listener
	signer   ssh.Signer
	wg       sync.WaitGroup
	closed   chan struct{}

	connsMu sync.Mutex
	conns   []net.Conn
}

// NewServer generates a host key and starts listening on 127.0.0.1:0.
func NewServer() (*Server, error) {
	signer, err := generateHostKey()
	if err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &Server{
		listener: ln,
		signer:   signer,
		closed:   make(chan struct{}),
	}
	return s, nil
}

// Addr returns the "host:port" the server is listening on.
func (s *Server) Addr() string { return s.listener.Addr().String() }

// Serve begins accepting SSH connections in a background goroutine.
func (s *Server) Serve() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := s.listener.Accept()
			if err != nil {
				return
			}
			s.trackConn(conn)
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.handleConn(conn)
			}()
		}
	}()
}

func (s *Server) trackConn(conn net.Conn) {
	s.connsMu.Lock()
	s.conns = append(s.conns, conn)
	s.connsMu.Unlock()
}

// DropConnections forcibly closes every currently-accepted raw TCP
// connection without closing the listener, simulating a TCP RST or
// remote hangup in the middle of a session (spec.md §4.B, §7's
// "transport mid-session drop" scenario). Unlike Close, it does not
// stop the server from accepting new connections.
func (s *Server) DropConnections() {
	s.connsMu.Lock()
	conns := s.conns
	s.conns = nil
	s.connsMu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

// Close stops accepting new connections, force-closes every accepted
// connection (via DropConnections) and waits for their handlers to
// exit.
func (s *Server) Close() {
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
	s.listener.Close()
	s.DropConnections()
	s.wg.Wait()
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if s.Password != "" && c.User() == s.User && string(password) == s.Password {
				return nil, nil
			}
			return nil, errors.New("password rejected")
		},
		PublicKeyCallback: func(c ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if s.AuthorizedKey != nil && c.User() == s.User &&
				string(key.Marshal()) == string(s.AuthorizedKey.Marshal()) {
				return nil, nil
			}
			return nil, errors.New("public key rejected")
		},
	}
	config.AddHostKey(s.signer)

	sshConn, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "direct-tcpip" {
			newChannel.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		go s.handleDirectTCPIP(newChannel)
	}
}

// directTCPIPExtraData mirrors RFC 4254 §7.2's channel-open payload.
type directTCPIPExtraData struct {
	HostToConnect       string
	PortToConnect       uint32
	OriginatorIPAddress string
	OriginatorPort      uint32
}

func (s *Server) handleDirectTCPIP(newChannel ssh.NewChannel) {
	var extra directTCPIPExtraData
	if err := ssh.Unmarshal(newChannel.ExtraData(), &extra); err != nil {
		newChannel.Reject(ssh.Prohibited, "invalid extra data")
		return
	}

	addr := fmt.Sprintf("%s:%d", extra.HostToConnect, extra.PortToConnect)

	dial := s.DialFunc
	if dial == nil {
		dial = func(a string) (net.Conn, error) { return net.Dial("tcp", a) }
	}

	upstream, err := dial(addr)
	if err != nil {
		newChannel.Reject(ssh.ConnectionFailed, err.Error())
		return
	}

	channel, requests, err := newChannel.Accept()
	if err != nil {
		upstream.Close()
		return
	}
	go ssh.DiscardRequests(requests)

	defer channel.Close()
	defer upstream.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(upstream, channel)
	}()
	go func() {
		defer wg.Done()
		io.Copy(channel, upstream)
	}()
	wg.Wait()
}

func generateHostKey() (ssh.Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return ssh.NewSignerFromSigner(priv)
}

// NewClientKeyPair generates an ed25519 key pair suitable for a
// test's "Key" credential: the private key is returned PEM-encoded
// (as SSH private-key parsing expects) and the public key is returned
// as an ssh.PublicKey for Server.AuthorizedKey.
func NewClientKeyPair() (privatePEM []byte, public ssh.PublicKey, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	public, err = ssh.NewPublicKey(pub)
	if err != nil {
		return nil, nil, err
	}
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		return nil, nil, err
	}
	return pem.EncodeToMemory(block), public, nil
}
