package socks5

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/JoursBleu/ssh-tunnel/internal/metrics"
)

// fakeOpener stands in for the SSH Transport Manager: Open dials a
// fixed target regardless of the requested host, recording what was
// actually requested so tests can assert the address was forwarded
// verbatim (spec.md §4.C: a DOMAINNAME is never resolved locally).
type fakeOpener struct {
	target      string
	refuse      bool
	lastHost    string
	lastPort    uint16
}

func (f *fakeOpener) Open(host string, port uint16) (net.Conn, error) {
	f.lastHost = host
	f.lastPort = port
	if f.refuse {
		return nil, io.ErrClosedPipe
	}
	return net.Dial("tcp", f.target)
}

func startEchoServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				io.Copy(conn, conn)
				conn.Close()
			}()
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

func startSocksServer(t *testing.T, opener Opener, counters *metrics.Counters) string {
	t.Helper()
	srv := &Server{Opener: opener, Counters: counters}
	addr, err := srv.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(srv.Close)
	return addr
}

func TestSocks5HappyPathDomainName(t *testing.T) {
	echoAddr := startEchoServer(t)
	opener := &fakeOpener{target: echoAddr}
	var counters metrics.Counters
	addr := startSocksServer(t, opener, &counters)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial socks server: %v", err)
	}
	defer conn.Close()

	// Greeting: VER=5, NMETHODS=1, METHODS=[NO AUTH]
	if _, err := conn.Write([]byte{0x05, 0x01, 0x00}); err != nil {
		t.Fatalf("write greeting: %v", err)
	}
	greetingReply := make([]byte, 2)
	if _, err := io.ReadFull(conn, greetingReply); err != nil {
		t.Fatalf("read greeting reply: %v", err)
	}
	if !bytes.Equal(greetingReply, []byte{0x05, 0x00}) {
		t.Fatalf("greeting reply = % x, want 05 00", greetingReply)
	}

	// Request: VER=5 CMD=CONNECT RSV=0 ATYP=DOMAINNAME "example" PORT=80
	domain := "example"
	req := []byte{0x05, 0x01, 0x00, 0x03, byte(len(domain))}
	req = append(req, domain...)
	portBytes := make([]byte, 2)
	binary.BigEndian.PutUint16(portBytes, 80)
	req = append(req, portBytes...)
	if _, err := conn.Write(req); err != nil {
		t.Fatalf("write request: %v", err)
	}

	reply := make([]byte, 10)
	if _, err := io.ReadFull(conn, reply); err != nil {
		t.Fatalf("read connect reply: %v", err)
	}
	want := []byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0}
	if !bytes.Equal(reply, want) {
		t.Fatalf("connect reply = % x, want % x", reply, want)
	}

	if opener.lastHost != domain {
		t.Fatalf("Opener.Open host = %q, want %q (must not be resolved locally)", opener.lastHost, domain)
	}
	if opener.lastPort != 80 {
		t.Fatalf("Opener.Open port = %d, want 80", opener.lastPort)
	}

	payload := bytes.Repeat([]byte("e"), 1000)
	go func() {
		conn.Write(payload)
	}()
	got := make([]byte, len(payload))
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatalf("ReadFull echo: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("echoed payload mismatch")
	}

	conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snap := counters.Snapshot()
		if snap.BytesUp == uint64(len(payload)) && snap.BytesDown == uint64(len(payload)) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	snap := counters.Snapshot()
	t.Fatalf("bytes_up=%d bytes_down=%d, want both %d", snap.BytesUp, snap.BytesDown, len(payload))
}

func TestSocks5MalformedGreetingClosesWithoutReply(t *testing.T) {
	opener := &fakeOpener{}
	addr := startSocksServer(t, opener, nil)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// VER != 5
	if _, err := conn.Write([]byte{0x04, 0x01, 0x00}); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	buf := make([]byte, 16)
	n, err := conn.Read(buf)
	if n > 2 {
		t.Fatalf("server wrote %d bytes after malformed greeting, want <= 2", n)
	}
	if err == nil {
		t.Fatal("expected connection to be closed after malformed greeting")
	}
}

func TestSocks5UDPAssociateRefused(t *testing.T) {
	opener := &fakeOpener{}
	addr := startSocksServer(t, opener, nil)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte{0x05, 0x01, 0x00}); err != nil {
		t.Fatalf("write greeting: %v", err)
	}
	greetingReply := make([]byte, 2)
	io.ReadFull(conn, greetingReply)

	// CMD = 0x03 (UDP ASSOCIATE), ATYP=IPv4, addr 0.0.0.0, port 0
	req := []byte{0x05, 0x03, 0x00, 0x01, 0, 0, 0, 0, 0, 0}
	if _, err := conn.Write(req); err != nil {
		t.Fatalf("write request: %v", err)
	}

	reply := make([]byte, 10)
	if _, err := io.ReadFull(conn, reply); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply[1] != 0x07 {
		t.Fatalf("reply byte 2 = 0x%02x, want 0x07 (command not supported)", reply[1])
	}
}

func TestSocks5UpstreamRefusedRepliesConnectionRefused(t *testing.T) {
	opener := &fakeOpener{refuse: true}
	addr := startSocksServer(t, opener, nil)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.Write([]byte{0x05, 0x01, 0x00})
	greetingReply := make([]byte, 2)
	io.ReadFull(conn, greetingReply)

	req := []byte{0x05, 0x01, 0x00, 0x01, 127, 0, 0, 1, 0, 80}
	conn.Write(req)

	reply := make([]byte, 10)
	if _, err := io.ReadFull(conn, reply); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply[1] != 0x05 {
		t.Fatalf("reply byte 2 = 0x%02x, want 0x05 (connection refused)", reply[1])
	}
}

func TestSocks5IPv6AddressParsing(t *testing.T) {
	echoAddr := startEchoServer(t)
	opener := &fakeOpener{target: echoAddr}
	addr := startSocksServer(t, opener, nil)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.Write([]byte{0x05, 0x01, 0x00})
	greetingReply := make([]byte, 2)
	io.ReadFull(conn, greetingReply)

	ip := net.ParseIP("::1").To16()
	req := []byte{0x05, 0x01, 0x00, 0x04}
	req = append(req, ip...)
	req = append(req, 0x00, 0x50)
	conn.Write(req)

	reply := make([]byte, 10)
	if _, err := io.ReadFull(conn, reply); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply[1] != 0x00 {
		t.Fatalf("reply byte 2 = 0x%02x, want success", reply[1])
	}
	if opener.lastHost != "::1" {
		t.Fatalf("Opener.Open host = %q, want ::1", opener.lastHost)
	}
}

// TestSocks5TotalRelaysCountsAdmittedFailures covers spec.md §3/§7:
// total_relays must be incremented for every connection that clears
// the concurrency cap, even one that never completes a handshake or
// never reaches a successful upstream open.
func TestSocks5TotalRelaysCountsAdmittedFailures(t *testing.T) {
	opener := &fakeOpener{refuse: true}
	var counters metrics.Counters
	addr := startSocksServer(t, opener, &counters)

	// A malformed greeting: admitted, but the handshake never
	// completes.
	conn1, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial 1: %v", err)
	}
	conn1.Write([]byte{0x04, 0x01, 0x00})
	conn1.Close()

	// A well-formed request whose upstream open is refused.
	conn2, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial 2: %v", err)
	}
	defer conn2.Close()
	conn2.Write([]byte{0x05, 0x01, 0x00})
	io.ReadFull(conn2, make([]byte, 2))
	conn2.Write([]byte{0x05, 0x01, 0x00, 0x01, 127, 0, 0, 1, 0, 80})
	io.ReadFull(conn2, make([]byte, 10))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if counters.Snapshot().TotalRelays >= 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	snap := counters.Snapshot()
	if snap.TotalRelays != 2 {
		t.Fatalf("total_relays = %d, want 2 (both admitted connections counted despite neither relaying)", snap.TotalRelays)
	}
	if snap.ActiveRelays != 0 {
		t.Fatalf("active_relays = %d, want 0 (neither connection ever started relaying)", snap.ActiveRelays)
	}
}

func TestSocks5ConcurrencyCapRejectsExcess(t *testing.T) {
	echoAddr := startEchoServer(t)
	opener := &fakeOpener{target: echoAddr}
	srv := &Server{Opener: opener, MaxRelays: 1}
	addr, err := srv.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer srv.Close()

	// Hold one connection open through a full handshake so it counts
	// against the cap, then verify a second connection is rejected.
	conn1, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial 1: %v", err)
	}
	defer conn1.Close()
	conn1.Write([]byte{0x05, 0x01, 0x00})
	io.ReadFull(conn1, make([]byte, 2))
	conn1.Write([]byte{0x05, 0x01, 0x00, 0x01, 127, 0, 0, 1, 0, 80})
	io.ReadFull(conn1, make([]byte, 10))

	conn2, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial 2: %v", err)
	}
	defer conn2.Close()
	conn2.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	buf := make([]byte, 1)
	_, err = conn2.Read(buf)
	if err == nil {
		t.Fatal("expected the second connection to be closed immediately (at the concurrency cap)")
	}
}
