package sysproxy

import (
	"fmt"
	"net"
)

// Set points the OS-wide proxy settings at the SOCKS5 and HTTP
// front-ends listening at socksAddr/httpAddr (both "host:port").
func Set(socksAddr, httpAddr string) error {
	socksHost, socksPort, err := net.SplitHostPort(socksAddr)
	if err != nil {
		return fmt.Errorf("invalid socks address %q: %w", socksAddr, err)
	}
	httpHost, httpPort, err := net.SplitHostPort(httpAddr)
	if err != nil {
		return fmt.Errorf("invalid http address %q: %w", httpAddr, err)
	}
	return setProxy(httpHost, httpPort, socksHost, socksPort)
}

// Clear restores the system to its no-proxy state.
func Clear() error {
	return clearProxy()
}
