//go:build darwin

package sysproxy

import (
	"bytes"
	"fmt"
	"os/exec"
	"strings"
)

func setProxy(httpHost, httpPort, socksHost, socksPort string) error {
	iface, err := activeNetworkInterface()
	if err != nil {
		return err
	}
	if err := networksetup(iface, "-setwebproxy", httpHost, httpPort); err != nil {
		return err
	}
	if err := networksetup(iface, "-setsecurewebproxy", httpHost, httpPort); err != nil {
		return err
	}
	if err := networksetup(iface, "-setsocksfirewallproxy", socksHost, socksPort); err != nil {
		return err
	}
	return nil
}

func clearProxy() error {
	iface, err := activeNetworkInterface()
	if err != nil {
		return err
	}
	if err := networksetupState(iface, "-setwebproxystate", "off"); err != nil {
		return err
	}
	if err := networksetupState(iface, "-setsecurewebproxystate", "off"); err != nil {
		return err
	}
	if err := networksetupState(iface, "-setsocksfirewallproxystate", "off"); err != nil {
		return err
	}
	return nil
}

// activeNetworkInterface finds the network service name bound to the
// route that carries the default gateway.
func activeNetworkInterface() (string, error) {
	cmd := `networksetup -listnetworkserviceorder | grep ` +
		"`route -n get 0.0.0.0 | grep 'interface' | cut -d ':' -f2`" +
		` -B 1 | head -n 1 | cut -d ' ' -f2`
	out, err := exec.Command("bash", "-c", cmd).Output()
	if err != nil {
		return "", fmt.Errorf("finding active network interface: %w", err)
	}
	iface := strings.TrimSpace(string(out))
	if iface == "" {
		return "", fmt.Errorf("no active network interface found")
	}
	return iface, nil
}

func networksetup(iface, flag, host, port string) error {
	cmd := exec.Command("networksetup", flag, iface, host, port)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s %s: %w: %s", flag, iface, err, stderr.String())
	}
	return nil
}

func networksetupState(iface, flag, state string) error {
	cmd := exec.Command("networksetup", flag, iface, state)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s %s: %w: %s", flag, iface, err, stderr.String())
	}
	return nil
}
