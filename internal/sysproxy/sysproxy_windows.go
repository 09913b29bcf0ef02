// Copyright 2024 Jigsaw Operations LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build windows

package sysproxy

import (
	"fmt"
	"net"

	"golang.org/x/sys/windows"
	"golang.org/x/sys/windows/registry"
)

const internetSettingsKey = `Software\Microsoft\Windows\CurrentVersion\Internet Settings`

const (
	internetOptionSettingsChanged = 39
	internetOptionRefresh         = 37
)

var (
	modwininet            = windows.NewLazySystemDLL("wininet.dll")
	procInternetSetOption = modwininet.NewProc("InternetSetOptionW")
)

// setProxy writes a single combined "http=...;https=...;socks=..."
// ProxyServer value, which is how WinINet expects per-scheme proxies
// to be expressed (a bare "host:port" value applies to every scheme).
func setProxy(httpHost, httpPort, socksHost, socksPort string) error {
	httpEndpoint := net.JoinHostPort(httpHost, httpPort)
	socksEndpoint := net.JoinHostPort(socksHost, socksPort)
	combined := fmt.Sprintf("http=%s;https=%s;socks=%s", httpEndpoint, httpEndpoint, socksEndpoint)

	key, err := registry.OpenKey(registry.CURRENT_USER, internetSettingsKey, registry.SET_VALUE)
	if err != nil {
		return err
	}
	defer key.Close()

	if err := key.SetStringValue("ProxyServer", combined); err != nil {
		return err
	}
	if err := key.SetStringValue("ProxyOverride", "*.local;<local>"); err != nil {
		return err
	}
	if err := key.SetDWordValue("ProxyEnable", uint32(1)); err != nil {
		return err
	}

	return notifyWinInetProxySettingsChanged()
}

func clearProxy() error {
	key, err := registry.OpenKey(registry.CURRENT_USER, internetSettingsKey, registry.SET_VALUE)
	if err != nil {
		return err
	}
	defer key.Close()

	if err := key.SetDWordValue("ProxyEnable", 0); err != nil {
		return err
	}

	return notifyWinInetProxySettingsChanged()
}

func internetSetOption(dwOption int) error {
	ret, _, lastErr := procInternetSetOption.Call(0, uintptr(dwOption), 0, 0)
	if ret == 0 {
		return lastErr
	}
	return nil
}

func notifyWinInetProxySettingsChanged() error {
	if err := internetSetOption(internetOptionSettingsChanged); err != nil {
		return fmt.Errorf("notifying registry change: %w", err)
	}
	if err := internetSetOption(internetOptionRefresh); err != nil {
		return fmt.Errorf("refreshing proxy data: %w", err)
	}
	return nil
}
