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

//go:build linux

package sysproxy

import (
	"fmt"
	"os/exec"
)

type proxyScheme string

const (
	httpScheme  proxyScheme = "http"
	httpsScheme proxyScheme = "https"
	socksScheme proxyScheme = "socks"
)

func setProxy(httpHost, httpPort, socksHost, socksPort string) error {
	if err := gsettingsSet("org.gnome.system.proxy", "mode", "manual"); err != nil {
		return err
	}
	if err := setScheme(httpScheme, httpHost, httpPort); err != nil {
		return err
	}
	if err := setScheme(httpsScheme, httpHost, httpPort); err != nil {
		return err
	}
	if err := setScheme(socksScheme, socksHost, socksPort); err != nil {
		return err
	}
	return nil
}

func setScheme(scheme proxyScheme, host, port string) error {
	schema := fmt.Sprintf("org.gnome.system.proxy.%s", scheme)
	if err := gsettingsSet(schema, "host", host); err != nil {
		return err
	}
	return gsettingsSet(schema, "port", port)
}

func clearProxy() error {
	return gsettingsSet("org.gnome.system.proxy", "mode", "none")
}

func gsettingsSet(schema, key, value string) error {
	cmd := exec.Command("gsettings", "set", schema, key, value)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("gsettings set %s %s %s: %w", schema, key, value, err)
	}
	return nil
}
