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

/*
Package sysproxy implements the opaque system-proxy hook from spec.md
§4.F: Set points the OS-wide HTTP/HTTPS/SOCKS proxy settings at the
local front-ends, Clear restores the no-proxy state. The supervisor
treats both operations as best-effort — a failure here never aborts a
tunnel session, it is only surfaced as a notice.

Only desktop platforms are implemented: Linux (GNOME, via gsettings),
macOS (via networksetup) and Windows (via the WinINet registry keys).
Every other platform gets a no-op implementation.
*/
package sysproxy
