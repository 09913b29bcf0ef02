// Command sshtunnelvpn is the CLI surface described in spec.md §6: a
// SOCKS5 + HTTP/HTTPS proxy tunneled over one SSH transport,
// optionally through a jump host, with an optional system-proxy hook.
//
// The GUI named in spec.md §1 is an external collaborator; this
// binary only implements the `cli` mode of the positional gui/cli
// argument. `gui` is accepted as a usage error (exit code 2) rather
// than silently degrading to `cli`, since launching a window system
// is not this module's job.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/JoursBleu/ssh-tunnel/internal/config"
	"github.com/JoursBleu/ssh-tunnel/internal/model"
	"github.com/JoursBleu/ssh-tunnel/internal/notice"
	"github.com/JoursBleu/ssh-tunnel/internal/supervisor"
)

// Exit codes per spec.md §6.
const (
	exitClean = 0
	exitFatal = 1
	exitUsage = 2
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("sshtunnelvpn", flag.ContinueOnError)

	var host, user, password, keyPath, keyPassphrase string
	var port int
	fs.StringVar(&host, "H", "", "target SSH host")
	fs.StringVar(&host, "host", "", "target SSH host")
	fs.IntVar(&port, "P", 22, "target SSH port")
	fs.IntVar(&port, "port", 22, "target SSH port")
	fs.StringVar(&user, "u", "", "target SSH user")
	fs.StringVar(&user, "user", "", "target SSH user")
	fs.StringVar(&password, "p", "", "target SSH password")
	fs.StringVar(&password, "password", "", "target SSH password")
	fs.StringVar(&keyPath, "key", "", "target SSH private key path")
	fs.StringVar(&keyPassphrase, "key-passphrase", "", "target SSH private key passphrase")

	var jumpHost, jumpUser, jumpPassword, jumpKeyPath, jumpKeyPassphrase string
	var jumpPort int
	fs.StringVar(&jumpHost, "jump-host", "", "jump SSH host")
	fs.IntVar(&jumpPort, "jump-port", 22, "jump SSH port")
	fs.StringVar(&jumpUser, "jump-user", "", "jump SSH user")
	fs.StringVar(&jumpPassword, "jump-password", "", "jump SSH password")
	fs.StringVar(&jumpKeyPath, "jump-key", "", "jump SSH private key path")
	fs.StringVar(&jumpKeyPassphrase, "jump-key-passphrase", "", "jump SSH private key passphrase")

	var socksPort, httpPort int
	fs.IntVar(&socksPort, "s", 10800, "local SOCKS5 port")
	fs.IntVar(&socksPort, "socks", 10800, "local SOCKS5 port")
	fs.IntVar(&httpPort, "http", 10801, "local HTTP proxy port")

	manageProxy := true
	fs.BoolVar(&manageProxy, "proxy", true, "manage the OS system proxy")
	noProxy := false
	fs.BoolVar(&noProxy, "no-proxy", false, "do not manage the OS system proxy")

	noSave := false
	fs.BoolVar(&noSave, "no-save", false, "skip writing the session config to disk")

	knownHostsPath := ""
	fs.StringVar(&knownHostsPath, "known-hosts", "", "verify the target host key against this known_hosts file (REDESIGN FLAG, opt-in)")

	noticesPath := ""
	fs.StringVar(&noticesPath, "notices", "", "notices output file (defaults to stderr)")

	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	flagsSet := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { flagsSet[f.Name] = true })

	mode := "gui"
	if fs.NArg() > 0 {
		mode = fs.Arg(0)
	}

	if noticesPath != "" {
		f, err := os.OpenFile(noticesPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			fmt.Fprintln(os.Stderr, errStyle.Render("opening notices file: "+err.Error()))
			return exitFatal
		}
		defer f.Close()
		notice.SetOutput(f)
	}

	switch mode {
	case "gui":
		fmt.Fprintln(os.Stderr, titleStyle.Render("sshtunnelvpn")+": the GUI front-end is an external collaborator and is not built by this binary; run with the \"cli\" positional argument instead.")
		return exitUsage
	case "cli":
		return runCLI(cliOptions{
			host: host, port: port, user: user, password: password,
			keyPath: keyPath, keyPassphrase: keyPassphrase,
			jumpHost: jumpHost, jumpPort: jumpPort, jumpUser: jumpUser,
			jumpPassword: jumpPassword, jumpKeyPath: jumpKeyPath, jumpKeyPassphrase: jumpKeyPassphrase,
			socksPort: socksPort, httpPort: httpPort,
			manageProxy: manageProxy && !noProxy,
			noSave:      noSave,
			knownHosts:  knownHostsPath,

			portSet:        flagsSet["P"] || flagsSet["port"],
			socksPortSet:   flagsSet["s"] || flagsSet["socks"],
			httpPortSet:    flagsSet["http"],
			manageProxySet: flagsSet["proxy"] || flagsSet["no-proxy"],
		})
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q: expected \"gui\" or \"cli\"\n", mode)
		return exitUsage
	}
}

type cliOptions struct {
	host, user, password, keyPath, keyPassphrase string
	port                                          int
	jumpHost, jumpUser, jumpPassword, jumpKeyPath string
	jumpKeyPassphrase                             string
	jumpPort                                      int
	socksPort, httpPort                           int
	manageProxy, noSave                           bool
	knownHosts                                    string

	// ...Set record whether the corresponding flag was actually passed
	// on the command line, so applyFlags can tell "user wants 10800"
	// from "user didn't mention the port, keep the loaded session's".
	portSet, socksPortSet, httpPortSet, manageProxySet bool
}

func runCLI(opt cliOptions) int {
	mgr, err := config.NewManager("")
	if err != nil {
		fmt.Fprintln(os.Stderr, errStyle.Render("config: "+err.Error()))
		return exitFatal
	}

	cfg, err := mgr.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, errStyle.Render("config: "+err.Error()))
		return exitFatal
	}

	cfg = applyFlags(cfg, opt)

	if cfg.Target.Host != "" && !cfg.TargetCredential.HasPassword() && !cfg.TargetCredential.HasKey() {
		password, err := promptPassword(fmt.Sprintf("password for %s@%s: ", cfg.TargetUser, cfg.Target.Host))
		if err != nil {
			fmt.Fprintln(os.Stderr, errStyle.Render("reading password: "+err.Error()))
			return exitFatal
		}
		cfg.TargetCredential.Password = password
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, errStyle.Render("usage: "+err.Error()))
		return exitUsage
	}

	if !opt.noSave {
		if err := mgr.Save(cfg); err != nil {
			// A failure to persist the config is not fatal to the
			// session itself (spec.md treats config persistence as an
			// external collaborator's concern).
			notice.Emit(notice.Alert, "ConfigSaveError", "message", err.Error())
		}
	}

	sup := supervisor.New()
	if err := sup.Start(cfg); err != nil {
		fmt.Fprintln(os.Stderr, errStyle.Render("start failed: "+err.Error()))
		return exitFatal
	}

	snap := sup.Snapshot()
	fmt.Fprintf(os.Stderr, "%s  socks=%s  http=%s\n",
		okStyle.Render("tunnel up"), snap.SocksAddr, snap.HTTPAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	sup.Stop(3 * time.Second)
	fmt.Fprintln(os.Stderr, okStyle.Render("tunnel stopped"))
	return exitClean
}

// promptPassword reads a password from the controlling terminal with
// echo disabled, falling back to a plain error when stdin isn't a
// terminal (e.g. piped input in a script or CI run).
func promptPassword(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("no password or key given and stdin is not a terminal")
	}
	fmt.Fprint(os.Stderr, prompt)
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// applyFlags overlays non-zero-value flags on top of a loaded config,
// so a bare `sshtunnelvpn cli` reuses the last session and an
// override only touches the fields the user actually passed.
func applyFlags(cfg model.SessionConfig, opt cliOptions) model.SessionConfig {
	if opt.host != "" {
		cfg.Target.Host = opt.host
	}
	if opt.portSet || cfg.Target.Port == 0 {
		cfg.Target.Port = uint16(opt.port)
	}
	if opt.user != "" {
		cfg.TargetUser = opt.user
	}
	if opt.password != "" {
		cfg.TargetCredential.Password = opt.password
	}
	if opt.keyPath != "" {
		cfg.TargetCredential.KeyPath = opt.keyPath
	}
	if opt.keyPassphrase != "" {
		cfg.TargetCredential.KeyPassphrase = opt.keyPassphrase
	}

	if opt.jumpHost != "" {
		// Merge into whatever jump config was already loaded, so
		// pointing -jump-host at a different box doesn't also wipe out
		// a jump user/password/key that came from the saved session
		// and wasn't repeated on this command line.
		if cfg.Jump == nil {
			cfg.Jump = &model.JumpConfig{}
		}
		cfg.Jump.Endpoint = model.Endpoint{Host: opt.jumpHost, Port: uint16(opt.jumpPort)}
		if opt.jumpUser != "" {
			cfg.Jump.User = opt.jumpUser
		}
		if opt.jumpPassword != "" {
			cfg.Jump.Credential.Password = opt.jumpPassword
		}
		if opt.jumpKeyPath != "" {
			cfg.Jump.Credential.KeyPath = opt.jumpKeyPath
		}
		if opt.jumpKeyPassphrase != "" {
			cfg.Jump.Credential.KeyPassphrase = opt.jumpKeyPassphrase
		}
	}

	if opt.socksPortSet {
		cfg.SocksPort = uint16(opt.socksPort)
	} else if cfg.SocksPort == 0 {
		cfg.SocksPort = uint16(opt.socksPort)
	}
	if opt.httpPortSet {
		cfg.HTTPPort = uint16(opt.httpPort)
	} else if cfg.HTTPPort == 0 {
		cfg.HTTPPort = uint16(opt.httpPort)
	}
	if opt.manageProxySet {
		cfg.ManageSystemProxy = opt.manageProxy
	}

	if opt.knownHosts != "" {
		cfg.KnownHostsMode = true
		cfg.KnownHostsPath = opt.knownHosts
	}

	return cfg
}
