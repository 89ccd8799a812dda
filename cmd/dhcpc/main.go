// Command dhcpc runs the DHCPv4 client against a single network interface.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"github.com/kardianos/service"

	"github.com/freemind-dhcp/dhcpd/internal/dhcp4"
	"github.com/freemind-dhcp/dhcpd/internal/dhcpc"
	"github.com/freemind-dhcp/dhcpd/internal/linklayer"
)

// version is reported by -v/--version. There is no release pipeline behind
// this number yet; bump it by hand when the wire behavior changes.
const version = "dhcpc 0.1.0"

func main() {
	var (
		ifaceName    string
		script       string
		hostname     string
		clientID     string
		requestIP    string
		pidPath      string
		foreground   bool
		now          bool
		quitAfter    bool
		debug        bool
		printVersion bool
	)

	flag.StringVar(&ifaceName, "i", "", "network interface to run on (required)")
	flag.StringVar(&ifaceName, "interface", "", "network interface to run on (required)")
	flag.StringVar(&script, "s", "/usr/share/dhcpc/default.script", "script to run on bound/renew/deconfig")
	flag.StringVar(&script, "script", "/usr/share/dhcpc/default.script", "script to run on bound/renew/deconfig")
	flag.StringVar(&hostname, "H", "", "hostname to send (option 12)")
	flag.StringVar(&hostname, "hostname", "", "hostname to send (option 12)")
	flag.StringVar(&clientID, "c", "", "client identifier to send (option 61), as a raw string")
	flag.StringVar(&clientID, "clientid", "", "client identifier to send (option 61), as a raw string")
	flag.StringVar(&requestIP, "r", "", "IPv4 address to request on the initial DISCOVER")
	flag.StringVar(&requestIP, "request", "", "IPv4 address to request on the initial DISCOVER")
	flag.StringVar(&pidPath, "p", "", "file to write the running process id to")
	flag.StringVar(&pidPath, "pidfile", "", "file to write the running process id to")
	flag.BoolVar(&foreground, "f", false, "stay attached to the controlling terminal instead of backgrounding")
	flag.BoolVar(&foreground, "foreground", false, "stay attached to the controlling terminal instead of backgrounding")
	flag.BoolVar(&now, "n", false, "exit with an error if no lease can be obtained immediately")
	flag.BoolVar(&now, "now", false, "exit with an error if no lease can be obtained immediately")
	flag.BoolVar(&quitAfter, "q", false, "exit as soon as a lease is obtained, without maintaining it")
	flag.BoolVar(&quitAfter, "quit", false, "exit as soon as a lease is obtained, without maintaining it")
	flag.BoolVar(&debug, "d", false, "enable debug logging")
	flag.BoolVar(&debug, "debug", false, "enable debug logging")
	flag.BoolVar(&printVersion, "v", false, "print version and exit")
	flag.BoolVar(&printVersion, "version", false, "print version and exit")
	flag.Parse()

	if printVersion {
		fmt.Println(version)
		return
	}

	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if ifaceName == "" {
		logger.Error("missing required flag", "flag", "-i/--interface")
		os.Exit(64)
	}

	conf := dhcpc.Config{
		Interface:      ifaceName,
		Hostname:       hostname,
		Script:         script,
		Foreground:     foreground,
		QuitAfterLease: quitAfter,
		AbortIfNoLease: now,
		PIDFile:        pidPath,
	}
	if clientID != "" {
		conf.ClientID = []byte(clientID)
	}
	if requestIP != "" {
		addr, err := netip.ParseAddr(requestIP)
		if err != nil {
			logger.Error("parsing requested address", "error", err, "value", requestIP)
			os.Exit(64)
		}
		conf.RequestedIP = addr
	}

	if foreground {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if pidPath != "" {
			if err := writePIDFile(pidPath); err != nil {
				logger.Error("writing pid file", "error", err, "path", pidPath)
				os.Exit(1)
			}
			defer os.Remove(pidPath)
		}

		if err := run(ctx, conf, logger); err != nil {
			logger.Error("exiting", "error", err)
			os.Exit(1)
		}
		return
	}

	if pidPath != "" {
		if err := writePIDFile(pidPath); err != nil {
			logger.Error("writing pid file", "error", err, "path", pidPath)
			os.Exit(1)
		}
		defer os.Remove(pidPath)
	}

	prg := &daemonProgram{
		run:    func(ctx context.Context) error { return run(ctx, conf, logger) },
		logger: logger,
	}
	svc, err := service.New(prg, &service.Config{
		Name:        "dhcpc",
		DisplayName: "DHCPv4 client",
		Description: "DHCPv4 client daemon serving a single network interface",
	})
	if err != nil {
		logger.Error("configuring service", "error", err)
		os.Exit(1)
	}
	if err = svc.Run(); err != nil {
		logger.Error("exiting", "error", err)
		os.Exit(1)
	}
}

// daemonProgram adapts run to the kardianos/service.Interface lifecycle,
// grounded in the teacher's service.go program type: Start launches the
// work in a goroutine and returns immediately, Stop cancels it and waits for
// that goroutine to unwind.
type daemonProgram struct {
	run    func(ctx context.Context) error
	logger *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

func (p *daemonProgram) Start(_ service.Service) error {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})

	go func() {
		defer close(p.done)
		if err := p.run(ctx); err != nil {
			p.logger.Error("exiting", "error", err)
		}
	}()

	return nil
}

func (p *daemonProgram) Stop(_ service.Service) error {
	if p.cancel != nil {
		p.cancel()
	}
	if p.done != nil {
		<-p.done
	}
	return nil
}

func run(ctx context.Context, conf dhcpc.Config, logger *slog.Logger) error {
	iface, err := net.InterfaceByName(conf.Interface)
	if err != nil {
		return fmt.Errorf("looking up interface %s: %w", conf.Interface, err)
	}

	rawFactory := func() (linklayer.LinkTransport, error) {
		return linklayer.NewRawClientTransport(conf.Interface)
	}
	kernelFactory := func() (linklayer.LinkTransport, error) {
		return linklayer.NewUDPTransport(conf.Interface, dhcp4.ClientPort)
	}

	c, err := dhcpc.New(conf, iface.HardwareAddr, rawFactory, kernelFactory, logger)
	if err != nil {
		return fmt.Errorf("starting client: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(sigCh)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-sigCh:
				switch sig {
				case syscall.SIGUSR1:
					c.RequestRenew()
				case syscall.SIGUSR2:
					c.RequestRelease()
				}
			}
		}
	}()

	logger.Info("starting dhcp client", "interface", conf.Interface)
	return c.Run(ctx)
}

// writePIDFile records the running process's id at path, matching the
// donor's plain os.WriteFile approach.
func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(fmt.Sprintf("%d", os.Getpid())), 0o644)
}
