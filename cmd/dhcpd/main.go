// Command dhcpd runs the DHCPv4 server against a single network interface.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/kardianos/service"

	"github.com/freemind-dhcp/dhcpd/internal/dhcpserver"
	"github.com/freemind-dhcp/dhcpd/internal/linklayer"
)

// version is reported by -v/--version. There is no release pipeline behind
// this number yet; bump it by hand when the wire behavior changes.
const version = "dhcpd 0.1.0"

// defaultConfigPath is used when the configuration file is not given as the
// single optional positional argument.
const defaultConfigPath = "/etc/udhcpd.conf"

func main() {
	var (
		pidPath      string
		metricsBind  string
		logLevelStr  string
		foreground   bool
		printVersion bool
	)

	flag.StringVar(&pidPath, "p", "", "file to write the running process id to")
	flag.StringVar(&pidPath, "pidfile", "", "file to write the running process id to")
	flag.StringVar(&metricsBind, "metrics-addr", "", "address to serve Prometheus metrics on, e.g. :9167 (disabled if empty)")
	flag.StringVar(&logLevelStr, "log-level", "info", "log level: debug, info, warn, error")
	flag.BoolVar(&foreground, "f", false, "stay attached to the controlling terminal instead of backgrounding")
	flag.BoolVar(&foreground, "foreground", false, "stay attached to the controlling terminal instead of backgrounding")
	flag.BoolVar(&printVersion, "v", false, "print version and exit")
	flag.BoolVar(&printVersion, "version", false, "print version and exit")
	flag.Parse()

	if printVersion {
		fmt.Println(version)
		return
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(logLevelStr)}))

	configPath := defaultConfigPath
	if flag.NArg() > 0 {
		configPath = flag.Arg(0)
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

		if err := run(ctx, configPath, metricsBind, logger); err != nil {
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
		run:    func(ctx context.Context) error { return run(ctx, configPath, metricsBind, logger) },
		logger: logger,
	}
	svc, err := service.New(prg, &service.Config{
		Name:        "dhcpd",
		DisplayName: "DHCPv4 server",
		Description: "DHCPv4 server daemon serving a single network interface",
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

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func run(ctx context.Context, configPath, metricsBind string, logger *slog.Logger) error {
	conf, err := dhcpserver.LoadConfigFile(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	iface, err := net.InterfaceByName(conf.Interface)
	if err != nil {
		return fmt.Errorf("looking up interface %s: %w", conf.Interface, err)
	}

	transport, err := linklayer.NewRawServerTransport(iface)
	if err != nil {
		return fmt.Errorf("opening transport on %s: %w", conf.Interface, err)
	}
	defer transport.Close()

	srv, err := dhcpserver.New(conf, transport, logger)
	if err != nil {
		return fmt.Errorf("starting server: %w", err)
	}

	if metricsBind != "" {
		httpSrv := &http.Server{Addr: metricsBind, Handler: srv.Handler()}
		go func() {
			if lerr := httpSrv.ListenAndServe(); lerr != nil && lerr != http.ErrServerClosed {
				logger.Error("metrics server stopped", "error", lerr)
			}
		}()
		go func() {
			<-ctx.Done()
			_ = httpSrv.Close()
		}()
	}

	logger.Info("serving dhcp", "interface", conf.Interface, "pool_start", conf.Start, "pool_end", conf.End)
	return srv.Run(ctx)
}

// writePIDFile records the running process's id at path, matching the
// donor's plain os.WriteFile approach.
func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(fmt.Sprintf("%d", os.Getpid())), 0o644)
}
