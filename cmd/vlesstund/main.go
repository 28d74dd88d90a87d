package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/kardianos/service"

	"vlesstun/internal/config"
	"vlesstun/internal/supervisor"
)

const (
	serviceName        = "VLESSTun"
	serviceDisplayName = "VLESS Tunnel Daemon"
	serviceDescription = "Userspace VLESS-over-WebSocket VPN data plane"
)

// daemon implements kardianos/service.Interface for the OS service manager.
type daemon struct {
	sup    *supervisor.Supervisor
	cancel context.CancelFunc
}

func (d *daemon) Start(s service.Service) error {
	go d.run()
	return nil
}

func (d *daemon) Stop(s service.Service) error {
	slog.Info("service stop requested")
	if d.cancel != nil {
		d.cancel()
	}
	return nil
}

func (d *daemon) run() {
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	defer cancel()

	if err := runTunnel(ctx, d.sup); err != nil {
		slog.Error("daemon exited with error", "error", err)
		os.Exit(1)
	}
}

func main() {
	var (
		configPath  = flag.String("config", "", "path to config file (default: "+config.DefaultConfigPath+")")
		doInstall   = flag.Bool("install", false, "install as an OS service")
		doUninstall = flag.Bool("uninstall", false, "uninstall the OS service")
		doRun       = flag.Bool("run", false, "run in foreground (non-service mode)")
	)
	flag.Parse()

	initLogger("info")

	cfg, err := config.Load(*configPath)
	if err != nil && !*doInstall && !*doUninstall {
		if service.Interactive() {
			fmt.Println()
			fmt.Println("  ================================")
			fmt.Println("    VLESS Tunnel - First Run")
			fmt.Println("  ================================")
			fmt.Println()

			cfg, err = runFirstTimeSetup(*configPath)
			if err != nil {
				fmt.Printf("\n  Setup failed: %v\n", err)
				fmt.Println("\n  Press Enter to exit...")
				bufio.NewReader(os.Stdin).ReadBytes('\n')
				os.Exit(1)
			}
		} else {
			slog.Error("failed to load config", "error", err)
			os.Exit(1)
		}
	}

	if cfg != nil {
		initLogger(cfg.LogLevel)
	}

	svcConfig := &service.Config{
		Name:        serviceName,
		DisplayName: serviceDisplayName,
		Description: serviceDescription,
		Arguments:   []string{"-run"},
	}

	var sup *supervisor.Supervisor
	if cfg != nil {
		sup = supervisor.New(cfg, &cfg.Tunnel)
	}

	d := &daemon{sup: sup}
	svc, err := service.New(d, svcConfig)
	if err != nil {
		slog.Error("failed to create service", "error", err)
		os.Exit(1)
	}

	switch {
	case *doInstall:
		if err := svc.Install(); err != nil {
			slog.Error("failed to install service", "error", err)
			os.Exit(1)
		}
		fmt.Println("Service installed successfully:", serviceName)
		return

	case *doUninstall:
		if err := svc.Stop(); err != nil {
			slog.Warn("failed to stop service (may not be running)", "error", err)
		}
		if err := svc.Uninstall(); err != nil {
			slog.Error("failed to uninstall service", "error", err)
			os.Exit(1)
		}
		fmt.Println("Service uninstalled successfully:", serviceName)
		return

	case *doRun:
		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		slog.Info("starting tunnel daemon in foreground mode")
		if err := runTunnel(ctx, sup); err != nil {
			slog.Error("daemon exited with error", "error", err)
			os.Exit(1)
		}
		return

	default:
		if service.Interactive() {
			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			fmt.Println()
			fmt.Println("  VLESS Tunnel Daemon is running.")
			fmt.Println("  Press Ctrl+C to stop.")
			fmt.Println()

			if err := runTunnel(ctx, sup); err != nil {
				fmt.Printf("\n  Daemon error: %v\n", err)
				fmt.Println("\n  Press Enter to exit...")
				bufio.NewReader(os.Stdin).ReadBytes('\n')
				os.Exit(1)
			}
		} else {
			if err := svc.Run(); err != nil {
				slog.Error("service run failed", "error", err)
				os.Exit(1)
			}
		}
	}
}

// runFirstTimeSetup walks an operator through the minimum settings needed
// to bring up a tunnel (relay address and port, UUID, WebSocket path) and
// writes them, with fixed values for the other settings (TUN name "tun0",
// security "tls"), to a YAML config file at configPath (or
// config.DefaultConfigPath).
func runFirstTimeSetup(configPath string) (*config.DaemonConfig, error) {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("  This is your first time running the VLESS tunnel daemon.")
	fmt.Println("  Let's configure your connection to the relay.")
	fmt.Println()

	fmt.Print("  Relay server (host): ")
	server, _ := reader.ReadString('\n')
	server = strings.TrimSpace(server)
	if server == "" {
		return nil, fmt.Errorf("relay server is required")
	}

	port := 443
	fmt.Printf("  Relay port [%d]: ", port)
	portInput, _ := reader.ReadString('\n')
	portInput = strings.TrimSpace(portInput)
	if portInput != "" {
		fmt.Sscanf(portInput, "%d", &port)
	}

	fmt.Print("  UUID: ")
	uuidInput, _ := reader.ReadString('\n')
	uuidInput = strings.TrimSpace(uuidInput)
	if uuidInput == "" {
		return nil, fmt.Errorf("uuid is required")
	}

	wsPath := "/"
	fmt.Printf("  WebSocket path [%s]: ", wsPath)
	pathInput, _ := reader.ReadString('\n')
	pathInput = strings.TrimSpace(pathInput)
	if pathInput != "" {
		wsPath = pathInput
	}

	cfgPath := configPath
	if cfgPath == "" {
		cfgPath = config.DefaultConfigPath
	}

	fmt.Println()
	fmt.Printf("  Writing config to: %s\n", cfgPath)

	configContent := fmt.Sprintf(`# VLESS tunnel daemon configuration
# Generated by first-run setup

server: "%s"
port: %d
uuid: "%s"
ws_path: "%s"
ws_host: "%s"
security: "tls"
sni: "%s"
verify_tls: true
mtu: 1500
tun_name: "tun0"
diagnostics_addr: "127.0.0.1:9090"
log_level: "info"
bypass_enabled: true
`, server, port, uuidInput, wsPath, server, server)

	if err := os.MkdirAll(dirOf(cfgPath), 0o700); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(cfgPath, []byte(configContent), 0o600); err != nil {
		return nil, fmt.Errorf("writing config file: %w", err)
	}

	fmt.Println("  Config saved!")
	fmt.Println()
	fmt.Println("  Starting tunnel...")

	return config.Load(cfgPath)
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}

// runTunnel starts the supervisor and blocks until ctx is canceled, then
// stops it gracefully.
func runTunnel(ctx context.Context, sup *supervisor.Supervisor) error {
	if sup == nil {
		return fmt.Errorf("cmd/vlesstund: no configuration loaded")
	}

	if err := sup.Start(ctx); err != nil {
		return fmt.Errorf("starting supervisor: %w", err)
	}

	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	return sup.Stop(stopCtx)
}

const stopTimeout = 10 * time.Second

// initLogger configures the global slog logger at the given level.
func initLogger(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: lvl,
	})
	slog.SetDefault(slog.New(handler))
}
