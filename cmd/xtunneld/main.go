// xtunneld — virtual Layer-2 Ethernet overlay carried over a messaging
// transport, with opportunistic direct TCP links between peers.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	nethttp "net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xtunnel/xtunneld/internal/config"
	"github.com/xtunnel/xtunneld/internal/diag"
	"github.com/xtunnel/xtunneld/internal/direct"
	"github.com/xtunnel/xtunneld/internal/directory"
	"github.com/xtunnel/xtunneld/internal/events"
	"github.com/xtunnel/xtunneld/internal/logging"
	"github.com/xtunnel/xtunneld/internal/loop"
	"github.com/xtunnel/xtunneld/internal/messaging"
	"github.com/xtunnel/xtunneld/internal/messaging/xmpp"
	"github.com/xtunnel/xtunneld/internal/metrics"
	"github.com/xtunnel/xtunneld/internal/peer"
	"github.com/xtunnel/xtunneld/internal/tap"
)

const version = "dev"

// restartPause gives the OS time to release the TAP device and the
// listening socket between stop and start.
const restartPause = 7 * time.Second

func usageExit(code int) {
	fmt.Fprintf(os.Stderr, "Usage: %s start|stop|restart|stand|status [-config path] [-metrics-listen addr]\n", os.Args[0])
	os.Exit(code)
}

func main() {
	if len(os.Args) < 2 {
		usageExit(1)
	}
	command := os.Args[1]

	fs := flag.NewFlagSet("xtunneld", flag.ExitOnError)
	configFlag := fs.String("config", "", "path to configuration file (default: ~/.xtunnel, then /etc/xtunnel.conf)")
	metricsListen := fs.String("metrics-listen", "", "expose Prometheus metrics on this address (e.g. 127.0.0.1:9477)")
	fs.Parse(os.Args[2:])

	configPath := config.Discover(*configFlag)
	if configPath == "" {
		fmt.Fprintln(os.Stderr, "no config file found")
		os.Exit(1)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(1)
	}

	switch command {
	case "start":
		cmdStart(cfg, configPath, *metricsListen)
	case "stop":
		cmdStop(cfg)
	case "restart":
		cmdStop(cfg)
		time.Sleep(restartPause)
		cmdStart(cfg, configPath, *metricsListen)
	case "stand":
		os.Exit(cmdStand(cfg, *metricsListen))
	case "status":
		cmdStatus(cfg)
	default:
		usageExit(1)
	}
}

// cmdStart backgrounds a "stand" child in its own session and exits. The
// child owns the pidfile.
func cmdStart(cfg *config.Config, configPath, metricsListen string) {
	if pid, running := runningPID(cfg.Config.PIDPath); running {
		fmt.Fprintf(os.Stderr, "Maybe there is an instance running already? (pid %d)\n", pid)
		os.Exit(1)
	}

	args := []string{"stand", "-config", configPath}
	if metricsListen != "" {
		args = append(args, "-metrics-listen", metricsListen)
	}
	child := exec.Command(os.Args[0], args...)
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if cfg.Config.Debug {
		child.Stdout = os.Stdout
		child.Stderr = os.Stderr
	}
	if err := child.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to start: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("started (pid %d)\n", child.Process.Pid)
}

func cmdStop(cfg *config.Config) {
	pid, running := runningPID(cfg.Config.PIDPath)
	if !running {
		fmt.Fprintln(os.Stderr, "There is no instance running.")
		os.Exit(1)
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to terminate the instance: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("stopped (pid %d)\n", pid)
}

func cmdStatus(cfg *config.Config) {
	if pid, running := runningPID(cfg.Config.PIDPath); running {
		fmt.Printf("There is an instance running (pid %d).\n", pid)
	} else {
		fmt.Println("There is no instance running.")
	}
}

// cmdStand runs the overlay in the foreground until SIGINT/SIGTERM.
func cmdStand(cfg *config.Config, metricsListen string) int {
	level := "info"
	if cfg.Config.Debug {
		level = "debug"
	}
	logger := logging.Setup(level, os.Stdout)

	if _, running := runningPID(cfg.Config.PIDPath); running {
		logger.Error("another instance is already running", "pid_path", cfg.Config.PIDPath)
		return 1
	}
	if err := writePIDFile(cfg.Config.PIDPath); err != nil {
		logger.Error("failed to write PID file", "path", cfg.Config.PIDPath, "error", err)
		return 1
	}
	defer os.Remove(cfg.Config.PIDPath)

	logger.Info("xtunneld starting",
		"version", version,
		"tap_ip", cfg.Tap.IP,
		"account", cfg.IM.Account,
		"external", cfg.IM.External())

	// TAP is the one component the overlay cannot function without: any
	// failure here (including an unsupported platform) is fatal.
	endpoint, err := tap.Open(tap.Config{
		Devnum: cfg.Tap.Devnum,
		IP:     cfg.Tap.IP,
		Mask:   cfg.Tap.Mask,
		Owner:  cfg.Config.User,
	})
	if err != nil {
		logger.Error("failed to open TAP device", "error", err)
		return 1
	}
	defer endpoint.Close()
	logger.Info("TAP device ready", "interface", endpoint.Name(), "mac", endpoint.MACHex())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewBus(logger)
	lifecycleCh, unsubscribe := bus.Subscribe()
	defer unsubscribe()
	events.LogSubscriber(logger, lifecycleCh)

	// Optional one-shot gateway reachability self-check.
	pinger := diag.NewGatewayPinger(logger)
	defer pinger.Close()
	if gw := defaultGateway(cfg.Tap.IP, cfg.Tap.Mask); gw != "" {
		if err := pinger.CheckGateway(ctx, gw); err != nil {
			logger.Warn("gateway self-check failed", "gateway", gw, "error", err)
		}
	}

	table := peer.NewTable(endpoint, nil, bus, logger)

	factory := func() (messaging.Client, error) {
		return xmpp.New(xmpp.Config{Resource: "xtunnel"}), nil
	}
	adapter := messaging.NewAdapter(messaging.AdapterConfig{
		Account:      cfg.IM.Account,
		Password:     cfg.IM.Password,
		SelfIP:       cfg.Tap.IP,
		SelfMAC:      endpoint.MACHex(),
		ExternalIP:   cfg.IM.IP,
		ExternalPort: cfg.IM.Port,
	}, factory, table, endpoint, bus, logger, nil)
	table.SetSender(adapter)

	var listener *direct.Listener
	if cfg.IM.External() {
		listener, err = direct.Listen("0.0.0.0:"+strconv.Itoa(cfg.IM.Port), table, logger, 0)
		if err != nil {
			logger.Error("failed to bind direct-link listener", "port", cfg.IM.Port, "error", err)
			return 1
		}
		logger.Info("direct-link listener bound", "addr", listener.Addr().String())
	}

	// The sighting directory is an optimization, never a requirement:
	// failure to open it degrades to presence-only discovery.
	if dir, err := directory.Open(directoryPath(cfg.Config.PIDPath)); err != nil {
		logger.Warn("peer directory unavailable", "error", err)
	} else {
		defer dir.Close()
		wireDirectory(dir, table, adapter, bus, logger)
	}

	metrics.ServerStartTime.SetToCurrentTime()
	metrics.ServerInfo.WithLabelValues(version).Set(1)
	if metricsListen != "" {
		mux := nethttp.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			if err := nethttp.ListenAndServe(metricsListen, mux); err != nil {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		logger.Info("metrics exposed", "listen", metricsListen)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	}()

	l := loop.New(endpoint, table, adapter, listener, bus, logger)
	if err := l.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("event loop failed", "error", err)
		return 1
	}
	logger.Info("xtunneld stopped")
	return 0
}

// wireDirectory replays persisted External sightings as dial candidates
// and keeps the directory in step with peer lifecycle events.
func wireDirectory(dir *directory.Directory, table *peer.Table, adapter *messaging.Adapter, bus *events.Bus, logger *slog.Logger) {
	seeded := 0
	for _, s := range dir.All() {
		if s.ExternalIP == "" {
			continue
		}
		if adapter.SeedPeer(s.ID, s.IP, s.MAC, &peer.ExternalHint{IP: s.ExternalIP, Port: s.ExternalPt}) {
			seeded++
		}
	}
	if seeded > 0 {
		logger.Info("seeded peers from directory", "count", seeded)
	}

	ch, _ := bus.Subscribe()
	go func() {
		for ev := range ch {
			switch ev.Kind {
			case events.PeerAdded:
				p := table.LookupByID(ev.PeerID)
				if p == nil {
					continue
				}
				s := directory.Sighting{ID: p.ID(), IP: p.IP(), MAC: p.MAC(), SeenAt: time.Now().Unix()}
				if hint := p.External(); hint != nil {
					s.ExternalIP = hint.IP
					s.ExternalPt = hint.Port
				}
				if err := dir.Record(s); err != nil {
					logger.Warn("failed to record peer sighting", "peer_id", p.ID(), "error", err)
				}
			case events.PeerRemoved:
				if err := dir.Forget(ev.PeerID); err != nil {
					logger.Warn("failed to forget peer sighting", "peer_id", ev.PeerID, "error", err)
				}
			}
		}
	}()
}

// directoryPath places the sighting database next to the pidfile, the one
// writable path the config is guaranteed to name.
func directoryPath(pidPath string) string {
	base := strings.TrimSuffix(filepath.Base(pidPath), ".pid")
	return filepath.Join(filepath.Dir(pidPath), base+".directory")
}

// defaultGateway guesses the first host of the TAP subnet. Empty when the
// guess is this node itself or the config does not parse.
func defaultGateway(ipStr, maskStr string) string {
	ip := net.ParseIP(ipStr)
	mask := net.ParseIP(maskStr)
	if ip == nil || mask == nil {
		return ""
	}
	ip4, mask4 := ip.To4(), mask.To4()
	if ip4 == nil || mask4 == nil {
		return ""
	}
	gw := ip4.Mask(net.IPMask(mask4))
	gw[3]++
	if gw.Equal(ip4) {
		return ""
	}
	return gw.String()
}

// writePIDFile writes the current process ID to the given path.
func writePIDFile(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating PID directory %s: %w", dir, err)
		}
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644)
}

// runningPID reports the pid recorded in the pidfile and whether that
// process is still alive. A stale or unreadable pidfile counts as not
// running.
func runningPID(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	err = syscall.Kill(pid, 0)
	if err == nil || errors.Is(err, syscall.EPERM) {
		return pid, true
	}
	return 0, false
}
