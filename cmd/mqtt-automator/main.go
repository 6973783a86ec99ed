// Command mqtt-automator applies time-of-day rules to MQTT devices.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sweeney/mqtt-automator/internal/automator"
	"github.com/sweeney/mqtt-automator/internal/config"
	"github.com/sweeney/mqtt-automator/internal/device"
	"github.com/sweeney/mqtt-automator/internal/logging"
	"github.com/sweeney/mqtt-automator/internal/metrics"
	"github.com/sweeney/mqtt-automator/internal/mqtt"
	"github.com/sweeney/mqtt-automator/internal/rules"
	"github.com/sweeney/mqtt-automator/internal/status"
	"github.com/sweeney/mqtt-automator/internal/web"
)

// envConfigPath names the config file when -config is not given.
const envConfigPath = "AUTOMATOR_CONFIG"

const shutdownTimeout = 5 * time.Second

func main() {
	configPath := flag.String("config", "", "Config file (default $"+envConfigPath+" or "+config.DefaultPath+")")
	httpAddr := flag.String("http", "", `HTTP status address, overrides app.http ("off" disables)`)
	printRules := flag.Bool("print-rules", false, "Print the commands active right now and exit")

	flag.Parse()

	if err := run(resolveConfigPath(*configPath), *httpAddr, *printRules); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if v := os.Getenv(envConfigPath); v != "" {
		return v
	}
	return config.DefaultPath
}

// resolveHTTPAddr applies the -http flag over the configured address.
func resolveHTTPAddr(flagValue, configured string) string {
	switch flagValue {
	case "":
		return configured
	case "off":
		return ""
	default:
		return flagValue
	}
}

func run(configPath, httpFlag string, printRules bool) error {
	cfg, err := config.Load(configPath, logging.New(config.AppConfig{}, os.Stderr))
	if err != nil {
		return err
	}
	loc, err := cfg.App.Location()
	if err != nil {
		return fmt.Errorf("timezone: %w", err)
	}

	if printRules {
		return printPlan(os.Stdout, cfg, time.Now().In(loc))
	}

	logger := logging.New(cfg.App, os.Stdout)
	httpAddr := resolveHTTPAddr(httpFlag, cfg.App.HTTP)

	client, err := mqtt.NewRealClient(mqtt.Options{
		Broker:   cfg.Broker.URL(),
		ClientID: cfg.Broker.ClientID,
		Protocol: cfg.Broker.Protocol,
		QoS:      byte(cfg.Broker.QoS),
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("init mqtt: %w", err)
	}
	defer client.Close()

	rec := metrics.New()
	devices, err := buildDevices(cfg, client, logger)
	if err != nil {
		return err
	}

	// Initialize status tracker (before STARTUP so snapshot is available)
	tracker := status.NewTracker(time.Now(), status.Config{
		Broker:      cfg.Broker.URL(),
		ClientID:    cfg.Broker.ClientID,
		HeartbeatMs: cfg.App.Heartbeat.Milliseconds(),
		HTTPAddr:    httpAddr,
		Timezone:    loc.String(),
	})
	clients := make([]device.Client, 0, len(devices))
	for _, d := range devices {
		dev := d.Client.Device()
		tracker.AddDevice(dev.Name, dev.Vendor, dev.ID, d.Client.Snapshot)
		clients = append(clients, d.Client)
	}
	if net := readNetworkInfo(); net != nil {
		tracker.SetNetwork(net)
	}

	if err := client.PublishSystem(systemEvent(tracker, client, mqtt.EventStartup, "", time.Now())); err != nil {
		logger.Warn("failed to publish startup event", "error", err)
	} else {
		logger.Info("published startup event")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	reason := ""
	g.Go(func() error {
		select {
		case s := <-sigCh:
			reason = signalName(s)
			logger.Info("shutting down", "signal", reason)
			cancel()
		case <-gctx.Done():
		}
		return nil
	})

	listener := automator.NewListener(client, clients, automator.ListenerOptions{
		Connection: client,
		Tracker:    tracker,
		Metrics:    rec,
		Logger:     logger,
	})
	g.Go(func() error { return listener.Run(gctx) })

	scheduler := automator.NewScheduler(devices, automator.SchedulerOptions{
		System:     client,
		Connection: client,
		Tracker:    tracker,
		Metrics:    rec,
		Logger:     logger,
		Location:   loc,
		Heartbeat:  cfg.App.Heartbeat,
	})
	g.Go(func() error { return scheduler.Run(gctx) })

	if httpAddr != "" {
		srv := web.New(httpAddr, tracker, web.Options{
			Planner:   planner(cfg, loc),
			Metrics:   rec.Handler(),
			Logger:    logger,
			AccessLog: os.Stdout,
		})
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer scancel()
			return srv.Shutdown(sctx)
		})
		logger.Info("http status server listening", "addr", httpAddr)
	}

	logger.Info("started", "broker", cfg.Broker.URL(), "devices", len(devices), "heartbeat", cfg.App.Heartbeat, "timezone", loc.String())

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	if err != nil && reason == "" {
		reason = "ERROR"
	}

	if perr := client.PublishSystem(systemEvent(tracker, client, mqtt.EventShutdown, reason, time.Now())); perr != nil {
		logger.Warn("failed to publish shutdown event", "error", perr)
	} else {
		logger.Info("published shutdown event")
	}
	return err
}

// buildDevices creates a client per configured device, in configuration order.
func buildDevices(cfg *config.Config, pub device.Publisher, logger *slog.Logger) ([]automator.Device, error) {
	out := make([]automator.Device, 0, len(cfg.Devices))
	for _, dev := range cfg.Devices {
		c, err := device.New(dev, device.Options{Publisher: pub, Logger: logger})
		if err != nil {
			return nil, fmt.Errorf("init device: %w", err)
		}
		out = append(out, automator.Device{Client: c, Rules: cfg.RuleSets[dev.Name]})
	}
	return out, nil
}

// planner evaluates a device's rules in loc for the web device view.
func planner(cfg *config.Config, loc *time.Location) web.Planner {
	return func(name string, t time.Time) []rules.Command {
		set, ok := cfg.RuleSets[name]
		if !ok {
			return nil
		}
		return rules.Plan(set, t.In(loc))
	}
}

// printPlan writes the commands each device would receive at t.
func printPlan(w io.Writer, cfg *config.Config, t time.Time) error {
	for _, dev := range cfg.Devices {
		if _, err := fmt.Fprintf(w, "%s (%s %s):\n", dev.Name, dev.Vendor, dev.ID); err != nil {
			return err
		}
		cmds := rules.Effective(rules.Plan(cfg.RuleSets[dev.Name], t))
		if len(cmds) == 0 {
			fmt.Fprintln(w, "  no active rules")
			continue
		}
		for _, c := range cmds {
			rule := c.Rule
			if c.SubRule != "" {
				rule += "/" + c.SubRule
			}
			fmt.Fprintf(w, "  %s = %s (%s)\n", c.SubTopic, device.Canonical(c.Value), rule)
		}
	}
	return nil
}

// systemEvent builds a retained lifecycle event carrying a status snapshot.
func systemEvent(tracker *status.Tracker, conn mqtt.ConnectionStatus, event, reason string, now time.Time) mqtt.SystemEvent {
	if conn != nil {
		tracker.SetMQTTConnected(conn.IsConnected())
	}
	return mqtt.SystemEvent{
		Timestamp:  now,
		Event:      event,
		Reason:     reason,
		Retained:   true,
		RawPayload: status.FormatStatusEvent(tracker.Snapshot(), event, reason),
	}
}

func signalName(s os.Signal) string {
	switch s {
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGTERM:
		return "SIGTERM"
	default:
		return "UNKNOWN"
	}
}

// pi-helper env var names (written to /run/pi-helper.env).
const (
	envNetworkType       = "NETWORK_TYPE"
	envNetworkIP         = "NETWORK_IP"
	envNetworkStatus     = "NETWORK_STATUS"
	envNetworkGateway    = "NETWORK_GATEWAY"
	envNetworkWifiStatus = "NETWORK_WIFI_STATUS"
	envNetworkWifiSSID   = "NETWORK_WIFI_SSID"
)

func readNetworkInfo() *status.NetworkInfo {
	s := os.Getenv(envNetworkStatus)
	if s == "" {
		return nil
	}
	return &status.NetworkInfo{
		Type:       os.Getenv(envNetworkType),
		IP:         os.Getenv(envNetworkIP),
		Status:     s,
		Gateway:    os.Getenv(envNetworkGateway),
		WifiStatus: os.Getenv(envNetworkWifiStatus),
		SSID:       os.Getenv(envNetworkWifiSSID),
	}
}
