// Command trader runs the trading engine and its control API, and
// provides operator subcommands that talk to a running instance.
//
//	trader start      -config trader.yaml
//	trader stop       terminate the running instance (pidfile + SIGTERM)
//	trader status     print the engine status
//	trader halt       stop new entries
//	trader resume     re-enable entries
//	trader close-all  market-close every open position and halt
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/sagemont/trader/internal/broker"
	"github.com/sagemont/trader/internal/clock"
	"github.com/sagemont/trader/internal/config"
	"github.com/sagemont/trader/internal/engine"
	"github.com/sagemont/trader/internal/execution"
	"github.com/sagemont/trader/internal/journal"
	"github.com/sagemont/trader/internal/server"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cmd := "start"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd = args[0]
		args = args[1:]
	}

	fs := flag.NewFlagSet("trader", flag.ExitOnError)
	cfgPath := fs.String("config", "trader.yaml", "configuration file")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	switch cmd {
	case "start":
		return start(cfg)
	case "stop":
		return stop(cfg)
	case "status", "halt", "resume", "close-all":
		return control(cfg, cmd)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		return 2
	}
}

// loadConfig reads the file when it exists and falls back to defaults
// when the default path is absent.
func loadConfig(path string) (config.Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return config.Default(), nil
	}
	return config.Load(path)
}

func start(cfg config.Config) int {
	log, err := newLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		return 1
	}
	defer log.Sync()

	jrnl, err := journal.Open(cfg.Journal.Dir, log)
	if err != nil {
		log.Error("journal", zap.Error(err))
		return 1
	}
	defer jrnl.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := execution.NewMetrics(reg)

	// Paper trading is a broker binding, not an engine mode.
	var b broker.Broker
	switch {
	case cfg.Execution.PaperTrading:
		log.Info("paper trading, orders routed to the simulated broker")
		b = broker.NewSim(log, nil)
	case cfg.Broker.GatewayURL == "":
		log.Warn("no gateway configured, using the simulated broker")
		b = broker.NewSim(log, nil)
	default:
		b = broker.NewGateway(cfg.Broker.GatewayURL, log)
	}

	eng, err := engine.New(cfg, b, clock.RealClock{}, jrnl, metrics, log)
	if err != nil {
		log.Error("engine", zap.Error(err))
		return 1
	}

	if err := writePidfile(cfg); err != nil {
		log.Error("pidfile", zap.Error(err))
		return 1
	}
	defer os.Remove(pidfilePath(cfg))

	srv := server.New(cfg.Server, eng, reg, log)
	go func() {
		if err := srv.Start(); err != nil {
			log.Error("control API", zap.Error(err))
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Info("trader starting",
		zap.Bool("paperTrading", cfg.Execution.PaperTrading),
		zap.Duration("cycleInterval", cfg.Execution.CycleInterval))
	runErr := eng.Run(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown", zap.Error(err))
	}

	if runErr != nil {
		log.Error("engine exited with error", zap.Error(runErr))
		return 1
	}
	return 0
}

func pidfilePath(cfg config.Config) string {
	return filepath.Join(cfg.Journal.Dir, "trader.pid")
}

func writePidfile(cfg config.Config) error {
	if err := os.MkdirAll(cfg.Journal.Dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(pidfilePath(cfg), []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func stop(cfg config.Config) int {
	raw, err := os.ReadFile(pidfilePath(cfg))
	if err != nil {
		fmt.Fprintln(os.Stderr, "no running instance:", err)
		return 1
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		fmt.Fprintln(os.Stderr, "bad pidfile:", err)
		return 1
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		fmt.Fprintln(os.Stderr, "signal:", err)
		return 1
	}
	fmt.Printf("sent SIGTERM to pid %d\n", pid)
	return 0
}

// control drives a running instance through its HTTP API.
func control(cfg config.Config, cmd string) int {
	base := fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
	client := &http.Client{Timeout: 10 * time.Second}

	var resp *http.Response
	var err error
	if cmd == "status" {
		resp, err = client.Get(base + "/status")
	} else {
		resp, err = client.Post(base+"/"+cmd, "application/json", nil)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "%s: %s\n", resp.Status, body)
		return 1
	}

	// Pretty-print JSON responses for the terminal.
	var pretty map[string]any
	if json.Unmarshal(body, &pretty) == nil {
		out, _ := json.MarshalIndent(pretty, "", "  ")
		fmt.Println(string(out))
	} else {
		fmt.Println(string(body))
	}
	return 0
}
