// controlncenter connects to a GRBL 1.1 controller, keeps a live model of
// the machine and offers it on a terminal console and a WebSocket feed.
//
// Usage:
//
//	controlncenter -device /dev/ttyUSB0 [options]
//	controlncenter -config ~/controlncenter.cfg
//	controlncenter -sim
//
// Options:
//
//	-config string     Host configuration file
//	-device string     Serial device or tcp://host:port (overrides [serial] device)
//	-baud int          Baud rate (overrides [serial] baud)
//	-sim               Drive the built-in simulator instead of a device
//	-listen string     Feed address, e.g. :8080 (overrides [feed] listen)
//	-reset             Soft-reset the controller after connecting
//	-no-console        Run without the terminal console
//	-log-level string  debug, info, warn or error
//	-logfile string    Log file path (default: stderr)
//	-trace string      Record raw device traffic to a file, "-" for stderr
//	-list-ports        Print serial ports and exit
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"controlncenter/pkg/config"
	"controlncenter/pkg/console"
	"controlncenter/pkg/feed"
	"controlncenter/pkg/grbl"
	"controlncenter/pkg/host"
	"controlncenter/pkg/log"
	"controlncenter/pkg/metrics"
	"controlncenter/pkg/serial"
	"controlncenter/pkg/sim"
)

func main() {
	configFile := flag.String("config", "", "Host configuration file")
	device := flag.String("device", "", "Serial device or tcp://host:port")
	baud := flag.Int("baud", 0, "Baud rate")
	useSim := flag.Bool("sim", false, "Drive the built-in simulator")
	listen := flag.String("listen", "", "Feed listen address")
	reset := flag.Bool("reset", false, "Soft-reset the controller after connecting")
	noConsole := flag.Bool("no-console", false, "Run without the terminal console")
	logLevel := flag.String("log-level", "", "Log level")
	logFile := flag.String("logfile", "", "Log file path (default: stderr)")
	trace := flag.String("trace", "", "Record raw device traffic to a file (- for stderr)")
	listPorts := flag.Bool("list-ports", false, "Print serial ports and exit")
	flag.Parse()

	if *listPorts {
		if err := printPorts(os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	cfg, err := loadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *device != "" {
		cfg.Serial.Device = *device
	}
	if *baud > 0 {
		cfg.Serial.Baud = *baud
	}
	if *listen != "" {
		cfg.Feed.Listen = *listen
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *logFile != "" {
		cfg.Log.File = *logFile
	}

	logger, closeLog, err := setupLogging(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer closeLog()

	traffic, closeTrace, err := openTrace(*trace)
	if err != nil {
		logger.WithError(err).Error("cannot open trace")
		closeLog()
		os.Exit(1)
	}
	defer closeTrace()

	if err := run(cfg, logger, traffic, *useSim, *reset, !*noConsole); err != nil {
		logger.WithError(err).Error("controlncenter stopped")
		closeLog()
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.HostConfig, error) {
	if path == "" {
		return config.DefaultHost(), nil
	}
	c, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return config.LoadHost(c)
}

func setupLogging(lc config.LogConfig) (*log.Logger, func(), error) {
	logger := log.New("controlncenter")
	logger.SetLevel(log.ParseLevel(lc.Level))
	logger.SetFormat(log.ParseFormat(lc.Format))
	logger.SetColorize(lc.Color)
	closeLog := func() {}

	if lc.File != "" {
		w, err := log.NewRotatingFileWriter(log.RotationConfig{
			Filename:   lc.File,
			MaxSize:    lc.MaxSize,
			MaxBackups: lc.MaxBackups,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		logger.SetWriter(w)
		logger.SetColorize(false)
		closeLog = func() { w.Close() }
	} else {
		logger.SetWriter(os.Stderr)
	}
	log.ConfigureFromEnv(logger)
	log.SetDefaultLogger(logger)
	return logger, closeLog, nil
}

func openTrace(path string) (*log.Traffic, func(), error) {
	switch path {
	case "":
		return nil, func() {}, nil
	case "-":
		return log.NewTraffic(os.Stderr), func() {}, nil
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, err
	}
	return log.NewTraffic(f), func() { f.Close() }, nil
}

func printPorts(w io.Writer) error {
	ports, err := serial.ListPortDetails()
	if err != nil {
		return err
	}
	if len(ports) == 0 {
		fmt.Fprintln(w, "no serial ports found")
	}
	for _, p := range ports {
		fmt.Fprintln(w, p)
	}
	return nil
}

func open(cfg *config.HostConfig, logger *log.Logger, useSim bool) (io.ReadWriteCloser, string, error) {
	if useSim {
		return sim.New(sim.Options{
			BannerToken: cfg.Machine.BannerToken,
			Logger:      logger.WithPrefix("sim"),
		}), "sim", nil
	}
	conn, err := serial.Dial(serial.Config{
		Device:      cfg.Serial.Device,
		BaudRate:    cfg.Serial.Baud,
		ReadTimeout: cfg.Serial.ReadTimeout,
	})
	if err != nil {
		return nil, "", err
	}
	return conn, conn.Device(), nil
}

func run(cfg *config.HostConfig, logger *log.Logger, traffic *log.Traffic, useSim, reset, withConsole bool) error {
	conn, name, err := open(cfg, logger, useSim)
	if err != nil {
		return err
	}
	logger.Info("connected to %s", name)

	dm := metrics.NewDeviceMetrics()
	h := host.New(conn, host.Options{
		Machine:         grbl.Options{BannerToken: cfg.Machine.BannerToken},
		PollInterval:    cfg.Machine.PollInterval,
		SequenceTimeout: cfg.Machine.SequenceTimeout,
		ResetOnStart:    reset,
		Observer:        dm,
		Traffic:         traffic,
		Logger:          logger,
	})
	defer h.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var con *console.Console
	if withConsole {
		home, _ := os.UserHomeDir()
		con = console.New(h, console.Options{
			HistoryFile: filepath.Join(home, ".controlncenter_history"),
			Logger:      logger.WithPrefix("console"),
		})
		h.SetEditor(con)
		updates, _ := h.Subscribe(256)
		go con.Watch(updates)
	}

	var fs *feed.Server
	if cfg.Feed.Listen != "" {
		fs = feed.New(feed.Config{
			Addr:         cfg.Feed.Listen,
			Machine:      h,
			Metrics:      metrics.Handler(dm),
			PingInterval: cfg.Feed.PingInterval,
			Logger:       logger.WithPrefix("feed"),
		})
	}

	h.Start()
	if fs != nil {
		if err := fs.Start(); err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			fs.Stop(sctx)
		}()
	}

	consoleDone := make(chan error, 1)
	if con != nil {
		go func() { consoleDone <- con.Run(ctx) }()
	}

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
		if con != nil {
			con.Close()
		}
	case err := <-consoleDone:
		if err != nil {
			return err
		}
	case <-h.Disconnected():
		logger.Warn("device disconnected")
		if con != nil {
			con.Close()
		}
	}
	return h.Close()
}
