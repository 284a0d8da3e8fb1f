package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/video-system/go-webcam/internal/logging"
	"github.com/video-system/go-webcam/pkg/api"
	"github.com/video-system/go-webcam/pkg/backend"
	"github.com/video-system/go-webcam/pkg/capture"

	_ "github.com/video-system/go-webcam/internal/ffmpeg"
	_ "github.com/video-system/go-webcam/pkg/backend/mock"
	_ "github.com/video-system/go-webcam/pkg/backend/v4l2"
)

const version = "1.0.0"

func main() {
	configPath := flag.String("config", "", "Path to config file (defaults apply when empty)")
	list := flag.Bool("list", false, "List devices of every enabled driver and exit")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	cfg := capture.DefaultConfig()
	if *configPath != "" {
		var err error
		cfg, err = capture.LoadConfig(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *list {
		if err := listDevices(ctx, cfg, logger); err != nil {
			logger.Fatal("list devices", zap.Error(err))
		}
		return
	}

	manager, err := capture.NewManager(cfg, logger)
	if err != nil {
		logger.Fatal("create manager", zap.Error(err))
	}
	if err := manager.Start(ctx); err != nil {
		logger.Fatal("start cameras", zap.Error(err))
	}

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(api.ServerConfig{
			Host:         cfg.API.Host,
			Port:         cfg.API.Port,
			Manager:      manager,
			Logger:       logger,
			DriverParams: cfg.Drivers,
		})
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("API server error", zap.Error(err))
				cancel()
			}
		}()
	}

	logger.Info("webcam daemon running",
		zap.String("version", version),
		zap.Strings("drivers", backend.Names()),
		zap.Int("cameras", len(cfg.Cameras)))

	manager.Wait()
	logger.Info("shutdown signal received")

	manager.Stop()
	if apiServer != nil {
		apiServer.Stop()
	}
	logger.Info("webcam daemon stopped")
}

type driverListing struct {
	Driver  string           `yaml:"driver"`
	Native  bool             `yaml:"native"`
	Devices []backend.Device `yaml:"devices"`
	Error   string           `yaml:"error,omitempty"`
}

// listDevices queries every enabled driver. Failures are reported per
// driver and do not stop the listing.
func listDevices(ctx context.Context, cfg *capture.Config, logger *zap.Logger) error {
	native := backend.Native()
	var out []driverListing
	for _, name := range backend.Names() {
		if !cfg.Features.Enabled(name) {
			continue
		}
		opts := backend.Options{Logger: logger, Params: cfg.Drivers[name]}
		devices, err := backend.QueryDevices(ctx, name, opts)
		entry := driverListing{Driver: name, Native: name == native, Devices: devices}
		if err != nil {
			entry.Error = err.Error()
		}
		out = append(out, entry)
	}

	if cfg.Features.Serialization {
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(out)
	}

	for _, l := range out {
		marker := ""
		if l.Native {
			marker = " (native)"
		}
		fmt.Printf("%s%s\n", l.Driver, marker)
		if l.Error != "" {
			fmt.Printf("  error: %s\n", l.Error)
		}
		for _, d := range l.Devices {
			fmt.Printf("  %s\n", d)
		}
	}
	return nil
}
