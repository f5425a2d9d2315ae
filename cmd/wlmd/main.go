package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"wlmd/internal/config"
	"wlmd/internal/device"
	"wlmd/internal/engine"
	"wlmd/internal/httpapi"
	"wlmd/internal/modelstore"
	"wlmd/internal/wlm"
)

// exitCodeError carries the process exit code alongside the cause:
// 1 for configuration errors, 2 for bind/startup errors.
type exitCodeError struct {
	code int
	err  error
}

func (e exitCodeError) Error() string { return e.err.Error() }
func (e exitCodeError) Unwrap() error { return e.err }

func configErr(err error) error  { return exitCodeError{code: 1, err: err} }
func startupErr(err error) error { return exitCodeError{code: 2, err: err} }

func main() {
	if err := newRootCmd().Execute(); err != nil {
		code := 1
		var ec exitCodeError
		if errors.As(err, &ec) {
			code = ec.code
		}
		fmt.Fprintln(os.Stderr, "wlmd:", err)
		os.Exit(code)
	}
}

func newRootCmd() *cobra.Command {
	var (
		cfgPath       string
		addr          string
		modelStore    string
		loadModels    string
		deviceKind    string
		deviceCount   int
		sharedDevices string
		defaultEngine string
		logLevel      string
	)
	root := &cobra.Command{
		Use:           "wlmd",
		Short:         "Model-serving workload manager daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Config{}
			if cfgPath != "" {
				var err error
				cfg, err = config.Load(cfgPath)
				if err != nil {
					return configErr(fmt.Errorf("load config: %w", err))
				}
			}
			cfg = config.ApplyEnv(cfg)
			// flags override file and environment
			if cmd.Flags().Changed("addr") || cfg.Addr == "" {
				cfg.Addr = addr
			}
			if modelStore != "" {
				cfg.ModelStore = modelStore
			}
			if loadModels != "" {
				cfg.LoadModels = loadModels
			}
			if cmd.Flags().Changed("device-kind") || cfg.DeviceKind == "" {
				cfg.DeviceKind = deviceKind
			}
			if cmd.Flags().Changed("device-count") {
				cfg.DeviceCount = deviceCount
			}
			if sharedDevices != "" {
				cfg.SharedDevices = sharedDevices
			}
			if cmd.Flags().Changed("default-engine") || cfg.DefaultEngine == "" {
				cfg.DefaultEngine = defaultEngine
			}
			return serve(cfg, logLevel)
		},
	}
	root.Flags().StringVarP(&cfgPath, "config", "c", "", "Config file (yaml/json/toml)")
	root.Flags().StringVar(&addr, "addr", ":8080", "HTTP listen address")
	root.Flags().StringVar(&modelStore, "model-store", "", "Model store directory scanned at startup")
	root.Flags().StringVar(&loadModels, "load-models", "", "Startup models: ALL, NONE or a url list")
	root.Flags().StringVar(&deviceKind, "device-kind", "cpu", "Accelerator kind: cpu|gpu|accelerator")
	root.Flags().IntVar(&deviceCount, "device-count", 0, "Number of accelerator devices")
	root.Flags().StringVar(&sharedDevices, "shared-devices", "", "Shared device window: count or ratio in (0,1]")
	root.Flags().StringVar(&defaultEngine, "default-engine", "echo", "Engine used when a model names none")
	root.Flags().StringVar(&logLevel, "log-level", "info", "Log level: debug|info|warn|error")
	return root
}

func serve(cfg config.Config, logLevel string) error {
	lvl, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(lvl).With().Timestamp().Logger()

	kind, err := parseKind(cfg.DeviceKind)
	if err != nil {
		return configErr(err)
	}
	maxShared, err := device.ParseSharedWindow(cfg.SharedDevices, cfg.DeviceCount)
	if err != nil {
		return configErr(fmt.Errorf("%s: %w", config.EnvSharedDevices, err))
	}
	devices := device.NewRegistry(kind, cfg.DeviceCount, maxShared, nil)

	engines := engine.NewRegistry()
	engines.Register("echo", &engine.Echo{ChunkSize: 4 << 10})
	if err := engines.SetDefault(cfg.DefaultEngine); err != nil {
		return configErr(fmt.Errorf("default engine: %w", err))
	}

	mgr := wlm.NewWithConfig(wlm.ManagerConfig{
		Devices:       devices,
		Engines:       engines,
		Logger:        log,
		BatchSize:     cfg.BatchSize,
		MaxBatchDelay: time.Duration(cfg.MaxBatchDelayMS) * time.Millisecond,
		MaxIdleTime:   time.Duration(cfg.MaxIdleTimeMS) * time.Millisecond,
		QueueCapacity: cfg.QueueCapacity,
		RequiredMemMB: cfg.RequiredMemMB,
		ReservedMemMB: cfg.ReservedMemMB,
	})
	defer mgr.Close()

	if err := loadStartupModels(mgr, cfg, log); err != nil {
		return configErr(err)
	}

	httpapi.SetLogger(log)
	httpapi.SetCORS(cfg.CORSEnabled, cfg.CORSAllowedOrigins)
	mux := httpapi.NewMux(mgr)

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return startupErr(fmt.Errorf("bind %s: %w", cfg.Addr, err))
	}
	srv := &http.Server{Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("wlmd listening")
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return startupErr(err)
	case <-stop:
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown")
	}
	return nil
}

func parseKind(s string) (device.Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "cpu":
		return device.KindCPU, nil
	case "gpu":
		return device.KindGPU, nil
	case "accelerator", "neuron":
		return device.KindAccelerator, nil
	default:
		return "", fmt.Errorf("unknown device kind %q", s)
	}
}

// loadStartupModels registers every entry the model store resolves to,
// mirroring the store-scan behavior of the management front end.
func loadStartupModels(mgr *wlm.Manager, cfg config.Config, log zerolog.Logger) error {
	entries, err := modelstore.Resolve(cfg.LoadModels, cfg.ModelStore)
	if err != nil {
		return fmt.Errorf("resolve model store: %w", err)
	}
	for _, e := range entries {
		log.Info().Str("model", e.Name).Str("url", e.URL).Msg("loading startup model")
		err := mgr.Register(context.Background(), wlm.RegisterSpec{
			Name:       e.Name,
			Version:    e.Version,
			URL:        e.URL,
			Engine:     e.Engine,
			DeviceSpec: e.DeviceSpec,
		})
		if err != nil {
			return fmt.Errorf("register startup model %s: %w", e.Name, err)
		}
	}
	return nil
}
