// Command symsrv runs the crash-report symbolication service.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/yaml.v3"

	"github.com/symsrv/symsrv/pkg/api"
	"github.com/symsrv/symsrv/pkg/device"
	"github.com/symsrv/symsrv/pkg/extractor"
	"github.com/symsrv/symsrv/pkg/firmware"
	"github.com/symsrv/symsrv/pkg/kernel"
	objstoreclient "github.com/symsrv/symsrv/pkg/objstore/client"
	"github.com/symsrv/symsrv/pkg/refresher"
	"github.com/symsrv/symsrv/pkg/symbolicator"
	"github.com/symsrv/symsrv/pkg/symstore"
)

type config struct {
	ConfigFile    string `yaml:"-"`
	ListenAddr    string `yaml:"listen_addr"`
	LogLevel      string `yaml:"log_level"`
	DeviceDataset string `yaml:"device_dataset"`

	Storage      objstoreclient.Config `yaml:"storage"`
	Firmware     firmware.Config       `yaml:"firmware"`
	Store        symstore.Config       `yaml:"store"`
	Extractor    extractor.Config      `yaml:"extractor"`
	Symbolicator symbolicator.Config   `yaml:"symbolicator"`
	Refresher    refresher.Config      `yaml:"refresher"`
	Kernel       kernel.Config         `yaml:"kernel"`
}

func (cfg *config) registerFlags(f *flag.FlagSet) {
	f.StringVar(&cfg.ConfigFile, "config.file", "", "YAML configuration file. Values in the file take precedence over flags.")
	f.StringVar(&cfg.ListenAddr, "server.http-listen-addr", ":8082", "HTTP listen address.")
	f.StringVar(&cfg.LogLevel, "log.level", "info", "Log level: debug, info, warn, error.")
	f.StringVar(&cfg.DeviceDataset, "device.dataset", "", "JSON file with device name mappings. Empty uses the bundled dataset.")
	cfg.Storage.RegisterFlags(f)
	cfg.Firmware.RegisterFlags(f)
	cfg.Store.RegisterFlags(f)
	cfg.Extractor.RegisterFlags(f)
	cfg.Symbolicator.RegisterFlags(f)
	cfg.Refresher.RegisterFlags(f)
	cfg.Kernel.RegisterFlags(f)
}

func (cfg *config) validate() error {
	if err := cfg.Storage.Validate(); err != nil {
		return err
	}
	if err := cfg.Store.Validate(); err != nil {
		return err
	}
	if err := cfg.Extractor.Validate(); err != nil {
		return err
	}
	return cfg.Symbolicator.Validate()
}

func main() {
	var cfg config
	cfg.registerFlags(flag.CommandLine)
	flag.Parse()

	if cfg.ConfigFile != "" {
		data, err := os.ReadFile(cfg.ConfigFile)
		if err == nil {
			err = yaml.Unmarshal(data, &cfg)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config file: %v\n", err)
			os.Exit(1)
		}
	}

	logger := newLogger(cfg.LogLevel)
	if err := run(cfg, logger); err != nil {
		level.Error(logger).Log("msg", "symsrv exited with error", "err", err)
		os.Exit(1)
	}
}

func newLogger(logLevel string) log.Logger {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	var option level.Option
	switch logLevel {
	case "debug":
		option = level.AllowDebug()
	case "warn":
		option = level.AllowWarn()
	case "error":
		option = level.AllowError()
	default:
		option = level.AllowInfo()
	}
	logger = level.NewFilter(logger, option)
	return log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
}

func run(cfg config, logger log.Logger) error {
	if err := cfg.validate(); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	resolver, err := newResolver(cfg.DeviceDataset)
	if err != nil {
		return err
	}

	bucket, err := objstoreclient.NewBucket(logger, cfg.Storage, "symsrv")
	if err != nil {
		return errors.Wrap(err, "create storage bucket")
	}

	store, err := symstore.Open(logger, cfg.Store, reg)
	if err != nil {
		return err
	}
	defer store.Close()

	kern, err := kernel.LoadResolver(logger, cfg.Kernel.SignaturesDir)
	if err != nil {
		return errors.Wrap(err, "load kernel signatures")
	}

	catalog := firmware.NewCatalog(logger, cfg.Firmware, bucket, reg)
	ext := extractor.New(logger, cfg.Extractor, bucket, store, nil, reg)
	sym := symbolicator.New(logger, cfg.Symbolicator, resolver, store, catalog, ext, kern, reg)
	ref := refresher.New(logger, cfg.Refresher, catalog, store,
		refresher.HTTPPeers(cfg.Refresher.Peers), reg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	manager, err := services.NewManager(ext, ref)
	if err != nil {
		return errors.Wrap(err, "create service manager")
	}
	if err := services.StartManagerAndAwaitHealthy(ctx, manager); err != nil {
		return errors.Wrap(err, "start services")
	}
	defer func() {
		if err := services.StopManagerAndAwaitStopped(context.Background(), manager); err != nil {
			level.Warn(logger).Log("msg", "services did not stop cleanly", "err", err)
		}
	}()

	router := mux.NewRouter()
	api.NewServer(logger, sym, ext, catalog, store, ref, kern).RegisterRoutes(router)
	router.Path("/metrics").Handler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: router}
	errCh := make(chan error, 1)
	go func() {
		level.Info(logger).Log("msg", "symsrv listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "http server")
	case <-ctx.Done():
	}

	level.Info(logger).Log("msg", "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newResolver(dataset string) (*device.Resolver, error) {
	if dataset == "" {
		return device.NewDefaultResolver()
	}
	return device.LoadResolver(dataset)
}
