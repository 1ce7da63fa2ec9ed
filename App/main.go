package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/xaydras-2/containerNursery/App/config"
	"github.com/xaydras-2/containerNursery/App/functions"
	"github.com/xaydras-2/containerNursery/App/logger"
	"github.com/xaydras-2/containerNursery/App/metrics"
	"github.com/xaydras-2/containerNursery/App/placeholder"
	"github.com/xaydras-2/containerNursery/App/server"
)

func main() {
	configPath := flag.String("config", "", "path to the configuration file (default $CN_CONFIG or "+config.DefaultConfigPath+")")
	flag.Parse()

	logger.Setup(logger.OptionsFromEnv(os.Getenv), os.Stderr)

	path := *configPath
	if path == "" {
		path = os.Getenv("CN_CONFIG")
	}
	if path == "" {
		path = config.DefaultConfigPath
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	// 1. Connect to the container runtime
	docker, err := functions.NewDockerRuntime()
	if err != nil {
		log.Fatal().Err(err).Msg("Could not connect to Docker")
	}
	defer docker.Close()

	nursery := functions.NewNursery(ctx, docker, functions.DefaultOptions())

	// 2. Load the configuration; a broken file still lets the proxy come up empty
	port, portErr := config.ListeningPort(nil, os.Getenv("CN_PORT"))
	if portErr != nil {
		log.Warn().Err(portErr).Msg("Ignoring CN_PORT")
	}
	metricsAddress := os.Getenv("CN_METRICS_ADDRESS")

	if cfg, err := config.Load(path); err != nil {
		log.Error().Err(err).Str("config", path).Msg("Could not load configuration, starting without backends")
	} else {
		reportProblems(cfg)
		nursery.Apply(cfg.ProxyHosts)
		port, metricsAddress = cfg.ListeningPort, cfg.MetricsAddress
	}

	// 3. Placeholder, proxy and metrics listeners
	if _, err := placeholder.Serve(ctx, &wg); err != nil {
		log.Fatal().Err(err).Msg("Could not start placeholder server")
	}

	proxy := server.New(functions.NewProxy(nursery))
	if err := proxy.Listen(port); err != nil {
		log.Fatal().Err(err).Int("port", port).Msg("Could not start proxy")
	}

	if metricsAddress != "" {
		if err := metrics.NewHTTPServer(metricsAddress, &wg, ctx); err != nil {
			log.Error().Err(err).Str("address", metricsAddress).Msg("Could not start metrics server")
		}
	}

	// 4. Reload on every change of the configuration file
	watcher, err := config.NewWatcher(path, config.ReloadDebounce)
	if err != nil {
		log.Error().Err(err).Msg("Config reload disabled")
	} else {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := watcher.Watch(ctx, func() {
				reload(path, nursery, proxy, metricsAddress)
			})
			if err != nil {
				log.Error().Err(err).Msg("Config watcher stopped")
			}
		}()
	}

	// 5. Block until a signal is received
	<-ctx.Done()
	log.Info().Msg("Shutdown signal received")

	// 6. Drain the proxy; containers are left as they are
	shutdownCtx, cancel := context.WithTimeout(context.Background(), server.ShutdownTimeout)
	defer cancel()
	if err := proxy.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		log.Error().Err(err).Msg("Proxy shutdown error")
	}
	nursery.Close()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(server.ShutdownTimeout):
		log.Warn().Msg("Timed out waiting for listeners")
	}

	log.Info().Msg("Clean exit")
}

func reload(path string, nursery *functions.Nursery, proxy *server.Server, metricsAddress string) {
	cfg, err := config.Load(path)
	if err != nil {
		log.Error().Err(err).Str("config", path).Msg("Could not reload configuration, keeping the previous one")
		return
	}
	reportProblems(cfg)
	nursery.Apply(cfg.ProxyHosts)

	if err := proxy.Rebind(cfg.ListeningPort); err != nil {
		log.Error().Err(err).Int("port", cfg.ListeningPort).Msg("Could not move proxy to the new port")
	}
	if cfg.MetricsAddress != metricsAddress {
		log.Warn().Str("address", cfg.MetricsAddress).Msg("Metrics address changes take effect on restart")
	}
}

func reportProblems(cfg *config.Config) {
	for _, problem := range cfg.Problems {
		log.Warn().Err(problem).Msg("Configuration problem")
	}
}
