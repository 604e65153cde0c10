// Command metamindd is the orchestrator process entrypoint: it wires the
// HAM store, registry, messaging substrate, envelope-backed orchestrator,
// tool dispatcher, learning adapter, and admin HTTP surface from a single
// Config and runs until SIGTERM/SIGINT, grounded on the teacher's
// core/cmd/example/main.go construct-then-Start wiring style and
// core/agent_lifecycle_test.go's drain-then-wait shutdown sequence.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/sablehq/metamind/pkg/admin"
	"github.com/sablehq/metamind/pkg/codec"
	"github.com/sablehq/metamind/pkg/config"
	"github.com/sablehq/metamind/pkg/dispatcher"
	"github.com/sablehq/metamind/pkg/ham"
	"github.com/sablehq/metamind/pkg/learning"
	"github.com/sablehq/metamind/pkg/logging"
	"github.com/sablehq/metamind/pkg/messaging"
	"github.com/sablehq/metamind/pkg/orchestrator"
	"github.com/sablehq/metamind/pkg/registry"
	"github.com/sablehq/metamind/pkg/resilience"
	"github.com/sablehq/metamind/pkg/telemetry"
)

func main() {
	var (
		yamlPath = flag.String("config", "", "path to a YAML config file")
		aiID     = flag.String("ai-id", "metamind-local", "this process's peer identity")
	)
	flag.Parse()

	logger := logging.NewJSONLogger()

	cfg, err := config.Load(*yamlPath)
	if err != nil {
		log.Fatalf("metamindd: load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	var key [codec.KeySize]byte
	if cfg.SymmetricKey != "" {
		key, err = codec.LoadKey(cfg.SymmetricKey)
		if err != nil {
			log.Fatalf("metamindd: load symmetric key: %v", err)
		}
	} else {
		key, err = codec.GenerateEphemeralKey(logger)
		if err != nil {
			log.Fatalf("metamindd: generate ephemeral key: %v", err)
		}
	}
	c := codec.New(key)

	store, err := ham.Open(cfg.HAM.StoragePath, c,
		ham.WithLogger(logger),
		ham.WithResourceProfile(ham.ResourceProfile{DiskMaxBytes: cfg.Resource.DiskMaxBytes}, nil))
	if err != nil {
		log.Fatalf("metamindd: open HAM store: %v", err)
	}

	reg := registry.New(cfg.Registry.CapabilityTTL, logger)
	go reg.Run(ctx)

	if cfg.Registry.RedisMirrorURL != "" {
		mirror, err := registry.NewRedisMirror(cfg.Registry.RedisMirrorURL, "metamind", cfg.Registry.CapabilityTTL)
		if err != nil {
			logger.Warn("metamindd: registry redis mirror disabled", map[string]interface{}{"error": err.Error()})
		} else {
			reg.SetMirror(mirror)
			defer mirror.Close()
		}
	}

	var bus messaging.Bus
	if cfg.Substrate.URL != "" {
		retryCfg := &resilience.RetryConfig{
			MaxAttempts:   cfg.Substrate.MaxRetries,
			InitialDelay:  cfg.Substrate.InitialDelay,
			MaxDelay:      cfg.Substrate.MaxDelay,
			BackoffFactor: 2.0,
		}
		bus, err = messaging.NewRedisBus(ctx, cfg.Substrate.URL, *aiID, logger, messaging.WithRetryConfig(retryCfg))
		if err != nil {
			log.Fatalf("metamindd: connect messaging substrate: %v", err)
		}
	} else {
		logger.Warn("metamindd: no substrate.url configured, using an in-process bus (HSP steps can only reach peers in this same process)", nil)
		bus = messaging.NewMemoryBus()
	}
	defer bus.Close()

	tel, err := telemetry.New(ctx, telemetry.Config{ServiceName: "metamindd", Exporter: "stdout"})
	if err != nil {
		logger.Warn("metamindd: telemetry disabled", map[string]interface{}{"error": err.Error()})
		tel = nil
	} else {
		defer tel.Shutdown(context.Background())
	}

	disp := dispatcher.New(30*time.Second, logger)

	orchCfg := orchestrator.DefaultConfig()
	orchCfg.AIID = *aiID
	if cfg.HSP.DefaultTimeout > 0 {
		orchCfg.DefaultTimeout = cfg.HSP.DefaultTimeout
	}
	if cfg.HSP.DefaultMaxRetries > 0 {
		orchCfg.DefaultMaxRetries = cfg.HSP.DefaultMaxRetries
	}
	if cfg.HSP.RetryBaseDelay > 0 {
		orchCfg.RetryBaseDelay = cfg.HSP.RetryBaseDelay
	}

	orch := orchestrator.New(orchCfg, disp, reg, bus, store, logger, tel)
	if err := orch.Start(ctx); err != nil {
		log.Fatalf("metamindd: start orchestrator: %v", err)
	}

	adapter := learning.New(store, *aiID, logger)
	orch.SetLearnFn(func(task *orchestrator.TaskState) {
		adapter.Learn(context.Background(), task.TaskID, task.Description, task.Result, "")
	})

	surface := admin.New(orch, store, reg, bus)
	mux := http.NewServeMux()
	surface.RegisterRoutes(mux)
	srv := &http.Server{Addr: cfg.AdminAddr, Handler: telemetry.TracingMiddleware("metamindd-admin", mux)}
	go func() {
		logger.Info("metamindd: admin surface listening", map[string]interface{}{"addr": cfg.AdminAddr})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metamindd: admin surface stopped", map[string]interface{}{"error": err.Error()})
		}
	}()

	<-ctx.Done()
	logger.Info("metamindd: shutdown signal received", nil)

	if cfg.DrainOnShutdown {
		orch.Drain()
		waitForDrain(orch, 30*time.Second)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	_ = orch.Stop()
}

// waitForDrain blocks until TasksInFlight reaches zero or timeout
// elapses, matching spec §8's "tasks_in_flight reaches zero in finite
// time given a finite plan and a cooperative substrate" as a bounded
// wait rather than an unbounded one in an entrypoint.
func waitForDrain(orch *orchestrator.Orchestrator, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if orch.TasksInFlight() == 0 {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
}
