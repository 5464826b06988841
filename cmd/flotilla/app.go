package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/cuemby/flotilla/pkg/awsprovider"
	"github.com/cuemby/flotilla/pkg/clusterdef"
	"github.com/cuemby/flotilla/pkg/config"
	"github.com/cuemby/flotilla/pkg/discovery"
	"github.com/cuemby/flotilla/pkg/events"
	"github.com/cuemby/flotilla/pkg/log"
	"github.com/cuemby/flotilla/pkg/metrics"
	"github.com/cuemby/flotilla/pkg/mirror"
	"github.com/cuemby/flotilla/pkg/orchestrator"
	"github.com/cuemby/flotilla/pkg/provider"
	"github.com/cuemby/flotilla/pkg/runtime"
	"github.com/cuemby/flotilla/pkg/storage"
	"github.com/cuemby/flotilla/pkg/workload"
)

// app holds the collaborators shared by every command
type app struct {
	cfg       *config.Config
	store     *storage.BoltStore
	aws       *awsprovider.Clients
	rt        *runtime.ContainerdRuntime
	placement provider.Placement
	mirror    *mirror.Mirror
	ns        *workload.Namespace
	tasks     *workload.Tasks
	broker    *events.Broker
	sink      events.Sink
	metrics   *http.Server
	engine    *orchestrator.Engine
}

// newApp connects the configured providers and opens the local store
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	if cfg.Cluster == "" {
		return nil, fmt.Errorf("cluster is required (set it in the config file or with --cluster)")
	}
	a := &app{cfg: cfg}

	metrics.SetCriticalComponents(metrics.ComponentProvider, metrics.ComponentStore)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	store, err := storage.NewBoltStore(cfg.DataDir)
	metrics.ReportComponent(metrics.ComponentStore, err)
	if err != nil {
		return nil, err
	}
	a.store = store

	clients, err := awsprovider.New(ctx, awsprovider.Config{
		Region:          cfg.Region,
		AccessKeyID:     cfg.AWS.AccessKeyID,
		SecretAccessKey: cfg.AWS.SecretAccessKey,
		Cluster:         cfg.Cluster,
		NamespaceID:     cfg.AWS.NamespaceID,
		S3Endpoint:      cfg.AWS.S3Endpoint,
		WaitTimeout:     cfg.Wait.Timeout,
		TaskDefCache:    cfg.AWS.TaskDefCache,
	})
	metrics.ReportComponent(metrics.ComponentProvider, err)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.aws = clients

	var containers provider.ContainerInstanceLister
	switch cfg.Providers.Placement {
	case config.PlacementContainerd:
		rt, err := runtime.NewContainerdRuntime(cfg.Containerd.Socket, cfg.Containerd.Namespace, cfg.Containerd.LogDir, cfg.Containerd.Mounts)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.rt = rt
		p := runtime.NewPlacement(rt, runtime.PlacementConfig{
			HostID:       cfg.Containerd.HostID,
			WaitTimeout:  cfg.Wait.Timeout,
			PollInterval: cfg.Wait.PollInterval,
		})
		a.placement, containers = p, p
	default:
		a.placement, containers = clients.Placement, clients.Placement
	}

	var disc provider.Discovery = clients.Discovery
	if cfg.Providers.Discovery == config.DiscoveryLocal {
		disc = discovery.NewRegistry(store)
	}

	a.mirror = mirror.New(clients.Compute, cfg.Cluster,
		mirror.WithContainerInstances(containers),
		mirror.WithIOPSPerGiB(cfg.Batch.Volume.IOPSPerGiB),
	)
	a.ns = workload.NewNamespace(disc, a.mirror, cfg.DNS.Domain, workload.WithPollInterval(cfg.Wait.PollInterval))
	a.tasks = workload.NewTasks(a.placement, a.ns, workload.WithRecorder(store))

	a.broker = events.NewBroker()
	a.broker.Start()
	if cfg.Events.NATSURL != "" {
		sink, err := events.NewNATSSink(cfg.Events.NATSURL)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.sink = sink
		events.Forward(ctx, a.broker, sink, cfg.Events.Subject)
	}

	if cfg.Metrics.Listen != "" {
		a.serveMetrics(cfg.Metrics.Listen)
	}
	return a, nil
}

// Engine loads the cluster definition on first use and returns the
// orchestration engine
func (a *app) Engine(ctx context.Context) (*orchestrator.Engine, error) {
	if a.engine != nil {
		return a.engine, nil
	}
	if a.cfg.Definition == "" {
		return nil, fmt.Errorf("no cluster definition (set definition or pass --definition)")
	}

	def, err := clusterdef.Load(ctx, a.cfg.Definition, a.aws.Objects)
	if err != nil {
		return nil, err
	}

	engineCfg := orchestrator.DefaultConfig()
	engineCfg.StartedBy = a.cfg.Launch.StartedBy
	engineCfg.LaunchDelay = a.cfg.Launch.Delay
	engineCfg.RetryAttempts = a.cfg.Retry.Attempts
	engineCfg.RetryDelay = a.cfg.Retry.Delay
	engineCfg.CommandPoll = a.cfg.Wait.PollInterval

	a.engine = orchestrator.New(def, a.mirror, a.tasks, a.placement,
		orchestrator.WithConfig(engineCfg),
		orchestrator.WithCommander(a.aws.Commander),
		orchestrator.WithEvents(a.broker),
	)
	return a.engine, nil
}

func (a *app) serveMetrics(addr string) {
	a.metrics = &http.Server{
		Addr:              addr,
		Handler:           metrics.Mux(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := a.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Logger.Error().Err(err).Str("component", "metrics").Msg("metrics server failed")
		}
	}()
	log.Logger.Info().Str("component", "metrics").Str("address", addr).Msg("serving metrics")
}

// Close releases everything newApp opened
func (a *app) Close() {
	if a.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.metrics.Shutdown(ctx)
		cancel()
	}
	if a.broker != nil {
		a.broker.Stop()
	}
	if a.sink != nil {
		a.sink.Close()
	}
	if a.rt != nil {
		_ = a.rt.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}

// withApp runs fn with a connected app and closes it afterwards
func withApp(ctx context.Context, fn func(a *app) error) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

// withEngine runs fn with the orchestration engine
func withEngine(ctx context.Context, fn func(a *app, e *orchestrator.Engine) error) error {
	return withApp(ctx, func(a *app) error {
		e, err := a.Engine(ctx)
		if err != nil {
			return err
		}
		return fn(a, e)
	})
}
