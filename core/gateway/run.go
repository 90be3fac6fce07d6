package gateway

import (
	"context"
	"fmt"

	"github.com/packd-io/packd/core/infra/bus"
	"github.com/packd-io/packd/core/infra/config"
	"github.com/packd-io/packd/core/infra/kv"
	"github.com/packd-io/packd/core/infra/locks"
	"github.com/packd-io/packd/core/infra/metrics"
	"github.com/packd-io/packd/core/infra/redisutil"
	"github.com/packd-io/packd/core/infra/secrets"
	"github.com/packd-io/packd/core/install"
	"github.com/packd-io/packd/core/lifecycle"
	"github.com/packd-io/packd/core/pack"
	"github.com/packd-io/packd/core/sandbox"
	"github.com/packd-io/packd/core/workflow"
)

// managerCaller defers binding the lifecycle manager as the workflow
// engine's sandbox caller: the engine is built before the manager,
// because the manager needs the launcher that wraps the engine.
type managerCaller struct {
	manager *lifecycle.Manager
}

func (c *managerCaller) Call(ctx context.Context, instanceID, fn string, argsJSON []byte) ([]byte, error) {
	if c.manager == nil {
		return nil, fmt.Errorf("lifecycle manager not wired")
	}
	return c.manager.Call(ctx, instanceID, fn, argsJSON)
}

// Run wires every component against the configuration and serves the
// gateway until the process exits.
func Run(cfg *config.Config) error {
	if cfg == nil {
		loaded, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}

	client, err := redisutil.NewClient(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer client.Close()

	natsBus, err := bus.NewNatsBus(cfg.NatsURL)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer natsBus.Close()

	packRepo := pack.NewRedisRepository(client)
	instanceRepo := lifecycle.NewRedisRepository(client)
	runStore := workflow.NewRedisRunStore(client)
	kvStore := kv.NewRedisStoreWithClient(client)
	keyed := locks.NewKeyed()
	prom := metrics.NewProm("packd")

	caller := &managerCaller{}
	engine := workflow.NewEngine(workflow.EngineOptions{
		KV:      kvStore,
		Sandbox: caller,
		Sink:    workflow.TeeSink{workflow.LoggingSink{}, workflow.BusSink{Publisher: natsBus}},
		Events:  natsBus,
		Runs:    runStore,
		Metrics: metrics.NewWorkflowProm("packd"),
	})
	launcher := workflow.NewLauncher(engine)

	runtime := sandbox.NewRuntime(sandbox.NewWazeroEngine())
	defer runtime.Close(context.Background())

	manager, err := lifecycle.NewManager(lifecycle.ManagerOptions{
		Instances:   instanceRepo,
		Packs:       packRepo,
		Locks:       keyed,
		Runtime:     runtime,
		Launcher:    launcher,
		History:     runStore,
		SandboxRoot: cfg.SandboxRoot(),
		Metrics:     prom,
		Events:      natsBus,
	})
	if err != nil {
		return fmt.Errorf("init lifecycle manager: %w", err)
	}
	caller.manager = manager
	launcher.OnExit = manager.ReportWorkflowExit

	installer, err := install.New(install.Options{
		Downloader: install.NewHTTPDownloader(cfg.DownloadTimeout),
		Repository: packRepo,
		Active:     manager,
		Locks:      keyed,
		PacksDir:   cfg.PacksDir(),
		StagingDir: cfg.StagingDir(),
		Metrics:    prom,
		Events:     natsBus,
	})
	if err != nil {
		return fmt.Errorf("init installer: %w", err)
	}

	server, err := New(Options{
		Packs:     packRepo,
		Installer: installer,
		Manager:   manager,
		Runs:      runStore,
		Events:    natsBus,
		Secrets:   secrets.EnvProvider{Prefix: "PACKD_SECRET_"},
		Metrics:   metrics.NewGatewayProm("packd"),
		Mode:      pack.InstallMode(cfg.InstallMode),
	})
	if err != nil {
		return fmt.Errorf("init gateway: %w", err)
	}
	return server.Serve(cfg.GatewayAddr)
}
