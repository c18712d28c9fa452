package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"os/user"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/ChuLiYu/buildd/internal/authority"
	"github.com/ChuLiYu/buildd/internal/config"
	"github.com/ChuLiYu/buildd/internal/control"
	"github.com/ChuLiYu/buildd/internal/dispatcher"
	"github.com/ChuLiYu/buildd/internal/events"
	"github.com/ChuLiYu/buildd/internal/jobtracker"
	"github.com/ChuLiYu/buildd/internal/metrics"
	"github.com/ChuLiYu/buildd/internal/reporter"
	"github.com/ChuLiYu/buildd/internal/retry"
	"github.com/ChuLiYu/buildd/internal/session"
	"github.com/ChuLiYu/buildd/internal/snapshot"
	"github.com/ChuLiYu/buildd/internal/storage/replay"
	"github.com/ChuLiYu/buildd/internal/storage/wal"
	"github.com/ChuLiYu/buildd/internal/toolchain"
	"github.com/ChuLiYu/buildd/internal/upload"
	"github.com/ChuLiYu/buildd/internal/watch"
	"github.com/ChuLiYu/buildd/internal/worker"
	"github.com/ChuLiYu/buildd/pkg/types"
)

// State file names under state.dir.
const (
	journalFile  = "jobs.wal"
	snapshotFile = "snapshot.json"
	replayFile   = "replay.db"
)

// daemon 持有一次 run 所建立的所有元件
type daemon struct {
	cfg        *config.Config
	logger     *slog.Logger
	runID      string
	dispatcher *dispatcher.Dispatcher
	registry   *prometheus.Registry

	journal   *wal.WAL
	queue     *replay.Queue
	publisher events.Publisher
}

// newDaemon wires every component from cfg. Nothing is started yet.
func newDaemon(cfg *config.Config, logger *slog.Logger) (_ *daemon, err error) {
	d := &daemon{cfg: cfg, runID: uuid.NewString(), publisher: events.Nop{}}
	d.logger = logger.With("run_id", d.runID)
	defer func() {
		if err != nil {
			d.close()
		}
	}()

	if err := os.MkdirAll(cfg.State.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	// 本地 claim 快取：WAL + 快照
	d.journal, err = wal.NewWAL(filepath.Join(cfg.State.Dir, journalFile))
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	tracker, err := jobtracker.New(d.journal)
	if err != nil {
		return nil, fmt.Errorf("create tracker: %w", err)
	}
	snaps := snapshot.NewManager(filepath.Join(cfg.State.Dir, snapshotFile), jobtracker.SchemaVersion)

	d.queue, err = replay.Open(filepath.Join(cfg.State.Dir, replayFile))
	if err != nil {
		return nil, fmt.Errorf("open replay queue: %w", err)
	}

	auth := authority.NewWannaBuild(authority.Options{
		SSHPath:       cfg.Authority.SSHPath,
		User:          cfg.Authority.SSHUser,
		Socket:        cfg.Authority.SSHSocket,
		Host:          cfg.Authority.SSHHost,
		APIVersion:    cfg.Authority.APIVersion,
		Timeout:       cfg.Authority.Timeout,
		Distributions: cfg.Distributions,
	}, nil, d.logger)

	keys := toolchain.GPGKeys{Path: cfg.Build.GPGPath}
	sbuild, err := toolchain.NewSbuild(toolchain.SbuildConfig{
		Path:               cfg.Build.SbuildPath,
		BuildRoot:          cfg.Build.BuildRoot,
		Hostname:           cfg.Builder.Hostname,
		User:               localUser(),
		MaintainerTemplate: cfg.Builder.MaintainerEmailTemplate,
		Parallel:           cfg.Build.Parallel,
		LogTailBytes:       cfg.Build.LogTailBytes,
		WaitDelay:          cfg.Dispatch.CancelGrace,
	}, keys, d.logger)
	if err != nil {
		return nil, err
	}
	classifier, err := session.NewPatternClassifier(cfg.Build.DepWaitPatterns)
	if err != nil {
		return nil, fmt.Errorf("depwait patterns: %w", err)
	}

	slots := make([]session.Slot, 0, len(cfg.Slots))
	for _, s := range cfg.Slots {
		slots = append(slots, session.Slot{ID: s.ID, Arch: s.Arch, Backend: s.Backend})
	}
	pool, err := worker.NewPool(slots, worker.CommandProvisioner{
		CheckCommand:  cfg.Provisioner.CheckCommand,
		RepairCommand: cfg.Provisioner.RepairCommand,
		ResetCommand:  cfg.Provisioner.ResetCommand,
	}, worker.Options{
		RepairBackoff: retry.NewPolicy(cfg.Provisioner.RepairBackoff),
		Logger:        d.logger.With("component", "pool"),
	})
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}

	uploader := upload.NewDupload(cfg.Upload.DuploadPath, cfg.Upload.Targets, cfg.Upload.Attempts, cfg.Upload.Wait, d.logger)

	if cfg.Events.NATSURL != "" {
		nc, err := events.ConnectNATS(cfg.Events.NATSURL, cfg.Events.Subject, "buildd-"+cfg.ShortHostname(), d.logger)
		if err != nil {
			return nil, err
		}
		d.publisher = nc
	}

	d.registry = prometheus.NewRegistry()
	d.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewCollector(d.registry)

	rep := reporter.New(tracker, auth, uploader, d.queue, d.publisher, sbuild, reporter.Options{
		Policy:         retry.NewPolicy(cfg.Retry.Report),
		RunID:          d.runID,
		Builder:        cfg.Authority.SSHUser,
		Logger:         d.logger.With("component", "reporter"),
		OnAcknowledged: func(r types.Report) { m.RecordOutcome(r.Action) },
	})

	d.dispatcher, err = dispatcher.New(dispatcher.Config{
		IdleSleep:         cfg.Dispatch.IdleSleep,
		Lookahead:         cfg.Dispatch.Lookahead,
		MaxCandidates:     cfg.Dispatch.MaxCandidates,
		PriorityOverrides: cfg.Dispatch.PriorityOverrides,
		DrainGrace:        cfg.Dispatch.DrainGrace,
		Session:           session.Config{Timeout: cfg.Build.Timeout, CancelGrace: cfg.Dispatch.CancelGrace},
		BuildPolicy:       retry.NewBuildPolicy(cfg.Retry.MaxLocalRetries, cfg.Build.PermanentExitCodes),
		SnapshotInterval:  cfg.State.SnapshotInterval,
		ReplayInterval:    cfg.State.ReplayInterval,
		KeyCheckInterval:  cfg.State.KeyCheckInterval,
		ReplayRetention:   cfg.State.ReplayRetention,
	}, dispatcher.Deps{
		Authority:  auth,
		Tracker:    tracker,
		Journal:    d.journal,
		Snapshots:  snaps,
		Pool:       pool,
		Reporter:   rep,
		Toolchain:  sbuild,
		Classifier: classifier,
		Keys:       keys,
		Metrics:    m,
		Logger:     d.logger,
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (d *daemon) close() {
	if d.publisher != nil {
		if err := d.publisher.Close(); err != nil {
			d.logger.Warn("close event publisher", "error", err)
		}
	}
	if d.queue != nil {
		if err := d.queue.Close(); err != nil {
			d.logger.Warn("close replay queue", "error", err)
		}
	}
	if d.journal != nil {
		if err := d.journal.Close(); err != nil {
			d.logger.Warn("close journal", "error", err)
		}
	}
}

// runDaemon 啟動所有服務並阻塞到 drain 完成或收到 shutdown 訊號
func runDaemon(parent context.Context, cfg *config.Config, logger *slog.Logger) error {
	if parent == nil {
		parent = context.Background()
	}
	d, err := newDaemon(cfg, logger)
	if err != nil {
		return err
	}
	defer d.close()
	logger = d.logger

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	// control 埠被佔用通常代表已有另一個 daemon 在跑
	lis, err := net.Listen("tcp", cfg.Control.Address)
	if err != nil {
		return fmt.Errorf("control listen %s: %w", cfg.Control.Address, err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, shutdownSignals...)
	if len(drainSignals) > 0 {
		signal.Notify(sigCh, drainSignals...)
	}
	defer signal.Stop(sigCh)

	if err := d.dispatcher.Start(ctx); err != nil {
		lis.Close()
		return fmt.Errorf("failed to start dispatcher: %w", err)
	}

	go func() {
		if err := control.ServeListener(ctx, lis, d.dispatcher, logger); err != nil {
			logger.Error("control server stopped", "error", err)
		}
	}()
	logger.Info("control service listening", "addr", lis.Addr().String())

	if cfg.Metrics.Enabled {
		go func() {
			logger.Info("metrics server listening", "port", cfg.Metrics.Port)
			if err := metrics.Serve(ctx, cfg.Metrics.Port, d.registry); err != nil {
				logger.Error("metrics server stopped", "error", err)
			}
		}()
	}

	if cfg.State.DrainFile != "" {
		go func() {
			err := watch.DrainFile(ctx, cfg.State.DrainFile, logger, d.dispatcher.RequestDrain)
			if err != nil && !errors.Is(err, watch.ErrNoPath) {
				logger.Warn("drain file watcher stopped", "path", cfg.State.DrainFile, "error", err)
			}
		}()
	}

	logger.Info("buildd started", "version", Version, "slots", len(cfg.Slots), "archs", cfg.Architectures())

	for {
		select {
		case sig := <-sigCh:
			if isDrainSignal(sig) {
				logger.Info("drain requested", "signal", sig.String())
				d.dispatcher.RequestDrain()
				continue
			}
			logger.Info("shutdown requested", "signal", sig.String())
			sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout(cfg))
			err := d.dispatcher.Shutdown(sctx)
			scancel()
			if err != nil {
				return fmt.Errorf("shutdown: %w", err)
			}
			logger.Info("buildd stopped")
			return nil
		case <-d.dispatcher.Done():
			logger.Info("buildd drained, exiting")
			return nil
		}
	}
}

// shutdownTimeout 等待被取消的建置結束並送出 give-back 的上限
func shutdownTimeout(cfg *config.Config) time.Duration {
	return cfg.Dispatch.CancelGrace + cfg.Authority.Timeout
}

func localUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	return "buildd"
}
