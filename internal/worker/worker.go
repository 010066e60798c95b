// Package worker runs the scheduling daemon: a per-organization loop that
// round-robins the active date queues, resolves each date's day-state, and
// hands borrow/lend candidates to a matching policy. A second loop repairs
// registry divergence periodically. The daemon follows the usual lifecycle:
// flock-guarded single instance, SIGTERM/SIGINT graceful shutdown with a
// second signal forcing exit, and config hot-reload via fsnotify.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/inpassing/liveorg/internal/lock"
	"github.com/inpassing/liveorg/internal/model"
	"github.com/inpassing/liveorg/internal/obs"
	"github.com/inpassing/liveorg/internal/queue"
	"github.com/inpassing/liveorg/internal/registry"
	"github.com/inpassing/liveorg/internal/resolver"
	"github.com/inpassing/liveorg/internal/store"
	"github.com/inpassing/liveorg/internal/uds"
)

// Match is one scheduling opportunity: a date with pending queues and the
// day-state governing it. Borrowers and Lenders are front-of-line first.
type Match struct {
	OrgID     int64
	Date      time.Time
	StateID   int64
	Borrowers []model.LiveObj
	Lenders   []model.LiveObj
}

// Policy decides what to do with a scheduling opportunity. Implementations
// must tolerate seeing the same opportunity repeatedly; the worker offers
// every active date once per poll.
type Policy interface {
	Match(ctx context.Context, m Match) error
}

// LogPolicy is the default policy: it only reports how many candidate pairs
// each opportunity holds.
type LogPolicy struct {
	Logger *obs.Logger
}

func (p LogPolicy) Match(_ context.Context, m Match) error {
	pairs := len(m.Borrowers)
	if len(m.Lenders) < pairs {
		pairs = len(m.Lenders)
	}
	p.Logger.Infof("org=%d date=%s state=%d borrowers=%d lenders=%d pairs=%d",
		m.OrgID, model.FormatDate(m.Date), m.StateID, len(m.Borrowers), len(m.Lenders), pairs)
	return nil
}

type orgRuntime struct {
	orgID    int64
	registry *registry.Registry
	queues   *queue.Queues
	resolver *resolver.Resolver
}

// Worker is the scheduling daemon.
type Worker struct {
	configPath string
	cfg        model.Config
	instanceID string

	store   *store.Store
	orgs    []*orgRuntime
	policy  Policy
	logger  *obs.Logger
	metrics *obs.Metrics

	fileLock        *lock.FileLock
	watcher         *fsnotify.Watcher
	pollTicker      *time.Ticker
	reconcileTicker *time.Ticker
	metricsSrv      *http.Server
	adminSrv        *uds.Server
	startedAt       time.Time

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown sync.Once
	done     chan struct{}

	forceExit atomic.Bool
}

// New builds a worker over the configured organizations. configPath may be
// empty, which disables hot-reload.
func New(configPath string, cfg model.Config, s *store.Store, logger *obs.Logger, metrics *obs.Metrics) *Worker {
	ctx, cancel := context.WithCancel(context.Background())

	w := &Worker{
		configPath: configPath,
		cfg:        cfg,
		instanceID: uuid.NewString(),
		store:      s,
		logger:     logger.WithComponent("worker"),
		metrics:    metrics,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	for _, orgID := range cfg.Worker.Orgs {
		reg := registry.New(s, orgID, logger, metrics)
		w.orgs = append(w.orgs, &orgRuntime{
			orgID:    orgID,
			registry: reg,
			queues:   queue.New(s, orgID, reg, logger, metrics),
			resolver: resolver.New(s, orgID, logger, metrics),
		})
	}
	w.policy = LogPolicy{Logger: w.logger}
	if cfg.Worker.LockPath != "" {
		w.fileLock = lock.NewFileLock(cfg.Worker.LockPath)
	}
	return w
}

// SetPolicy replaces the matching policy. Must be called before Run.
func (w *Worker) SetPolicy(p Policy) { w.policy = p }

// Run starts the worker and blocks until shutdown completes.
func (w *Worker) Run() error {
	if len(w.orgs) == 0 {
		return errors.New("worker: no organizations configured")
	}
	if w.fileLock != nil {
		if err := w.fileLock.TryLock(); err != nil {
			return fmt.Errorf("worker lock: %w", err)
		}
	}
	w.logger.Infof("worker starting pid=%d instance=%s orgs=%d",
		os.Getpid(), w.instanceID, len(w.orgs))

	if err := w.store.Ping(w.ctx); err != nil {
		w.cleanup()
		return err
	}

	w.startedAt = time.Now()

	if w.cfg.Worker.MetricsAddr != "" {
		w.startMetricsServer()
	}

	if w.cfg.Worker.SocketPath != "" {
		if err := w.startAdminServer(); err != nil {
			w.cleanup()
			return err
		}
	}

	if w.configPath != "" {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			w.cleanup()
			return fmt.Errorf("create fsnotify watcher: %w", err)
		}
		w.watcher = watcher
		if err := watcher.Add(w.configPath); err != nil {
			w.cleanup()
			return fmt.Errorf("watch %s: %w", w.configPath, err)
		}
		w.wg.Add(1)
		go w.watchLoop()
	}

	w.pollTicker = time.NewTicker(time.Duration(w.cfg.Worker.PollIntervalSec) * time.Second)
	w.reconcileTicker = time.NewTicker(time.Duration(w.cfg.Worker.ReconcileIntervalSec) * time.Second)
	w.wg.Add(2)
	go w.pollLoop()
	go w.reconcileLoop()

	// First pass immediately; the ticker covers the rest.
	w.pollAll()
	w.logger.Infof("worker ready")

	w.waitSignals()
	return nil
}

func (w *Worker) startMetricsServer() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	w.metricsSrv = &http.Server{Addr: w.cfg.Worker.MetricsAddr, Handler: mux}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.logger.Infof("metrics listening on %s", w.cfg.Worker.MetricsAddr)
		if err := w.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			w.logger.Errorf("metrics server: %v", err)
		}
	}()
}

// OrgStatus is the per-organization section of the status report.
type OrgStatus struct {
	OrgID       int64    `json:"org_id"`
	ActiveDates []string `json:"active_dates"`
}

// Status is the control socket status report.
type Status struct {
	InstanceID    string      `json:"instance_id"`
	PID           int         `json:"pid"`
	UptimeSeconds int64       `json:"uptime_seconds"`
	Orgs          []OrgStatus `json:"orgs"`
}

func (w *Worker) startAdminServer() error {
	w.adminSrv = uds.NewServer(w.cfg.Worker.SocketPath, w.logger)

	w.adminSrv.Handle("ping", func(_ *uds.Request) *uds.Response {
		return uds.SuccessResponse(map[string]string{"instance_id": w.instanceID})
	})
	w.adminSrv.Handle("status", func(_ *uds.Request) *uds.Response {
		st := Status{
			InstanceID:    w.instanceID,
			PID:           os.Getpid(),
			UptimeSeconds: int64(time.Since(w.startedAt).Seconds()),
		}
		for _, org := range w.orgs {
			dates, err := org.registry.Active(w.ctx)
			if err != nil {
				return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
			}
			if dates == nil {
				dates = []string{}
			}
			st.Orgs = append(st.Orgs, OrgStatus{OrgID: org.orgID, ActiveDates: dates})
		}
		return uds.SuccessResponse(st)
	})
	w.adminSrv.Handle("reconcile", func(_ *uds.Request) *uds.Response {
		restored := make(map[int64][]string)
		for _, org := range w.orgs {
			dates, err := org.registry.Reconcile(w.ctx)
			if err != nil {
				return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
			}
			restored[org.orgID] = dates
		}
		return uds.SuccessResponse(map[string]any{"restored": restored})
	})
	w.adminSrv.Handle("shutdown", func(_ *uds.Request) *uds.Response {
		go w.Shutdown()
		return uds.SuccessResponse(map[string]string{"status": "shutting down"})
	})

	if err := w.adminSrv.Start(); err != nil {
		return fmt.Errorf("start control socket: %w", err)
	}
	w.logger.Infof("control socket listening on %s", w.cfg.Worker.SocketPath)
	return nil
}

func (w *Worker) pollLoop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.pollTicker.C:
			w.pollAll()
		}
	}
}

func (w *Worker) pollAll() {
	for _, org := range w.orgs {
		if w.ctx.Err() != nil {
			return
		}
		if err := w.pollOrg(org); err != nil {
			w.logger.Errorf("poll org=%d: %v", org.orgID, err)
		}
	}
}

// pollOrg rotates the org's active registry once and offers the surfaced
// date to the policy. An empty registry is quiet.
func (w *Worker) pollOrg(org *orgRuntime) error {
	date, ok, err := org.registry.Cycle(w.ctx)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	borrowers, err := org.queues.Entries(w.ctx, date, model.ObjUser)
	if err != nil {
		return err
	}
	lenders, err := org.queues.Entries(w.ctx, date, model.ObjPass)
	if err != nil {
		return err
	}
	if len(borrowers) == 0 && len(lenders) == 0 {
		return nil
	}

	stateID, err := org.resolver.DaystateID(w.ctx, date)
	if err != nil {
		// The date stays active; a later poll retries after the
		// moderator repairs the rules or anchors.
		return fmt.Errorf("resolve %s: %w", model.FormatDate(date), err)
	}

	return w.policy.Match(w.ctx, Match{
		OrgID:     org.orgID,
		Date:      date,
		StateID:   stateID,
		Borrowers: borrowers,
		Lenders:   lenders,
	})
}

func (w *Worker) reconcileLoop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.reconcileTicker.C:
			for _, org := range w.orgs {
				restored, err := org.registry.Reconcile(w.ctx)
				if err != nil {
					w.logger.Errorf("reconcile org=%d: %v", org.orgID, err)
					continue
				}
				if len(restored) > 0 {
					w.logger.Infof("reconcile org=%d restored=%v", org.orgID, restored)
				}
			}
		}
	}
}

// watchLoop re-reads the config when the file changes. Only the log level
// and the loop intervals apply live; org membership and store address need a
// restart.
func (w *Worker) watchLoop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				w.reloadConfig()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Errorf("fsnotify error=%v", err)
		}
	}
}

func (w *Worker) reloadConfig() {
	cfg, err := model.LoadConfig(w.configPath)
	if err != nil {
		w.logger.Warnf("config reload failed, keeping current settings: %v", err)
		return
	}

	if cfg.Logging.Level != w.cfg.Logging.Level {
		w.logger.SetLevel(obs.ParseLogLevel(cfg.Logging.Level))
		w.logger.Infof("log level now %s", cfg.Logging.Level)
	}
	if cfg.Worker.PollIntervalSec != w.cfg.Worker.PollIntervalSec {
		w.pollTicker.Reset(time.Duration(cfg.Worker.PollIntervalSec) * time.Second)
		w.logger.Infof("poll interval now %ds", cfg.Worker.PollIntervalSec)
	}
	if cfg.Worker.ReconcileIntervalSec != w.cfg.Worker.ReconcileIntervalSec {
		w.reconcileTicker.Reset(time.Duration(cfg.Worker.ReconcileIntervalSec) * time.Second)
		w.logger.Infof("reconcile interval now %ds", cfg.Worker.ReconcileIntervalSec)
	}
	w.cfg.Logging = cfg.Logging
	w.cfg.Worker.PollIntervalSec = cfg.Worker.PollIntervalSec
	w.cfg.Worker.ReconcileIntervalSec = cfg.Worker.ReconcileIntervalSec
}

func (w *Worker) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		w.logger.Infof("received signal=%s, initiating graceful shutdown", sig)
	case <-w.done:
		// Shutdown arrived over the control socket.
		return
	}

	// Second signal → force exit
	go func() {
		<-sigCh
		w.logger.Warnf("received second signal, forcing exit")
		w.forceExit.Store(true)
		os.Exit(1)
	}()

	w.Shutdown()
}

// Shutdown performs graceful shutdown (idempotent via sync.Once).
func (w *Worker) Shutdown() {
	w.shutdown.Do(func() {
		w.logger.Infof("shutdown started")

		w.cancel()
		if w.pollTicker != nil {
			w.pollTicker.Stop()
		}
		if w.reconcileTicker != nil {
			w.reconcileTicker.Stop()
		}
		if w.watcher != nil {
			w.watcher.Close()
		}
		if w.metricsSrv != nil {
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			w.metricsSrv.Shutdown(shutCtx)
			cancel()
		}
		if w.adminSrv != nil {
			w.adminSrv.Stop()
		}

		done := make(chan struct{})
		go func() {
			w.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			w.logger.Infof("all loops drained")
		case <-time.After(30 * time.Second):
			w.logger.Warnf("shutdown timeout, some operations may be incomplete")
		}

		w.cleanup()
		w.logger.Infof("worker stopped")
		close(w.done)
	})
}

func (w *Worker) cleanup() {
	if w.fileLock != nil {
		w.fileLock.Unlock()
	}
}
