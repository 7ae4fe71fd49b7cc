// Package app wires the scheduling core to its ambient services: logging,
// config (with hot reload), request-history storage, the janitor cron, and
// the ops endpoint. Each App owns its own instances; there is no global
// state.
package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	"schedcore/internal/config"
	"schedcore/internal/eventbus"
	"schedcore/internal/ops"
	rtsup "schedcore/internal/runtime/supervisor"
	"schedcore/internal/sched"
	"schedcore/internal/storage"
	logx "schedcore/pkg/logx"
)

type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger
	bus    eventbus.Bus

	mu         sync.Mutex
	handlers   []handlerReg
	store      storage.Store
	schedulers []*sched.Scheduler
	lb         *sched.LoadBalancer
	cron       *cron.Cron
	opsSrv     *ops.Server
	sup        *rtsup.Supervisor
	started    bool
}

func New(cfgPath string) (*App, error) {
	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(cfg.LogxConfig())
	mgr.SetLogger(log.With(logx.String("comp", "config")))

	return &App{
		cfgMgr: mgr,
		logSvc: logSvc,
		log:    log,
		bus:    eventbus.New(),
	}, nil
}

// Balancer is the submission surface. Valid after Start.
func (a *App) Balancer() *sched.LoadBalancer {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lb
}

func (a *App) Logger() logx.Logger { return a.log }

type handlerReg struct {
	typ  string
	fn   sched.HandlerFunc
	mode sched.ExecMode
}

// RegisterHandler binds a request type on every scheduler instance.
// Registrations made before Start are applied when the instances come up.
func (a *App) RegisterHandler(typ string, fn sched.HandlerFunc, mode sched.ExecMode) {
	a.mu.Lock()
	a.handlers = append(a.handlers, handlerReg{typ: typ, fn: fn, mode: mode})
	instances := a.schedulers
	a.mu.Unlock()
	for _, s := range instances {
		s.RegisterHandler(typ, fn, mode)
	}
}

func (a *App) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return nil
	}
	a.started = true
	cfg := a.cfgMgr.Get()
	a.mu.Unlock()

	store, err := storage.Open(cfg.StoreConfig(), a.log.With(logx.String("comp", "storage")))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}

	instances := cfg.Scheduler.Instances
	if instances <= 0 {
		instances = 1
	}
	a.mu.Lock()
	pending := append([]handlerReg(nil), a.handlers...)
	a.mu.Unlock()

	schedulers := make([]*sched.Scheduler, 0, instances)
	for i := 0; i < instances; i++ {
		s := sched.New(cfg.SchedConfig(), a.log.With(logx.Int("instance", i)), a.bus)
		for _, h := range pending {
			s.RegisterHandler(h.typ, h.fn, h.mode)
		}
		schedulers = append(schedulers, s)
	}
	lb, err := sched.NewLoadBalancer(schedulers...)
	if err != nil {
		return err
	}

	sup := rtsup.New(ctx, rtsup.WithLogger(a.log.With(logx.String("comp", "app"))))

	a.mu.Lock()
	a.store = store
	a.schedulers = schedulers
	a.lb = lb
	a.sup = sup
	a.mu.Unlock()

	if err := lb.Start(ctx); err != nil {
		return fmt.Errorf("start schedulers: %w", err)
	}

	// History sink: terminal request events land in storage.
	if store != nil {
		events, unsub := a.bus.Subscribe(256)
		sup.Go0("history.sink", func(c context.Context) {
			defer unsub()
			a.historySink(c, events, store)
		})
	}

	// Janitor: idle-session eviction + terminal-request pruning.
	cr := cron.New()
	idle := cfg.SessionIdleTimeout()
	retention := cfg.RequestRetention()
	_, err = cr.AddFunc(cfg.CleanupSchedule(), func() {
		evicted, pruned := 0, 0
		for _, s := range schedulers {
			evicted += s.Sessions().CleanupInactiveSessions(idle)
			pruned += s.PruneRequests(retention)
		}
		if evicted > 0 || pruned > 0 {
			a.log.Debug("janitor sweep", logx.Int("sessions_evicted", evicted), logx.Int("requests_pruned", pruned))
		}
	})
	if err != nil {
		return fmt.Errorf("janitor schedule: %w", err)
	}
	cr.Start()
	a.mu.Lock()
	a.cron = cr
	a.mu.Unlock()

	// Ops endpoint.
	if cfg.Ops.Enabled {
		srv := ops.New(ops.Config{
			Listen:      cfg.Ops.Listen,
			EventBuffer: cfg.Ops.EventBuffer,
			RatePerSec:  cfg.Ops.RatePerSec,
		}, a.log.With(logx.String("comp", "ops")), a.bus, lb.GetMetrics, store)
		if err := srv.Start(ctx); err != nil {
			return fmt.Errorf("start ops server: %w", err)
		}
		a.mu.Lock()
		a.opsSrv = srv
		a.mu.Unlock()
	}

	// Config hot reload: re-apply log level and scheduler worker counts.
	updates := a.cfgMgr.Subscribe(1)
	sup.Go("config.watch", a.cfgMgr.Watch)
	sup.Go0("config.apply", func(c context.Context) {
		defer a.cfgMgr.Unsubscribe(updates)
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-updates:
				if !ok || next == nil {
					return
				}
				a.logSvc.Apply(next.LogxConfig())
				for _, s := range schedulers {
					s.Apply(c, next.SchedConfig())
				}
				a.log.Info("configuration reapplied")
			}
		}
	})

	a.log.Info("app started", logx.Int("instances", instances), logx.Bool("storage", store != nil), logx.Bool("ops", cfg.Ops.Enabled))
	return nil
}

func (a *App) historySink(ctx context.Context, events <-chan eventbus.Event, store storage.Store) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			rec, ok := recordFromEvent(e)
			if !ok {
				continue
			}
			if err := store.AppendRequest(ctx, rec); err != nil {
				a.log.Debug("history append failed", logx.Any("err", err))
			}
		}
	}
}

func recordFromEvent(e eventbus.Event) (storage.RequestRecord, bool) {
	switch e.Type {
	case sched.EventCompleted, sched.EventFailed, sched.EventCancelled, sched.EventTimedOut:
	default:
		return storage.RequestRecord{}, false
	}
	re, ok := e.Data.(sched.RequestEvent)
	if !ok {
		return storage.RequestRecord{}, false
	}
	return storage.RequestRecord{
		At:         e.Time,
		RequestID:  re.ID,
		Type:       re.Type,
		Priority:   int(re.Priority),
		SessionID:  re.SessionID,
		Status:     string(re.Status),
		WaitMS:     re.Wait.Milliseconds(),
		DurationMS: re.Duration.Milliseconds(),
		Error:      re.Error,
	}, true
}

func (a *App) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.mu.Lock()
	cr := a.cron
	opsSrv := a.opsSrv
	lb := a.lb
	sup := a.sup
	store := a.store
	a.started = false
	a.mu.Unlock()

	if cr != nil {
		<-cr.Stop().Done()
	}
	if opsSrv != nil {
		_ = opsSrv.Stop(ctx)
	}
	if lb != nil {
		_ = lb.Stop(ctx)
	}
	if sup != nil {
		_ = sup.Stop(ctx)
	}
	if store != nil {
		_ = store.Close()
	}
	a.log.Info("app stopped")
	_ = a.logSvc.Close()
	return nil
}
