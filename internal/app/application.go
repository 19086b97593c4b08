package app

import (
	"context"
	"fmt"
	"time"

	aggregatessvc "github.com/haven-app/usage_layer/internal/app/services/aggregates"
	insightssvc "github.com/haven-app/usage_layer/internal/app/services/insights"
	recordersvc "github.com/haven-app/usage_layer/internal/app/services/recorder"
	settingssvc "github.com/haven-app/usage_layer/internal/app/services/settings"
	"github.com/haven-app/usage_layer/internal/app/services/stream"
	"github.com/haven-app/usage_layer/internal/app/services/users"
	"github.com/haven-app/usage_layer/internal/app/storage"
	"github.com/haven-app/usage_layer/internal/app/storage/kvstore"
	"github.com/haven-app/usage_layer/internal/app/storage/memory"
	"github.com/haven-app/usage_layer/internal/app/system"
	"github.com/haven-app/usage_layer/pkg/logger"
)

// Stores encapsulates persistence dependencies. Nil stores default to a
// shared in-memory key-value implementation.
type Stores struct {
	Users        storage.UserStore
	OpenSessions storage.OpenSessionStore
	Aggregates   storage.AggregateStore
	Settings     storage.SettingsStore
	Rules        storage.RuleStore
}

// Options tune the background workers.
type Options struct {
	// SweepSchedule is the cron expression for the retention sweep.
	SweepSchedule string
	// JanitorInterval is how often abandoned sessions are recovered.
	JanitorInterval time.Duration
}

// Application ties domain services together and manages their lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Users      *users.Service
	Settings   *settingssvc.Service
	Aggregates *aggregatessvc.Service
	Recorder   *recordersvc.Service
	Insights   *insightssvc.Service
	Stream     *stream.Hub
}

// New builds a fully initialised application with the provided stores.
func New(stores Stores, opts Options, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}

	mem := kvstore.New(memory.New())
	if stores.Users == nil {
		stores.Users = mem
	}
	if stores.OpenSessions == nil {
		stores.OpenSessions = mem
	}
	if stores.Aggregates == nil {
		stores.Aggregates = mem
	}
	if stores.Settings == nil {
		stores.Settings = mem
	}
	if stores.Rules == nil {
		stores.Rules = mem
	}

	manager := system.NewManager()

	userService := users.New(stores.Users, log)
	settingsService := settingssvc.New(stores.Settings, log)
	aggregateService := aggregatessvc.New(stores.Aggregates, stores.Users, settingsService, log)
	recorderService := recordersvc.New(stores.OpenSessions, aggregateService, settingsService, log)
	insightService := insightssvc.New(stores.Aggregates, stores.Rules, stores.Users, settingsService, log)

	hub := stream.NewHub(log)
	aggregateService.SetNotifier(hub)

	sweeper := aggregatessvc.NewSweeper(aggregateService, stores.Users, settingsService, opts.SweepSchedule, log)
	janitor := recordersvc.NewJanitor(recorderService, opts.JanitorInterval, log)

	for _, name := range []string{"users", "settings", "aggregates", "recorder", "insights"} {
		if err := manager.Register(system.NoopService{ServiceName: name}); err != nil {
			return nil, fmt.Errorf("register %s service: %w", name, err)
		}
	}
	for _, svc := range []system.Service{hub, janitor, sweeper} {
		if err := manager.Register(svc); err != nil {
			return nil, fmt.Errorf("register %s: %w", svc.Name(), err)
		}
	}

	return &Application{
		manager:    manager,
		log:        log,
		Users:      userService,
		Settings:   settingsService,
		Aggregates: aggregateService,
		Recorder:   recorderService,
		Insights:   insightService,
		Stream:     hub,
	}, nil
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}
