// Package app assembles the store, its drivers and the background services
// from a config.Config. An App is built once by the command and passed down.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"estatecrm/internal/backup"
	"estatecrm/internal/blob"
	"estatecrm/internal/config"
	"estatecrm/internal/core"
	badgerstate "estatecrm/internal/infra/persistence/badger"
	memorystate "estatecrm/internal/infra/persistence/memory"
	sqlitestate "estatecrm/internal/infra/persistence/sqlite"
	memoryremote "estatecrm/internal/infra/remote/memory"
	"estatecrm/internal/infra/remote/postgres"
	redisremote "estatecrm/internal/infra/remote/redis"
	"estatecrm/internal/livesync"
	"estatecrm/internal/localstate"
	"estatecrm/internal/logging"
	"estatecrm/internal/metrics"
	"estatecrm/internal/remote"
	"estatecrm/pkg/domain"
)

// SystemActor is the session used by maintenance commands run without a user.
var SystemActor = domain.TeamMember{ID: "system", Name: "System", Role: domain.RoleAdmin, Status: domain.MemberActive}

// App owns every long-lived component.
type App struct {
	Config   config.Config
	Logger   *logging.Logger
	Registry *prometheus.Registry
	Metrics  *metrics.Recorder
	Local    localstate.Adapter
	Remote   remote.Adapter
	Blob     blob.Store
	Archive  *backup.Archive
	Outbox   *core.Outbox
	Store    *core.Store
	Sync     *livesync.Manager
	Jobs     *Scheduler

	clock core.Clock
}

// Option customizes New.
type Option func(*options)

type options struct {
	logger *logging.Logger
	remote remote.Adapter
	local  localstate.Adapter
	blob   blob.Store
	clock  core.Clock
}

// WithLogger replaces the logger built from the config.
func WithLogger(l *logging.Logger) Option { return func(o *options) { o.logger = l } }

// WithRemote uses r instead of opening the configured remote driver.
func WithRemote(r remote.Adapter) Option { return func(o *options) { o.remote = r } }

// WithLocal uses a instead of opening the configured local driver.
func WithLocal(a localstate.Adapter) Option { return func(o *options) { o.local = a } }

// WithBlob uses b instead of opening the configured blob driver.
func WithBlob(b blob.Store) Option { return func(o *options) { o.blob = b } }

// WithClock sets the store and scheduler time source.
func WithClock(c core.Clock) Option { return func(o *options) { o.clock = c } }

// New opens every driver named by cfg and wires the store. The caller owns
// the returned App and must Close it.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	a := &App{Config: cfg, Registry: prometheus.NewRegistry(), clock: o.clock}
	if a.clock == nil {
		a.clock = core.ClockFunc(func() time.Time { return time.Now().UTC() })
	}
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = metrics.New(a.Registry)

	a.Logger = o.logger
	if a.Logger == nil {
		l, err := logging.New(logging.Options{Level: cfg.LogLevel, Format: logging.Format(cfg.LogFormat)})
		if err != nil {
			return nil, err
		}
		a.Logger = l
	}

	var err error
	if a.Local = o.local; a.Local == nil {
		if a.Local, err = OpenLocal(cfg.Local); err != nil {
			return nil, err
		}
	}
	if a.Remote = o.remote; a.Remote == nil {
		if a.Remote, err = OpenRemote(ctx, cfg.Remote, a.Logger.Named("remote")); err != nil {
			_ = a.Local.Close()
			return nil, err
		}
	}
	if a.Blob = o.blob; a.Blob == nil {
		a.Blob, err = blob.Open(ctx, blob.Config{
			Driver: blob.Driver(cfg.Blob.Driver),
			Root:   cfg.Blob.Root,
			S3: blob.S3Config{
				Bucket:          cfg.Blob.S3.Bucket,
				Region:          cfg.Blob.S3.Region,
				Endpoint:        cfg.Blob.S3.Endpoint,
				AccessKeyID:     cfg.Blob.S3.AccessKeyID,
				SecretAccessKey: cfg.Blob.S3.SecretAccessKey,
				PathStyle:       cfg.Blob.S3.PathStyle,
			},
		})
		if err != nil {
			_ = a.Remote.Close()
			_ = a.Local.Close()
			return nil, err
		}
	}
	a.Archive = backup.NewArchive(a.Blob)

	storeLog := a.Logger.Named("store")
	a.Outbox = core.NewOutbox(a.Remote,
		core.OutboxLogger(a.Logger.Named("outbox")),
		core.OutboxMetrics(a.Metrics),
		core.OutboxCapacity(cfg.OutboxSize),
	)
	a.Outbox.Start()
	a.Store = core.NewStore(
		core.WithLogger(storeLog),
		core.WithMetrics(a.Metrics),
		core.WithClock(a.clock),
		core.WithPersistence(a.Local),
		core.WithRemote(a.Remote),
		core.WithOutbox(a.Outbox),
	)
	a.Sync = livesync.New(a.Remote, a.Store,
		livesync.WithLogger(a.Logger.Named("livesync")),
		livesync.WithMetrics(a.Metrics),
	)
	a.Jobs = NewScheduler(a.Store, cfg.Jobs, a.clock, a.Logger.Named("jobs"), a.Metrics)
	return a, nil
}

// OpenLocal opens the configured local snapshot driver.
func OpenLocal(cfg config.Local) (localstate.Adapter, error) {
	switch localstate.Driver(cfg.Driver) {
	case localstate.DriverMemory:
		return memorystate.NewStore(int64(cfg.Capacity)), nil
	case localstate.DriverSQLite, "":
		return sqlitestate.NewStore(cfg.Path, int64(cfg.Capacity))
	case localstate.DriverBadger:
		return badgerstate.NewStore(cfg.Path, int64(cfg.Capacity))
	default:
		return nil, fmt.Errorf("unknown local driver %q", cfg.Driver)
	}
}

// OpenRemote opens the configured remote document store.
func OpenRemote(ctx context.Context, cfg config.Remote, logger core.Logger) (remote.Adapter, error) {
	switch remote.Driver(cfg.Driver) {
	case remote.DriverMemory, "":
		return memoryremote.New(), nil
	case remote.DriverPostgres:
		return postgres.Open(ctx, cfg.PostgresDSN, postgres.WithLogger(logger))
	case remote.DriverRedis:
		return redisremote.Open(ctx, redisremote.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, redisremote.WithLogger(logger))
	default:
		return nil, fmt.Errorf("unknown remote driver %q", cfg.Driver)
	}
}

// SignIn restores the local snapshot, resolves userID against the roster
// (refreshing it from the remote store when the member is unknown) and
// makes the member the session.
func (a *App) SignIn(ctx context.Context, userID string) (domain.TeamMember, error) {
	if _, err := a.Store.Restore(ctx); err != nil {
		a.Logger.Warn("local restore failed", "error", err)
	}
	member, ok := a.Store.TeamMember(userID)
	if !ok {
		if err := a.Store.RefreshTeam(ctx); err != nil {
			return domain.TeamMember{}, fmt.Errorf("refresh team: %w", err)
		}
		member, ok = a.Store.TeamMember(userID)
	}
	if !ok {
		return domain.TeamMember{}, &domain.NotFoundError{Entity: domain.EntityTeamMember, ID: userID}
	}
	if member.Status == domain.MemberSuspended {
		return domain.TeamMember{}, &domain.AuthorizationError{Action: "sign in", Role: member.Role}
	}
	a.Store.SetSession(member)
	return member, nil
}

// Run starts subscriptions for the session member and the scheduler, then
// blocks until ctx is done.
func (a *App) Run(ctx context.Context) error {
	member, ok := a.Store.Session()
	if !ok {
		return errors.New("run: no signed-in member")
	}
	if err := a.Sync.Start(ctx, member); err != nil {
		return fmt.Errorf("start subscriptions: %w", err)
	}
	defer a.Sync.Stop()
	if err := a.Jobs.Start(); err != nil {
		return err
	}
	defer a.Jobs.Stop()
	a.Logger.Info("store running", "user", member.ID, "role", member.Role, "remote", a.Remote.Driver(), "local", a.Local.Driver())
	<-ctx.Done()
	return nil
}

// Export wraps the current snapshot in a backup envelope.
func (a *App) Export() (backup.Envelope, error) {
	by := SystemActor.ID
	if m, ok := a.Store.Session(); ok {
		by = m.ID
	}
	return backup.New(a.Store.ExportSnapshot(), by, a.clock.Now())
}

// Import verifies raw and replaces the local state with its data.
func (a *App) Import(ctx context.Context, raw []byte) (backup.Envelope, error) {
	env, err := backup.Decode(raw)
	if err != nil {
		return backup.Envelope{}, err
	}
	if err := a.Store.ImportSnapshot(ctx, env.Data); err != nil {
		return backup.Envelope{}, fmt.Errorf("import snapshot: %w", err)
	}
	return env, nil
}

// Close flushes queued remote writes within ctx and closes every driver.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Sync != nil {
		a.Sync.Stop()
	}
	if a.Outbox != nil {
		if err := a.Outbox.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop outbox: %w", err))
		}
	}
	if a.Remote != nil {
		if err := a.Remote.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close remote: %w", err))
		}
	}
	if a.Local != nil {
		if err := a.Local.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close local: %w", err))
		}
	}
	_ = a.Logger.Sync()
	return errors.Join(errs...)
}
