package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jeremiah-k/meshtastic-matrix-relay-sub000/internal/bus"
	"github.com/jeremiah-k/meshtastic-matrix-relay-sub000/internal/config"
	"github.com/jeremiah-k/meshtastic-matrix-relay-sub000/internal/connectors"
	"github.com/jeremiah-k/meshtastic-matrix-relay-sub000/internal/domain"
	"github.com/jeremiah-k/meshtastic-matrix-relay-sub000/internal/logging"
	"github.com/jeremiah-k/meshtastic-matrix-relay-sub000/internal/matrix"
	"github.com/jeremiah-k/meshtastic-matrix-relay-sub000/internal/metrics"
	"github.com/jeremiah-k/meshtastic-matrix-relay-sub000/internal/notifications"
	"github.com/jeremiah-k/meshtastic-matrix-relay-sub000/internal/persistence"
	"github.com/jeremiah-k/meshtastic-matrix-relay-sub000/internal/platform"
	"github.com/jeremiah-k/meshtastic-matrix-relay-sub000/internal/plugins"
	"github.com/jeremiah-k/meshtastic-matrix-relay-sub000/internal/queue"
	"github.com/jeremiah-k/meshtastic-matrix-relay-sub000/internal/radio"
	"github.com/jeremiah-k/meshtastic-matrix-relay-sub000/internal/relay"
	"github.com/jeremiah-k/meshtastic-matrix-relay-sub000/internal/transport"
)

// Options are the process-level overrides taken from the command line.
type Options struct {
	ConfigPath string
	DataDir    string
	// ResetDatabase wipes relay tables before anything is loaded.
	ResetDatabase bool
}

// Runtime owns every relay component. Initialize wires them, Run starts the
// long-lived tasks, Close releases what Initialize opened.
type Runtime struct {
	Ctx    context.Context
	cancel context.CancelFunc

	Paths  Paths
	Config config.AppConfig

	LogManager *logging.Manager
	Bus        *bus.PubSubBus
	DB         *sql.DB

	NodeRepo       *persistence.NodeRepo
	IdentityRepo   *persistence.IdentityRepo
	PluginDataRepo *persistence.PluginDataRepo
	WriterQueue    *persistence.WriterQueue

	NodeStore     *domain.NodeStore
	NodeDiscovery *NodeDiscoveryProjection
	Metrics       *metrics.Relay
	Notifications *NotificationService
	Updates       *UpdateChecker

	Link     *radio.Link
	Queue    *queue.Queue
	Session  *matrix.Session
	Plugins  *plugins.Dispatcher
	Pipeline *relay.Pipeline
	Status   *StatusServer

	logger *slog.Logger
	lock   platform.InstanceLock

	roomsMu sync.RWMutex
	rooms   []domain.RoomMapping

	statusMu      sync.RWMutex
	connStatus    connectors.ConnectionStatus
	sessionStatus connectors.SessionStatus
}

func Initialize(parent context.Context, opts Options) (*Runtime, error) {
	paths, cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	// Background infrastructure stops in Close, after the relay tasks are done
	// writing, not when parent is cancelled.
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	rt := &Runtime{
		Ctx:           ctx,
		cancel:        cancel,
		Paths:         paths,
		Config:        cfg,
		connStatus:    ConnectionStatusFromConfig(cfg.Meshtastic),
		sessionStatus: connectors.SessionStatus{State: connectors.SessionStateStarting, UserID: cfg.Matrix.UserID},
	}

	logMgr := logging.NewManager()
	if err := logMgr.Configure(cfg.Logging, paths.LogFile); err != nil {
		_ = logMgr.Close()
		cancel()
		return nil, fmt.Errorf("configure logging: %w", err)
	}
	rt.LogManager = logMgr
	rt.logger = logMgr.Logger("app")
	rt.logger.Info("starting relay", "version", BuildVersion(), "build_date", BuildDateYMD(), "data_dir", paths.RootDir)

	lock, err := platform.AcquireDataDirLock(paths.RootDir)
	switch {
	case err == nil:
		rt.lock = lock
	case errors.Is(err, platform.ErrInstanceLockUnsupported):
		rt.logger.Warn("data dir lock unavailable, make sure only one relay uses it", "error", err)
	default:
		_ = rt.Close()
		return nil, err
	}

	db, err := persistence.Open(ctx, paths.DBFile)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	rt.DB = db
	rt.NodeRepo = persistence.NewNodeRepo(db)
	rt.IdentityRepo = persistence.NewIdentityRepo(db)
	rt.PluginDataRepo = persistence.NewPluginDataRepo(db)

	if opts.ResetDatabase {
		removed, err := persistence.ResetDatabase(ctx, db)
		if err != nil {
			_ = rt.Close()
			return nil, err
		}
		rt.logger.Info("database reset", "identity_map", removed["identity_map"], "nodes", removed["nodes"], "plugin_data", removed["plugin_data"])
	} else if cfg.Database.MsgMap.WipeOnRestart {
		if err := rt.IdentityRepo.Clear(ctx); err != nil {
			_ = rt.Close()
			return nil, err
		}
		rt.logger.Info("message map wiped on restart")
	}

	nodeStore := domain.NewNodeStore()
	if err := nodeStore.Restore(ctx, rt.NodeRepo); err != nil {
		_ = rt.Close()
		return nil, err
	}
	rt.NodeStore = nodeStore

	writerQueue := persistence.NewWriterQueue(logMgr.Logger("persistence"), WriterQueueCapacity)
	writerQueue.Start(ctx)
	rt.WriterQueue = writerQueue

	b := bus.New(logMgr.Logger("bus"))
	rt.Bus = b
	statusTopics := []string{connectors.TopicConnStatus, connectors.TopicSessionStatus}
	go rt.captureStatus(ctx, b.Subscribe(statusTopics...))
	rt.NodeDiscovery = NewNodeDiscoveryProjection(nodeStore, logMgr.Logger("nodes"))
	rt.NodeDiscovery.Start(ctx, b)
	nodeRepo := rt.NodeRepo
	nodeStore.Follow(ctx, b, func(n domain.Node) {
		writerQueue.Enqueue("upsert_node", func(writeCtx context.Context) error {
			return nodeRepo.Upsert(writeCtx, n)
		})
	})

	rt.Metrics = metrics.New()
	rt.Metrics.Start(ctx, b)

	var sender notifications.Sender
	if cfg.Notifications.Desktop {
		sender = notifications.NewDesktopSender(logMgr.Logger("notifications"))
	}
	rt.Notifications = NewNotificationService(b, sender, logMgr.Logger("alerts"))
	rt.Notifications.Start(ctx)

	if cfg.UpdateCheck.Enabled {
		rt.Updates = NewUpdateChecker(UpdateCheckerDependencies{
			CurrentVersion: Version(),
			UserAgent:      UserAgent(),
			Interval:       cfg.UpdateCheck.Interval,
			MessageBus:     b,
			Logger:         logMgr.Logger("updates"),
		})
		rt.Updates.Start(ctx)
	}

	codec, err := radio.NewMeshtasticCodec()
	if err != nil {
		_ = rt.Close()
		return nil, fmt.Errorf("initialize meshtastic codec: %w", err)
	}
	tr, err := transport.New(cfg.Meshtastic)
	if err != nil {
		_ = rt.Close()
		return nil, fmt.Errorf("initialize transport: %w", err)
	}
	rt.Link = radio.NewLink(logMgr.Logger("radio"), b, tr, codec, radio.LinkConfig{
		MaxReconnectAttempts: cfg.Meshtastic.MaxReconnectAttempts,
		MaxDelay:             cfg.Meshtastic.ReconnectMaxDelay,
	})

	rt.Queue = queue.New(logMgr.Logger("queue"), rt.Link, queue.Config{
		Delay:   cfg.Meshtastic.MessageInterval(),
		MaxSize: cfg.Meshtastic.MaxQueueSize,
	})
	rt.Queue.SetObserver(rt.Metrics)

	rt.Session = matrix.NewSession(matrix.Config{
		Homeserver:      cfg.Matrix.Homeserver,
		UserID:          cfg.Matrix.UserID,
		AccessToken:     cfg.Matrix.AccessToken,
		Password:        cfg.Matrix.Password,
		DeviceName:      cfg.Matrix.DeviceName,
		UserAgent:       UserAgent(),
		CredentialsPath: paths.CredentialsFile,
		E2EE:            cfg.Matrix.E2EE.Enabled,
		CryptoStorePath: paths.CryptoStoreFile,
		PickleKey:       cfg.Matrix.E2EE.PickleKey,
	}, logMgr.Logger("matrix"), logMgr.ZeroLogger("mautrix"), b)

	rt.Plugins = plugins.NewDispatcher(logMgr.Logger("plugins"), rt.PluginDataRepo, rt.WriterQueue)
	if err := rt.Plugins.Register(plugins.NewActivityHook(logMgr.Logger("plugins.activity"))); err != nil {
		_ = rt.Close()
		return nil, fmt.Errorf("register plugins: %w", err)
	}

	if addr := cfg.Diagnostics.ListenAddress; addr != "" {
		rt.Status = NewStatusServer(addr, rt.Metrics.Handler(), rt.Snapshot, logMgr.Logger("status"))
	}

	return rt, nil
}

// loadConfig resolves the data dir and reads the config file. A missing
// default config file is fine when everything comes from the environment.
func loadConfig(opts Options) (Paths, config.AppConfig, error) {
	paths, err := ResolvePaths(opts.DataDir)
	if err != nil {
		return Paths{}, config.AppConfig{}, err
	}

	configPath := opts.ConfigPath
	if configPath == "" {
		if _, statErr := os.Stat(paths.ConfigFile); statErr == nil {
			configPath = paths.ConfigFile
		}
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return Paths{}, config.AppConfig{}, err
	}

	if opts.DataDir == "" && cfg.DataDir != "" {
		configFile := paths.ConfigFile
		if paths, err = ResolvePaths(cfg.DataDir); err != nil {
			return Paths{}, config.AppConfig{}, err
		}
		paths.ConfigFile = configFile
	}
	if opts.ConfigPath != "" {
		paths.ConfigFile = opts.ConfigPath
	}

	return paths.WithConfig(cfg), cfg, nil
}

// RoomMappings resolves per-room overrides against the global mesh settings.
func RoomMappings(cfg config.AppConfig) []domain.RoomMapping {
	out := make([]domain.RoomMapping, 0, len(cfg.Rooms))
	for _, room := range cfg.Rooms {
		out = append(out, domain.RoomMapping{
			RoomID:           room.ID,
			Channel:          room.MeshtasticChannel,
			MeshnetName:      cfg.RoomMeshnetName(room),
			BroadcastEnabled: cfg.RoomBroadcastEnabled(room),
		})
	}

	return out
}

// Run authenticates, joins rooms and then relays until ctx ends or a fatal
// error occurs. Authentication failures wrap matrix.ErrAuthentication.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.start(ctx); err != nil {
		return err
	}

	// The link and queue outlive ctx so pending mesh sends get a drain window.
	linkCtx, stopLink := context.WithCancel(context.WithoutCancel(ctx))
	defer stopLink()
	queueCtx, stopQueue := context.WithCancel(context.WithoutCancel(ctx))
	defer stopQueue()

	var background sync.WaitGroup
	background.Add(2)
	go func() {
		defer background.Done()
		r.runLink(linkCtx)
	}()
	go func() {
		defer background.Done()
		if err := r.Queue.Run(queueCtx); err != nil {
			r.logger.Error("outbound queue stopped", "error", err)
		}
	}()

	chatEvents := make(chan domain.ChatEvent, ChatEventBuffer)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.runSession(gctx, chatEvents)
	})
	g.Go(func() error {
		return r.Pipeline.Run(gctx, r.Link.Packets(), chatEvents, r.Session.Ready())
	})
	g.Go(func() error {
		r.runPruner(gctx)
		return nil
	})
	if r.Status != nil {
		g.Go(func() error {
			return r.Status.Run(gctx)
		})
	}

	err := g.Wait()
	r.drain(stopQueue, stopLink)
	background.Wait()

	return err
}

func (r *Runtime) start(ctx context.Context) error {
	startCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	if err := r.Session.Authenticate(startCtx); err != nil {
		return err
	}
	rooms, err := r.Session.JoinRooms(startCtx, RoomMappings(r.Config))
	if err != nil {
		return fmt.Errorf("join rooms: %w", err)
	}
	r.roomsMu.Lock()
	r.rooms = rooms
	r.roomsMu.Unlock()

	r.Pipeline = relay.New(relay.ConfigFromApp(r.Config, rooms), relay.Deps{
		Logger:     r.LogManager.Logger("relay"),
		Session:    r.Session,
		Queue:      r.Queue,
		Identities: r.IdentityRepo,
		Writer:     r.WriterQueue,
		Hooks:      r.Plugins,
		Nodes:      r.NodeStore,
		Bus:        r.Bus,
		LocalNode:  r.Link.LocalNodeNum,
	})
	r.logger.Info("relay configured", "rooms", len(rooms), "plugins", r.Plugins.Names())

	return nil
}

func (r *Runtime) runLink(ctx context.Context) {
	err := r.Link.Connect(ctx)
	switch {
	case err == nil || radio.IsStopped(err):
	case errors.Is(err, radio.ErrLinkFailed):
		r.logger.Error("radio link gave up reconnecting; only chat-side traffic is processed", "error", err)
	default:
		r.logger.Error("radio link stopped", "error", err)
	}
}

func (r *Runtime) runSession(ctx context.Context, out chan<- domain.ChatEvent) error {
	if err := r.Session.InitialSync(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	return r.Session.SyncLoop(ctx, out)
}

// drain gives queued mesh sends a bounded window, then stops the radio.
func (r *Runtime) drain(stopQueue, stopLink context.CancelFunc) {
	drainCtx, cancel := context.WithTimeout(context.Background(), r.Config.ShutdownDrain)
	defer cancel()

	if pending := r.Queue.Len(); pending > 0 {
		r.logger.Info("draining outbound queue", "pending", pending, "window", r.Config.ShutdownDrain)
	}
	if err := r.Queue.Close(drainCtx); err != nil {
		r.logger.Warn("outbound queue closed with pending messages", "error", err)
	}
	stopQueue()
	if err := r.Link.Disconnect(); err != nil {
		r.logger.Debug("radio disconnect", "error", err)
	}
	stopLink()
}

func (r *Runtime) runPruner(ctx context.Context) {
	r.pruneIdentityMap()

	ticker := time.NewTicker(PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.pruneIdentityMap()
		}
	}
}

func (r *Runtime) pruneIdentityMap() {
	limits := r.Config.Database.MsgMap
	if limits.MaxAge <= 0 && limits.MaxEntries <= 0 {
		return
	}

	r.WriterQueue.Enqueue("prune_identity_map", func(ctx context.Context) error {
		var olderThan time.Time
		if limits.MaxAge > 0 {
			olderThan = time.Now().Add(-limits.MaxAge)
		}
		removed, err := r.IdentityRepo.Prune(ctx, olderThan, limits.MaxEntries)
		if err != nil {
			return err
		}
		if removed > 0 {
			r.logger.Info("pruned message map", "removed", removed)
		}
		return nil
	})
}

func (r *Runtime) captureStatus(ctx context.Context, sub bus.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-sub:
			if !ok {
				return
			}
			r.statusMu.Lock()
			switch status := raw.(type) {
			case connectors.ConnectionStatus:
				r.connStatus = status
			case connectors.SessionStatus:
				r.sessionStatus = status
			}
			r.statusMu.Unlock()
		}
	}
}

func (r *Runtime) CurrentConnStatus() connectors.ConnectionStatus {
	r.statusMu.RLock()
	defer r.statusMu.RUnlock()

	return r.connStatus
}

func (r *Runtime) CurrentSessionStatus() connectors.SessionStatus {
	r.statusMu.RLock()
	defer r.statusMu.RUnlock()

	return r.sessionStatus
}

// Rooms returns the joined room mappings; empty before Run joined them.
func (r *Runtime) Rooms() []domain.RoomMapping {
	r.roomsMu.RLock()
	defer r.roomsMu.RUnlock()

	out := make([]domain.RoomMapping, len(r.rooms))
	copy(out, r.rooms)

	return out
}

// Snapshot assembles the /status document.
func (r *Runtime) Snapshot(ctx context.Context) StatusSnapshot {
	snap := StatusSnapshot{
		Version:      BuildVersionWithDate(),
		Radio:        r.CurrentConnStatus(),
		Session:      r.CurrentSessionStatus(),
		QueueDepth:   r.Queue.Len(),
		ParkedEvents: r.Session.ParkedEvents(),
		KnownNodes:   r.NodeStore.Len(),
		NewNodes:     r.NodeDiscovery.Discovered(),
		FailedWrites: r.WriterQueue.Failed(),
	}
	if num := r.Link.LocalNodeNum(); num != 0 {
		snap.LocalNode = domain.FormatNodeID(num)
	}
	select {
	case <-r.Session.Ready():
		snap.Ready = true
	default:
	}

	flags := r.Session.EncryptionFlags()
	rooms := r.Rooms()
	if len(rooms) == 0 {
		rooms = RoomMappings(r.Config)
	}
	snap.Rooms = make([]RoomStatus, 0, len(rooms))
	for _, room := range rooms {
		status := RoomStatus{
			RoomID:  room.RoomID,
			Alias:   room.Alias,
			Channel: room.Channel,
			Meshnet: room.MeshnetName,
		}
		if encrypted, ok := flags[room.RoomID]; ok {
			status.Encrypted = &encrypted
		}
		snap.Rooms = append(snap.Rooms, status)
	}

	if n, err := r.IdentityRepo.Count(ctx); err == nil {
		snap.IdentityRecords = n
	}
	if update, ok := r.Updates.CurrentSnapshot(); ok {
		snap.Update = &update
	}

	return snap
}

func (r *Runtime) Close() error {
	if r.WriterQueue != nil {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.WriterQueue.Flush(flushCtx); err != nil {
			r.logger.Warn("flush pending writes", "error", err)
		}
		cancel()
	}
	if r.cancel != nil {
		r.cancel()
	}

	var errs []error
	if r.Link != nil {
		if err := r.Link.Disconnect(); err != nil {
			errs = append(errs, fmt.Errorf("disconnect radio: %w", err))
		}
	}
	if r.Session != nil {
		if err := r.Session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close matrix session: %w", err))
		}
	}
	if r.Bus != nil {
		r.Bus.Close()
	}
	if r.DB != nil {
		if err := r.DB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close database: %w", err))
		}
	}
	if r.lock != nil {
		if err := r.lock.Release(); err != nil {
			errs = append(errs, fmt.Errorf("release data dir lock: %w", err))
		}
		r.lock = nil
	}
	if r.LogManager != nil {
		if err := r.LogManager.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close log file: %w", err))
		}
	}

	return errors.Join(errs...)
}
