package wraithward

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/wraithward/wraithward/wraithward.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var defaultLogWriter io.Writer = os.Stdout

// WraithWard is the main application struct, wiring together the Discord
// session, the database, the vote and isolation registries, and the
// per-guild configuration stores.
type WraithWard struct {
	config     *Config
	logger     *slog.Logger
	logHandler slog.Handler

	db      *gorm.DB
	writeDB DBI

	discord *Discord

	guildConfigs *GuildConfigStore
	presets      *PresetStore
	logSender    *LogSender

	voteRegistry      *VoteRegistry
	isolationRegistry *IsolationRegistry

	signalStop  chan struct{}
	signalReady chan struct{}
	startedAt   time.Time

	// runMu prevents concurrent Run calls
	runMu sync.Mutex
}

// New creates a WraithWard instance from the given config. The database
// and Discord session are not touched until Run.
func New(config *Config) (*WraithWard, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	w := &WraithWard{
		config:      config,
		signalReady: make(chan struct{}, 1),
	}

	w.logHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     w.config.LogLevel,
			AddSource: true,
		},
	)
	w.logger = slog.New(w.logHandler)
	slog.SetDefault(w.logger)

	w.config.Discord.httpClient = w.config.HTTPClient

	disc, err := newDiscord(w.config.Discord)
	if err != nil {
		errs = append(errs, err)
	}

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     w.config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	if disc != nil {
		disc.logger = slog.New(
			tint.NewHandler(
				defaultLogWriter, &tint.Options{
					Level:     w.config.Discord.LogLevel,
					AddSource: true,
				},
			),
		).With(loggerNameKey, "discord")
		disc.ww = w
		w.discord = disc
	}

	w.voteRegistry = newVoteRegistry(w.logger)
	w.isolationRegistry = newIsolationRegistry(w.logger)

	return w, errors.Join(errs...)
}

func (w *WraithWard) ValidateConfig() error {
	return structValidator.Struct(w.config)
}

// RegisterSlashCommands registers the bot's slash commands via the
// bulk overwrite endpoint.
func (w *WraithWard) RegisterSlashCommands(options ...discordgo.RequestOption) (
	[]*discordgo.ApplicationCommand,
	error,
) {
	return w.discord.registerCommands(options...)
}

// Run starts the bot and blocks until the given context is canceled or a
// stop signal arrives, then performs a graceful shutdown (including
// rolling back any active isolation sessions).
func (w *WraithWard) Run(ctx context.Context) error {
	// prevents concurrent runs
	w.runMu.Lock()
	defer w.runMu.Unlock()

	w.signalStop = make(chan struct{}, 1)
	w.startedAt = time.Now()
	logger := w.logger

	if err := w.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", w.config))

	// the 'runtime' context: canceling it triggers a graceful shutdown
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-w.signalStop:
			w.logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
			return
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, w.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		initErr <- w.initRun(startCtx)
	}()

	select {
	case <-startCtx.Done():
		return fmt.Errorf("startup cancelled or timed out")
	case err := <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			return err
		}
	}

	w.signalReady <- struct{}{}
	logger.InfoContext(ctx, "ready")

	<-ctx.Done()

	return w.shutdown()
}

// initRun initializes the database, the component stores, and the
// Discord session, and registers slash commands.
func (w *WraithWard) initRun(ctx context.Context) error {
	if err := w.initDB(ctx); err != nil {
		return err
	}

	w.guildConfigs = newGuildConfigStore(w.writeDB, w.logger)
	w.presets = newPresetStore(w.writeDB, w.logger)
	w.logSender = newLogSender(
		nil,
		w.guildConfigs,
		w.config.LogSendsPerSecond,
		w.config.LogSendBurst,
		w.logger,
	)

	session, err := w.discord.newSession()
	if err != nil {
		return err
	}
	w.discord.session = session
	w.logSender.session = session

	w.discord.discordgoRemoveHandlerFuncs = []func(){
		session.AddHandler(w.discord.handlerReady()),
		session.AddHandler(w.discord.handlerConnect()),
		session.AddHandler(w.discord.handlerDisconnect()),
		session.AddHandler(w.handleMessageCreate),
		session.AddHandler(
			func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
				w.handleInteraction(context.Background(), i)
			},
		),
	}

	if err = session.Open(); err != nil {
		return fmt.Errorf("error opening discord session: %w", err)
	}

	if _, err = w.RegisterSlashCommands(); err != nil {
		return fmt.Errorf("error registering slash commands: %w", err)
	}
	return nil
}

func (w *WraithWard) initDB(ctx context.Context) error {
	db, err := CreateDB(ctx, w.config.DatabaseType, w.config.Database)
	if err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	w.db = db

	dbLogHandler := tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     w.config.DatabaseLogLevel,
			AddSource: true,
		},
	)
	db.Logger = newGORMLogger(dbLogHandler, w.config.DatabaseSlowThreshold)
	w.writeDB = NewDatabase(
		db,
		slog.New(dbLogHandler),
		w.config.DatabaseType == dbTypePostgres,
	)
	return nil
}

// handleInteraction dispatches a gateway interaction to the appropriate
// command, component, or modal handler. Every interaction is logged to
// the database.
func (w *WraithWard) handleInteraction(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	logger := w.logger.With(
		slog.Group("interaction", interactionLogAttrs(*i)...),
	)
	ctx = WithLogger(ctx, logger)

	discordUser := getDiscordUser(i)
	if discordUser == nil {
		logger.ErrorContext(ctx, "no user found in interaction")
		return
	}
	if discordUser.Bot {
		return
	}

	interactionLog, err := newInteractionLog(i, discordUser)
	if err != nil {
		logger.ErrorContext(ctx, "error marshaling interaction", tint.Err(err))
	} else {
		go func() {
			if _, createErr := w.writeDB.Create(
				context.Background(), interactionLog,
			); createErr != nil {
				logger.ErrorContext(ctx, "error logging interaction", tint.Err(createErr))
			}
		}()
	}

	switch i.Type {
	case discordgo.InteractionApplicationCommand:
		switch i.ApplicationCommandData().Name {
		case DiscordSlashCommandAutomod:
			w.handleAutomodCommand(ctx, i)
		case DiscordSlashCommandWraith:
			w.handleWraithCommand(ctx, i)
		default:
			logger.WarnContext(
				ctx,
				"unknown command",
				"command", i.ApplicationCommandData().Name,
			)
		}
	case discordgo.InteractionMessageComponent:
		customID := i.MessageComponentData().CustomID
		sessionID, action, decodeErr := decodeVoteCustomID(customID)
		if decodeErr != nil {
			logger.WarnContext(
				ctx,
				"unknown component",
				"custom_id", customID,
				tint.Err(decodeErr),
			)
			return
		}
		w.handleVoteButton(ctx, i, sessionID, action)
	case discordgo.InteractionModalSubmit:
		customID := i.ModalSubmitData().CustomID
		if strings.HasPrefix(customID, wraithModalPrefix+":") {
			w.handleWraithModal(ctx, i)
			return
		}
		logger.WarnContext(ctx, "unknown modal", "custom_id", customID)
	}
}

// shutdown rolls back all active isolation sessions, closes the Discord
// session, and closes the database, bounded by the configured shutdown
// timeout.
func (w *WraithWard) shutdown() error {
	logger := w.logger
	logger.Warn("shutting down")

	ctx, cancel := context.WithTimeout(
		context.Background(), w.config.ShutdownTimeout,
	)
	defer cancel()

	var errs []error

	if err := w.stopAllIsolations(ctx); err != nil {
		logger.Error("error stopping isolation sessions", tint.Err(err))
		errs = append(errs, err)
	}

	if w.discord != nil && w.discord.session != nil {
		for _, removeHandler := range w.discord.discordgoRemoveHandlerFuncs {
			removeHandler()
		}
		if err := w.discord.session.Close(); err != nil {
			logger.Error("error closing discord session", tint.Err(err))
			errs = append(errs, err)
		}
	}

	if w.db != nil {
		if sqlDB, err := w.db.DB(); err == nil {
			if closeErr := sqlDB.Close(); closeErr != nil {
				logger.Error("error closing database", tint.Err(closeErr))
				errs = append(errs, closeErr)
			}
		}
	}

	logger.Warn("shutdown complete")
	return errors.Join(errs...)
}
