package sonnetbot

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
	// -ldflags "-X github.com/EphiBL/sonnetbot/sonnetbot.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var defaultLogWriter io.Writer = os.Stdout

// Bot is the main application struct. It wires the Discord gateway, the
// completion API, the per-guild session registry and the settings store
// together, and owns the process lifecycle.
//
// Events arrive one at a time from the gateway; handlers that perform
// network calls run in their own goroutines, so replies to messages sent
// in rapid succession into the same thread can land out of order. That's
// accepted - there is no per-thread queueing.
type Bot struct {
	config *Config

	db    *gorm.DB
	store SettingsStore

	// sessions maps guild IDs to their conversation state
	sessions *SessionRegistry

	discord *Discord
	llm     *OpenAI
	prompts *PromptStore
	api     *API

	logger     *slog.Logger
	logHandler slog.Handler

	// commands maps command names to their handlers
	commands map[string]commandFunc

	// dmWaiters holds pending set_key DM waits, keyed by user ID
	dmWaiters       map[string]chan string
	dmWaiterMu      sync.Mutex
	keyEntryTimeout time.Duration

	// handlerWG tracks in-flight event handler goroutines so shutdown
	// can wait for them
	handlerWG sync.WaitGroup

	discordgoRemoveHandlerFuncs []func()

	startedAt time.Time

	// prevents Run from executing concurrently
	runMu sync.Mutex

	// signalReady has a value sent on it once the database is open, the
	// gateway session is connected, and handlers are registered
	signalReady chan struct{}
}

// New assembles a Bot from the given configuration. Configuration is
// validated in Run, not here.
func New(config *Config) (*Bot, error) {
	var errs []error

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	b := &Bot{
		config:          config,
		dmWaiters:       map[string]chan string{},
		keyEntryTimeout: DefaultKeyEntryTimeout,
		signalReady:     make(chan struct{}, 1),
	}
	b.commands = b.commandHandlers()

	b.logHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     config.LogLevel,
			AddSource: true,
		},
	)
	b.logger = slog.New(b.logHandler)
	slog.SetDefault(b.logger)

	// nil sections are caught by Validate in Run, with a descriptive
	// error instead of a panic here
	if config.OpenAI != nil {
		b.llm = newOpenAI(config.OpenAI, config.HTTPClient)
	}
	b.prompts = NewPromptStore(config.PromptDir)

	if config.Discord != nil {
		config.Discord.httpClient = config.HTTPClient
		disc := newDiscord(config.Discord)
		disc.logger = slog.New(
			tint.NewHandler(
				defaultLogWriter, &tint.Options{
					Level:     config.Discord.LogLevel,
					AddSource: true,
				},
			),
		).With(loggerNameKey, "discord")
		b.discord = disc

		discordgo.Logger = discordgoLoggerFunc(
			context.Background(),
			tint.NewHandler(
				defaultLogWriter, &tint.Options{
					Level:     config.Discord.DiscordGoLogLevel,
					AddSource: true,
				},
			).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
		)
	}

	if config.API != nil && config.API.Listen != "" {
		api, err := newAPI(b, config.API)
		if err != nil {
			errs = append(errs, err)
		}
		b.api = api
	}

	return b, errors.Join(errs...)
}

// Run starts the bot and blocks until ctx is canceled, then shuts down
// gracefully. It returns any startup error; startup misconfiguration is
// fatal.
func (b *Bot) Run(ctx context.Context) error {
	b.runMu.Lock()
	defer b.runMu.Unlock()

	b.startedAt = time.Now()
	logger := b.logger

	if err := b.config.Validate(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", b.config))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	startCtx, startCancel := context.WithTimeout(ctx, b.config.StartupTimeout)
	defer startCancel()

	db, err := CreateDB(
		startCtx,
		b.config.Database,
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     b.config.DatabaseLogLevel,
				AddSource: true,
			},
		),
		b.config.DatabaseSlowThreshold,
	)
	if err != nil {
		logger.Error("error initializing database", tint.Err(err))
		return err
	}
	b.db = db
	b.store = newSettingsStore(db, logger)
	b.sessions = NewSessionRegistry(b.store, logger)

	session, err := b.discord.newSession()
	if err != nil {
		logger.Error("error creating discord session", tint.Err(err))
		b.closeDatabase()
		return err
	}
	b.discord.session = session

	b.discordgoRemoveHandlerFuncs = []func(){
		session.AddHandler(b.discord.handlerReady()),
		session.AddHandler(b.discord.handlerConnect()),
		session.AddHandler(b.discord.handlerDisconnect()),
		session.AddHandler(b.handlerGuildCreate(ctx)),
		session.AddHandler(b.handlerMessageCreate(ctx)),
		session.AddHandler(b.handlerThreadDelete()),
		session.AddHandler(b.handlerThreadUpdate()),
	}

	if err = session.Open(); err != nil {
		logger.Error("error opening discord connection", tint.Err(err))
		b.closeDatabase()
		return fmt.Errorf("error opening discord connection: %w", err)
	}

	if b.api != nil {
		go func() {
			if httpErr := b.api.Serve(ctx); httpErr != nil &&
				!errors.Is(httpErr, http.ErrServerClosed) {
				logger.ErrorContext(ctx, "error serving status API", tint.Err(httpErr))
			}
		}()
	}

	b.signalReady <- struct{}{}
	logger.InfoContext(ctx, "sent ready signal")

	<-ctx.Done()
	return b.shutdown()
}

// closeDatabase closes the underlying SQLite connection, for startup
// error paths that exit before shutdown can run.
func (b *Bot) closeDatabase() {
	if b.db == nil {
		return
	}
	if sqlDB, err := b.db.DB(); err == nil {
		if err = sqlDB.Close(); err != nil {
			b.logger.Error("error closing database", tint.Err(err))
		}
	}
}

// shutdown unregisters handlers, waits for in-flight event handlers (up
// to ShutdownTimeout), and closes the discord and database connections.
func (b *Bot) shutdown() error {
	b.logger.Info("shutting down")

	for _, removeHandler := range b.discordgoRemoveHandlerFuncs {
		removeHandler()
	}

	done := make(chan struct{})
	go func() {
		b.handlerWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		//
	case <-time.After(b.config.ShutdownTimeout):
		b.logger.Warn("shutdown timeout elapsed with handlers in flight")
	}

	var errs []error
	if b.discord.session != nil {
		if err := b.discord.session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("error closing discord session: %w", err))
		}
	}
	if b.db != nil {
		if sqlDB, err := b.db.DB(); err == nil {
			if err = sqlDB.Close(); err != nil {
				errs = append(errs, fmt.Errorf("error closing database: %w", err))
			}
		}
	}
	err := errors.Join(errs...)
	if err != nil {
		b.logger.Error("shutdown finished with errors", tint.Err(err))
	} else {
		b.logger.Info("shutdown complete")
	}
	return err
}

// handlerGuildCreate registers a session for each guild the gateway
// announces after connecting.
func (b *Bot) handlerGuildCreate(ctx context.Context) func(
	s *discordgo.Session,
	g *discordgo.GuildCreate,
) {
	return func(_ *discordgo.Session, g *discordgo.GuildCreate) {
		if _, err := b.sessions.GetOrCreate(ctx, g.ID); err != nil {
			b.logger.ErrorContext(
				ctx,
				"error registering guild session",
				tint.Err(err),
				"guild_id", g.ID,
			)
		}
	}
}

// handlerThreadDelete removes deleted threads from their guild's active
// set, so the bot never tries to answer into a dead thread.
func (b *Bot) handlerThreadDelete() func(
	s *discordgo.Session,
	t *discordgo.ThreadDelete,
) {
	return func(_ *discordgo.Session, t *discordgo.ThreadDelete) {
		b.sessions.RemoveThread(t.GuildID, t.ID)
		b.logger.Info(
			"thread deleted, removed from active set",
			"guild_id", t.GuildID,
			"thread_id", t.ID,
		)
	}
}

// handlerThreadUpdate removes threads from the active set when they
// transition to archived. Updates that are already-archived (or
// unarchive) are left alone.
func (b *Bot) handlerThreadUpdate() func(
	s *discordgo.Session,
	t *discordgo.ThreadUpdate,
) {
	return func(_ *discordgo.Session, t *discordgo.ThreadUpdate) {
		if t.ThreadMetadata == nil || !t.ThreadMetadata.Archived {
			return
		}
		if t.BeforeUpdate != nil && t.BeforeUpdate.ThreadMetadata != nil &&
			t.BeforeUpdate.ThreadMetadata.Archived {
			return
		}
		b.sessions.RemoveThread(t.GuildID, t.ID)
		b.logger.Info(
			"thread archived, removed from active set",
			"guild_id", t.GuildID,
			"thread_id", t.ID,
		)
	}
}

// handlerMessageCreate is the message-level dispatcher: it routes DM
// replies to pending set_key waits, parses prefix commands, and forwards
// messages in active conversation threads to the completion API.
func (b *Bot) handlerMessageCreate(ctx context.Context) func(
	s *discordgo.Session,
	m *discordgo.MessageCreate,
) {
	return func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author == nil || m.Author.Bot ||
			m.Author.ID == b.discord.BotUserID() {
			return
		}

		// DMs only matter as replies to a pending set_key request
		if m.GuildID == "" {
			b.deliverDirectMessage(m.Author.ID, m.Content)
			return
		}

		// silent escape: never dispatched, never counted
		if b.config.SilentPrefix != "" &&
			strings.HasPrefix(m.Content, b.config.SilentPrefix) {
			return
		}

		session, err := b.sessions.GetOrCreate(ctx, m.GuildID)
		if err != nil {
			b.logger.ErrorContext(
				ctx,
				"error resolving guild session",
				tint.Err(err),
				"guild_id", m.GuildID,
			)
			return
		}

		if name, args, raw, ok := parseCommand(
			m.Content, b.config.CommandPrefix,
		); ok {
			if handler, known := b.commands[name]; known {
				cc := commandContext{
					message: m,
					session: session,
					args:    args,
					raw:     raw,
				}
				b.handlerWG.Add(1)
				go func() {
					defer b.handlerWG.Done()
					handler(ctx, cc)
				}()
				return
			}
		}

		if session.ThreadActive(m.ChannelID) {
			b.handlerWG.Add(1)
			go func() {
				defer b.handlerWG.Done()
				b.respondInThread(ctx, m.ChannelID)
			}()
		}
	}
}

// respondInThread replays an active thread's history through the
// completion API and posts the reply back into the thread.
func (b *Bot) respondInThread(ctx context.Context, threadID string) {
	systemPrompt, err := b.prompts.SystemPrompt()
	if err != nil {
		b.logger.ErrorContext(ctx, "system prompt unavailable", tint.Err(err))
		b.reportError(threadID, "Error: unable to read system prompt.")
		return
	}

	history, err := b.discord.threadHistory(threadID)
	if err != nil {
		b.logger.ErrorContext(ctx, "error fetching thread history", tint.Err(err))
		b.reportError(threadID, "Error: unable to read this thread's history.")
		return
	}

	history = withoutSilentMessages(history, b.config.SilentPrefix)

	reply, err := b.llm.Complete(
		ctx,
		systemPrompt,
		BuildTranscript(history),
		threadReplyMaxTokens,
	)
	if err != nil {
		b.reportError(threadID, fmt.Sprintf("An error occurred: %s", err))
		return
	}

	if _, err = b.discord.sendLongMessage(threadID, reply); err != nil {
		b.logger.ErrorContext(ctx, "error sending thread reply", tint.Err(err))
	}
}
