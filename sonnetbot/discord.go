package sonnetbot

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// threadAutoArchiveMinutes is the auto-archive duration requested for
// new conversation threads.
const threadAutoArchiveMinutes = 60

// Discord manages the gateway session and provides the discord-side
// operations the bot needs: sending (and splitting) messages, creating
// conversation threads, fetching thread history, and DMing users.
type Discord struct {
	session           DiscordSessionHandler
	config            *DiscordConfig
	logger            *slog.Logger
	metricConnects    atomic.Int64
	metricDisconnects atomic.Int64
	connected         atomic.Bool
	botUserID         atomic.Value
}

func newDiscord(config *DiscordConfig) *Discord {
	d := &Discord{config: config}
	d.botUserID.Store("")
	return d
}

// newSession initializes the discordgo session for the Discord struct,
// with the configured intents, token and log level.
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{
		logger: d.logger.With(loggerNameKey, "discord_session_handler"),
	}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = true
	disc.Identify.Intents = d.config.GatewayIntents
	session.session = disc
	if d.config.httpClient != nil {
		disc.Client = d.config.httpClient
	}

	if err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level()); err != nil {
		return session, err
	}
	return session, nil
}

// BotUserID returns the connected bot user's ID, or "" before the first
// Ready event.
func (d *Discord) BotUserID() string {
	id, _ := d.botUserID.Load().(string)
	return id
}

// Connected reports whether the gateway connection is currently up.
func (d *Discord) Connected() bool {
	return d.connected.Load()
}

func (d *Discord) handlerReady() func(
	s *discordgo.Session,
	r *discordgo.Ready,
) {
	return func(s *discordgo.Session, r *discordgo.Ready) {
		if r.User != nil {
			d.botUserID.Store(r.User.ID)
		}
		d.logger.Info(
			"Ready",
			"session_id", s.State.SessionID,
			"user_id", d.BotUserID(),
		)
	}
}

func (d *Discord) handlerConnect() func(
	s *discordgo.Session,
	r *discordgo.Connect,
) {
	return func(s *discordgo.Session, _ *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)

		var sessionID string
		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
		}
		d.logger.Info("Connected", "session_id", sessionID)

		if d.config.CustomStatus != "" {
			if err := d.session.UpdateCustomStatus(d.config.CustomStatus); err != nil {
				d.logger.Error("unable to set custom status", tint.Err(err))
			}
		}
	}
}

func (d *Discord) handlerDisconnect() func(
	s *discordgo.Session,
	r *discordgo.Disconnect,
) {
	return func(s *discordgo.Session, _ *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)

		var sessionID string
		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
		}
		d.logger.Info("disconnected", "session_id", sessionID)
	}
}

// channelMessageSend sends the given message to the given discord channel ID
func (d *Discord) channelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) error {
	_, err := d.session.ChannelMessageSend(channelID, message, opts...)
	return err
}

// sendLongMessage splits a reply into parts under discord's message
// length limit and sends them in order, returning the first sent message
// (its ID is used for thread links).
func (d *Discord) sendLongMessage(
	channelID string,
	message string,
) (*discordgo.Message, error) {
	var first *discordgo.Message
	for i, part := range splitMessage(message, messageSplitLimit) {
		sent, err := d.session.ChannelMessageSend(channelID, part)
		if err != nil {
			return first, fmt.Errorf("error sending message part %d: %w", i+1, err)
		}
		if first == nil {
			first = sent
		}
	}
	return first, nil
}

// threadHistory fetches the most recent messages in the given thread and
// returns them oldest-first, tagged with bot authorship, ready for
// BuildTranscript.
func (d *Discord) threadHistory(threadID string) ([]ThreadMessage, error) {
	messages, err := d.session.ChannelMessages(
		threadID,
		threadHistoryLimit,
		"", "", "",
	)
	if err != nil {
		return nil, fmt.Errorf("error fetching thread history: %w", err)
	}

	botID := d.BotUserID()
	// ChannelMessages returns newest-first
	history := make([]ThreadMessage, 0, len(messages))
	for i := len(messages) - 1; i >= 0; i-- {
		m := messages[i]
		var isBot bool
		if m.Author != nil {
			isBot = m.Author.ID == botID
		}
		history = append(
			history, ThreadMessage{
				AuthorIsBot: isBot,
				Content:     m.Content,
			},
		)
	}
	return history, nil
}

// startThread creates a public thread under the given channel.
func (d *Discord) startThread(
	channelID string,
	name string,
) (*discordgo.Channel, error) {
	return d.session.ThreadStart(
		channelID,
		truncate(name, maxThreadNameLength),
		discordgo.ChannelTypeGuildPublicThread,
		threadAutoArchiveMinutes,
	)
}

// deleteMessage deletes the given message, treating "already gone" as
// success and "forbidden" as a logged non-fatal condition.
func (d *Discord) deleteMessage(channelID string, messageID string) {
	err := d.session.ChannelMessageDelete(channelID, messageID)
	if err == nil {
		return
	}
	switch restErrorStatus(err) {
	case http.StatusNotFound:
		d.logger.Debug(
			"message already deleted",
			"channel_id", channelID,
			"message_id", messageID,
		)
	case http.StatusForbidden:
		d.logger.Warn(
			"no permission to delete message",
			"channel_id", channelID,
			"message_id", messageID,
		)
	default:
		d.logger.Error("error deleting message", tint.Err(err))
	}
}

// restErrorStatus returns the HTTP status of a discordgo REST error, or
// 0 if err isn't one.
func restErrorStatus(err error) int {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil {
		return restErr.Response.StatusCode
	}
	return 0
}

// threadLink builds the canonical discord link to a message in a thread.
func threadLink(guildID string, threadID string, messageID string) string {
	return fmt.Sprintf(
		"https://discord.com/channels/%s/%s/%s",
		guildID, threadID, messageID,
	)
}

// DiscordSessionHandler defines the interface for handling Discord
// sessions. This basically defines methods from `discordgo.Session`
// which are used in this application, to enable testing/mocking.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// ChannelMessageSend sends a message to the given channel
	ChannelMessageSend(
		channelID string,
		message string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageDelete deletes the given message
	ChannelMessageDelete(
		channelID string,
		messageID string,
		opts ...discordgo.RequestOption,
	) error

	// ChannelMessages retrieves messages from a channel, newest first
	ChannelMessages(
		channelID string,
		limit int,
		beforeID string,
		afterID string,
		aroundID string,
		opts ...discordgo.RequestOption,
	) ([]*discordgo.Message, error)

	// ThreadStart creates a new thread in the given channel
	ThreadStart(
		channelID string,
		name string,
		typ discordgo.ChannelType,
		archiveDuration int,
	) (*discordgo.Channel, error)

	// UserChannelCreate creates (or returns an existing) DM channel
	// with the given user
	UserChannelCreate(
		recipientID string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Channel, error)

	// UpdateCustomStatus sets the bot's user status to the given string.
	// If empty, sets the bot user to active and removes any existing
	// custom status.
	UpdateCustomStatus(status string) error

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error

	// SetHTTPClient sets the HTTP client for the session
	SetHTTPClient(client *http.Client)
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSend(channelID, message, opts...)
}

func (d DiscordSession) ChannelMessageDelete(
	channelID string,
	messageID string,
	opts ...discordgo.RequestOption,
) error {
	return d.session.ChannelMessageDelete(channelID, messageID, opts...)
}

func (d DiscordSession) ChannelMessages(
	channelID string,
	limit int,
	beforeID string,
	afterID string,
	aroundID string,
	opts ...discordgo.RequestOption,
) ([]*discordgo.Message, error) {
	return d.session.ChannelMessages(
		channelID, limit, beforeID, afterID, aroundID, opts...,
	)
}

func (d DiscordSession) ThreadStart(
	channelID string,
	name string,
	typ discordgo.ChannelType,
	archiveDuration int,
) (*discordgo.Channel, error) {
	thread, err := d.session.ThreadStartComplex(
		channelID, &discordgo.ThreadStart{
			Name:                name,
			Type:                typ,
			AutoArchiveDuration: archiveDuration,
		},
	)
	if err != nil {
		d.logger.Error(
			"error starting thread",
			tint.Err(err),
			"channel_id", channelID,
			"name", name,
		)
	} else {
		d.logger.Info(
			"started thread",
			"channel_id", channelID,
			"thread_id", thread.ID,
			"name", name,
		)
	}
	return thread, err
}

func (d DiscordSession) UserChannelCreate(
	recipientID string,
	opts ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	return d.session.UserChannelCreate(recipientID, opts...)
}

func (d DiscordSession) UpdateCustomStatus(status string) error {
	return d.session.UpdateCustomStatus(status)
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl.Level() {
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	return nil
}

func (d DiscordSession) SetHTTPClient(client *http.Client) {
	d.session.Client = client
}
