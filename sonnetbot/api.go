package sonnetbot

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
)

const (
	apiPathHealthCheck = "/health"
	apiPathStatus      = "/api/status"
	apiPathGuilds      = "/api/guilds"
)

// API is a small read-only HTTP server for introspecting the running
// bot: connection state, registered guilds and their active
// conversations. It has no mutating endpoints.
type API struct {
	bot        *Bot
	config     *APIConfig
	engine     *gin.Engine
	httpServer *http.Server
	listener   net.Listener
	logger     *slog.Logger
}

func newAPI(b *Bot, config *APIConfig) (*API, error) {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	api := &API{
		bot:    b,
		config: config,
		engine: r,
	}
	api.logger = slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     config.LogLevel,
				AddSource: true,
			},
		),
	).With(loggerNameKey, "api")

	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	r.Use(gin.Recovery())

	r.GET(apiPathHealthCheck, api.healthCheck)
	r.GET(apiPathStatus, api.statusHandler)
	r.GET(apiPathGuilds, api.guildsHandler)

	return api, nil
}

// Serve listens on the configured address until ctx is canceled.
func (a *API) Serve(ctx context.Context) error {
	listenCfg := &net.ListenConfig{}
	ln, err := listenCfg.Listen(ctx, "tcp", a.config.Listen)
	if err != nil {
		return err
	}
	a.listener = ln
	a.logger.Info("status API listening", "listen", a.config.Listen)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(
			context.Background(), 5*time.Second,
		)
		defer cancel()
		if e := a.httpServer.Shutdown(shutdownCtx); e != nil {
			a.logger.Error("error shutting down status API", tint.Err(e))
		}
	}()

	return a.httpServer.Serve(a.listener)
}

func (a *API) healthCheck(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

func (a *API) statusHandler(c *gin.Context) {
	c.JSON(
		http.StatusOK, gin.H{
			"version":           Version,
			"started_at":        a.bot.startedAt,
			"uptime":            time.Since(a.bot.startedAt).String(),
			"discord_connected": a.bot.discord.Connected(),
			"guilds":            a.bot.sessions.Len(),
			"key_overridden":    a.bot.llm.KeyOverridden(),
		},
	)
}

type guildStatus struct {
	GuildID           string `json:"guild_id"`
	ResponseChannelID string `json:"response_channel_id,omitempty"`
	ActiveThreads     int    `json:"active_threads"`
}

func (a *API) guildsHandler(c *gin.Context) {
	guilds := make([]guildStatus, 0, a.bot.sessions.Len())
	for _, guildID := range a.bot.sessions.GuildIDs() {
		session, ok := a.bot.sessions.Get(guildID)
		if !ok {
			continue
		}
		channelID, _ := session.ResponseChannel()
		guilds = append(
			guilds, guildStatus{
				GuildID:           guildID,
				ResponseChannelID: channelID,
				ActiveThreads:     session.ActiveThreadCount(),
			},
		)
	}
	c.JSON(http.StatusOK, guilds)
}
