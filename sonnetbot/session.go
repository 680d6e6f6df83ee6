package sonnetbot

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// GuildSession tracks the bot-managed conversation state for a single
// guild: which threads are live conversations, and the cached response
// channel setting. It lives for the process lifetime - it isn't persisted
// directly, only the response channel is (via SettingsStore).
type GuildSession struct {
	guildID           string
	activeThreads     map[string]struct{}
	responseChannelID string
	store             SettingsStore
	mu                sync.Mutex
}

// NewGuildSession constructs the session for a guild, loading its response
// channel from the settings store.
func NewGuildSession(
	ctx context.Context,
	guildID string,
	store SettingsStore,
) (*GuildSession, error) {
	channelID, err := store.GetResponseChannel(ctx, guildID)
	if err != nil {
		return nil, fmt.Errorf("error loading guild %s settings: %w", guildID, err)
	}
	return &GuildSession{
		guildID:           guildID,
		activeThreads:     map[string]struct{}{},
		responseChannelID: channelID,
		store:             store,
	}, nil
}

func (g *GuildSession) GuildID() string {
	return g.guildID
}

// AddActiveThread marks a thread as a live bot-managed conversation.
// Adding an already-active thread is a no-op.
func (g *GuildSession) AddActiveThread(threadID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.activeThreads[threadID] = struct{}{}
}

// RemoveActiveThread drops a thread from the active set. Removing a
// thread that isn't present is a no-op - delete and archive events can
// race on the same thread.
func (g *GuildSession) RemoveActiveThread(threadID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.activeThreads, threadID)
}

// ThreadActive reports whether the given thread is a live conversation.
func (g *GuildSession) ThreadActive(threadID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.activeThreads[threadID]
	return ok
}

// ActiveThreadCount returns the number of live conversations.
func (g *GuildSession) ActiveThreadCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.activeThreads)
}

// ResponseChannel returns the cached response channel ID, and whether
// one is set.
func (g *GuildSession) ResponseChannel() (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.responseChannelID, g.responseChannelID != ""
}

// UpdateResponseChannel sets the response channel in memory and persists
// it. The in-memory value is updated even when persistence fails - the
// returned error lets the caller report the durability failure while the
// new channel still takes effect for this process.
func (g *GuildSession) UpdateResponseChannel(
	ctx context.Context,
	channelID string,
) error {
	g.mu.Lock()
	g.responseChannelID = channelID
	g.mu.Unlock()
	return g.store.SetResponseChannel(ctx, g.guildID, channelID)
}

// SessionRegistry is the process-wide mapping of guild IDs to their
// sessions. Guilds are registered from GuildCreate gateway events on
// connect, and lazily on first use for guilds the gateway didn't announce.
type SessionRegistry struct {
	sessions map[string]*GuildSession
	store    SettingsStore
	logger   *slog.Logger
	mu       sync.RWMutex
}

func NewSessionRegistry(store SettingsStore, log *slog.Logger) *SessionRegistry {
	if log == nil {
		log = slog.Default()
	}
	return &SessionRegistry{
		sessions: map[string]*GuildSession{},
		store:    store,
		logger:   log.With(loggerNameKey, "session_registry"),
	}
}

// Get returns the session for a guild, or (nil, false) if the guild
// hasn't been registered.
func (r *SessionRegistry) Get(guildID string) (*GuildSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	session, ok := r.sessions[guildID]
	return session, ok
}

// GetOrCreate returns the guild's session, constructing and registering
// one if the guild hasn't been seen yet.
func (r *SessionRegistry) GetOrCreate(
	ctx context.Context,
	guildID string,
) (*GuildSession, error) {
	r.mu.RLock()
	session, ok := r.sessions[guildID]
	r.mu.RUnlock()
	if ok {
		return session, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if session, ok = r.sessions[guildID]; ok {
		return session, nil
	}
	session, err := NewGuildSession(ctx, guildID, r.store)
	if err != nil {
		return nil, err
	}
	r.sessions[guildID] = session
	r.logger.InfoContext(
		ctx,
		"registered guild session",
		"guild_id", guildID,
	)
	return session, nil
}

// GuildIDs returns the IDs of all registered guilds.
func (r *SessionRegistry) GuildIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

// RemoveThread removes a thread from its guild's active set, if that
// guild is registered. Used by thread delete/archive handlers.
func (r *SessionRegistry) RemoveThread(guildID string, threadID string) {
	session, ok := r.Get(guildID)
	if !ok {
		return
	}
	session.RemoveActiveThread(threadID)
}

// Len returns the number of registered guilds.
func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
