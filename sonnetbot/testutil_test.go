package sonnetbot

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

const (
	testSystemPrompt = "You are a helpful assistant."
	testHeaderPrompt = "Summarize the following question as a short title:"
)

// mockCompletionClient implements CompletionClient with canned
// responses, keyed on the content of the last message in the request.
// Unknown prompts get DefaultResponse.
type mockCompletionClient struct {
	mu sync.Mutex

	PromptResponses map[string]string
	DefaultResponse string

	// Requests records every request received, in order
	Requests []openai.ChatCompletionRequest

	// Err, when set, is returned for every request
	Err error
}

func newMockCompletionClient() *mockCompletionClient {
	return &mockCompletionClient{
		PromptResponses: map[string]string{},
		DefaultResponse: "mock response",
	}
}

func (m *mockCompletionClient) CreateChatCompletion(
	_ context.Context,
	request openai.ChatCompletionRequest,
) (openai.ChatCompletionResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Requests = append(m.Requests, request)

	if m.Err != nil {
		return openai.ChatCompletionResponse{}, m.Err
	}

	content := m.DefaultResponse
	if len(request.Messages) > 0 {
		last := request.Messages[len(request.Messages)-1]
		if canned, ok := m.PromptResponses[last.Content]; ok {
			content = canned
		}
	}
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{
				Message: openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleAssistant,
					Content: content,
				},
			},
		},
		Usage: openai.Usage{PromptTokens: 1, CompletionTokens: 1},
	}, nil
}

func (m *mockCompletionClient) requestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Requests)
}

// mockDiscordSession implements DiscordSessionHandler in memory,
// recording sent messages, created threads and deletions.
type mockDiscordSession struct {
	mu sync.Mutex

	nextID int

	// Sent holds every message sent, in order
	Sent []*discordgo.Message

	// Threads holds every thread created via ThreadStart
	Threads []*discordgo.Channel

	// Deleted holds "channelID/messageID" for each deletion
	Deleted []string

	// History is returned by ChannelMessages, keyed by channel ID
	History map[string][]*discordgo.Message

	// DMChannels maps user IDs to their DM channel
	DMChannels map[string]*discordgo.Channel

	// SendErr, when set, fails every ChannelMessageSend
	SendErr error

	// UserChannelErr, when set, fails UserChannelCreate
	UserChannelErr error
}

func newMockDiscordSession() *mockDiscordSession {
	return &mockDiscordSession{
		History:    map[string][]*discordgo.Message{},
		DMChannels: map[string]*discordgo.Channel{},
	}
}

func (m *mockDiscordSession) newID(prefix string) string {
	m.nextID++
	return fmt.Sprintf("%s-%d", prefix, m.nextID)
}

func (m *mockDiscordSession) Open() error  { return nil }
func (m *mockDiscordSession) Close() error { return nil }

func (m *mockDiscordSession) AddHandler(any) func() {
	return func() {}
}

func (m *mockDiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SendErr != nil {
		return nil, m.SendErr
	}
	sent := &discordgo.Message{
		ID:        m.newID("msg"),
		ChannelID: channelID,
		Content:   message,
	}
	m.Sent = append(m.Sent, sent)
	return sent, nil
}

func (m *mockDiscordSession) ChannelMessageDelete(
	channelID string,
	messageID string,
	_ ...discordgo.RequestOption,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Deleted = append(m.Deleted, channelID+"/"+messageID)
	return nil
}

func (m *mockDiscordSession) ChannelMessages(
	channelID string,
	limit int,
	_ string,
	_ string,
	_ string,
	_ ...discordgo.RequestOption,
) ([]*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	messages := m.History[channelID]
	if len(messages) > limit {
		messages = messages[:limit]
	}
	return messages, nil
}

func (m *mockDiscordSession) ThreadStart(
	channelID string,
	name string,
	typ discordgo.ChannelType,
	_ int,
) (*discordgo.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	thread := &discordgo.Channel{
		ID:       m.newID("thread"),
		Name:     name,
		Type:     typ,
		ParentID: channelID,
	}
	m.Threads = append(m.Threads, thread)
	return thread, nil
}

func (m *mockDiscordSession) UserChannelCreate(
	recipientID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.UserChannelErr != nil {
		return nil, m.UserChannelErr
	}
	dm, ok := m.DMChannels[recipientID]
	if !ok {
		dm = &discordgo.Channel{
			ID:   m.newID("dm"),
			Type: discordgo.ChannelTypeDM,
		}
		m.DMChannels[recipientID] = dm
	}
	return dm, nil
}

func (m *mockDiscordSession) UpdateCustomStatus(string) error { return nil }

func (m *mockDiscordSession) SetLogLevel(slog.Level) error { return nil }

func (m *mockDiscordSession) SetHTTPClient(*http.Client) {}

// sentTo returns the contents of all messages sent to the given channel.
func (m *mockDiscordSession) sentTo(channelID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var contents []string
	for _, msg := range m.Sent {
		if msg.ChannelID == channelID {
			contents = append(contents, msg.Content)
		}
	}
	return contents
}

func (m *mockDiscordSession) threadCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Threads)
}

func writeTestPrompts(t testing.TB, dir string) {
	t.Helper()
	require.NoError(
		t,
		os.WriteFile(
			filepath.Join(dir, systemPromptFile),
			[]byte(testSystemPrompt),
			0600,
		),
	)
	require.NoError(
		t,
		os.WriteFile(
			filepath.Join(dir, headerPromptFile),
			[]byte(testHeaderPrompt),
			0600,
		),
	)
}

// newTestBot assembles a Bot wired to mock discord and completion
// clients, backed by a real SQLite database in a temp dir.
func newTestBot(t testing.TB) (*Bot, *mockDiscordSession, *mockCompletionClient) {
	t.Helper()

	tmp := t.TempDir()
	writeTestPrompts(t, tmp)

	cfg := DefaultConfig()
	cfg.Database = filepath.Join(tmp, "sonnetbot.sqlite3")
	cfg.PromptDir = tmp
	cfg.Discord.Token = "test-discord-token"
	cfg.OpenAI.Token = "test-openai-token"
	cfg.OpenAI.MaxRequestsPerSecond = 10000
	cfg.API.Listen = ""

	bot, err := New(cfg)
	require.NoError(t, err)

	db, err := CreateDB(
		context.Background(),
		cfg.Database,
		bot.logHandler,
		cfg.DatabaseSlowThreshold,
	)
	require.NoError(t, err)
	t.Cleanup(
		func() {
			if sqlDB, dbErr := db.DB(); dbErr == nil {
				_ = sqlDB.Close()
			}
		},
	)
	bot.db = db
	bot.store = newSettingsStore(db, bot.logger)
	bot.sessions = NewSessionRegistry(bot.store, bot.logger)

	mockDiscord := newMockDiscordSession()
	bot.discord.session = mockDiscord
	bot.discord.botUserID.Store("bot-user-id")

	mockClient := newMockCompletionClient()
	bot.llm.client = mockClient
	bot.llm.requestLimiter = rate.NewLimiter(rate.Inf, 1)

	return bot, mockDiscord, mockClient
}

func newMessageCreate(
	guildID string,
	channelID string,
	authorID string,
	content string,
) *discordgo.MessageCreate {
	return &discordgo.MessageCreate{
		Message: &discordgo.Message{
			ID:        fmt.Sprintf("trigger-%d", time.Now().UnixNano()),
			GuildID:   guildID,
			ChannelID: channelID,
			Content:   content,
			Author:    &discordgo.User{ID: authorID, Username: "tester"},
		},
	}
}

// waitFor polls until the condition holds, failing the test on timeout.
func waitFor(t testing.TB, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

// containsSent reports whether any message sent to the channel contains
// the given substring.
func containsSent(m *mockDiscordSession, channelID string, substr string) bool {
	for _, content := range m.sentTo(channelID) {
		if strings.Contains(content, substr) {
			return true
		}
	}
	return false
}
