package sonnetbot

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	CommandChat       = "chat"
	CommandQuestion   = "q"
	CommandSetChannel = "set_channel"
	CommandSetKey     = "set_key"
)

const (
	keyEntryRequestMessage = "Please enter your API key. For security, " +
		"never share your API key in public channels."
	keyEntryReceivedMessage = "API key received. It will be used for the " +
		"rest of this session."
	keyEntryTimeoutMessage = "You didn't respond in time. Please try the " +
		"command again when you're ready."
	keyEntryDMFailedMessage = "I couldn't send you a DM. Please check your " +
		"privacy settings and try again."
	noResponseChannelMessage = "Error: no response channel configured for " +
		"this server. Use the set_channel command first."
)

// commandContext carries a parsed prefix command to its handler.
type commandContext struct {
	message *discordgo.MessageCreate
	session *GuildSession

	// args are the whitespace-separated tokens after the command name
	args []string

	// raw is everything after the command name, untrimmed of interior
	// whitespace
	raw string
}

type commandFunc func(ctx context.Context, cc commandContext)

func (b *Bot) commandHandlers() map[string]commandFunc {
	return map[string]commandFunc{
		CommandChat:       b.commandChat,
		CommandQuestion:   b.commandQuestion,
		CommandSetChannel: b.commandSetChannel,
		CommandSetKey:     b.commandSetKey,
	}
}

// parseCommand splits a message into a command name and its arguments.
// Returns ok=false when the message isn't prefixed as a command.
func parseCommand(content string, prefix string) (
	name string,
	args []string,
	raw string,
	ok bool,
) {
	if !strings.HasPrefix(content, prefix) {
		return "", nil, "", false
	}
	rest := content[len(prefix):]
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return "", nil, "", false
	}
	name = fields[0]
	args = fields[1:]
	raw = strings.TrimSpace(strings.TrimPrefix(rest, name))
	return name, args, raw, true
}

// reportError sends a command failure to the invoking channel. Failures
// never propagate past the triggering command.
func (b *Bot) reportError(channelID string, message string) {
	if err := b.discord.channelMessageSend(channelID, message); err != nil {
		b.logger.Error(
			"error reporting command failure",
			tint.Err(err),
			"channel_id", channelID,
		)
	}
}

// commandSetChannel updates the guild's response channel, in memory and
// durably. The in-memory update takes effect even if persistence fails;
// the failure is reported separately.
func (b *Bot) commandSetChannel(ctx context.Context, cc commandContext) {
	channelID := cc.message.ChannelID
	if len(cc.args) == 0 {
		b.reportError(
			channelID,
			fmt.Sprintf(
				"Usage: %s%s <channel id>",
				b.config.CommandPrefix, CommandSetChannel,
			),
		)
		return
	}

	target := parseChannelRef(cc.args[0])
	if target == "" {
		b.reportError(channelID, "Error: that doesn't look like a channel ID.")
		return
	}

	if err := cc.session.UpdateResponseChannel(ctx, target); err != nil {
		b.logger.ErrorContext(
			ctx,
			"error persisting response channel",
			tint.Err(err),
			"guild_id", cc.session.GuildID(),
			"channel_id", target,
		)
		b.reportError(
			channelID,
			"New response channel set, but saving it failed - it may reset "+
				"when the bot restarts.",
		)
		return
	}
	b.reportError(channelID, fmt.Sprintf("New response channel set: <#%s>", target))
}

// parseChannelRef accepts either a bare channel ID or a <#123> channel
// mention.
func parseChannelRef(s string) string {
	s = strings.TrimSuffix(strings.TrimPrefix(s, "<#"), ">")
	if s == "" {
		return ""
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return ""
		}
	}
	return s
}

// commandSetKey runs the interactive credential flow: DM the caller,
// wait up to DefaultKeyEntryTimeout for their reply in that DM, and
// install the given key as the completion API credential for the rest of
// the process. A timeout gets its own user-visible outcome, distinct
// from errors.
func (b *Bot) commandSetKey(ctx context.Context, cc commandContext) {
	user := cc.message.Author

	dm, err := b.discord.session.UserChannelCreate(user.ID)
	if err != nil {
		b.logger.WarnContext(ctx, "unable to open DM channel", tint.Err(err))
		b.reportError(cc.message.ChannelID, keyEntryDMFailedMessage)
		return
	}
	if err = b.discord.channelMessageSend(dm.ID, keyEntryRequestMessage); err != nil {
		b.logger.WarnContext(ctx, "unable to send DM", tint.Err(err))
		b.reportError(cc.message.ChannelID, keyEntryDMFailedMessage)
		return
	}

	key, ok := b.awaitDirectMessage(ctx, user.ID, b.keyEntryTimeout)
	if !ok {
		if err = b.discord.channelMessageSend(dm.ID, keyEntryTimeoutMessage); err != nil {
			b.logger.Warn("unable to send timeout notice", tint.Err(err))
		}
		return
	}

	b.llm.SetKeyOverride(strings.TrimSpace(key))
	if err = b.discord.channelMessageSend(dm.ID, keyEntryReceivedMessage); err != nil {
		b.logger.Warn("unable to send key confirmation", tint.Err(err))
	}
}

// awaitDirectMessage blocks until the given user sends the bot a DM, the
// wait window elapses, or ctx is canceled. Only one pending wait per
// user; a new wait replaces any prior one.
func (b *Bot) awaitDirectMessage(
	ctx context.Context,
	userID string,
	timeout time.Duration,
) (string, bool) {
	ch := make(chan string, 1)

	b.dmWaiterMu.Lock()
	b.dmWaiters[userID] = ch
	b.dmWaiterMu.Unlock()

	defer func() {
		b.dmWaiterMu.Lock()
		if b.dmWaiters[userID] == ch {
			delete(b.dmWaiters, userID)
		}
		b.dmWaiterMu.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case content := <-ch:
		return content, true
	case <-timer.C:
		return "", false
	case <-ctx.Done():
		return "", false
	}
}

// deliverDirectMessage routes a DM to a pending awaitDirectMessage call,
// reporting whether a waiter consumed it.
func (b *Bot) deliverDirectMessage(userID string, content string) bool {
	b.dmWaiterMu.Lock()
	ch, ok := b.dmWaiters[userID]
	if ok {
		delete(b.dmWaiters, userID)
	}
	b.dmWaiterMu.Unlock()
	if !ok {
		return false
	}
	ch <- content
	return true
}

// commandChat creates a new conversation: a short generated title, a
// generated answer, a new thread under the guild's response channel
// holding the question and answer, and a link back in the invoking
// channel. The new thread becomes an active conversation.
func (b *Bot) commandChat(ctx context.Context, cc commandContext) {
	channelID := cc.message.ChannelID
	question := firstUpper(cc.raw)
	if question == "" {
		b.reportError(
			channelID,
			fmt.Sprintf(
				"Usage: %s%s <your question>",
				b.config.CommandPrefix, CommandChat,
			),
		)
		return
	}

	responseChannelID, ok := cc.session.ResponseChannel()
	if !ok {
		b.reportError(channelID, noResponseChannelMessage)
		return
	}

	// the triggering message may already be gone, or undeletable -
	// neither blocks the rest of the command
	b.discord.deleteMessage(channelID, cc.message.ID)

	loading, err := b.discord.session.ChannelMessageSend(channelID, "Loading...")
	if err != nil {
		b.logger.WarnContext(ctx, "unable to send loading message", tint.Err(err))
	} else {
		defer b.discord.deleteMessage(channelID, loading.ID)
	}

	headerPrompt, err := b.prompts.HeaderPrompt()
	if err != nil {
		b.logger.ErrorContext(ctx, "header prompt unavailable", tint.Err(err))
		b.reportError(channelID, "Error: unable to read header prompt.")
		return
	}

	// a failed title request aborts the whole command rather than
	// creating a garbled thread
	title, err := b.llm.CompleteText(
		ctx,
		"",
		fmt.Sprintf("%s\n%q", headerPrompt, question),
		titleMaxTokens,
	)
	if err != nil {
		b.reportError(
			channelID,
			fmt.Sprintf("Error occurred with header request: %s", err),
		)
		return
	}

	systemPrompt, err := b.prompts.SystemPrompt()
	if err != nil {
		b.logger.ErrorContext(ctx, "system prompt unavailable", tint.Err(err))
		b.reportError(channelID, "Error: unable to read system prompt.")
		return
	}

	answer, err := b.llm.CompleteText(ctx, systemPrompt, question, answerMaxTokens)
	if err != nil {
		b.reportError(channelID, fmt.Sprintf("An error occurred: %s", err))
		return
	}

	thread, err := b.discord.startThread(responseChannelID, title)
	if err != nil {
		b.logger.ErrorContext(
			ctx,
			"error creating thread",
			tint.Err(err),
			"response_channel_id", responseChannelID,
		)
		b.reportError(
			channelID,
			"Error: unable to create a thread under the response channel.",
		)
		return
	}

	firstMessage, err := b.discord.sendLongMessage(
		thread.ID,
		fmt.Sprintf("**Question: %s**\n\n%s", question, answer),
	)
	if err != nil || firstMessage == nil {
		b.logger.ErrorContext(ctx, "error posting answer to thread", tint.Err(err))
		b.reportError(channelID, "Error: failed to send message in the thread.")
		return
	}

	b.reportError(
		channelID,
		fmt.Sprintf(
			"Question: `%s`\nAnswer: %s",
			question,
			threadLink(cc.session.GuildID(), thread.ID, firstMessage.ID),
		),
	)

	cc.session.AddActiveThread(thread.ID)
	b.logger.InfoContext(
		ctx,
		"started conversation thread",
		"guild_id", cc.session.GuildID(),
		"thread_id", thread.ID,
	)
}

// commandQuestion answers a single-turn question directly in the
// invoking channel, with no thread and no conversation state.
func (b *Bot) commandQuestion(ctx context.Context, cc commandContext) {
	channelID := cc.message.ChannelID
	question := firstUpper(cc.raw)
	if question == "" {
		b.reportError(
			channelID,
			fmt.Sprintf(
				"Usage: %s%s <your question>",
				b.config.CommandPrefix, CommandQuestion,
			),
		)
		return
	}

	systemPrompt, err := b.prompts.SystemPrompt()
	if err != nil {
		b.logger.ErrorContext(ctx, "system prompt unavailable", tint.Err(err))
		b.reportError(channelID, "Error: unable to read system prompt.")
		return
	}

	answer, err := b.llm.CompleteText(ctx, systemPrompt, question, answerMaxTokens)
	if err != nil {
		b.reportError(channelID, fmt.Sprintf("An error occurred: %s", err))
		return
	}

	if _, err = b.discord.sendLongMessage(channelID, answer); err != nil {
		b.logger.ErrorContext(ctx, "error sending answer", tint.Err(err))
	}
}
