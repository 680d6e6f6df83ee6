package sonnetbot

import (
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// transcriptOpeningTurn is inserted when a thread's history would
// otherwise open with an assistant turn - the completion API rejects
// transcripts that don't start with a user message.
const transcriptOpeningTurn = "Starting conversation"

// ThreadMessage is one raw message from a thread's history, tagged with
// whether the bot authored it.
type ThreadMessage struct {
	AuthorIsBot bool
	Content     string
}

// withoutSilentMessages drops history entries marked with the silent
// escape prefix. Those messages are off the record: they never become
// conversation turns, even when they were sent before the reply being
// generated.
func withoutSilentMessages(
	history []ThreadMessage,
	silentPrefix string,
) []ThreadMessage {
	if silentPrefix == "" {
		return history
	}
	kept := make([]ThreadMessage, 0, len(history))
	for _, msg := range history {
		if strings.HasPrefix(msg.Content, silentPrefix) {
			continue
		}
		kept = append(kept, msg)
	}
	return kept
}

// BuildTranscript converts a thread's raw message history (oldest first)
// into a role-tagged transcript for a completion request. Only the most
// recent threadHistoryLimit messages are kept, still oldest first. Bot
// messages become assistant turns, everything else becomes user turns,
// and a synthetic leading user turn is inserted when needed.
func BuildTranscript(history []ThreadMessage) []openai.ChatCompletionMessage {
	if len(history) > threadHistoryLimit {
		history = history[len(history)-threadHistoryLimit:]
	}

	transcript := make([]openai.ChatCompletionMessage, 0, len(history)+1)
	if len(history) > 0 && history[0].AuthorIsBot {
		transcript = append(
			transcript, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: transcriptOpeningTurn,
			},
		)
	}
	for _, msg := range history {
		role := openai.ChatMessageRoleUser
		if msg.AuthorIsBot {
			role = openai.ChatMessageRoleAssistant
		}
		transcript = append(
			transcript, openai.ChatCompletionMessage{
				Role:    role,
				Content: msg.Content,
			},
		)
	}
	return transcript
}
