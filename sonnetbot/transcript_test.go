package sonnetbot

import (
	"fmt"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildTranscript_InsertsOpeningUserTurn(t *testing.T) {
	t.Parallel()
	transcript := BuildTranscript(
		[]ThreadMessage{
			{AuthorIsBot: true, Content: "hi"},
		},
	)
	require.Len(t, transcript, 2)
	assert.Equal(t, openai.ChatMessageRoleUser, transcript[0].Role)
	assert.Equal(t, transcriptOpeningTurn, transcript[0].Content)
	assert.Equal(t, openai.ChatMessageRoleAssistant, transcript[1].Role)
	assert.Equal(t, "hi", transcript[1].Content)
}

func TestBuildTranscript_NoFixupWhenUserOpens(t *testing.T) {
	t.Parallel()
	transcript := BuildTranscript(
		[]ThreadMessage{
			{AuthorIsBot: false, Content: "hello there"},
			{AuthorIsBot: true, Content: "hi"},
		},
	)
	require.Len(t, transcript, 2)
	assert.Equal(t, openai.ChatMessageRoleUser, transcript[0].Role)
	assert.Equal(t, "hello there", transcript[0].Content)
	assert.Equal(t, openai.ChatMessageRoleAssistant, transcript[1].Role)
}

func TestBuildTranscript_Empty(t *testing.T) {
	t.Parallel()
	assert.Empty(t, BuildTranscript(nil))
	assert.Empty(t, BuildTranscript([]ThreadMessage{}))
}

func TestBuildTranscript_BoundsHistory(t *testing.T) {
	t.Parallel()
	history := make([]ThreadMessage, 0, threadHistoryLimit+15)
	for i := 0; i < threadHistoryLimit+15; i++ {
		history = append(
			history, ThreadMessage{
				AuthorIsBot: i%2 == 1,
				Content:     fmt.Sprintf("message %d", i),
			},
		)
	}

	transcript := BuildTranscript(history)

	// the oldest 15 are dropped; message 15 is odd-indexed (bot), so a
	// synthetic opening turn is added on top of the 60 kept messages
	require.Len(t, transcript, threadHistoryLimit+1)
	assert.Equal(t, transcriptOpeningTurn, transcript[0].Content)
	assert.Equal(t, "message 15", transcript[1].Content)
	assert.Equal(
		t,
		fmt.Sprintf("message %d", threadHistoryLimit+14),
		transcript[len(transcript)-1].Content,
	)
}

func TestWithoutSilentMessages(t *testing.T) {
	t.Parallel()
	history := []ThreadMessage{
		{AuthorIsBot: false, Content: "first question"},
		{AuthorIsBot: false, Content: "//off the record note"},
		{AuthorIsBot: true, Content: "an answer"},
		{AuthorIsBot: false, Content: "follow-up question"},
	}

	kept := withoutSilentMessages(history, "//")
	require.Len(t, kept, 3)
	for _, msg := range kept {
		assert.NotEqual(t, "//off the record note", msg.Content)
	}
	assert.Equal(t, "first question", kept[0].Content)
	assert.Equal(t, "follow-up question", kept[2].Content)

	// an empty prefix disables filtering
	assert.Len(t, withoutSilentMessages(history, ""), 4)
}

func TestBuildTranscript_RoleMapping(t *testing.T) {
	t.Parallel()
	transcript := BuildTranscript(
		[]ThreadMessage{
			{AuthorIsBot: false, Content: "a"},
			{AuthorIsBot: true, Content: "b"},
			{AuthorIsBot: false, Content: "c"},
			{AuthorIsBot: false, Content: "d"},
		},
	)
	require.Len(t, transcript, 4)
	assert.Equal(t, openai.ChatMessageRoleUser, transcript[0].Role)
	assert.Equal(t, openai.ChatMessageRoleAssistant, transcript[1].Role)
	assert.Equal(t, openai.ChatMessageRoleUser, transcript[2].Role)
	assert.Equal(t, openai.ChatMessageRoleUser, transcript[3].Role)
}
