package transcript

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/go-go-golems/branchchat/pkg/store"
)

const yamlTranscript = `
- role: user
  text: What is a monad?
- role: assistant
  model: gpt
  text: A monoid in the category of endofunctors.
- role: user
  text: Simpler please
- role: assistant
  text: A box with rules for chaining.
`

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chat.yml")
	require.NoError(t, os.WriteFile(path, []byte(yamlTranscript), 0o600))

	messages, err := LoadFromFile(path)
	require.NoError(t, err)
	require.Len(t, messages, 4)
	assert.Equal(t, "gpt", messages[1].Model)
	assert.Equal(t, "Simpler please", messages[2].Text)

	_, err = LoadFromFile(filepath.Join(dir, "chat.txt"))
	assert.Error(t, err)
}

func TestDecodeEmpty(t *testing.T) {
	messages, err := Decode(strings.NewReader(""), FormatYAML)
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestEncodeRoundTripsThroughJSON(t *testing.T) {
	in := []*Message{{Role: "user", Text: "hi"}, {Role: "assistant", Model: "m", Text: "hello"}}
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, FormatJSON, in))

	out, err := Decode(&buf, FormatJSON)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "hello", out[1].Text)
	assert.Equal(t, "m", out[1].Model)
}

func TestImportBuildsTrunk(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMemoryStore()
	conv, err := s.CreateConversation(ctx, conversation.NewConversation(""))
	require.NoError(t, err)

	messages, err := Decode(strings.NewReader(yamlTranscript), FormatYAML)
	require.NoError(t, err)
	imported, err := Import(ctx, s, conv.ID, messages)
	require.NoError(t, err)
	require.Len(t, imported, 4)

	assert.Equal(t, imported[0].ID, imported[1].ParentTurnID)
	assert.Equal(t, imported[1].ID, imported[2].ParentTurnID)
	assert.Equal(t, imported[2].ID, imported[3].ParentTurnID)
	assert.Equal(t, ImportedModel, imported[3].Model)
	assert.True(t, imported[3].Sealed)

	turns, err := s.ListTurns(ctx, conv.ID)
	require.NoError(t, err)
	trunk := conversation.ResolveBranch(turns, conversation.RootBranch)
	assert.Equal(t, []string{
		"What is a monad?",
		"A monoid in the category of endofunctors.",
		"Simpler please",
		"A box with rules for chaining.",
	}, trunk.Contents())

	got, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "What is a monad?", got.Title)

	exported := FromTurns(trunk)
	assert.Equal(t, "gpt", exported[1].Model)
	assert.Equal(t, "user", exported[2].Role)
}

func TestImportContinuesExistingTrunk(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMemoryStore()
	conv, err := s.CreateConversation(ctx, conversation.NewConversation("t"))
	require.NoError(t, err)

	first, err := Import(ctx, s, conv.ID, []*Message{{Role: "user", Text: "one"}})
	require.NoError(t, err)
	second, err := Import(ctx, s, conv.ID, []*Message{{Role: "assistant", Model: "m", Text: "two"}})
	require.NoError(t, err)
	assert.Equal(t, first[0].ID, second[0].ParentTurnID)
}

func TestImportRejectsBadMessages(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMemoryStore()
	conv, err := s.CreateConversation(ctx, conversation.NewConversation("t"))
	require.NoError(t, err)

	_, err = Import(ctx, s, conv.ID, []*Message{{Role: "assistant", Text: "orphan"}})
	var verr *conversation.ValidationError
	assert.ErrorAs(t, err, &verr)

	_, err = Import(ctx, s, conv.ID, []*Message{{Role: "system", Text: "be nice"}})
	assert.ErrorAs(t, err, &verr)

	_, err = Import(ctx, s, "missing", []*Message{{Role: "user", Text: "hi"}})
	assert.ErrorIs(t, err, conversation.ErrNotFound)
}
