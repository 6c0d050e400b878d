// Package transcript reads and writes linear conversations as JSON or YAML files.
//
// A transcript is what a single branch looks like from the outside: an ordered list of
// user prompts and assistant replies. Importing one seeds a conversation trunk, exporting
// one flattens a resolved branch.
package transcript

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/go-go-golems/branchchat/pkg/store"
)

type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"

	// ImportedModel names assistant replies that carry no model.
	ImportedModel = "imported"
)

type Message struct {
	Role  string    `json:"role" yaml:"role"`
	Model string    `json:"model,omitempty" yaml:"model,omitempty"`
	Text  string    `json:"text" yaml:"text"`
	Time  time.Time `json:"time,omitempty" yaml:"time,omitempty"`
}

// FormatForFile picks the format from the file extension.
func FormatForFile(filename string) (Format, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".json":
		return FormatJSON, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	default:
		return "", errors.Errorf("unsupported transcript file %s (expected .json, .yaml or .yml)", filename)
	}
}

func LoadFromFile(filename string) ([]*Message, error) {
	format, err := FormatForFile(filename)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer func(f *os.File) {
		_ = f.Close()
	}(f)

	messages, err := Decode(f, format)
	if err != nil {
		return nil, errors.Wrapf(err, "could not load transcript %s", filename)
	}
	return messages, nil
}

func Decode(r io.Reader, format Format) ([]*Message, error) {
	var messages []*Message
	var err error
	switch format {
	case FormatJSON:
		err = json.NewDecoder(r).Decode(&messages)
	case FormatYAML:
		err = yaml.NewDecoder(r).Decode(&messages)
	default:
		return nil, errors.Errorf("unknown transcript format %q", format)
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return messages, nil
}

func Encode(w io.Writer, format Format, messages []*Message) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(messages)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(messages); err != nil {
			return err
		}
		return enc.Close()
	default:
		return errors.Errorf("unknown transcript format %q", format)
	}
}

// FromTurns flattens resolved turns into messages.
func FromTurns(turns conversation.Turns) []*Message {
	ret := make([]*Message, 0, len(turns))
	for _, t := range turns {
		ret = append(ret, &Message{
			Role:  string(t.Role),
			Model: t.Model,
			Text:  t.Content,
			Time:  t.Timestamp,
		})
	}
	return ret
}

// Import appends messages to the trunk of a conversation. Each user message continues
// from the previous turn and each assistant message answers the user message before it,
// on the branch named after its model.
func Import(ctx context.Context, s store.Store, conversationID string, messages []*Message) (conversation.Turns, error) {
	existing, err := s.ListTurns(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	var last, lastUser *conversation.Turn
	for _, t := range conversation.ResolveBranch(existing, conversation.RootBranch) {
		last = t
		if t.Role == conversation.RoleUser {
			lastUser = t
		}
	}

	ret := make(conversation.Turns, 0, len(messages))
	for i, m := range messages {
		var t *conversation.Turn
		switch conversation.Role(strings.ToLower(m.Role)) {
		case conversation.RoleUser:
			options := []conversation.TurnOption{conversation.WithTimestamp(m.Time)}
			if last != nil {
				options = append(options, conversation.WithParent(last.ID))
			}
			t = conversation.NewUserTurn(conversationID, m.Text, options...)
		case conversation.RoleAssistant:
			if lastUser == nil {
				return ret, &conversation.ValidationError{
					Field:  "messages",
					Reason: "message " + strconv.Itoa(i) + ": assistant reply without a user prompt before it",
				}
			}
			model := m.Model
			if model == "" {
				model = ImportedModel
			}
			t = conversation.NewAssistantTurn(conversationID, lastUser.ID, model,
				conversation.WithContent(m.Text),
				conversation.WithTimestamp(m.Time),
			)
			t.Sealed = true
		default:
			return ret, &conversation.ValidationError{
				Field:  "messages",
				Reason: "message " + strconv.Itoa(i) + ": unsupported role " + m.Role,
			}
		}

		stored, err := s.AppendTurn(ctx, t)
		if err != nil {
			return ret, errors.Wrapf(err, "could not import message %d", i)
		}
		ret = append(ret, stored)
		last = stored
		if stored.Role == conversation.RoleUser {
			lastUser = stored
		}
	}
	return ret, nil
}
