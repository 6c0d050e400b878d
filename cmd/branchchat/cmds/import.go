package cmds

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/go-go-golems/branchchat/pkg/transcript"
)

func NewImportCommand() *cobra.Command {
	var conversationID, title string

	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import a JSON or YAML transcript onto a conversation trunk",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			messages, err := transcript.LoadFromFile(args[0])
			if err != nil {
				return err
			}

			settings, err := LoadSettings(cmd)
			if err != nil {
				return err
			}
			rt, err := NewRuntime(ctx, settings)
			if err != nil {
				return err
			}
			defer func() {
				_ = rt.Close()
			}()

			if conversationID == "" {
				conv, err := rt.Store.CreateConversation(ctx, conversation.NewConversation(title))
				if err != nil {
					return err
				}
				conversationID = conv.ID
			}
			turns, err := transcript.Import(ctx, rt.Store, conversationID, messages)
			if err != nil {
				return err
			}
			fmt.Printf("imported %d turns into conversation %s\n", len(turns), conversationID)
			return nil
		},
	}
	cmd.Flags().StringVar(&conversationID, "conversation", "", "Conversation to extend (default: a new one)")
	cmd.Flags().StringVar(&title, "title", "", "Title of the new conversation")
	addStorageFlags(cmd.Flags())
	return cmd
}
