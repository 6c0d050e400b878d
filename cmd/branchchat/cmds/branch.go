package cmds

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/go-go-golems/branchchat/pkg/transcript"
)

func NewBranchCommand() *cobra.Command {
	var conversationID, branchID, output string
	var list bool

	cmd := &cobra.Command{
		Use:   "branch",
		Short: "Print a resolved branch of a stored conversation",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
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
				convs, err := rt.Store.ListConversations(ctx)
				if err != nil {
					return err
				}
				for _, c := range convs {
					fmt.Printf("%s  %s  %s\n", c.ID, c.CreatedAt.Format("2006-01-02 15:04"), c.Title)
				}
				return nil
			}

			if _, err := rt.Store.GetConversation(ctx, conversationID); err != nil {
				return err
			}
			turns, err := rt.Store.ListTurns(ctx, conversationID)
			if err != nil {
				return err
			}
			forest := conversation.NewForest(turns)

			if list {
				for _, b := range forest.Branches() {
					fmt.Printf("%-24s %3d turns  %s\n", b.ID, b.TurnCount, strings.Join(b.Models, ","))
				}
				return nil
			}

			resolved := forest.Resolve(branchID)
			if output != "text" {
				return transcript.Encode(os.Stdout, transcript.Format(output), transcript.FromTurns(resolved))
			}

			for _, t := range resolved {
				who := string(t.Role)
				if t.Model != "" {
					who = t.Model
				}
				fmt.Printf("\n%s:\n%s\n", who, t.Content)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&conversationID, "conversation", "", "Conversation id (default: list conversations)")
	cmd.Flags().StringVar(&branchID, "branch", conversation.RootBranch, "Branch to resolve")
	cmd.Flags().BoolVar(&list, "list", false, "List the branches of the conversation")
	cmd.Flags().StringVar(&output, "output", "text", "Output format (text, json, yaml)")
	addStorageFlags(cmd.Flags())
	return cmd
}
