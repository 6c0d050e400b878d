package cmds

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/go-go-golems/branchchat/pkg/events"
	"github.com/go-go-golems/branchchat/pkg/orchestrator"
	"github.com/go-go-golems/branchchat/pkg/providers"
)

type askSettings struct {
	providers      []string
	conversationID string
	branchID       string
	direct         bool
}

func NewAskCommand() *cobra.Command {
	s := &askSettings{}
	cmd := &cobra.Command{
		Use:   "ask [prompt...]",
		Short: "Send a prompt to one or more providers",
		Long: "Send a prompt to one or more providers. The prompt is recorded in the configured " +
			"store as a new user turn and every reply becomes a branch. With --direct the provider " +
			"is called without touching the store.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt := strings.Join(args, " ")
			settings, err := LoadSettings(cmd)
			if err != nil {
				return err
			}
			if len(s.providers) == 0 {
				for _, p := range settings.Providers {
					s.providers = append(s.providers, p.ID)
				}
			}

			if s.direct {
				registry, err := providers.NewRegistryFromSettings(settings)
				if err != nil {
					return err
				}
				return askDirect(cmd.Context(), registry, s.providers, prompt)
			}

			rt, err := NewRuntime(cmd.Context(), settings)
			if err != nil {
				return err
			}
			defer func() {
				_ = rt.Close()
			}()
			return askFanOut(cmd.Context(), rt, s, prompt)
		},
	}
	cmd.Flags().StringSliceVarP(&s.providers, "provider", "p", nil, "Provider to ask, repeatable (default: all configured)")
	cmd.Flags().StringVar(&s.conversationID, "conversation", "", "Conversation to continue (default: a new one)")
	cmd.Flags().StringVar(&s.branchID, "branch", conversation.RootBranch, "Branch to continue")
	cmd.Flags().BoolVar(&s.direct, "direct", false, "Call the providers without recording turns")
	addStorageFlags(cmd.Flags())
	addOrchestratorFlags(cmd.Flags())
	return cmd
}

func askFanOut(ctx context.Context, rt *Runtime, s *askSettings, prompt string) error {
	conversationID := s.conversationID
	if conversationID == "" {
		conv, err := rt.Store.CreateConversation(ctx, conversation.NewConversation(""))
		if err != nil {
			return err
		}
		conversationID = conv.ID
	}

	run, err := rt.Orchestrator().FanOut(ctx, orchestrator.FanOutRequest{
		ConversationID: conversationID,
		BranchID:       s.branchID,
		Prompt:         prompt,
		Providers:      s.providers,
	}, events.NewPrinterSink(os.Stdout))
	if err != nil {
		return err
	}

	failed := 0
	for _, res := range run.Wait() {
		if res.Status == orchestrator.StatusFailed {
			failed++
		}
	}
	fmt.Fprintf(os.Stderr, "\nconversation %s, run %s\n", conversationID, run.ID)
	if failed == len(run.Sessions()) {
		return errors.New("every provider failed")
	}
	return nil
}

// askDirect calls providers one after the other. On a terminal the reply is streamed,
// otherwise it is printed once complete.
func askDirect(ctx context.Context, registry *providers.Registry, ids []string, prompt string) error {
	stream := isatty.IsTerminal(os.Stdout.Fd())
	for _, id := range ids {
		c, err := registry.Get(id)
		if err != nil {
			return err
		}
		if !registry.HasCredential(id) {
			fmt.Printf("\n%s: %s\n", id, providers.ErrorContent(providers.NewError(id, providers.KindCredentialMissing, providers.ErrCredentialMissing)))
			continue
		}

		fmt.Printf("\n%s:\n", id)
		if stream {
			err = c.Stream(ctx, prompt, nil, func(chunk string) error {
				_, err := fmt.Print(chunk)
				return err
			})
			fmt.Println()
		} else {
			var reply string
			reply, err = c.Generate(ctx, prompt, nil)
			fmt.Println(reply)
		}
		if err != nil {
			fmt.Println(providers.ErrorContent(providers.Classify(id, err)))
		}
	}
	return nil
}
