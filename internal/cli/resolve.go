package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ImCalebP/ai-employee/internal/engine"
	"github.com/ImCalebP/ai-employee/internal/server"
	"github.com/ImCalebP/ai-employee/pkg/types"
)

func init() {
	cmd := &cobra.Command{
		Use:   "resolve <mention>",
		Short: "Resolve a mention to a known entity",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runResolve,
	}

	cmd.Flags().String("class", string(types.ClassContact), "Entity class: contact, document, task or message")
	cmd.Flags().String("conversation", "", "Conversation ID (required)")
	cmd.Flags().String("context", "", "Surrounding message text")
	cmd.Flags().StringSlice("known", nil, "Known facts as key=value, e.g. email=sarah@acme.com")

	cmd.MarkFlagRequired("conversation")

	RootCmd.AddCommand(cmd)
}

func runResolve(cmd *cobra.Command, args []string) error {
	class, _ := cmd.Flags().GetString("class")
	conv, _ := cmd.Flags().GetString("conversation")
	msgContext, _ := cmd.Flags().GetString("context")
	known, _ := cmd.Flags().GetStringSlice("known")

	fields, err := parseFields(known)
	if err != nil {
		return err
	}

	a, err := openApp(cmd, false)
	if err != nil {
		return err
	}
	defer closeApp(a)

	res, err := a.Resolver.Resolve(cmd.Context(), types.Mention{
		Text:           strings.Join(args, " "),
		Class:          types.EntityClass(class),
		ConversationID: conv,
		Context:        msgContext,
		KnownInfo:      fields,
	})
	if err != nil {
		return fmt.Errorf("resolution failed: %w", err)
	}
	return printJSON(cmd, server.ResolveResponse{Resolution: res, Prompt: engine.ResolutionPrompt(res)})
}

// parseFields turns key=value pairs into a map.
func parseFields(pairs []string) (map[string]string, error) {
	fields := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid field %q: expected key=value", pair)
		}
		fields[key] = strings.TrimSpace(value)
	}
	return fields, nil
}
