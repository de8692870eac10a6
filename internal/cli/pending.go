package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/ImCalebP/ai-employee/internal/engine"
	"github.com/ImCalebP/ai-employee/internal/server"
)

func init() {
	pendingCmd := &cobra.Command{
		Use:   "pending",
		Short: "Inspect and complete pending entities",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List open pending entities with their clarification prompts",
		Args:  cobra.NoArgs,
		RunE:  runPendingList,
	}
	listCmd.Flags().String("conversation", "", "Only this conversation")

	infoCmd := &cobra.Command{
		Use:   "info <id> <key=value>...",
		Short: "Supply missing information for a pending entity",
		Args:  cobra.MinimumNArgs(2),
		RunE:  runPendingInfo,
	}

	completeCmd := &cobra.Command{
		Use:   "complete <id>",
		Short: "Create the entity for a pending record and mark it complete",
		Args:  cobra.ExactArgs(1),
		RunE:  runPendingComplete,
	}

	abandonCmd := &cobra.Command{
		Use:   "abandon <id>",
		Short: "Give up on a pending entity",
		Args:  cobra.ExactArgs(1),
		RunE:  runPendingAbandon,
	}

	closeCmd := &cobra.Command{
		Use:   "close <conversation-id>",
		Short: "Abandon every open pending entity of a conversation",
		Args:  cobra.ExactArgs(1),
		RunE:  runPendingClose,
	}

	pendingCmd.AddCommand(listCmd, infoCmd, completeCmd, abandonCmd, closeCmd)
	RootCmd.AddCommand(pendingCmd)
}

func runPendingList(cmd *cobra.Command, args []string) error {
	conv, _ := cmd.Flags().GetString("conversation")

	a, err := openApp(cmd, false)
	if err != nil {
		return err
	}
	defer closeApp(a)

	grouped, err := a.Tracker.ListOpen(cmd.Context(), conv)
	if err != nil {
		return err
	}
	prompts := make(map[string]string, len(grouped))
	for c, list := range grouped {
		prompts[c] = engine.ClarificationPrompt(list)
	}
	return printJSON(cmd, server.PendingListResponse{Pending: grouped, Prompts: prompts})
}

func runPendingInfo(cmd *cobra.Command, args []string) error {
	fields, err := parseFields(args[1:])
	if err != nil {
		return err
	}

	a, err := openApp(cmd, false)
	if err != nil {
		return err
	}
	defer closeApp(a)

	p, err := a.Tracker.SupplyInfo(cmd.Context(), args[0], fields)
	if errors.Is(err, engine.ErrPendingClosed) && p != nil {
		_ = printJSON(cmd, p)
		return err
	}
	if err != nil {
		return err
	}
	return printJSON(cmd, p)
}

func runPendingComplete(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd, false)
	if err != nil {
		return err
	}
	defer closeApp(a)

	entity, won, err := a.Resolver.Complete(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return printJSON(cmd, server.CompleteResponse{Entity: entity, Completed: won})
}

func runPendingAbandon(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd, false)
	if err != nil {
		return err
	}
	defer closeApp(a)

	changed, err := a.Tracker.Abandon(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return printJSON(cmd, map[string]bool{"abandoned": changed})
}

func runPendingClose(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd, false)
	if err != nil {
		return err
	}
	defer closeApp(a)

	n, err := a.Tracker.CloseConversation(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return printJSON(cmd, map[string]int{"abandoned": n})
}
