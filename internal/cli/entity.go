package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ImCalebP/ai-employee/internal/attribution"
	"github.com/ImCalebP/ai-employee/internal/llm"
	"github.com/ImCalebP/ai-employee/internal/storage"
	"github.com/ImCalebP/ai-employee/pkg/types"
)

func init() {
	entityCmd := &cobra.Command{
		Use:   "entity",
		Short: "Manage known entities",
	}

	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Add a contact, document, task or message",
		Args:  cobra.NoArgs,
		RunE:  runEntityAdd,
	}
	addCmd.Flags().String("class", string(types.ClassContact), "Entity class")
	addCmd.Flags().String("name", "", "Display name or title")
	addCmd.Flags().String("email", "", "Email address (contacts)")
	addCmd.Flags().String("first", "", "First name (contacts)")
	addCmd.Flags().String("last", "", "Last name (contacts)")
	addCmd.Flags().String("group", "", "Company, assignee or document type")
	addCmd.Flags().StringSlice("alias", nil, "Alternative names")
	addCmd.Flags().StringSlice("tag", nil, "Tags")
	addCmd.Flags().String("text", "", "Body used for semantic search")
	addCmd.Flags().StringSlice("field", nil, "Extra attributes as key=value")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List entities of a class",
		Args:  cobra.NoArgs,
		RunE:  runEntityList,
	}
	listCmd.Flags().String("class", string(types.ClassContact), "Entity class")
	listCmd.Flags().Int("limit", 50, "Maximum results")
	listCmd.Flags().Int("offset", 0, "Results to skip")

	getCmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Show one entity",
		Args:  cobra.ExactArgs(1),
		RunE:  runEntityGet,
	}

	entityCmd.AddCommand(addCmd, listCmd, getCmd)
	RootCmd.AddCommand(entityCmd)
}

func runEntityAdd(cmd *cobra.Command, args []string) error {
	class, _ := cmd.Flags().GetString("class")
	name, _ := cmd.Flags().GetString("name")
	email, _ := cmd.Flags().GetString("email")
	first, _ := cmd.Flags().GetString("first")
	last, _ := cmd.Flags().GetString("last")
	group, _ := cmd.Flags().GetString("group")
	aliases, _ := cmd.Flags().GetStringSlice("alias")
	tags, _ := cmd.Flags().GetStringSlice("tag")
	text, _ := cmd.Flags().GetString("text")
	extra, _ := cmd.Flags().GetStringSlice("field")

	fields, err := parseFields(extra)
	if err != nil {
		return err
	}
	if _, ok := fields["added_by"]; !ok {
		fields["added_by"] = attribution.DetectOperator()
	}

	e := &types.Entity{
		Class:      types.EntityClass(class),
		Name:       name,
		PrimaryKey: email,
		FirstName:  first,
		LastName:   last,
		Group:      group,
		Aliases:    aliases,
		Tags:       tags,
		Text:       text,
		Fields:     fields,
	}

	a, err := openApp(cmd, false)
	if err != nil {
		return err
	}
	defer closeApp(a)

	if a.Embedder != nil && strings.TrimSpace(text) != "" {
		vec, err := llm.EmbedLong(cmd.Context(), a.Embedder, llm.Chunker{}, e.DisplayName()+"\n\n"+text)
		if err != nil {
			a.Logger.Warn("failed to embed entity, storing without vector", zap.Error(err))
		} else {
			e.Embedding = vec
		}
	}

	if err := a.Store.Insert(cmd.Context(), e); err != nil {
		return fmt.Errorf("failed to add entity: %w", err)
	}
	return printJSON(cmd, e)
}

func runEntityList(cmd *cobra.Command, args []string) error {
	class, _ := cmd.Flags().GetString("class")
	limit, _ := cmd.Flags().GetInt("limit")
	offset, _ := cmd.Flags().GetInt("offset")

	a, err := openApp(cmd, false)
	if err != nil {
		return err
	}
	defer closeApp(a)

	list, err := a.Store.ListByClass(cmd.Context(), types.EntityClass(class), storage.ListOptions{Limit: limit, Offset: offset})
	if err != nil {
		return err
	}
	return printJSON(cmd, list)
}

func runEntityGet(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd, false)
	if err != nil {
		return err
	}
	defer closeApp(a)

	e, err := a.Store.Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	stats, err := a.Store.MentionStats(cmd.Context(), e.ID)
	if err != nil {
		return err
	}
	view := entityView{Entity: e, MentionCount: stats.Count}
	if !stats.LastMentionedAt.IsZero() {
		view.LastMentionedAt = &stats.LastMentionedAt
	}
	return printJSON(cmd, view)
}

// entityView is an entity with its interaction history from the mention log.
type entityView struct {
	*types.Entity
	MentionCount    int        `json:"mention_count"`
	LastMentionedAt *time.Time `json:"last_mentioned_at,omitempty"`
}
