package cli

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/ImCalebP/ai-employee/internal/engine"
	"github.com/ImCalebP/ai-employee/internal/server"
	"github.com/ImCalebP/ai-employee/pkg/types"
)

func init() {
	cmd := &cobra.Command{
		Use:   "search <text>",
		Short: "Find entities related to text by semantic similarity",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runSearch,
	}

	cmd.Flags().StringSlice("types", nil, "Entity classes to search (default: contact, document, task)")
	cmd.Flags().Int("limit", 0, "Maximum merged results")
	cmd.Flags().Float64("threshold", 0, "Minimum similarity, exclusive (default: configured)")
	cmd.Flags().Bool("summary", false, "Print the text summary instead of JSON")

	RootCmd.AddCommand(cmd)
}

func runSearch(cmd *cobra.Command, args []string) error {
	classes, _ := cmd.Flags().GetStringSlice("types")
	limit, _ := cmd.Flags().GetInt("limit")
	threshold, _ := cmd.Flags().GetFloat64("threshold")
	summaryOnly, _ := cmd.Flags().GetBool("summary")

	q := engine.Query{Limit: limit}
	if cmd.Flags().Changed("threshold") {
		q.Threshold = &threshold
	}
	for _, c := range classes {
		q.Types = append(q.Types, types.EntityClass(strings.TrimSpace(c)))
	}

	a, err := openApp(cmd, false)
	if err != nil {
		return err
	}
	defer closeApp(a)

	hits, err := a.Retriever.SearchText(cmd.Context(), strings.Join(args, " "), q)
	if err != nil {
		return err
	}
	if hits == nil {
		hits = []engine.Hit{}
	}
	summary := engine.Summarize(hits)
	if summaryOnly {
		_, err := cmd.OutOrStdout().Write([]byte(summary + "\n"))
		return err
	}
	return printJSON(cmd, server.SearchResponse{Hits: hits, Summary: summary})
}
