package cli

import (
	"github.com/spf13/cobra"

	"github.com/ImCalebP/ai-employee/internal/attribution"
	"github.com/ImCalebP/ai-employee/internal/importer"
)

func init() {
	importCmd := &cobra.Command{
		Use:   "import <dir>",
		Short: "Load a folder of Markdown or text files as documents",
		Long: "Walks dir (an Obsidian vault works as-is) and stores one document entity per file. " +
			"Running it again updates documents in place.",
		Args: cobra.ExactArgs(1),
		RunE: runImport,
	}
	importCmd.Flags().Int("concurrency", importer.DefaultConcurrency, "Files embedded and stored at once")
	RootCmd.AddCommand(importCmd)
}

func runImport(cmd *cobra.Command, args []string) error {
	concurrency, _ := cmd.Flags().GetInt("concurrency")

	a, err := openApp(cmd, false)
	if err != nil {
		return err
	}
	defer closeApp(a)

	imp := importer.New(a.Store, importer.Options{
		Embedder:    a.Embedder,
		Concurrency: concurrency,
		Logger:      a.Logger.Named("import"),
		ImportedBy:  attribution.DetectOperator(),
	})
	res, err := imp.Import(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return printJSON(cmd, res)
}
