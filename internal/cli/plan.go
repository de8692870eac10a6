package cli

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ImCalebP/ai-employee/internal/orchestrator"
	"github.com/ImCalebP/ai-employee/internal/server"
	"github.com/ImCalebP/ai-employee/internal/storage"
	"github.com/ImCalebP/ai-employee/pkg/types"
)

func init() {
	planCmd := &cobra.Command{
		Use:   "plan",
		Short: "Validate and execute action plans",
	}

	runCmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Execute a plan file (YAML or JSON, - for stdin)",
		Args:  cobra.ExactArgs(1),
		RunE:  runPlan,
	}
	runCmd.Flags().String("conversation", "", "Override the plan's conversation ID")

	validateCmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Check a plan file without executing it",
		Args:  cobra.ExactArgs(1),
		RunE:  runPlanValidate,
	}

	planCmd.AddCommand(runCmd, validateCmd)
	RootCmd.AddCommand(planCmd)
}

func runPlan(cmd *cobra.Command, args []string) error {
	plan, err := readPlan(cmd.InOrStdin(), args[0])
	if err != nil {
		return err
	}
	if conv, _ := cmd.Flags().GetString("conversation"); conv != "" {
		plan.ConversationID = conv
	}
	if plan.ID == "" {
		plan.ID = storage.NewID()
	}

	a, err := openApp(cmd, false)
	if err != nil {
		return err
	}
	defer closeApp(a)

	results, err := a.Orchestrator.Execute(cmd.Context(), plan)
	if err != nil {
		return fmt.Errorf("plan execution failed: %w", err)
	}
	return printJSON(cmd, server.PlanResponse{
		PlanID:  plan.ID,
		Results: results,
		Summary: orchestrator.Summarize(results),
	})
}

func runPlanValidate(cmd *cobra.Command, args []string) error {
	plan, err := readPlan(cmd.InOrStdin(), args[0])
	if err != nil {
		return err
	}
	if err := plan.Validate(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "plan is valid: %d steps\n", len(plan.Steps))
	return nil
}

// readPlan decodes a plan from path, or from stdin when path is "-". JSON is
// accepted since it is valid YAML.
func readPlan(stdin io.Reader, path string) (*types.ActionPlan, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read plan: %w", err)
	}

	var plan types.ActionPlan
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&plan); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidPlan, err)
	}
	return &plan, nil
}
