package cmd

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/songzhibin97/approval-workflow/config"
	"github.com/songzhibin97/approval-workflow/types"
	"github.com/spf13/cobra"
)

var workflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "Manage workflow definitions",
}

var workflowRegisterCmd = &cobra.Command{
	Use:   "register <file>...",
	Short: "Register workflow definitions from YAML files",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runWorkflowRegister,
}

var workflowGetCmd = &cobra.Command{
	Use:   "get <workflow-id>",
	Short: "Show a workflow definition",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkflowGet,
}

func init() {
	rootCmd.AddCommand(workflowCmd)
	workflowCmd.AddCommand(workflowRegisterCmd)
	workflowCmd.AddCommand(workflowGetCmd)
}

func runWorkflowRegister(cmd *cobra.Command, args []string) error {
	defs, err := config.LoadDefinitions(args...)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrInvalidArgument, err)
	}
	return withRuntime(cmd.Context(), func(rt *runtime) error {
		for _, wf := range defs {
			if err := rt.engine.RegisterWorkflow(cmd.Context(), wf); err != nil {
				return err
			}
		}
		if IsJSONOutput() {
			return printJSON(defs)
		}
		table := tablewriter.NewWriter(os.Stdout)
		table.Header("ID", "Name", "Steps")
		for _, wf := range defs {
			table.Append(strconv.FormatUint(wf.ID, 10), wf.Name, strconv.Itoa(len(wf.Steps)))
		}
		return table.Render()
	})
}

func runWorkflowGet(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	return withRuntime(cmd.Context(), func(rt *runtime) error {
		wf, err := rt.engine.GetWorkflow(cmd.Context(), id)
		if err != nil {
			return err
		}
		if IsJSONOutput() {
			return printJSON(wf)
		}
		fmt.Printf("Workflow %d: %s\n", wf.ID, wf.Name)
		table := tablewriter.NewWriter(os.Stdout)
		table.Header("#", "Step", "Action", "Compensation", "Approval", "Branches")
		for i, s := range wf.Steps {
			table.Append(strconv.Itoa(i), s.ID, s.Action, s.Compensation, approvalRule(s), branchIDs(s))
		}
		return table.Render()
	})
}

func approvalRule(s types.Step) string {
	switch {
	case s.RequiresApproval:
		return "always"
	case s.ApprovalWhen != "":
		return "when " + s.ApprovalWhen
	default:
		return "-"
	}
}

func branchIDs(s types.Step) string {
	if !s.IsParallel() {
		return "-"
	}
	ids := make([]string, len(s.Branches))
	for i, b := range s.Branches {
		ids[i] = b.ID
	}
	return strings.Join(ids, ",")
}
