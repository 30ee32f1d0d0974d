package cmd

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/songzhibin97/approval-workflow/types"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	// Instance create flags
	instanceInput     string
	instanceNoAdvance bool

	// Instance list flags
	instanceStates []string

	// Instance cancel flags
	cancelReason string
)

var instanceCmd = &cobra.Command{
	Use:   "instance",
	Short: "Manage workflow instances",
}

var instanceCreateCmd = &cobra.Command{
	Use:   "create <workflow-id>",
	Short: "Create an instance and run it to its first checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE:  runInstanceCreate,
}

var instanceGetCmd = &cobra.Command{
	Use:   "get <instance-id>",
	Short: "Show an instance with its history, checkpoints and rollbacks",
	Args:  cobra.ExactArgs(1),
	RunE:  runInstanceGet,
}

var instanceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List instances",
	Args:  cobra.NoArgs,
	RunE:  runInstanceList,
}

var instanceAdvanceCmd = &cobra.Command{
	Use:   "advance <instance-id>",
	Short: "Run an instance until it completes, suspends or rolls back",
	Args:  cobra.ExactArgs(1),
	RunE:  runInstanceAdvance,
}

var instanceCancelCmd = &cobra.Command{
	Use:   "cancel <instance-id>",
	Short: "Cancel a running or suspended instance and roll it back",
	Args:  cobra.ExactArgs(1),
	RunE:  runInstanceCancel,
}

var instanceRollbackCmd = &cobra.Command{
	Use:   "rollback <instance-id>",
	Short: "Resume an interrupted or failed rollback",
	Args:  cobra.ExactArgs(1),
	RunE:  runInstanceRollback,
}

func init() {
	rootCmd.AddCommand(instanceCmd)
	instanceCmd.AddCommand(instanceCreateCmd)
	instanceCmd.AddCommand(instanceGetCmd)
	instanceCmd.AddCommand(instanceListCmd)
	instanceCmd.AddCommand(instanceAdvanceCmd)
	instanceCmd.AddCommand(instanceCancelCmd)
	instanceCmd.AddCommand(instanceRollbackCmd)

	instanceCreateCmd.Flags().StringVar(&instanceInput, "input", "", `instance input as YAML or JSON, e.g. '{"amount": 50000}'`)
	instanceCreateCmd.Flags().BoolVar(&instanceNoAdvance, "no-advance", false, "leave the instance in CREATED")
	instanceListCmd.Flags().StringSliceVar(&instanceStates, "state", nil, "only list instances in these states")
	instanceCancelCmd.Flags().StringVar(&cancelReason, "reason", "", "reason recorded on the rollback")
}

func parseInput(s string) (map[string]interface{}, error) {
	input := make(map[string]interface{})
	if strings.TrimSpace(s) == "" {
		return input, nil
	}
	if err := yaml.Unmarshal([]byte(s), &input); err != nil {
		return nil, fmt.Errorf("%w: --input: %v", types.ErrInvalidArgument, err)
	}
	return input, nil
}

func runInstanceCreate(cmd *cobra.Command, args []string) error {
	workflowID, err := parseID(args[0])
	if err != nil {
		return err
	}
	input, err := parseInput(instanceInput)
	if err != nil {
		return err
	}
	return withRuntime(cmd.Context(), func(rt *runtime) error {
		var inst types.WorkflowInstance
		if instanceNoAdvance {
			inst, err = rt.engine.CreateInstance(cmd.Context(), workflowID, input)
		} else {
			inst, err = rt.engine.StartWorkflow(cmd.Context(), workflowID, input)
		}
		if inst.ID == 0 {
			return err
		}
		if perr := printInstanceSummary(inst); perr != nil {
			return perr
		}
		return err
	})
}

func runInstanceGet(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	return withRuntime(cmd.Context(), func(rt *runtime) error {
		snap, err := rt.engine.Snapshot(cmd.Context(), id)
		if err != nil {
			return err
		}
		if IsJSONOutput() {
			return printJSON(snap)
		}
		return printSnapshot(snap)
	})
}

func runInstanceList(cmd *cobra.Command, _ []string) error {
	var states []types.State
	for _, s := range instanceStates {
		st, ok := types.ParseState(strings.ToUpper(s))
		if !ok {
			return fmt.Errorf("%w: unknown state %q", types.ErrInvalidArgument, s)
		}
		states = append(states, st)
	}
	return withRuntime(cmd.Context(), func(rt *runtime) error {
		insts, err := rt.engine.ListInstances(cmd.Context(), states...)
		if err != nil {
			return err
		}
		if IsJSONOutput() {
			return printJSON(insts)
		}
		table := tablewriter.NewWriter(os.Stdout)
		table.Header("ID", "Workflow", "State", "Version", "Next Step", "Updated")
		for _, inst := range insts {
			table.Append(
				strconv.FormatUint(inst.ID, 10),
				strconv.FormatUint(inst.WorkflowID, 10),
				string(inst.State),
				strconv.FormatUint(inst.Version, 10),
				strconv.Itoa(inst.NextStep),
				formatMillis(inst.UpdatedAt),
			)
		}
		return table.Render()
	})
}

func runInstanceAdvance(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	return withRuntime(cmd.Context(), func(rt *runtime) error {
		inst, err := rt.engine.Advance(cmd.Context(), id)
		if inst.ID == 0 {
			return err
		}
		if perr := printInstanceSummary(inst); perr != nil {
			return perr
		}
		return err
	})
}

func runInstanceCancel(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	return withRuntime(cmd.Context(), func(rt *runtime) error {
		rec, err := rt.engine.Cancel(cmd.Context(), id, cancelReason)
		if rec.ID == "" {
			return err
		}
		if perr := printRollback(rec); perr != nil {
			return perr
		}
		return err
	})
}

func runInstanceRollback(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	return withRuntime(cmd.Context(), func(rt *runtime) error {
		rec, err := rt.engine.Rollback(cmd.Context(), id)
		if rec.ID == "" {
			return err
		}
		if perr := printRollback(rec); perr != nil {
			return perr
		}
		return err
	})
}

func printInstanceSummary(inst types.WorkflowInstance) error {
	if IsJSONOutput() {
		return printJSON(inst)
	}
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Field", "Value")
	table.Append("Instance", strconv.FormatUint(inst.ID, 10))
	table.Append("Workflow", strconv.FormatUint(inst.WorkflowID, 10))
	table.Append("State", string(inst.State))
	table.Append("Version", strconv.FormatUint(inst.Version, 10))
	table.Append("Steps Run", strconv.Itoa(len(inst.Steps)))
	return table.Render()
}

func printSnapshot(snap types.Snapshot) error {
	if err := printInstanceSummary(snap.Instance); err != nil {
		return err
	}

	if len(snap.Instance.Steps) > 0 {
		fmt.Println("\nHistory")
		table := tablewriter.NewWriter(os.Stdout)
		table.Header("#", "Step", "Parent", "Attempts", "Result", "Compensation", "Executed")
		for i, rec := range snap.Instance.Steps {
			result, comp := "ok", "-"
			if rec.Failed {
				result = "failed: " + rec.Error
			}
			if rec.Compensation != nil {
				comp = rec.Compensation.Action
			}
			table.Append(strconv.Itoa(i), rec.StepID, rec.ParentStepID, strconv.Itoa(rec.Attempts), result, comp, formatMillis(rec.ExecutedAt))
		}
		if err := table.Render(); err != nil {
			return err
		}
	}

	if len(snap.Checkpoints) > 0 {
		fmt.Println("\nCheckpoints")
		if err := printCheckpoints(snap.Checkpoints); err != nil {
			return err
		}
	}

	if len(snap.Instance.ExecutionLog) > 0 {
		fmt.Println("\nLog")
		table := tablewriter.NewWriter(os.Stdout)
		table.Header("Version", "From", "To", "Reason", "At")
		for _, entry := range snap.Instance.ExecutionLog {
			from := string(entry.From)
			if from == "" {
				from = "-"
			}
			table.Append(strconv.FormatUint(entry.Version, 10), from, string(entry.To), entry.Reason, formatMillis(entry.At))
		}
		if err := table.Render(); err != nil {
			return err
		}
	}

	for _, rec := range snap.Rollbacks {
		fmt.Println()
		if err := printRollback(rec); err != nil {
			return err
		}
	}
	return nil
}

func printRollback(rec types.RollbackRecord) error {
	if IsJSONOutput() {
		return printJSON(rec)
	}
	fmt.Printf("Rollback %s (%s: %s) -> %s\n", rec.ID, rec.Reason, rec.Detail, rec.ResultState)
	if rec.Error != "" {
		fmt.Println("Error:", rec.Error)
	}
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Step", "Compensation", "Attempts", "Applied")
	for _, c := range rec.Compensations {
		table.Append(c.StepID, c.Action, strconv.Itoa(c.Attempts), formatMillis(c.AppliedAt))
	}
	return table.Render()
}
