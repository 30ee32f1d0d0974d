package cmd

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/songzhibin97/approval-workflow/types"
	"github.com/spf13/cobra"
)

var (
	// Approval submit flags
	decision  string
	reviewer  string
	comment   string
	noAdvance bool

	// Approval request flags
	requestTimeout time.Duration
	requestLevel   int
)

var approvalCmd = &cobra.Command{
	Use:   "approval",
	Short: "Review approval checkpoints",
}

var approvalListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending checkpoints",
	Args:  cobra.NoArgs,
	RunE:  runApprovalList,
}

var approvalRequestCmd = &cobra.Command{
	Use:   "request <instance-id> <step-id>",
	Short: "Suspend a running instance on a manual checkpoint",
	Long: `Open a checkpoint for one of the instance's steps and suspend it in
AWAITING_APPROVAL. Without --timeout the step's deadline applies; a negative
timeout opens a checkpoint that never expires.`,
	Args: cobra.ExactArgs(2),
	RunE: runApprovalRequest,
}

var approvalSubmitCmd = &cobra.Command{
	Use:   "submit <checkpoint-id>",
	Short: "Approve or reject a pending checkpoint",
	Long: `Record a decision on a pending checkpoint. A rejection rolls the
instance back before the command returns; an approval resumes it.`,
	Args: cobra.ExactArgs(1),
	RunE: runApprovalSubmit,
}

var approvalExpireCmd = &cobra.Command{
	Use:   "expire",
	Short: "Expire every checkpoint past its deadline",
	Args:  cobra.NoArgs,
	RunE:  runApprovalExpire,
}

func init() {
	rootCmd.AddCommand(approvalCmd)
	approvalCmd.AddCommand(approvalListCmd)
	approvalCmd.AddCommand(approvalRequestCmd)
	approvalCmd.AddCommand(approvalSubmitCmd)
	approvalCmd.AddCommand(approvalExpireCmd)

	approvalSubmitCmd.Flags().StringVar(&decision, "decision", "", "approve or reject (required)")
	approvalSubmitCmd.Flags().StringVar(&reviewer, "reviewer", "", "reviewer identity (required)")
	approvalSubmitCmd.Flags().StringVar(&comment, "comment", "", "free-form comment")
	approvalSubmitCmd.Flags().BoolVar(&noAdvance, "no-advance", false, "do not resume an approved instance")
	approvalSubmitCmd.MarkFlagRequired("decision")
	approvalSubmitCmd.MarkFlagRequired("reviewer")

	approvalRequestCmd.Flags().DurationVar(&requestTimeout, "timeout", 0, "checkpoint deadline from now, negative for none")
	approvalRequestCmd.Flags().IntVar(&requestLevel, "level", 0, "approval level, defaults to the step's")
}

func runApprovalList(cmd *cobra.Command, _ []string) error {
	return withRuntime(cmd.Context(), func(rt *runtime) error {
		cps, err := rt.engine.Approvals().ListPending(cmd.Context())
		if err != nil {
			return err
		}
		if IsJSONOutput() {
			return printJSON(cps)
		}
		return printCheckpoints(cps)
	})
}

func runApprovalRequest(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	if requestLevel < 0 {
		return fmt.Errorf("%w: level must not be negative", types.ErrInvalidArgument)
	}
	return withRuntime(cmd.Context(), func(rt *runtime) error {
		cp, err := rt.engine.RequestApproval(cmd.Context(), id, args[1], requestTimeout, requestLevel)
		if err != nil {
			return err
		}
		return printCheckpoints([]types.ApprovalCheckpoint{cp})
	})
}

func runApprovalSubmit(cmd *cobra.Command, args []string) error {
	d := types.Decision(strings.ToUpper(decision))
	return withRuntime(cmd.Context(), func(rt *runtime) error {
		cp, err := rt.engine.SubmitDecision(cmd.Context(), args[0], d, reviewer, comment)
		if cp.ID == "" {
			return err
		}
		if perr := printCheckpoints([]types.ApprovalCheckpoint{cp}); perr != nil {
			return perr
		}
		if err != nil || cp.Status != types.CheckpointApproved || noAdvance {
			return err
		}
		inst, err := rt.engine.Advance(cmd.Context(), cp.InstanceID)
		if inst.ID == 0 {
			return err
		}
		if perr := printInstanceSummary(inst); perr != nil {
			return perr
		}
		return err
	})
}

func runApprovalExpire(cmd *cobra.Command, _ []string) error {
	return withRuntime(cmd.Context(), func(rt *runtime) error {
		n, err := rt.engine.ExpireOverdue(cmd.Context())
		if IsJSONOutput() {
			if perr := printJSON(map[string]int{"expired": n}); perr != nil {
				return perr
			}
		} else {
			fmt.Printf("Expired %d checkpoint(s)\n", n)
		}
		return err
	})
}

func printCheckpoints(cps []types.ApprovalCheckpoint) error {
	if IsJSONOutput() {
		return printJSON(cps)
	}
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Checkpoint", "Instance", "Step", "Level", "Status", "Requested", "Deadline", "Reviewer")
	for _, cp := range cps {
		who := "-"
		if cp.Decision != nil {
			who = cp.Decision.Reviewer
		}
		table.Append(
			cp.ID,
			strconv.FormatUint(cp.InstanceID, 10),
			cp.StepID,
			strconv.Itoa(cp.ApprovalLevel),
			string(cp.Status),
			formatMillis(cp.RequestedAt),
			formatMillis(cp.Deadline),
			who,
		)
	}
	return table.Render()
}
