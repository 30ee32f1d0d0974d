package main

import (
	"fmt"
	"os"

	"github.com/songzhibin97/approval-workflow/cmd/approvalctl/cmd"
	"github.com/songzhibin97/approval-workflow/types"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(types.ExitCode(err))
	}
}
