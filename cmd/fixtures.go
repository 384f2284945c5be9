package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kilianp07/vpp/core/fixtures"
)

var fixturesCmd = &cobra.Command{
	Use:   "fixtures",
	Short: "Development fixture commands",
}

var fixturesValidateCmd = &cobra.Command{
	Use:   "validate [path|demo]...",
	Short: "Check that fixture files decode and reference known entities",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runFixturesValidate,
}

func init() {
	fixturesCmd.AddCommand(fixturesValidateCmd)
	rootCmd.AddCommand(fixturesCmd)
}

func runFixturesValidate(cmd *cobra.Command, args []string) error {
	var failed int
	for _, path := range args {
		fx, err := fixtures.Load(path)
		if err == nil {
			err = fx.Validate()
		}
		if err != nil {
			failed++
			fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", path, err)
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d programs, %d devices, %d enrollments, %d events)\n",
			path, len(fx.Programs), len(fx.Devices), len(fx.Enrollments), len(fx.Events))
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d fixtures invalid", failed, len(args))
	}
	return nil
}
