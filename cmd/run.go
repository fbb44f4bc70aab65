package cmd

import (
	"fmt"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vanfleet-dev/mcp-memory-service-sub001/pkg/consolidate"
	"github.com/vanfleet-dev/mcp-memory-service-sub001/pkg/horizon"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one consolidation pass",
	Long: `Runs consolidation once for a time horizon and prints the report.

Examples:
  memcon run --horizon daily
  memcon run --all --output yaml`,
	RunE: runConsolidation,
}

var recommendCmd = &cobra.Command{
	Use:   "recommend",
	Short: "Report whether a horizon is worth consolidating now",
	RunE:  runRecommend,
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(recommendCmd)

	runCmd.Flags().String("horizon", "", "Time horizon: daily, weekly, monthly, quarterly or yearly")
	runCmd.Flags().Bool("all", false, "Run every horizon from daily to yearly")
	runCmd.Flags().Bool("progress", true, "Show a progress bar with --all")

	recommendCmd.Flags().String("horizon", "weekly", "Time horizon to evaluate")
}

func runConsolidation(cmd *cobra.Command, args []string) error {
	name, _ := cmd.Flags().GetString("horizon")
	all, _ := cmd.Flags().GetBool("all")
	showProgress, _ := cmd.Flags().GetBool("progress")

	var horizons []horizon.Horizon
	switch {
	case all && name != "":
		return fmt.Errorf("--horizon and --all are mutually exclusive")
	case all:
		horizons = horizon.All()
	case name == "":
		return fmt.Errorf("--horizon or --all is required")
	default:
		h, err := horizon.Parse(name)
		if err != nil {
			return err
		}
		horizons = []horizon.Horizon{h}
	}

	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	var bar *progressbar.ProgressBar
	if all && showProgress {
		bar = progressbar.NewOptions(len(horizons),
			progressbar.OptionSetWriter(cmd.ErrOrStderr()),
			progressbar.OptionSetDescription("consolidating"),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)
	}

	reports := make([]*consolidate.Report, 0, len(horizons))
	failed := 0
	for _, h := range horizons {
		if bar != nil {
			bar.Describe(h.String())
		}
		report, err := a.consolidator.Consolidate(cmd.Context(), h)
		if err != nil {
			return err
		}
		if !report.Performance.Success {
			failed++
			a.logger.Error("consolidation failed",
				zap.String("horizon", h.String()),
				zap.Strings("errors", report.Errors))
		}
		reports = append(reports, report)
		if bar != nil {
			_ = bar.Add(1)
		}
	}
	if bar != nil {
		_ = bar.Finish()
	}

	var out any = reports
	if len(reports) == 1 {
		out = reports[0]
	}
	if err := printOutput(cmd, out); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d consolidation runs failed", failed, len(reports))
	}
	return nil
}

func runRecommend(cmd *cobra.Command, args []string) error {
	name, _ := cmd.Flags().GetString("horizon")
	h, err := horizon.Parse(name)
	if err != nil {
		return err
	}

	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	rec, err := a.consolidator.Recommend(cmd.Context(), h)
	if err != nil {
		return err
	}
	return printOutput(cmd, rec)
}
