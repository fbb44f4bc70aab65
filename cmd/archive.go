package cmd

import (
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vanfleet-dev/mcp-memory-service-sub001/pkg/forget"
)

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Inspect and recover from the forgetting archive",
	Long: `Every memory the forgetting stage removes is first written to the
archive tree. These commands recover memories from it and summarise it.

Examples:
  memcon archive recover --hash 3f2a9c...
  memcon archive recover --hash 3f2a9c... --dry-run
  memcon archive stats --human`,
}

var archiveRecoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Restore an archived memory into storage",
	RunE:  runArchiveRecover,
}

var archiveStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarise forgetting actions and archive size",
	RunE:  runArchiveStats,
}

func init() {
	rootCmd.AddCommand(archiveCmd)
	archiveCmd.AddCommand(archiveRecoverCmd)
	archiveCmd.AddCommand(archiveStatsCmd)

	archiveRecoverCmd.Flags().String("hash", "", "Content hash of the memory to recover")
	archiveRecoverCmd.Flags().Bool("dry-run", false, "Print the archived memory without storing it")

	archiveStatsCmd.Flags().Bool("human", false, "Print a human readable summary instead of structured output")
}

func openArchive() (*forget.Engine, error) {
	logger, err := newLogger()
	if err != nil {
		return nil, err
	}
	cfg := consolidationConfig(viper.GetViper())
	return forget.New(cfg.Forget, logger.Named("forget"))
}

func runArchiveRecover(cmd *cobra.Command, args []string) error {
	hash, _ := cmd.Flags().GetString("hash")
	if hash == "" {
		return fmt.Errorf("--hash is required")
	}
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	if dryRun {
		engine, err := openArchive()
		if err != nil {
			return err
		}
		m, err := engine.Recover(hash)
		if err != nil {
			return err
		}
		return printOutput(cmd, m)
	}

	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	m, err := a.consolidator.Recover(cmd.Context(), hash)
	if err != nil {
		return err
	}
	return printOutput(cmd, m)
}

func runArchiveStats(cmd *cobra.Command, args []string) error {
	human, _ := cmd.Flags().GetBool("human")

	engine, err := openArchive()
	if err != nil {
		return err
	}
	stats, err := engine.Statistics()
	if err != nil {
		return err
	}
	if !human {
		return printOutput(cmd, stats)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Total actions:\t%s\n", humanize.Comma(int64(stats.TotalActions)))
	fmt.Fprintf(w, "Archive files:\t%s\n", humanize.Comma(int64(stats.ArchiveFiles)))
	fmt.Fprintf(w, "Archive size:\t%s\n", humanize.Bytes(uint64(stats.ArchiveBytes)))
	fmt.Fprintf(w, "Content removed:\t%s\n", humanize.Bytes(uint64(stats.ContentBytes)))
	if !stats.FirstAction.IsZero() {
		fmt.Fprintf(w, "First action:\t%s\n", humanize.Time(stats.FirstAction))
		fmt.Fprintf(w, "Last action:\t%s\n", humanize.Time(stats.LastAction))
	}
	for _, group := range []struct {
		title  string
		counts map[string]int
	}{
		{"By action", stats.ByAction},
		{"By memory type", stats.ByMemoryType},
		{"By month", stats.ByMonth},
	} {
		if len(group.counts) == 0 {
			continue
		}
		fmt.Fprintf(w, "%s:\n", group.title)
		keys := make([]string, 0, len(group.counts))
		for k := range group.counts {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(w, "  %s\t%s\n", k, humanize.Comma(int64(group.counts[k])))
		}
	}
	return w.Flush()
}
