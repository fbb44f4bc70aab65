package cmd

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vanfleet-dev/mcp-memory-service-sub001/pkg/memory"
)

var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Load and inspect the memories consolidation works on",
	Long: `Import memories into the configured store and inspect what is there.

Each line of an import file is one JSON memory:
  {"content": "...", "tags": ["work"], "memory_type": "standard",
   "embedding": [0.1, ...], "created_at": "2024-05-01T10:00:00Z"}

Examples:
  memcon memory import --file memories.jsonl
  memcon memory list --type temporary --limit 20
  memcon memory stats`,
}

var memoryImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Import memories from a JSON lines file",
	RunE:  runMemoryImport,
}

var memoryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored memories",
	RunE:  runMemoryList,
}

var memoryStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show memory store statistics",
	RunE:  runMemoryStats,
}

func init() {
	rootCmd.AddCommand(memoryCmd)
	memoryCmd.AddCommand(memoryImportCmd)
	memoryCmd.AddCommand(memoryListCmd)
	memoryCmd.AddCommand(memoryStatsCmd)

	// Import flags
	memoryImportCmd.Flags().String("file", "", "JSON lines file to import")

	// List flags
	memoryListCmd.Flags().String("type", "", "Only list memories of this type")
	memoryListCmd.Flags().String("tag", "", "Only list memories with this tag")
	memoryListCmd.Flags().Int("limit", 50, "Maximum memories to list (0 = unlimited)")
	memoryListCmd.Flags().Bool("embeddings", false, "Include embeddings in the output")
}

// ImportResult summarises a memory import.
type ImportResult struct {
	Imported   int `json:"imported" yaml:"imported"`
	Duplicates int `json:"duplicates" yaml:"duplicates"`
	Skipped    int `json:"skipped" yaml:"skipped"`
}

func runMemoryImport(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("file")
	if path == "" {
		return fmt.Errorf("--file is required")
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	info, err := f.Stat()
	if err != nil {
		return err
	}

	st, err := openStore(cmd.Context(), viper.GetViper())
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	bar := progressbar.NewOptions64(info.Size(),
		progressbar.OptionSetWriter(cmd.ErrOrStderr()),
		progressbar.OptionSetDescription("importing"),
		progressbar.OptionShowBytes(true),
		progressbar.OptionClearOnFinish(),
	)
	reader := progressbar.NewReader(f, bar)

	var (
		result ImportResult
		now    = time.Now()
		line   int
	)
	scanner := bufio.NewScanner(&reader)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var m memory.Memory
		if err := json.Unmarshal(scanner.Bytes(), &m); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		if m.Content == "" {
			result.Skipped++
			continue
		}
		if m.ContentHash == "" {
			m.ContentHash = memory.ContentHash(m.Content)
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
		if m.UpdatedAt.IsZero() {
			m.UpdatedAt = m.CreatedAt
		}

		switch err := st.StoreMemory(cmd.Context(), m); {
		case errors.Is(err, memory.ErrDuplicate):
			result.Duplicates++
		case err != nil:
			return fmt.Errorf("line %d: %w", line, err)
		default:
			result.Imported++
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	_ = bar.Finish()

	return printOutput(cmd, result)
}

func runMemoryList(cmd *cobra.Command, args []string) error {
	memType, _ := cmd.Flags().GetString("type")
	tag, _ := cmd.Flags().GetString("tag")
	limit, _ := cmd.Flags().GetInt("limit")
	withEmbeddings, _ := cmd.Flags().GetBool("embeddings")

	st, err := openStore(cmd.Context(), viper.GetViper())
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	all, err := st.GetAllMemories(cmd.Context())
	if err != nil {
		return err
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	out := make([]memory.Memory, 0, len(all))
	for _, m := range all {
		if memType != "" && m.Type() != memType {
			continue
		}
		if tag != "" && !m.HasTag(tag) {
			continue
		}
		if !withEmbeddings {
			m.Embedding = nil
		}
		out = append(out, m)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return printOutput(cmd, out)
}

func runMemoryStats(cmd *cobra.Command, args []string) error {
	st, err := openStore(cmd.Context(), viper.GetViper())
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	all, err := st.GetAllMemories(cmd.Context())
	if err != nil {
		return err
	}
	return printOutput(cmd, memory.Summarize(all))
}
