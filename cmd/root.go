package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "memcon",
	Short: "Memory consolidation engine",
	Long: `memcon periodically re-evaluates stored memories: it scores their
relevance, discovers associations, clusters and compresses related
memories, and archives or deletes the ones that are no longer useful.

Examples:
  memcon run --horizon weekly
  memcon serve --addr :8080
  memcon recommend --horizon monthly
  memcon archive recover --hash 3f2a...`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default ./memcon.yaml or $HOME/.memcon.yaml)")
	rootCmd.PersistentFlags().String("output", "json", "Output format: json or yaml")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level")
	rootCmd.PersistentFlags().String("log-format", "json", "Log format: json or console")
	rootCmd.PersistentFlags().String("backend", "sqlite", "Storage backend: sqlite, memory or qdrant")
	rootCmd.PersistentFlags().String("db", "memcon.db", "SQLite database path")
	rootCmd.PersistentFlags().String("archive-dir", "", "Archive directory (default next to the database)")

	_ = viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))
	_ = viper.BindPFlag("storage.backend", rootCmd.PersistentFlags().Lookup("backend"))
	_ = viper.BindPFlag("storage.dsn", rootCmd.PersistentFlags().Lookup("db"))
	_ = viper.BindPFlag("forget.archive_dir", rootCmd.PersistentFlags().Lookup("archive-dir"))
}

func initConfig() {
	if path, ok := findEnvFile(); ok {
		_ = godotenv.Load(path)
	}

	switch {
	case cfgFile != "":
		viper.SetConfigFile(cfgFile)
	default:
		viper.SetConfigName("memcon")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			if _, err := os.Stat(filepath.Join(home, ".memcon.yaml")); err == nil {
				if _, err := os.Stat("memcon.yaml"); err != nil {
					viper.SetConfigFile(filepath.Join(home, ".memcon.yaml"))
				}
			}
		}
	}

	viper.SetEnvPrefix("MEMCON")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			fmt.Fprintf(os.Stderr, "warning: reading config: %v\n", err)
		}
	}
}

// findEnvFile walks up from the working directory looking for a .env file.
func findEnvFile() (string, bool) {
	dir, err := os.Getwd()
	if err != nil {
		return "", false
	}
	for {
		path := filepath.Join(dir, ".env")
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
}

// printOutput writes v in the format selected by --output.
func printOutput(cmd *cobra.Command, v any) error {
	format, _ := cmd.Flags().GetString("output")
	return writeOutput(cmd.OutOrStdout(), format, v)
}

func writeOutput(w io.Writer, format string, v any) error {
	switch format {
	case "", "json":
		out, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(out))
		return err
	case "yaml":
		// Round trip through JSON so the json field names and key order apply.
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var node yaml.Node
		if err := yaml.Unmarshal(data, &node); err != nil {
			return err
		}
		blockStyle(&node)
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(&node); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

func blockStyle(n *yaml.Node) {
	n.Style = 0
	for _, c := range n.Content {
		blockStyle(c)
	}
}
