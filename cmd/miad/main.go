package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"mia/internal/config"
)

// rootFlags are shared by every subcommand.
type rootFlags struct {
	configDir string
	root      string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rf := &rootFlags{}
	root := &cobra.Command{
		Use:           "miad",
		Short:         "MIA local LLM runtime",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	defDir := config.DefaultDir
	if v := os.Getenv(config.EnvConfigDir); v != "" {
		defDir = v
	}
	root.PersistentFlags().StringVar(&rf.configDir, "config-dir", defDir, "Directory holding base.yaml and overrides")
	root.PersistentFlags().StringVar(&rf.root, "root", ".", "Project root containing llm/registry and the models tree")

	root.AddCommand(newServeCmd(rf))
	root.AddCommand(newModelsCmd(rf))
	root.AddCommand(newConfigCmd(rf))
	root.AddCommand(newAgentCmd(rf))
	return root
}

// loadConfig reads the layered config and installs the root logger.
func (rf *rootFlags) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(config.Options{Dir: rf.configDir})
	if err != nil {
		return nil, err
	}
	installLogger(newLogger(cfg.Logging, os.Stderr))
	return cfg, nil
}

// splitCSV splits a comma-separated list, trimming blanks and dropping
// empty entries.
func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
