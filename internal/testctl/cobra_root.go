package testctl

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// buildRootCmdWith constructs the command tree bound to cfg.
func buildRootCmdWith(cfg *Config) *cobra.Command {
	root := &cobra.Command{
		Use:           "testctl",
		Short:         "MIA test and dev utilities",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.IntVar(&cfg.Port, "port", cfg.Port, "Port for the miad under test (defaults MIA_SMOKE_PORT or a free port)")
	pf.StringVar(&cfg.LogLvl, "log-level", cfg.LogLvl, "Log level: debug|info|warn|error (defaults TESTCTL_LOG_LEVEL or info)")
	pf.StringVar(&cfg.Root, "root", cfg.Root, "Repository root (defaults MIA_ROOT or .)")
	pf.StringVar(&cfg.Binary, "miad", cfg.Binary, "Prebuilt miad binary; skips go build (defaults MIAD_BIN)")
	pf.BoolVar(&cfg.CUDA, "cuda", cfg.CUDA, "Use the cuBLAS build of go-llama.cpp")
	pf.BoolVar(&cfg.Force, "force", false, "Kill listeners occupying --port")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		SetLogLevel(cfg.LogLvl)
		r, err := repoRoot(cfg.Root)
		if err != nil {
			return err
		}
		cfg.Root = r
		return nil
	}

	installCmd := &cobra.Command{Use: "install", Short: "Install dependencies and native libraries", RunE: func(cmd *cobra.Command, args []string) error {
		return fmt.Errorf("install requires a subcommand: go|llama|llama:cuda")
	}}
	installGoCmd := &cobra.Command{Use: "go", Short: "Download Go modules", RunE: func(cmd *cobra.Command, args []string) error { return fnInstallGo() }}
	installLlama := &cobra.Command{Use: "llama", Aliases: []string{"go-llama.cpp"}, Short: "Build go-llama.cpp libbinding.a (CPU, or cuBLAS with --cuda)", RunE: func(cmd *cobra.Command, args []string) error {
		return fnInstallGoLlama(cfg.CUDA)
	}}
	installLlamaCUDA := &cobra.Command{Use: "llama:cuda", Aliases: []string{"go-llama.cpp:cuda"}, Short: "Build go-llama.cpp libbinding.a with cuBLAS", RunE: func(cmd *cobra.Command, args []string) error {
		return fnInstallGoLlama(true)
	}}
	installCmd.AddCommand(installGoCmd, installLlama, installLlamaCUDA)
	root.AddCommand(installCmd)

	testCmd := &cobra.Command{Use: "test", Short: "Run test suites", RunE: func(cmd *cobra.Command, args []string) error {
		return fmt.Errorf("test requires a subcommand: go|go:llama|smoke|live|auto")
	}}
	testGo := &cobra.Command{Use: "go", Short: "Run Go tests", RunE: func(cmd *cobra.Command, args []string) error { return fnRunGoTests() }}
	testGoLlama := &cobra.Command{Use: "go:llama", Short: "Run llm tests against the go-llama.cpp runtime", RunE: func(cmd *cobra.Command, args []string) error {
		return fnRunGoLlamaTests(cfg.CUDA)
	}}
	testSmoke := &cobra.Command{Use: "smoke", Short: "Build miad, serve in stub mode and probe the HTTP API", Example: "  testctl test smoke\n  testctl --port 8080 --force test smoke", RunE: func(cmd *cobra.Command, args []string) error {
		return fnRunSmoke(cfg)
	}}
	testLive := &cobra.Command{Use: "live", Short: "Serve the registered host models with a llama build and probe /generate", RunE: func(cmd *cobra.Command, args []string) error {
		return fnRunLive(cfg)
	}}
	testAuto := &cobra.Command{Use: "auto", Short: "Go tests, smoke, then live when host models exist", RunE: func(cmd *cobra.Command, args []string) error {
		if err := fnRunGoTests(); err != nil {
			return err
		}
		if err := fnRunSmoke(cfg); err != nil {
			return err
		}
		if !fnHasHostModels(cfg.Root) {
			info("[testctl] no host models registered, skipping live suite")
			return nil
		}
		info("[testctl] host models detected, running live suite")
		return fnRunLive(cfg)
	}}
	testCmd.AddCommand(testGo, testGoLlama, testSmoke, testLive, testAuto)
	root.AddCommand(testCmd)

	completionCmd := &cobra.Command{Use: "completion", Short: "Generate the autocompletion script for the specified shell"}
	completionCmd.AddCommand(&cobra.Command{Use: "bash", Short: "Bash completion", RunE: func(cmd *cobra.Command, args []string) error { return root.GenBashCompletion(os.Stdout) }})
	completionCmd.AddCommand(&cobra.Command{Use: "zsh", Short: "Zsh completion", RunE: func(cmd *cobra.Command, args []string) error { return root.GenZshCompletion(os.Stdout) }})
	completionCmd.AddCommand(&cobra.Command{Use: "fish", Short: "Fish completion", RunE: func(cmd *cobra.Command, args []string) error { return root.GenFishCompletion(os.Stdout, true) }})
	root.AddCommand(completionCmd)

	return root
}
