package testctl

import (
	"context"
	"os"
)

// Config carries the persistent flags.
type Config struct {
	// Port for the miad under test; 0 picks a free one.
	Port   int
	LogLvl string
	// Root is the repository root; live runs also read llm/registry and
	// configs/ from it.
	Root string
	// Binary skips the build and runs this miad.
	Binary string
	CUDA   bool
	Force  bool
}

func defaultConfig() *Config {
	return &Config{
		Port:   envInt("MIA_SMOKE_PORT", 0),
		LogLvl: envStr("TESTCTL_LOG_LEVEL", "info"),
		Root:   envStr("MIA_ROOT", "."),
		Binary: envStr("MIAD_BIN", ""),
		CUDA:   envBool("MIA_CUDA", false),
	}
}

func runGoTests() error {
	info("==== go test ./... ====")
	return runCmdStreaming(context.Background(), nil, "go", "test", "./...")
}

// runGoLlamaTests runs the cgo-backed llm package tests against the
// go-llama.cpp checkout.
func runGoLlamaTests(cuda bool) error {
	info("==== go test -tags llama ./internal/llm/... ====")
	return runCmdStreaming(context.Background(), llamaBuildEnv(cuda), "go", "test", "-tags", "llama", "./internal/llm/...")
}

// MainWithArgs runs the CLI and returns the process exit code: 2 for
// missing arguments, 1 for failures.
func MainWithArgs(args []string) int {
	cfg := defaultConfig()
	root := buildRootCmdWith(cfg)
	if len(args) == 0 {
		_ = root.Help()
		return 2
	}
	root.SetArgs(args)
	err := root.Execute()
	_ = killProcesses()
	if err != nil {
		errl("%v", err)
		return 1
	}
	return 0
}

func Main() { os.Exit(MainWithArgs(os.Args[1:])) }
