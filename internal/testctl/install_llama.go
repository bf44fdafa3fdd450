package testctl

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

const goLlamaRepo = "https://github.com/go-skynet/go-llama.cpp"

// goLlamaDir is where the go-llama.cpp checkout and libbinding.a live.
func goLlamaDir() string {
	return envStr("GO_LLAMA_DIR", filepath.Join(homeDir(), "src", "go-llama.cpp"))
}

// llamaBuildEnv is the cgo environment for -tags llama builds.
func llamaBuildEnv(cuda bool) map[string]string {
	dir := goLlamaDir()
	env := map[string]string{
		"CGO_ENABLED":    "1",
		"C_INCLUDE_PATH": dir,
		"LIBRARY_PATH":   dir,
	}
	if cuda {
		env["CGO_LDFLAGS"] = "-lcublas -lcudart -L/opt/cuda/lib64 -L/usr/local/cuda/lib64"
	}
	return env
}

// installGoLlama clones (or updates) go-llama.cpp with its llama.cpp
// submodule and builds libbinding.a, with cuBLAS when cuda is set.
func installGoLlama(cuda bool) error {
	ctx := context.Background()
	if cuda {
		if !isArchLike() {
			return fmt.Errorf("llama:cuda installer supports Arch-like distros only; on %s install the CUDA toolkit and run BUILD_TYPE=cublas make libbinding.a in %s", runtime.GOOS, goLlamaDir())
		}
		info("[llama] installing CUDA prerequisites (Arch)")
		if err := runMaybeSudo("pacman", "-S", "--needed", "--noconfirm", "base-devel", "cmake", "git", "cuda"); err != nil {
			return fmt.Errorf("install cuda via pacman: %w", err)
		}
	}

	dir := goLlamaDir()
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
			return err
		}
		info("[llama] cloning %s into %s", goLlamaRepo, dir)
		if err := runCmdVerbose(ctx, "git", "clone", "--recurse-submodules", goLlamaRepo, dir); err != nil {
			return err
		}
	} else {
		info("[llama] updating %s", dir)
		_ = runCmdVerbose(ctx, "git", "-C", dir, "pull", "--ff-only")
		if err := runCmdVerbose(ctx, "git", "-C", dir, "submodule", "update", "--init", "--recursive"); err != nil {
			return err
		}
	}

	env := map[string]string{}
	if cuda {
		env["BUILD_TYPE"] = "cublas"
	}
	info("[llama] building libbinding.a (cuda=%v)", cuda)
	if err := RunCmd(ctx, Cmd{Path: "make", Args: []string{"libbinding.a"}, Dir: dir, Env: env, Stream: true}); err != nil {
		return err
	}
	lib := filepath.Join(dir, "libbinding.a")
	if fi, err := os.Stat(lib); err != nil || fi.IsDir() {
		return fmt.Errorf("libbinding.a not found at %s", lib)
	}
	info("[llama] built %s", lib)
	info("[llama] build miad with: C_INCLUDE_PATH=%s LIBRARY_PATH=%s go build -tags llama ./cmd/miad", dir, dir)
	return nil
}

func installGo() error {
	info("downloading Go modules")
	return runCmdVerbose(context.Background(), "go", "mod", "download")
}
