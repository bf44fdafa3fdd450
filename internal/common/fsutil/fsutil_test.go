package fsutil

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestExpandHome(t *testing.T) {
	// Set a deterministic HOME for the duration of this test so we never skip.
	origHome, hadHome := os.LookupEnv("HOME")
	origUserProfile, hadUserProfile := os.LookupEnv("USERPROFILE")
	t.Cleanup(func() {
		if hadHome {
			_ = os.Setenv("HOME", origHome)
		} else {
			_ = os.Unsetenv("HOME")
		}
		if hadUserProfile {
			_ = os.Setenv("USERPROFILE", origUserProfile)
		} else {
			_ = os.Unsetenv("USERPROFILE")
		}
	})

	home := t.TempDir()
	// Configure both env vars for cross-platform behavior of os.UserHomeDir.
	_ = os.Setenv("HOME", home)
	if runtime.GOOS == "windows" {
		_ = os.Setenv("USERPROFILE", home)
	}
	// raw path unaffected
	if got, err := ExpandHome("/tmp"); err != nil || got != "/tmp" {
		t.Fatalf("got %q err=%v", got, err)
	}
	// empty path
	if got, err := ExpandHome(""); err != nil || got != "" {
		t.Fatalf("got %q err=%v", got, err)
	}
	// ~ expansion
	p, err := ExpandHome("~")
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if p != home {
		t.Fatalf("expected %q, got %q", home, p)
	}
	// ~/subdir
	sub := "test-sub"
	exp, err := ExpandHome("~/" + sub)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if runtime.GOOS == "windows" {
		if filepath.Base(exp) != sub {
			t.Fatalf("unexpected expanded path: %q", exp)
		}
	} else {
		expected := filepath.Join(home, sub)
		if exp != expected {
			t.Fatalf("expected %q, got %q", expected, exp)
		}
	}
}

func TestResolve(t *testing.T) {
	root := t.TempDir()
	got, err := Resolve(root, "models/a.gguf")
	if err != nil || got != filepath.Join(root, "models", "a.gguf") {
		t.Fatalf("relative: got %q err=%v", got, err)
	}
	abs := filepath.Join(root, "x", "..", "b.gguf")
	got, err = Resolve("/elsewhere", abs)
	if err != nil || got != filepath.Join(root, "b.gguf") {
		t.Fatalf("absolute: got %q err=%v", got, err)
	}
}

func TestFileSizeAndIsFile(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "m.bin")
	if err := os.WriteFile(p, make([]byte, 3000), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	n, err := FileSize(p)
	if err != nil || n != 3000 {
		t.Fatalf("size: %d err=%v", n, err)
	}
	if _, err := FileSize(dir); err == nil {
		t.Fatalf("expected error for directory")
	}
	if !IsFile(p) || IsFile(dir) || IsFile(filepath.Join(dir, "missing")) {
		t.Fatalf("IsFile mismatch")
	}
}
