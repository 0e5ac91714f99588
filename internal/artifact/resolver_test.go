package artifact

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/virt-do/project-2024/internal/config"
	"github.com/virt-do/project-2024/internal/schema"
)

// fakeBuildScript returns a shell script path that sleeps briefly and
// writes the output file — standing in for the real kernel/rootfs/agent
// build scripts so tests don't depend on cargo or cross-compilers being
// installed. counter is not used.
func fakeBuildScript(t *testing.T, dir string, counter *int64) string {
	t.Helper()
	script := filepath.Join(dir, "build.sh")
	// $1 = output path: ResolveKernel passes it as the script's only
	// argument (the rootfs script gets it as its third argument, the agent
	// build not at all) — the tests below only exercise ResolveKernel.
	content := "#!/bin/sh\nsleep 0.05\ntouch \"$1\"\nexit 0\n"
	if err := os.WriteFile(script, []byte(content), 0755); err != nil {
		t.Fatal(err)
	}
	_ = counter
	return script
}

func TestResolveKernelIdempotent(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.KernelPath = filepath.Join(dir, "vmlinux.bin")
	cfg.KernelBuildScript = fakeBuildScript(t, dir, nil)

	r := NewResolver(cfg)

	path1, err := r.ResolveKernel(context.Background())
	if err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	info1, _ := os.Stat(path1)

	path2, err := r.ResolveKernel(context.Background())
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	info2, _ := os.Stat(path2)

	if path1 != path2 {
		t.Errorf("expected stable path, got %q then %q", path1, path2)
	}
	if !info1.ModTime().Equal(info2.ModTime()) {
		t.Errorf("expected artifact built at most once, mtimes differ")
	}
}

func TestResolveKernelSingleFlight(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.KernelPath = filepath.Join(dir, "vmlinux.bin")

	var invocations int64
	script := filepath.Join(dir, "build.sh")
	content := "#!/bin/sh\nsleep 0.2\ntouch \"$1\"\nexit 0\n"
	if err := os.WriteFile(script, []byte(content), 0755); err != nil {
		t.Fatal(err)
	}
	cfg.KernelBuildScript = script

	r := NewResolver(cfg)

	const n = 8
	var wg sync.WaitGroup
	paths := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			atomic.AddInt64(&invocations, 1)
			paths[i], errs[i] = r.ResolveKernel(context.Background())
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("goroutine %d: %v", i, err)
		}
		if paths[i] != cfg.KernelPath {
			t.Errorf("goroutine %d: unexpected path %q", i, paths[i])
		}
	}
}

func TestResolveInitramfsUnknownLanguage(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.RootfsDir = dir
	r := NewResolver(cfg)

	_, err := r.ResolveInitramfs(context.Background(), schema.Language(9))
	if err == nil {
		t.Fatal("expected Validation error for unknown language")
	}
	kind, ok := schema.KindOf(err)
	if !ok || kind != schema.ErrValidation {
		t.Errorf("expected ErrValidation, got %v", kind)
	}
}

func TestRunBuildStepFailureCarriesOutput(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.KernelPath = filepath.Join(dir, "vmlinux.bin")
	script := filepath.Join(dir, "fail.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\necho boom to stderr >&2\nexit 1\n"), 0755); err != nil {
		t.Fatal(err)
	}
	cfg.KernelBuildScript = script

	r := NewResolver(cfg)
	_, err := r.ResolveKernel(context.Background())
	if err == nil {
		t.Fatal("expected ArtifactBuild error")
	}
	kind, ok := schema.KindOf(err)
	if !ok || kind != schema.ErrArtifactBuild {
		t.Errorf("expected ErrArtifactBuild, got %v", kind)
	}
	if !strings.Contains(err.Error(), "boom to stderr") {
		t.Errorf("expected error to carry the build output, got %q", err.Error())
	}
}
