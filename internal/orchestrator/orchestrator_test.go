package orchestrator

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/virt-do/project-2024/internal/config"
	"github.com/virt-do/project-2024/internal/schema"
)

// TestRunRejectsInvalidJobBeforeAnySideEffect exercises only the
// validation short-circuit: an invalid JobDescriptor must fail before any
// artifact resolution, network lease, or KVM call is attempted, since
// those require a real host KVM device this test suite does not assume.
func TestRunRejectsInvalidJobBeforeAnySideEffect(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.DataDir = dir
	cfg.KernelPath = filepath.Join(dir, "vmlinux.bin")
	cfg.NetworkPoolSize = 1

	o := New(cfg)

	job := schema.JobDescriptor{
		WorkloadName: "",
		Language:     schema.LanguagePython,
		Code:         "print('hi')",
	}

	frames, errCh := o.Run(context.Background(), job)

	for range frames {
		t.Fatal("expected no frames for an invalid job")
	}
	err := <-errCh
	if err == nil {
		t.Fatal("expected a validation error")
	}
	kind, ok := schema.KindOf(err)
	if !ok || kind != schema.ErrValidation {
		t.Errorf("expected ErrValidation, got %v", kind)
	}
}
