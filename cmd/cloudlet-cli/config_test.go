package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/virt-do/project-2024/internal/schema"
)

func TestParseJobConfigBytesMissingLanguage(t *testing.T) {
	_, err := parseJobConfigBytes([]byte("code_path: main.py\n"))
	if err == nil {
		t.Fatal("expected an error for missing language")
	}
}

func TestToJobDescriptorReadsFiles(t *testing.T) {
	dir := t.TempDir()
	codePath := filepath.Join(dir, "main.py")
	if err := os.WriteFile(codePath, []byte("print('hi')"), 0644); err != nil {
		t.Fatal(err)
	}
	envPath := filepath.Join(dir, ".env")
	if err := os.WriteFile(envPath, []byte("FOO=bar"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg := &jobConfig{Language: "python", CodePath: codePath, EnvPath: envPath, LogLevel: "debug"}
	job, err := cfg.toJobDescriptor("my-workload")
	if err != nil {
		t.Fatalf("toJobDescriptor: %v", err)
	}
	if job.Language != schema.LanguagePython {
		t.Errorf("expected LanguagePython, got %v", job.Language)
	}
	if job.Code != "print('hi')" {
		t.Errorf("unexpected code: %q", job.Code)
	}
	if job.Env != "FOO=bar" {
		t.Errorf("unexpected env: %q", job.Env)
	}
	if job.LogLevel != schema.LogLevelDebug {
		t.Errorf("unexpected log level: %q", job.LogLevel)
	}
}
