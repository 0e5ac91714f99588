// cloudlet-cli is the job submission shim: it reads a YAML job config,
// loads the code and optional env file it points at, and POSTs the
// resulting job to a running cloudletd, relaying the NDJSON response
// stream to stdout.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/virt-do/project-2024/internal/schema"
	"github.com/virt-do/project-2024/internal/version"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to the job YAML config")
		daemonAddr = flag.String("daemon", "http://127.0.0.1:3000", "cloudletd base URL")
		workload   = flag.String("name", "", "workload name (defaults to the config file's base name)")
		showVer    = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVer {
		fmt.Printf("cloudlet-cli %s\n", version.Version())
		return
	}

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "usage: cloudlet-cli -config job.yaml")
		os.Exit(2)
	}

	cfg, err := parseJobConfigFile(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cloudlet-cli: %v\n", err)
		os.Exit(1)
	}

	name := *workload
	if name == "" {
		name = filepath.Base(*configPath)
	}

	job, err := cfg.toJobDescriptor(name)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cloudlet-cli: %v\n", err)
		os.Exit(1)
	}

	exitCode, err := run(*daemonAddr, job)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cloudlet-cli: %v\n", err)
		os.Exit(1)
	}
	os.Exit(exitCode)
}

// run POSTs job to daemonAddr's /run endpoint and relays every
// ExecutionFrame to stdout/stderr as it is produced, returning the
// terminal exit code.
func run(daemonAddr string, job schema.JobDescriptor) (int, error) {
	body, err := json.Marshal(job)
	if err != nil {
		return 0, fmt.Errorf("marshal job: %w", err)
	}

	req, err := http.NewRequestWithContext(context.Background(), "POST", daemonAddr+"/run", bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	httpClient := &http.Client{Timeout: 0} // streaming response, no client-side deadline
	resp, err := httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request to %s: %w", daemonAddr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return 0, fmt.Errorf("cloudletd returned %s", resp.Status)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	exitCode := 0
	start := time.Now()
	for scanner.Scan() {
		var frame schema.ExecutionFrame
		if err := json.Unmarshal(scanner.Bytes(), &frame); err != nil {
			return 0, fmt.Errorf("decoding response frame: %w", err)
		}
		if len(frame.Stdout) > 0 {
			os.Stdout.Write(frame.Stdout)
		}
		if len(frame.Stderr) > 0 {
			os.Stderr.Write(frame.Stderr)
		}
		if frame.Final {
			exitCode = frame.ExitCode
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("reading response stream: %w", err)
	}

	fmt.Fprintf(os.Stderr, "cloudlet-cli: completed in %s, exit %d\n", time.Since(start).Round(time.Millisecond), exitCode)
	return exitCode, nil
}
