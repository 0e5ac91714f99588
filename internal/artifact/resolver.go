// Package artifact implements the Artifact Resolver: it guarantees that
// the kernel binary, a language's initramfs, and the in-guest agent binary
// exist at well-known paths, building them on demand via external build
// scripts, and serializes concurrent first-time builds of the same
// artifact so only one build runs per key.
package artifact

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"

	"golang.org/x/sync/singleflight"

	"github.com/virt-do/project-2024/internal/config"
	"github.com/virt-do/project-2024/internal/schema"
)

// Resolver is the Artifact Resolver. Its zero value is not usable; use
// NewResolver.
type Resolver struct {
	cfg   *config.Config
	group singleflight.Group
}

// NewResolver returns a Resolver rooted at cfg's configured paths.
func NewResolver(cfg *config.Config) *Resolver {
	return &Resolver{cfg: cfg}
}

// ResolveKernel guarantees the kernel binary exists and returns its path.
// A second call when the artifact already exists on disk is a
// constant-time stat. Concurrent first callers are single-flighted: only
// one invokes the build script, and all callers observe the same result.
func (r *Resolver) ResolveKernel(ctx context.Context) (string, error) {
	path := r.cfg.KernelPath
	if exists(path) {
		return path, nil
	}
	_, err, _ := r.group.Do("kernel", func() (interface{}, error) {
		if exists(path) {
			return nil, nil
		}
		return nil, r.runBuildStep(ctx, path, "sh", r.cfg.KernelBuildScript, path)
	})
	if err != nil {
		return "", err
	}
	if !exists(path) {
		return "", schema.NewError(schema.ErrArtifactBuild,
			fmt.Errorf("kernel build script reported success but %s does not exist", path))
	}
	return path, nil
}

// ResolveInitramfs guarantees the per-language initramfs exists and
// returns its path. The path is derived purely from language. If the
// initramfs is missing, the agent binary is resolved first, then the
// rootfs build script is invoked with (image tag, agent binary path,
// output path).
func (r *Resolver) ResolveInitramfs(ctx context.Context, language schema.Language) (string, error) {
	if !language.Valid() {
		return "", schema.NewError(schema.ErrValidation, fmt.Errorf("unknown language tag %d", language))
	}
	name := language.String()
	path := r.cfg.RootfsPath(name)
	if exists(path) {
		return path, nil
	}
	_, err, _ := r.group.Do("initramfs:"+name, func() (interface{}, error) {
		if exists(path) {
			return nil, nil
		}
		agentPath, err := r.ResolveAgent(ctx)
		if err != nil {
			return nil, err
		}
		imageTag := name + ":alpine"
		return nil, r.runBuildStep(ctx, path, "sh", r.cfg.RootfsBuildScript, imageTag, agentPath, path)
	})
	if err != nil {
		return "", err
	}
	if !exists(path) {
		return "", schema.NewError(schema.ErrArtifactBuild,
			fmt.Errorf("rootfs build script reported success but %s does not exist", path))
	}
	return path, nil
}

// ResolveAgent guarantees the cross-compiled, statically linked agent
// binary exists and returns its path.
func (r *Resolver) ResolveAgent(ctx context.Context) (string, error) {
	path := r.cfg.AgentBinaryPath
	if exists(path) {
		return path, nil
	}
	_, err, _ := r.group.Do("agent", func() (interface{}, error) {
		if exists(path) {
			return nil, nil
		}
		return nil, r.runBuildStep(ctx, path, r.cfg.AgentBuildScript,
			"build", "--release", "--bin", "agent", "--target=x86_64-unknown-linux-musl")
	})
	if err != nil {
		return "", err
	}
	if !exists(path) {
		return "", schema.NewError(schema.ErrArtifactBuild,
			fmt.Errorf("agent build script reported success but %s does not exist", path))
	}
	return path, nil
}

// runBuildStep invokes an external build step, capturing its combined
// output. A non-zero exit is a fatal ArtifactBuild error carrying the
// captured output; on success the output is discarded unless it exceeds
// the configured threshold, in which case it is gzip-compressed to disk
// next to targetPath for post-mortem diagnosis.
func (r *Resolver) runBuildStep(ctx context.Context, targetPath, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	runErr := cmd.Run()

	if out.Len() > r.cfg.BuildLogThresholdBytes {
		if writeErr := writeBuildLog(targetPath, out.Bytes()); writeErr != nil {
			// Non-fatal: the build's own exit status is still authoritative.
			fmt.Fprintf(os.Stderr, "artifact: failed to persist build log for %s: %v\n", targetPath, writeErr)
		}
	}

	if runErr != nil {
		return schema.NewError(schema.ErrArtifactBuild,
			fmt.Errorf("build step %q failed: %w\noutput:\n%s", name, runErr, out.String()))
	}
	return nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
