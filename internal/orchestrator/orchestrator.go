// Package orchestrator is the Execution Orchestrator: it turns one
// validated JobDescriptor into a booted, single-use MicroVM running the
// in-guest agent, and relays the agent's execution frames back to the
// caller. Ported from the lifecycle manager's construct-configure-start
// shape, with all idle/pause/resume/multi-instance state removed — every
// Run call owns exactly one VM for exactly one request.
package orchestrator

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/virt-do/project-2024/internal/agent"
	"github.com/virt-do/project-2024/internal/artifact"
	"github.com/virt-do/project-2024/internal/config"
	"github.com/virt-do/project-2024/internal/network"
	"github.com/virt-do/project-2024/internal/schema"
	"github.com/virt-do/project-2024/internal/vmm"
)

// Orchestrator wires together artifact resolution, network leasing, the
// VMM Core, and the Agent Client for one-shot job execution.
type Orchestrator struct {
	cfg      *config.Config
	leases   *network.LeaseAllocator
	resolver *artifact.Resolver
}

// New returns an Orchestrator rooted at cfg, allocating taps from a pool
// of cfg.NetworkPoolSize leases.
func New(cfg *config.Config) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		leases:   network.NewLeaseAllocator(cfg.NetworkPoolSize),
		resolver: artifact.NewResolver(cfg),
	}
}

// Run executes job end to end: resolves the kernel/initramfs/agent
// artifacts, acquires a network lease, boots a MicroVM, connects to the
// in-guest agent, and streams back ExecutionFrames as the agent produces
// them. The returned channels are closed when the run completes; the
// caller must drain frames until closed or consult errCh for the one
// terminal error. All host resources (VM, tap, lease) are released before
// either channel closes.
func (o *Orchestrator) Run(ctx context.Context, job schema.JobDescriptor) (<-chan schema.ExecutionFrame, <-chan error) {
	frames := make(chan schema.ExecutionFrame, 4)
	errCh := make(chan error, 1)

	go func() {
		defer close(frames)
		defer close(errCh)

		if err := job.Validate(); err != nil {
			errCh <- err
			return
		}

		workloadID := uuid.NewString()
		log.Printf("orchestrator: %s starting workload %q (%s)", workloadID, job.WorkloadName, job.Language)

		kernelPath, err := o.resolver.ResolveKernel(ctx)
		if err != nil {
			errCh <- err
			return
		}
		initramfsPath, err := o.resolver.ResolveInitramfs(ctx, job.Language)
		if err != nil {
			errCh <- err
			return
		}

		lease, err := o.leases.Acquire()
		if err != nil {
			errCh <- schema.NewError(schema.ErrVmmNew, fmt.Errorf("acquiring network lease: %w", err))
			return
		}
		defer o.leases.Release(lease)

		handle, err := vmm.NewVMM(lease)
		if err != nil {
			errCh <- err
			return
		}
		defer handle.Close()

		if err := handle.Configure(ctx, o.cfg.DefaultVCPUs, o.cfg.DefaultMemoryMB, kernelPath, initramfsPath); err != nil {
			errCh <- err
			return
		}

		// The VMM task is launched with its own cancelable context: the
		// orchestrator never waits for it to finish on its own, only for it
		// to react to cancelRun once the agent stream closes.
		runCtx, cancelRun := context.WithCancel(ctx)
		defer cancelRun()

		runErrCh := make(chan error, 1)
		go func() {
			runErrCh <- handle.Run(runCtx)
		}()

		client, err := agent.Connect(ctx, lease.GuestIP, o.cfg.AgentPort)
		if err != nil {
			errCh <- err
			return
		}
		defer client.Close()

		agentFrames, agentErrCh := client.Execute(ctx, schema.NewExecuteRequest(job))

		for frame := range agentFrames {
			select {
			case frames <- frame:
			case <-ctx.Done():
				cancelRun()
				<-runErrCh
				errCh <- schema.NewError(schema.ErrAgentRpc, ctx.Err())
				return
			}
		}

		agentErr := <-agentErrCh

		// The agent stream closed (successfully or not): tear the VM down
		// now rather than hoping the guest halts on its own.
		cancelRun()
		if err := <-runErrCh; err != nil {
			log.Printf("orchestrator: %s VMM task exited with error after cancel: %v", workloadID, err)
		}

		if agentErr != nil {
			errCh <- agentErr
			return
		}

		log.Printf("orchestrator: %s workload %q finished", workloadID, job.WorkloadName)
	}()

	return frames, errCh
}
