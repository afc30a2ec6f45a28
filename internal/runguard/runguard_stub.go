//go:build !linux

package runguard

import (
	"context"
	"io"

	"judged/internal/runguard/cgroup"
	appErr "judged/pkg/errors"
)

// Supervisor runs one command under the full isolation stack.
type Supervisor struct{}

// NewSupervisor creates a supervisor using the given cgroup controller.
func NewSupervisor(cg *cgroup.Controller) *Supervisor {
	return &Supervisor{}
}

// Run is only supported on Linux.
func (s *Supervisor) Run(ctx context.Context, opt *Options) (Report, error) {
	return Report{}, appErr.New(appErr.SandboxSystemError).WithMessage("runguard is only supported on linux")
}

// RunInit is only supported on Linux.
func RunInit(stdin io.Reader) error {
	return appErr.New(appErr.SandboxSystemError).WithMessage("runguard is only supported on linux")
}
