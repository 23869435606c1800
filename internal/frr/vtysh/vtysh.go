// SPDX-License-Identifier:Apache-2.0

package vtysh

import (
	"context"
	"fmt"
	"os/exec"
	"time"
)

// DefaultTimeout is the maximum time to wait for a vtysh invocation to complete.
// Under heavy load (e.g. hundreds of VRFs), FRR daemons can be slow to respond
// to vtysh IPC, so we use a generous timeout to avoid blocking indefinitely.
const DefaultTimeout = 10 * time.Second

// Cli runs the given commands, in order, in a single vtysh session.
type Cli func(ctx context.Context, commands ...string) (string, error)

// Runner invokes the vtysh binary.
type Runner struct {
	Path    string
	Timeout time.Duration
}

func (r Runner) Run(ctx context.Context, commands ...string) (string, error) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := make([]string, 0, 2*len(commands))
	for _, c := range commands {
		args = append(args, "-c", c)
	}
	out, err := exec.CommandContext(ctx, r.Path, args...).CombinedOutput()
	if ctx.Err() == context.DeadlineExceeded {
		return string(out), fmt.Errorf("vtysh timed out after %s", timeout)
	}
	return string(out), err
}

var _ Cli = Runner{}.Run
