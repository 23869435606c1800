// SPDX-License-Identifier:Apache-2.0

// Package ovssandbox runs a throwaway ovsdb-server and ovs-vswitchd in a
// container so the OVS access code can be tested without a host install.
package ovssandbox

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/openperouter/ovn-evpn-agent/internal/netnamespace"
	"github.com/testcontainers/testcontainers-go"
	tcexec "github.com/testcontainers/testcontainers-go/exec"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/vishvananda/netns"
	apimachinerywait "k8s.io/apimachinery/pkg/util/wait"
)

const defaultImage = "quay.io/openperouter/kind-node-openperouter:v1.32.2"

// Sandbox is a running OVS instance.
type Sandbox struct {
	Dir string
	// Endpoint is the libovsdb endpoint of the sandbox database.
	Endpoint string
	// NetNS is the network namespace the container datapath lives in.
	NetNS     netns.NsHandle
	socket    string
	container testcontainers.Container
}

// Config tunes the sandbox.
type Config struct {
	// Image defaults to $OVS_SANDBOX_IMG, then to a kind node image shipping OVS.
	Image string
	// ExternalIDs are set on the Open_vSwitch row once the database is up,
	// e.g. system-id and ovn-remote.
	ExternalIDs map[string]string
	// Bridges are created empty before New returns.
	Bridges []string
}

func (c Config) image() string {
	if c.Image != "" {
		return c.Image
	}
	if image := os.Getenv("OVS_SANDBOX_IMG"); image != "" {
		return image
	}
	return defaultImage
}

//go:embed testdata/ovs-start.sh
var startScript string

// New starts the container and waits for the database socket.
func New(ctx context.Context, cfg Config) (*Sandbox, error) {
	dir, err := os.MkdirTemp("", "ovs-sandbox-")
	if err != nil {
		return nil, fmt.Errorf("failed to create sandbox directory: %w", err)
	}
	if err := os.Chmod(dir, 0755); err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("failed to set sandbox directory permissions: %w", err)
	}

	s := &Sandbox{
		Dir:    dir,
		socket: filepath.Join(dir, "db.sock"),
	}
	s.Endpoint = "unix:" + s.socket

	req := testcontainers.ContainerRequest{
		Image:      cfg.image(),
		Entrypoint: []string{"/bin/bash", "-c"},
		Cmd:        []string{startScript},
		WaitingFor: wait.ForLog("OVS_SANDBOX_READY").WithStartupTimeout(60 * time.Second),
		HostConfigModifier: func(hc *container.HostConfig) {
			hc.CapAdd = []string{"NET_ADMIN"}
			hc.Binds = append(hc.Binds, dir+":/var/run/openvswitch")
		},
	}
	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("failed to start OVS container: %w", err)
	}
	s.container = ctr

	if err := waitForSocket(ctx, s.socket, 30*time.Second); err != nil {
		return nil, errors.Join(err, s.Cleanup(ctx))
	}

	inspect, err := ctr.Inspect(ctx)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to inspect container: %w", err), s.Cleanup(ctx))
	}
	ns, err := netns.GetFromPid(inspect.State.Pid)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to get container network namespace: %w", err), s.Cleanup(ctx))
	}
	s.NetNS = ns

	if err := s.seed(ctx, cfg); err != nil {
		return nil, errors.Join(err, s.Cleanup(ctx))
	}
	return s, nil
}

func (s *Sandbox) seed(ctx context.Context, cfg Config) error {
	for k, v := range cfg.ExternalIDs {
		if _, err := s.Vsctl(ctx, "set", "Open_vSwitch", ".", fmt.Sprintf("external_ids:%s=%q", k, v)); err != nil {
			return err
		}
	}
	for _, b := range cfg.Bridges {
		if _, err := s.Vsctl(ctx, "--may-exist", "add-br", b); err != nil {
			return err
		}
	}
	return nil
}

// Cleanup terminates the container and removes the sandbox directory.
func (s *Sandbox) Cleanup(ctx context.Context) error {
	if s == nil {
		return nil
	}
	var errs []error
	if s.NetNS != 0 {
		if err := s.NetNS.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close netns: %w", err))
		}
	}
	if s.container != nil {
		if err := s.container.Terminate(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to terminate container: %w", err))
		}
	}
	if err := os.RemoveAll(s.Dir); err != nil {
		errs = append(errs, fmt.Errorf("failed to remove sandbox dir: %w", err))
	}
	return errors.Join(errs...)
}

// Logs returns the container output, for test failure reports.
func (s *Sandbox) Logs(ctx context.Context) (string, error) {
	reader, err := s.container.Logs(ctx)
	if err != nil {
		return "", err
	}
	defer func() { _ = reader.Close() }()
	logs, err := io.ReadAll(reader)
	return string(logs), err
}

// Vsctl runs ovs-vsctl inside the container.
func (s *Sandbox) Vsctl(ctx context.Context, args ...string) (string, error) {
	code, reader, err := s.container.Exec(ctx, append([]string{"ovs-vsctl"}, args...), tcexec.Multiplexed())
	if err != nil {
		return "", err
	}
	out, err := io.ReadAll(reader)
	if err != nil {
		return "", err
	}
	if code != 0 {
		return string(out), fmt.Errorf("ovs-vsctl %v exited with code %d: %s", args, code, out)
	}
	return string(out), nil
}

// InNetNS runs fn inside the container network namespace.
func (s *Sandbox) InNetNS(fn func() error) error {
	return netnamespace.In(s.NetNS, fn)
}

func waitForSocket(ctx context.Context, path string, timeout time.Duration) error {
	return apimachinerywait.PollUntilContextTimeout(ctx, 100*time.Millisecond, timeout, true, func(context.Context) (bool, error) {
		info, err := os.Stat(path)
		if err != nil {
			return false, nil
		}
		return info.Mode()&os.ModeSocket != 0, nil
	})
}
