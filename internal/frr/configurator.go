// SPDX-License-Identifier:Apache-2.0

package frr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"sync"

	"github.com/openperouter/ovn-evpn-agent/internal/evpn"
	"github.com/openperouter/ovn-evpn-agent/internal/frr/vtysh"
)

// Config holds the process wide routing daemon parameters.
type Config struct {
	ASN          uint32
	VTEP         netip.Addr
	Redistribute []string
}

// Configurator applies EVPN configuration to FRR through vtysh.
type Configurator struct {
	cfg    Config
	cli    vtysh.Cli
	logger *slog.Logger

	mu      sync.Mutex
	applied map[string]VRFConfig
}

func NewConfigurator(cfg Config, cli vtysh.Cli, logger *slog.Logger) *Configurator {
	return &Configurator{
		cfg:     cfg,
		cli:     cli,
		logger:  logger,
		applied: map[string]VRFConfig{},
	}
}

// EnsureGlobalEvpnEnabled turns on advertise-all-vni on the default instance.
func (c *Configurator) EnsureGlobalEvpnEnabled(ctx context.Context) error {
	return c.apply(ctx, GlobalEVPNBlock(c.cfg.ASN))
}

// ConfigureVrf applies the configuration of a VRF aggregated over the
// given networks. On failure the previous state is kept as reference so
// the next attempt emits the full diff again.
func (c *Configurator) ConfigureVrf(ctx context.Context, vrf evpn.VrfInfo, networks []evpn.NetworkInfo) error {
	desired := BuildVRFConfig(vrf, networks, c.cfg.VTEP, c.cfg.Redistribute, c.cfg.ASN)

	c.mu.Lock()
	previous, ok := c.applied[vrf.Name]
	c.mu.Unlock()

	var prev *VRFConfig
	if ok {
		prev = &previous
	}
	if err := c.apply(ctx, VRFBlock(desired, prev)); err != nil {
		return err
	}

	c.mu.Lock()
	c.applied[vrf.Name] = desired
	c.mu.Unlock()
	return nil
}

// RemoveVrf deletes the VRF configuration. VRFs never configured by this
// process (left over by a previous run) are removed under the global ASN
// on a best effort basis: parts of their configuration may be missing, so
// the daemon complaints are only logged.
func (c *Configurator) RemoveVrf(ctx context.Context, vrf evpn.VrfInfo) error {
	c.mu.Lock()
	previous, ok := c.applied[vrf.Name]
	c.mu.Unlock()

	if !ok {
		block := RemoveVRFBlock(vrf.Name, vrf.VNI, c.cfg.ASN, true)
		out, err := c.run(ctx, block)
		if err != nil {
			return err
		}
		if err := checkOutput(out); err != nil {
			c.logger.DebugContext(ctx, "ignoring daemon output removing unknown vrf", "vrf", vrf.Name, "output", err)
		}
		return nil
	}

	block := RemoveVRFBlock(vrf.Name, vrf.VNI, previous.ASN, previous.LocalPref != nil)
	if err := c.apply(ctx, block); err != nil {
		return err
	}

	c.mu.Lock()
	delete(c.applied, vrf.Name)
	c.mu.Unlock()
	return nil
}

func (c *Configurator) apply(ctx context.Context, block Block) error {
	out, err := c.run(ctx, block)
	if err != nil {
		return err
	}
	if err := checkOutput(out); err != nil {
		return fmt.Errorf("failed to apply frr block %s: %w", block.Name, err)
	}
	c.logger.InfoContext(ctx, "frr configuration applied", "block", block.Name)
	return nil
}

func (c *Configurator) run(ctx context.Context, block Block) (string, error) {
	c.logger.DebugContext(ctx, "applying frr configuration", "block", block.Name, "config", block.String())

	commands := append([]string{"configure terminal"}, block.Lines()...)
	out, err := c.cli(ctx, commands...)
	if err != nil {
		return out, fmt.Errorf("failed to apply frr block %s: %w, output: %s", block.Name, err, out)
	}
	return out, nil
}

// checkOutput fails on every warning or error line vtysh prints, they all
// start with "% ".
func checkOutput(out string) error {
	var errs []error
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "% ") {
			errs = append(errs, errors.New(line))
		}
	}
	return errors.Join(errs...)
}
