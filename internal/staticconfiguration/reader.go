// SPDX-License-Identifier:Apache-2.0

package staticconfiguration

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"slices"
	"time"

	"github.com/openperouter/ovn-evpn-agent/api/static"
	"github.com/openperouter/ovn-evpn-agent/internal/conversion"
	"github.com/openperouter/ovn-evpn-agent/internal/evpn"
	"github.com/openperouter/ovn-evpn-agent/internal/logging"
	"github.com/openperouter/ovn-evpn-agent/internal/ovs"
	"k8s.io/utils/ptr"
	"sigs.k8s.io/yaml"
)

const (
	DefaultLogLevel               = "info"
	DefaultBGPAS                  = 64999
	DefaultReconcileInterval      = 300
	DefaultFRRReconcileInterval   = 15
	DefaultOVSDBConnection        = "unix:/usr/local/var/run/openvswitch/db.sock"
	DefaultOVSDBConnectionTimeout = 180
	DefaultUDPDstPort             = 4789
	DefaultBridge                 = "br-evpn"
	DefaultOVSBridge              = "br-int"
	DefaultMTU                    = 1500
	DefaultVLANRangeMin           = 100
	DefaultVLANRangeMax           = 4094
	DefaultNeighborRefreshPeriod  = 60
	DefaultVtyshPath              = "/usr/bin/vtysh"
	DefaultFRRCommandTimeout      = 10
	DefaultMetricsBindAddress     = ":9101"
	// MetricsDisabled as bind address turns the metrics listener off.
	MetricsDisabled = "0"
)

var (
	DefaultRedistribute = []string{"connected", "kernel"}
	validRedistribute   = []string{"connected", "kernel", "static"}
)

// NoConfigAvailable is returned when the configuration file does not exist.
type NoConfigAvailable struct {
	message string
}

func (e *NoConfigAvailable) Error() string {
	return e.message
}

// FileExists checks if a file exists at the given path.
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// ReadAgentConfig reads the AgentConfig from a YAML file, as is.
func ReadAgentConfig(path string) (*static.AgentConfig, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, &NoConfigAvailable{
			message: fmt.Sprintf("configuration file does not exist: %s", path),
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read agent config file: %w", err)
	}

	var config static.AgentConfig
	if err := yaml.UnmarshalStrict(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML agent config %s: %w", path, err)
	}
	return &config, nil
}

// Load reads, defaults and validates the configuration. A missing file
// yields the defaults.
func Load(path string) (*static.AgentConfig, error) {
	config, err := ReadAgentConfig(path)
	var noConfig *NoConfigAvailable
	if errors.As(err, &noConfig) {
		config = &static.AgentConfig{}
	} else if err != nil {
		return nil, err
	}
	SetDefaults(config)
	if err := Validate(config); err != nil {
		return nil, fmt.Errorf("invalid configuration %s: %w", path, err)
	}
	return config, nil
}

// SetDefaults fills the unset fields.
func SetDefaults(c *static.AgentConfig) {
	setDefault(&c.LogLevel, DefaultLogLevel)
	setDefault(&c.BGPAS, DefaultBGPAS)
	setDefault(&c.ReconcileInterval, DefaultReconcileInterval)
	setDefault(&c.FRRReconcileInterval, DefaultFRRReconcileInterval)
	setDefault(&c.OVSDBConnection, DefaultOVSDBConnection)
	setDefault(&c.OVSDBConnectionTimeout, DefaultOVSDBConnectionTimeout)

	setDefault(&c.EVPN.UDPDstPort, DefaultUDPDstPort)
	setDefault(&c.EVPN.Bridge, DefaultBridge)
	setDefault(&c.EVPN.OVSBridge, DefaultOVSBridge)
	setDefault(&c.EVPN.NetworkDeviceMTU, DefaultMTU)
	setDefault(&c.EVPN.VLANRangeMin, DefaultVLANRangeMin)
	setDefault(&c.EVPN.VLANRangeMax, DefaultVLANRangeMax)
	if c.EVPN.StaticFDB == nil {
		c.EVPN.StaticFDB = ptr.To(true)
	}
	if c.EVPN.StaticNeighbors == nil {
		c.EVPN.StaticNeighbors = ptr.To(true)
	}
	setDefault(&c.EVPN.NeighborRefresh.Period, DefaultNeighborRefreshPeriod)

	setDefault(&c.FRR.VtyshPath, DefaultVtyshPath)
	setDefault(&c.FRR.CommandTimeout, DefaultFRRCommandTimeout)
	if c.FRR.Redistribute == nil {
		c.FRR.Redistribute = slices.Clone(DefaultRedistribute)
	}

	setDefault(&c.Metrics.BindAddress, DefaultMetricsBindAddress)
}

func setDefault[T comparable](field *T, value T) {
	var zero T
	if *field == zero {
		*field = value
	}
}

// Validate checks a defaulted configuration, reporting every problem.
func Validate(c *static.AgentConfig) error {
	var errs []error
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.ReconcileInterval <= 0 || c.FRRReconcileInterval <= 0 {
		errs = append(errs, fmt.Errorf("reconcile intervals must be positive"))
	}
	if c.FRRReconcileInterval >= c.ReconcileInterval {
		errs = append(errs, fmt.Errorf("frrReconcileInterval %d must be shorter than reconcileInterval %d",
			c.FRRReconcileInterval, c.ReconcileInterval))
	}
	if c.OVSDBConnectionTimeout <= 0 {
		errs = append(errs, fmt.Errorf("ovsdbConnectionTimeout must be positive"))
	}
	if !ovs.ValidEndpoint(c.OVSDBConnection) {
		errs = append(errs, fmt.Errorf("invalid ovsdbConnection %q", c.OVSDBConnection))
	}
	if c.OVNSB.Connection != "" && !ovs.ValidEndpoints(c.OVNSB.Connection) {
		errs = append(errs, fmt.Errorf("invalid ovnSB.connection %q", c.OVNSB.Connection))
	}

	if c.EVPN.LocalIP != "" {
		if addr, err := netip.ParseAddr(c.EVPN.LocalIP); err != nil || !addr.Is4() {
			errs = append(errs, fmt.Errorf("evpn.localIP %q is not an IPv4 address", c.EVPN.LocalIP))
		}
	}
	if c.EVPN.UDPDstPort < 1 || c.EVPN.UDPDstPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid evpn.udpDstPort %d", c.EVPN.UDPDstPort))
	}
	if c.EVPN.NetworkDeviceMTU < 68 || c.EVPN.NetworkDeviceMTU > 9000 {
		errs = append(errs, fmt.Errorf("evpn.networkDeviceMTU %d out of range 68-9000", c.EVPN.NetworkDeviceMTU))
	}
	if c.EVPN.VLANRangeMin < 2 || c.EVPN.VLANRangeMax > 4094 || c.EVPN.VLANRangeMin > c.EVPN.VLANRangeMax {
		errs = append(errs, fmt.Errorf("invalid vlan range %d-%d", c.EVPN.VLANRangeMin, c.EVPN.VLANRangeMax))
	}
	if c.EVPN.NeighborRefresh.Period <= 0 {
		errs = append(errs, fmt.Errorf("evpn.neighborRefresh.period must be positive"))
	}
	if c.EVPN.Bridge == c.EVPN.OVSBridge {
		errs = append(errs, fmt.Errorf("evpn.bridge and evpn.ovsBridge must differ"))
	}
	if !conversion.ValidInterfaceName(c.EVPN.Bridge) {
		errs = append(errs, fmt.Errorf("invalid evpn.bridge %q", c.EVPN.Bridge))
	} else if irb := evpn.IRBName(c.EVPN.Bridge, c.EVPN.VLANRangeMax); !conversion.ValidInterfaceName(irb) {
		errs = append(errs, fmt.Errorf("evpn.bridge %q too long: irb %s exceeds %d bytes", c.EVPN.Bridge, irb, evpn.MaxInterfaceName))
	}
	if !conversion.ValidInterfaceName(c.EVPN.OVSBridge) {
		errs = append(errs, fmt.Errorf("invalid evpn.ovsBridge %q", c.EVPN.OVSBridge))
	}

	if c.FRR.CommandTimeout <= 0 {
		errs = append(errs, fmt.Errorf("frr.commandTimeout must be positive"))
	}
	for _, r := range c.FRR.Redistribute {
		if !slices.Contains(validRedistribute, r) {
			errs = append(errs, fmt.Errorf("unknown frr.redistribute kind %q", r))
		}
	}
	return errors.Join(errs...)
}

// RestartRequired lists the options that changed between two
// configurations and only take effect on restart.
func RestartRequired(old, updated *static.AgentConfig) []string {
	var res []string
	changed := func(name string, differs bool) {
		if differs {
			res = append(res, name)
		}
	}
	changed("bgpAS", old.BGPAS != updated.BGPAS)
	changed("reconcileInterval", old.ReconcileInterval != updated.ReconcileInterval)
	changed("frrReconcileInterval", old.FRRReconcileInterval != updated.FRRReconcileInterval)
	changed("ovsdbConnection", old.OVSDBConnection != updated.OVSDBConnection)
	changed("ovsdbConnectionTimeout", old.OVSDBConnectionTimeout != updated.OVSDBConnectionTimeout)
	changed("ovnSB", old.OVNSB != updated.OVNSB)
	changed("evpn.localIP", old.EVPN.LocalIP != updated.EVPN.LocalIP)
	changed("evpn.nic", old.EVPN.NIC != updated.EVPN.NIC)
	changed("evpn.udpDstPort", old.EVPN.UDPDstPort != updated.EVPN.UDPDstPort)
	changed("evpn.bridge", old.EVPN.Bridge != updated.EVPN.Bridge)
	changed("evpn.ovsBridge", old.EVPN.OVSBridge != updated.EVPN.OVSBridge)
	changed("evpn.networkDeviceMTU", old.EVPN.NetworkDeviceMTU != updated.EVPN.NetworkDeviceMTU)
	changed("evpn.vlanRange", old.EVPN.VLANRangeMin != updated.EVPN.VLANRangeMin ||
		old.EVPN.VLANRangeMax != updated.EVPN.VLANRangeMax)
	changed("evpn.neighborRefresh", old.EVPN.NeighborRefresh != updated.EVPN.NeighborRefresh)
	changed("vrf", old.VRF != updated.VRF)
	changed("frr.vtyshPath", old.FRR.VtyshPath != updated.FRR.VtyshPath)
	changed("frr.commandTimeout", old.FRR.CommandTimeout != updated.FRR.CommandTimeout)
	changed("frr.redistribute", !slices.Equal(old.FRR.Redistribute, updated.FRR.Redistribute))
	changed("metrics.bindAddress", old.Metrics.BindAddress != updated.Metrics.BindAddress)
	return res
}

// Seconds converts a configuration interval to a duration.
func Seconds(value int) time.Duration {
	return time.Duration(value) * time.Second
}
