// SPDX-License-Identifier:Apache-2.0

// Package static holds the types of the agent configuration file.
package static

// AgentConfig is the agent configuration file. Intervals and timeouts are
// in seconds.
type AgentConfig struct {
	LogLevel               string        `json:"logLevel,omitempty"`
	BGPAS                  uint32        `json:"bgpAS,omitempty"`
	ReconcileInterval      int           `json:"reconcileInterval,omitempty"`
	FRRReconcileInterval   int           `json:"frrReconcileInterval,omitempty"`
	OVSDBConnection        string        `json:"ovsdbConnection,omitempty"`
	OVSDBConnectionTimeout int           `json:"ovsdbConnectionTimeout,omitempty"`
	OVNSB                  OVNSBConfig   `json:"ovnSB,omitempty"`
	EVPN                   EVPNConfig    `json:"evpn,omitempty"`
	VRF                    VRFConfig     `json:"vrf,omitempty"`
	FRR                    FRRConfig     `json:"frr,omitempty"`
	Metrics                MetricsConfig `json:"metrics,omitempty"`
}

// OVNSBConfig describes how to reach the OVN southbound database. An empty
// connection means the ovn-remote of the local Open_vSwitch row is used.
type OVNSBConfig struct {
	Connection  string `json:"connection,omitempty"`
	PrivateKey  string `json:"privateKey,omitempty"`
	Certificate string `json:"certificate,omitempty"`
	CACert      string `json:"caCert,omitempty"`
}

type EVPNConfig struct {
	// LocalIP is the VTEP address. When empty it is discovered from NIC,
	// then from the host interfaces.
	LocalIP          string                `json:"localIP,omitempty"`
	NIC              string                `json:"nic,omitempty"`
	UDPDstPort       int                   `json:"udpDstPort,omitempty"`
	Bridge           string                `json:"bridge,omitempty"`
	OVSBridge        string                `json:"ovsBridge,omitempty"`
	NetworkDeviceMTU int                   `json:"networkDeviceMTU,omitempty"`
	VLANRangeMin     int                   `json:"vlanRangeMin,omitempty"`
	VLANRangeMax     int                   `json:"vlanRangeMax,omitempty"`
	StaticFDB        *bool                 `json:"staticFDB,omitempty"`
	StaticNeighbors  *bool                 `json:"staticNeighbors,omitempty"`
	NeighborRefresh  NeighborRefreshConfig `json:"neighborRefresh,omitempty"`
}

type NeighborRefreshConfig struct {
	Enabled bool `json:"enabled,omitempty"`
	Period  int  `json:"period,omitempty"`
}

type VRFConfig struct {
	// DeleteOnDisconnect removes a VRF device as soon as no network uses it.
	DeleteOnDisconnect   bool `json:"deleteOnDisconnect,omitempty"`
	ClearRoutesOnStartup bool `json:"clearRoutesOnStartup,omitempty"`
}

type FRRConfig struct {
	VtyshPath      string   `json:"vtyshPath,omitempty"`
	CommandTimeout int      `json:"commandTimeout,omitempty"`
	Redistribute   []string `json:"redistribute,omitempty"`
}

type MetricsConfig struct {
	// BindAddress is the metrics listener address, "0" disables it.
	BindAddress string `json:"bindAddress,omitempty"`
}
