// SPDX-License-Identifier:Apache-2.0

// Package ovs reads the chassis identity from the local Open_vSwitch
// database and manages the tunnel-ingress internal ports.
package ovs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/openperouter/ovn-evpn-agent/internal/ovsmodel"
	"github.com/ovn-kubernetes/libovsdb/client"
)

// Client wraps a libovsdb client monitoring the Open_vSwitch database.
type Client struct {
	ovsdb  client.Client
	logger *slog.Logger
}

// New dials the Open_vSwitch database.
func New(ctx context.Context, cfg DialConfig, logger *slog.Logger) (*Client, error) {
	dbModel, err := ovsmodel.FullDatabaseModel()
	if err != nil {
		return nil, err
	}
	c, err := Dial(ctx, cfg, dbModel)
	if err != nil {
		return nil, err
	}
	return &Client{ovsdb: c, logger: logger.With("component", "ovs")}, nil
}

// Close disconnects from the database.
func (c *Client) Close() {
	c.ovsdb.Close()
}

// Identity is what the local ovn-controller knows about this chassis.
type Identity struct {
	Chassis        string
	OVNRemote      string
	BridgeMappings map[string]string
}

// ErrNoSystemID is returned when the Open_vSwitch row carries no system-id.
var ErrNoSystemID = errors.New("external_ids:system-id is not set")

// Identity reads the chassis identity from the Open_vSwitch row.
func (c *Client) Identity(ctx context.Context) (Identity, error) {
	rows := []*ovsmodel.OpenvSwitch{}
	if err := c.ovsdb.List(ctx, &rows); err != nil {
		return Identity{}, fmt.Errorf("failed to list Open_vSwitch: %w", err)
	}
	if len(rows) != 1 {
		return Identity{}, fmt.Errorf("expected one Open_vSwitch row, found %d", len(rows))
	}
	return identityFrom(rows[0].ExternalIDs)
}

func identityFrom(externalIDs map[string]string) (Identity, error) {
	id := Identity{
		Chassis:        externalIDs["system-id"],
		OVNRemote:      externalIDs["ovn-remote"],
		BridgeMappings: parseBridgeMappings(externalIDs["ovn-bridge-mappings"]),
	}
	if id.Chassis == "" {
		return Identity{}, ErrNoSystemID
	}
	return id, nil
}

// parseBridgeMappings parses "physnet1:br-ex,physnet2:br-vlan".
func parseBridgeMappings(s string) map[string]string {
	res := map[string]string{}
	for _, m := range strings.Split(s, ",") {
		physnet, bridge, ok := strings.Cut(strings.TrimSpace(m), ":")
		if !ok || physnet == "" || bridge == "" {
			continue
		}
		res[physnet] = bridge
	}
	return res
}
