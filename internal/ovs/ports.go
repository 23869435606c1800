// SPDX-License-Identifier:Apache-2.0

package ovs

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/openperouter/ovn-evpn-agent/internal/ovsmodel"
	"github.com/ovn-kubernetes/libovsdb/client"
	"github.com/ovn-kubernetes/libovsdb/model"
	"github.com/ovn-kubernetes/libovsdb/ovsdb"
	"k8s.io/utils/ptr"
)

// Ports created by the agent carry this external id, so the orphan sweep
// never touches ports it did not create.
const (
	ownerKey   = "created-by"
	ownerValue = "ovn-evpn-agent"
)

// EnsureInternalPort makes sure bridge has an internal port called name,
// tagged with tag (0 means untagged). A port that already exists gets its
// tag corrected and is attached to bridge if needed.
func (c *Client) EnsureInternalPort(ctx context.Context, bridge, name string, tag int) error {
	br, err := c.bridge(ctx, bridge)
	if err != nil {
		return err
	}
	var wantTag *int
	if tag != 0 {
		wantTag = ptr.To(tag)
	}

	existing, err := c.port(ctx, name)
	if err != nil {
		return err
	}

	var ops []ovsdb.Operation
	if existing == nil {
		ops, err = c.createPortOps(br, name, wantTag)
	} else {
		ops, err = c.fixPortOps(br, existing, wantTag)
	}
	if err != nil {
		return err
	}
	if len(ops) == 0 {
		return nil
	}
	if _, err := transact(ctx, c.ovsdb, ops); err != nil {
		return fmt.Errorf("failed to ensure port %s on %s: %w", name, bridge, err)
	}
	c.logger.InfoContext(ctx, "ensured internal port", "bridge", bridge, "port", name, "tag", tag)
	return nil
}

func (c *Client) createPortOps(br *ovsmodel.Bridge, name string, tag *int) ([]ovsdb.Operation, error) {
	owner := map[string]string{ownerKey: ownerValue}
	iface := &ovsmodel.Interface{
		UUID:        "evpniface",
		Name:        name,
		Type:        ovsmodel.InterfaceTypeInternal,
		ExternalIDs: owner,
	}
	port := &ovsmodel.Port{
		UUID:        "evpnport",
		Name:        name,
		Interfaces:  []string{iface.UUID},
		Tag:         tag,
		ExternalIDs: owner,
	}
	ops, err := c.ovsdb.Create(iface, port)
	if err != nil {
		return nil, err
	}
	mutate, err := c.ovsdb.Where(br).Mutate(br, model.Mutation{
		Field:   &br.Ports,
		Mutator: ovsdb.MutateOperationInsert,
		Value:   []string{port.UUID},
	})
	if err != nil {
		return nil, err
	}
	return append(ops, mutate...), nil
}

func (c *Client) fixPortOps(br *ovsmodel.Bridge, port *ovsmodel.Port, tag *int) ([]ovsdb.Operation, error) {
	var ops []ovsdb.Operation
	if !equalTag(port.Tag, tag) {
		port.Tag = tag
		update, err := c.ovsdb.Where(port).Update(port, &port.Tag)
		if err != nil {
			return nil, err
		}
		ops = append(ops, update...)
	}
	if !slices.Contains(br.Ports, port.UUID) {
		mutate, err := c.ovsdb.Where(br).Mutate(br, model.Mutation{
			Field:   &br.Ports,
			Mutator: ovsdb.MutateOperationInsert,
			Value:   []string{port.UUID},
		})
		if err != nil {
			return nil, err
		}
		ops = append(ops, mutate...)
	}
	return ops, nil
}

// DeleteInternalPort detaches and deletes the port. A missing port or
// bridge is not an error.
func (c *Client) DeleteInternalPort(ctx context.Context, bridge, name string) error {
	port, err := c.port(ctx, name)
	if err != nil || port == nil {
		return err
	}
	br, err := c.bridge(ctx, bridge)
	if err != nil {
		return err
	}
	if !slices.Contains(br.Ports, port.UUID) {
		return nil
	}
	// Port and Interface rows are garbage collected once unreferenced.
	ops, err := c.ovsdb.Where(br).Mutate(br, model.Mutation{
		Field:   &br.Ports,
		Mutator: ovsdb.MutateOperationDelete,
		Value:   []string{port.UUID},
	})
	if err != nil {
		return err
	}
	if _, err := transact(ctx, c.ovsdb, ops); err != nil {
		return fmt.Errorf("failed to delete port %s from %s: %w", name, bridge, err)
	}
	c.logger.InfoContext(ctx, "deleted internal port", "bridge", bridge, "port", name)
	return nil
}

// ListInternalPorts returns the sorted names of the agent created ports of
// bridge starting with prefix.
func (c *Client) ListInternalPorts(ctx context.Context, bridge, prefix string) ([]string, error) {
	br, err := c.bridge(ctx, bridge)
	if err != nil {
		return nil, err
	}
	found := []*ovsmodel.Port{}
	err = c.ovsdb.WhereCache(func(p *ovsmodel.Port) bool {
		return strings.HasPrefix(p.Name, prefix) &&
			p.ExternalIDs[ownerKey] == ownerValue &&
			slices.Contains(br.Ports, p.UUID)
	}).List(ctx, &found)
	if err != nil {
		return nil, fmt.Errorf("failed to list ports of %s: %w", bridge, err)
	}
	res := make([]string, 0, len(found))
	for _, p := range found {
		res = append(res, p.Name)
	}
	sort.Strings(res)
	return res, nil
}

func (c *Client) bridge(ctx context.Context, name string) (*ovsmodel.Bridge, error) {
	br := &ovsmodel.Bridge{Name: name}
	if err := c.ovsdb.Get(ctx, br); err != nil {
		return nil, fmt.Errorf("failed to find bridge %q: %w", name, err)
	}
	return br, nil
}

// port returns nil when no port is called name.
func (c *Client) port(ctx context.Context, name string) (*ovsmodel.Port, error) {
	port := &ovsmodel.Port{Name: name}
	err := c.ovsdb.Get(ctx, port)
	if errors.Is(err, client.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up port %q: %w", name, err)
	}
	return port, nil
}

func equalTag(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
