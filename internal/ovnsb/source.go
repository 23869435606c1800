// SPDX-License-Identifier:Apache-2.0

package ovnsb

import (
	"context"
	"fmt"
	"sort"

	"github.com/openperouter/ovn-evpn-agent/internal/evpn"
	"github.com/openperouter/ovn-evpn-agent/internal/sbmodel"
	"github.com/ovn-kubernetes/libovsdb/client"
)

// rowSource reads the southbound rows a binding is built from.
type rowSource interface {
	portBindings(ctx context.Context, filter func(*sbmodel.PortBinding) bool) ([]*sbmodel.PortBinding, error)
	datapath(ctx context.Context, uuid string) (*sbmodel.DatapathBinding, error)
	chassis(ctx context.Context, uuid string) (*sbmodel.Chassis, error)
}

// cacheSource reads from the libovsdb client cache.
type cacheSource struct {
	sb client.Client
}

func (c cacheSource) portBindings(ctx context.Context, filter func(*sbmodel.PortBinding) bool) ([]*sbmodel.PortBinding, error) {
	res := []*sbmodel.PortBinding{}
	if err := c.sb.WhereCache(filter).List(ctx, &res); err != nil {
		return nil, err
	}
	return res, nil
}

func (c cacheSource) datapath(ctx context.Context, uuid string) (*sbmodel.DatapathBinding, error) {
	dp := &sbmodel.DatapathBinding{UUID: uuid}
	if err := c.sb.Get(ctx, dp); err != nil {
		return nil, err
	}
	return dp, nil
}

func (c cacheSource) chassis(ctx context.Context, uuid string) (*sbmodel.Chassis, error) {
	ch := &sbmodel.Chassis{UUID: uuid}
	if err := c.sb.Get(ctx, ch); err != nil {
		return nil, err
	}
	return ch, nil
}

// buildBinding snapshots row together with what its datapath tells about
// the network. When strict is false, missing datapath or chassis rows are
// tolerated: a deleted association only needs its identifiers.
func buildBinding(ctx context.Context, src rowSource, row *sbmodel.PortBinding, strict bool) (evpn.Binding, error) {
	b := evpn.Binding{
		LogicalPort: row.LogicalPort,
		Type:        row.Type,
		DatapathID:  row.Datapath,
		Annotations: copyMap(row.ExternalIDs),
		MAC:         append([]string(nil), row.MAC...),
	}

	if row.Chassis != nil && *row.Chassis != "" {
		ch, err := src.chassis(ctx, *row.Chassis)
		switch {
		case err == nil:
			b.Chassis = ch.Name
		case strict:
			return evpn.Binding{}, fmt.Errorf("chassis %s of %s: %w", *row.Chassis, row.LogicalPort, err)
		}
	}

	dp, err := src.datapath(ctx, row.Datapath)
	if err != nil {
		if strict {
			return evpn.Binding{}, fmt.Errorf("datapath %s of %s: %w", row.Datapath, row.LogicalPort, err)
		}
		return b, nil
	}
	b.DatapathAnnotations = copyMap(dp.ExternalIDs)

	siblings, err := src.portBindings(ctx, func(pb *sbmodel.PortBinding) bool {
		return pb.Datapath == row.Datapath
	})
	if err != nil {
		if strict {
			return evpn.Binding{}, fmt.Errorf("ports of datapath %s: %w", row.Datapath, err)
		}
		return b, nil
	}
	sort.Slice(siblings, func(i, j int) bool {
		return siblings[i].LogicalPort < siblings[j].LogicalPort
	})
	for _, pb := range siblings {
		switch pb.Type {
		case sbmodel.PortTypeLocalnet:
			if pb.Tag != nil && b.LocalnetTag == 0 {
				b.LocalnetTag = *pb.Tag
			}
		case sbmodel.PortTypePatch:
			b.RouterAddresses = append(b.RouterAddresses, routerAddresses(pb.MAC)...)
		}
	}
	return b, nil
}

// routerAddresses keeps the mac column entries carrying addresses.
func routerAddresses(macs []string) []string {
	var res []string
	for _, m := range macs {
		if m == "" || m == "router" || m == "unknown" {
			continue
		}
		res = append(res, m)
	}
	return res
}

func copyMap(m map[string]string) map[string]string {
	res := make(map[string]string, len(m))
	for k, v := range m {
		res[k] = v
	}
	return res
}
