// SPDX-License-Identifier:Apache-2.0

// Package ovnsb watches the OVN southbound database for EVPN associations:
// port bindings annotated with a VNI and an AS number.
package ovnsb

import (
	"context"

	"github.com/openperouter/ovn-evpn-agent/internal/ovs"
	"github.com/openperouter/ovn-evpn-agent/internal/sbmodel"
	"github.com/ovn-kubernetes/libovsdb/client"
)

// Connect dials the southbound database and monitors the tables the
// watcher and the lister read.
func Connect(ctx context.Context, cfg ovs.DialConfig) (client.Client, error) {
	dbModel, err := sbmodel.FullDatabaseModel()
	if err != nil {
		return nil, err
	}
	return ovs.Dial(ctx, cfg, dbModel)
}
