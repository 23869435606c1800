// SPDX-License-Identifier:Apache-2.0

package ovnsb

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/openperouter/ovn-evpn-agent/internal/evpn"
	"github.com/openperouter/ovn-evpn-agent/internal/sbmodel"
	"github.com/ovn-kubernetes/libovsdb/client"
)

// Lister returns the current associations, for the full reconciler.
type Lister struct {
	src    rowSource
	logger *slog.Logger
}

func NewLister(sb client.Client, logger *slog.Logger) *Lister {
	return &Lister{src: cacheSource{sb: sb}, logger: logger.With("component", "ovnsb-lister")}
}

// ListBindings returns every matching port binding, sorted by logical
// port. Rows that cannot be snapshotted are logged and skipped.
func (l *Lister) ListBindings(ctx context.Context) ([]evpn.Binding, error) {
	rows, err := l.src.portBindings(ctx, func(pb *sbmodel.PortBinding) bool {
		return matches(pb)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list port bindings: %w", err)
	}
	sort.Slice(rows, func(i, j int) bool {
		return rows[i].LogicalPort < rows[j].LogicalPort
	})

	res := make([]evpn.Binding, 0, len(rows))
	for _, row := range rows {
		b, err := buildBinding(ctx, l.src, row, true)
		if err != nil {
			l.logger.WarnContext(ctx, "skipping port binding", "port", row.LogicalPort, "error", err)
			continue
		}
		res = append(res, b)
	}
	return res, nil
}
