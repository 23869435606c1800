// SPDX-License-Identifier:Apache-2.0

package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/openperouter/ovn-evpn-agent/internal/status"
)

// FRRSync re-applies the routing daemon configuration of every VRF with
// dependents, without touching the dataplane. It recovers the daemon after
// a restart.
func (e *Engine) FRRSync(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var errs []error
	if err := e.Configurator.EnsureGlobalEvpnEnabled(ctx); err != nil {
		e.Status.ReportResourceFailure(status.FRRKind, "global", err)
		errs = append(errs, fmt.Errorf("failed to enable evpn: %w", err))
	} else {
		e.Status.ReportResourceSuccess(status.FRRKind, "global")
	}

	for _, vrf := range e.VRFs.List() {
		if !vrf.HasDependents() {
			continue
		}
		if err := e.configureVRF(ctx, vrf); err != nil {
			errs = append(errs, err)
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		e.logger.ErrorContext(ctx, "frr sync failed", "error", err)
	}
	e.Observer.ObserveFRRSync(err)
	return err
}
