// SPDX-License-Identifier:Apache-2.0

package netnamespace

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/vishvananda/netns"
)

// In runs fn with the calling goroutine's thread switched to ns, then
// switches back.
func In(ns netns.NsHandle, fn func() error) error {
	// the thread must not be reused by other goroutines while in ns.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	origns, err := netns.Get()
	if err != nil {
		return fmt.Errorf("failed to get current network namespace: %w", err)
	}
	var errs []error
	defer func() {
		if err := origns.Close(); err != nil {
			errs = append(errs, err)
		}
	}()

	if err := netns.Set(ns); err != nil {
		return fmt.Errorf("failed to set current network namespace to %s: %w", ns.String(), err)
	}

	if err := fn(); err != nil {
		errs = append(errs, err)
	}
	if err := netns.Set(origns); err != nil {
		errs = append(errs, fmt.Errorf("failed to restore network namespace: %w", err))
	}
	return errors.Join(errs...)
}
