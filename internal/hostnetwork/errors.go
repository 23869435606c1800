// SPDX-License-Identifier:Apache-2.0

package hostnetwork

import (
	"errors"
	"fmt"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// NoVTEPError is returned when no local tunnel endpoint address can be
// found through any of the configured sources.
type NoVTEPError struct {
	LocalIP string
	NIC     string
}

func (e NoVTEPError) Error() string {
	return fmt.Sprintf("no vtep address found (localIP %q, nic %q, lo)", e.LocalIP, e.NIC)
}

func isExist(err error) bool {
	return errors.Is(err, unix.EEXIST)
}

func isNotFound(err error) bool {
	var notFound netlink.LinkNotFoundError
	if errors.As(err, &notFound) {
		return true
	}
	return errors.Is(err, unix.ENOENT) || errors.Is(err, unix.ESRCH) || errors.Is(err, unix.ENODEV)
}
