// SPDX-License-Identifier:Apache-2.0

package status

import "time"

// ResourceKind is the kind of object a status report is about.
type ResourceKind string

const (
	NetworkKind ResourceKind = "Network"
	PortKind    ResourceKind = "Port"
	VRFKind     ResourceKind = "VRF"
	FRRKind     ResourceKind = "FRR"
)

// FailedResourceInfo describes one resource whose last operation failed.
type FailedResourceInfo struct {
	Kind         ResourceKind `json:"kind"`
	Name         string       `json:"name"`
	ErrorMessage string       `json:"error"`
	Timestamp    time.Time    `json:"timestamp"`
}

// StatusSummary is the aggregated view served to operators.
type StatusSummary struct {
	FailedResources []FailedResourceInfo `json:"failedResources"`
	LastUpdateTime  time.Time            `json:"lastUpdateTime"`
}

// StatusReporter is implemented by whoever records operation outcomes.
type StatusReporter interface {
	ReportResourceSuccess(kind ResourceKind, resourceName string)
	ReportResourceFailure(kind ResourceKind, resourceName string, err error)
	ReportResourceRemoved(kind ResourceKind, resourceName string)
}

// StatusReader is implemented by whoever serves the aggregated status.
type StatusReader interface {
	GetStatusSummary() StatusSummary
	FailedByKind() map[ResourceKind]int
}
