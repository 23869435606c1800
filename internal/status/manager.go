// SPDX-License-Identifier:Apache-2.0

package status

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

type failedResourceCacheEntry struct {
	ResourceKind ResourceKind
	ResourceName string
	ErrorMessage string
	Timestamp    time.Time
}

// StatusManager keeps the resources whose last operation failed, until
// they succeed or are removed.
type StatusManager struct {
	logger *slog.Logger

	// nowFunc returns the current time; can be overridden for testing
	nowFunc func() time.Time

	// Written by the reconcile engine, read by the HTTP status handler.
	failedResourceCacheMutex sync.RWMutex
	failedResourceCache      map[string]*failedResourceCacheEntry // key: "kind:name"
}

func NewStatusManager(logger *slog.Logger) *StatusManager {
	return &StatusManager{
		logger:              logger,
		nowFunc:             time.Now,
		failedResourceCache: make(map[string]*failedResourceCacheEntry),
	}
}

func cacheKey(kind ResourceKind, name string) string {
	return fmt.Sprintf("%s:%s", kind, name)
}

// ReportResourceSuccess implements StatusReporter interface
func (sm *StatusManager) ReportResourceSuccess(kind ResourceKind, resourceName string) {
	sm.failedResourceCacheMutex.Lock()
	key := cacheKey(kind, resourceName)
	_, existed := sm.failedResourceCache[key]
	delete(sm.failedResourceCache, key)
	sm.failedResourceCacheMutex.Unlock()

	if existed {
		sm.logger.Info("resource recovered", "kind", kind, "resource", resourceName)
	}
}

// ReportResourceFailure implements StatusReporter interface
func (sm *StatusManager) ReportResourceFailure(kind ResourceKind, resourceName string, err error) {
	sm.failedResourceCacheMutex.Lock()
	sm.failedResourceCache[cacheKey(kind, resourceName)] = &failedResourceCacheEntry{
		ResourceKind: kind,
		ResourceName: resourceName,
		ErrorMessage: fmt.Sprintf("failed: %v", err),
		Timestamp:    sm.nowFunc(),
	}
	sm.failedResourceCacheMutex.Unlock()

	sm.logger.Debug("reported failure",
		"kind", kind,
		"resource", resourceName,
		"error", err)
}

// ReportResourceRemoved implements StatusReporter interface
func (sm *StatusManager) ReportResourceRemoved(kind ResourceKind, resourceName string) {
	sm.failedResourceCacheMutex.Lock()
	key := cacheKey(kind, resourceName)
	_, existed := sm.failedResourceCache[key]
	delete(sm.failedResourceCache, key)
	sm.failedResourceCacheMutex.Unlock()

	if existed {
		sm.logger.Debug("reported resource removal",
			"kind", kind,
			"resource", resourceName)
	}
}

// GetStatusSummary returns the failed resources sorted by kind and name.
func (sm *StatusManager) GetStatusSummary() StatusSummary {
	sm.failedResourceCacheMutex.RLock()
	defer sm.failedResourceCacheMutex.RUnlock()

	failedResources := make([]FailedResourceInfo, 0, len(sm.failedResourceCache))
	var latestUpdate time.Time

	for _, failedEntry := range sm.failedResourceCache {
		if failedEntry.Timestamp.After(latestUpdate) {
			latestUpdate = failedEntry.Timestamp
		}

		failedResources = append(failedResources, FailedResourceInfo{
			Kind:         failedEntry.ResourceKind,
			Name:         failedEntry.ResourceName,
			ErrorMessage: failedEntry.ErrorMessage,
			Timestamp:    failedEntry.Timestamp,
		})
	}
	sort.Slice(failedResources, func(i, j int) bool {
		if failedResources[i].Kind != failedResources[j].Kind {
			return failedResources[i].Kind < failedResources[j].Kind
		}
		return failedResources[i].Name < failedResources[j].Name
	})

	return StatusSummary{
		FailedResources: failedResources,
		LastUpdateTime:  latestUpdate,
	}
}

// FailedByKind counts the failed resources per kind.
func (sm *StatusManager) FailedByKind() map[ResourceKind]int {
	sm.failedResourceCacheMutex.RLock()
	defer sm.failedResourceCacheMutex.RUnlock()

	res := map[ResourceKind]int{}
	for _, e := range sm.failedResourceCache {
		res[e.ResourceKind]++
	}
	return res
}

// Compile-time interface checks
var _ StatusReporter = (*StatusManager)(nil)
var _ StatusReader = (*StatusManager)(nil)
