// SPDX-License-Identifier:Apache-2.0

package ovnsb

import (
	"context"
	"log/slog"

	"github.com/openperouter/ovn-evpn-agent/internal/sbmodel"
	"github.com/ovn-kubernetes/libovsdb/cache"
	"github.com/ovn-kubernetes/libovsdb/client"
	"github.com/ovn-kubernetes/libovsdb/model"
	"k8s.io/client-go/util/workqueue"
)

// Dispatcher handles association events, one at a time.
type Dispatcher interface {
	Dispatch(ctx context.Context, event Event) error
}

// Watcher turns southbound cache notifications into association events
// and feeds them, in order, to a Dispatcher.
type Watcher struct {
	src        rowSource
	sb         client.Client
	queue      workqueue.TypedInterface[*Event]
	dispatcher Dispatcher
	logger     *slog.Logger
}

func NewWatcher(sb client.Client, dispatcher Dispatcher, logger *slog.Logger) *Watcher {
	w := newWatcher(cacheSource{sb: sb}, dispatcher, logger)
	w.sb = sb
	return w
}

func newWatcher(src rowSource, dispatcher Dispatcher, logger *slog.Logger) *Watcher {
	return &Watcher{
		src: src,
		queue: workqueue.NewTypedWithConfig(workqueue.TypedQueueConfig[*Event]{
			Name: "ovnsb-associations",
		}),
		dispatcher: dispatcher,
		logger:     logger.With("component", "ovnsb-watcher"),
	}
}

// Run registers the cache handler and dispatches events until ctx is done.
func (w *Watcher) Run(ctx context.Context) {
	w.sb.Cache().AddEventHandler(&cache.EventHandlerFuncs{
		AddFunc: func(table string, m model.Model) {
			w.onChange(ctx, table, nil, m)
		},
		UpdateFunc: func(table string, old, new model.Model) {
			w.onChange(ctx, table, old, new)
		},
		DeleteFunc: func(table string, m model.Model) {
			w.onChange(ctx, table, m, nil)
		},
	})

	go func() {
		<-ctx.Done()
		w.queue.ShutDown()
	}()
	for w.processNext(ctx) {
	}
	w.logger.Info("watcher stopped")
}

func (w *Watcher) onChange(ctx context.Context, table string, old, new model.Model) {
	if table != sbmodel.PortBindingTable {
		return
	}
	oldRow, _ := old.(*sbmodel.PortBinding)
	newRow, _ := new.(*sbmodel.PortBinding)
	for _, c := range changes(oldRow, newRow) {
		b, err := buildBinding(ctx, w.src, c.row, c.kind.Created())
		if err != nil {
			w.logger.WarnContext(ctx, "ignoring port binding change", "port", c.row.LogicalPort, "kind", c.kind, "error", err)
			continue
		}
		w.queue.Add(&Event{Kind: c.kind, Binding: b})
	}
}

func (w *Watcher) processNext(ctx context.Context) bool {
	event, shutdown := w.queue.Get()
	if shutdown {
		return false
	}
	defer w.queue.Done(event)

	logger := w.logger.With("kind", event.Kind, "port", event.Binding.LogicalPort, "network", event.Binding.DatapathID)
	logger.DebugContext(ctx, "dispatching event")
	if err := w.dispatcher.Dispatch(ctx, *event); err != nil {
		// The next full sync converges what the handler left behind.
		logger.ErrorContext(ctx, "event handling failed", "error", err)
	}
	return true
}
