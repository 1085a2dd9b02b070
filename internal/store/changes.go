package store

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Table names a set of rows that observers can subscribe to.
type Table string

const (
	TableTracks    Table = "tracks"
	TableDownloads Table = "downloads"
	TableLibrary   Table = "library"
)

type subscriber struct {
	tables map[Table]bool
	notify chan struct{}
}

// ChangeHub fans out "table changed" signals to observable queries after
// every committed write. Signals coalesce: a subscriber that has not yet
// consumed the previous signal receives only one.
type ChangeHub struct {
	mu     sync.Mutex
	subs   map[int]*subscriber
	nextID int
	logger *zap.Logger
}

// NewChangeHub creates an empty hub.
func NewChangeHub(logger *zap.Logger) *ChangeHub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChangeHub{
		subs:   make(map[int]*subscriber),
		logger: logger,
	}
}

// Subscribe registers interest in tables. The returned func unsubscribes.
func (h *ChangeHub) Subscribe(tables ...Table) (<-chan struct{}, func()) {
	sub := &subscriber{
		tables: make(map[Table]bool, len(tables)),
		notify: make(chan struct{}, 1),
	}
	for _, t := range tables {
		sub.tables[t] = true
	}

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = sub
	h.mu.Unlock()

	var once sync.Once
	return sub.notify, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		})
	}
}

// Publish signals every subscriber of any of tables.
func (h *ChangeHub) Publish(tables ...Table) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, sub := range h.subs {
		for _, t := range tables {
			if !sub.tables[t] {
				continue
			}
			select {
			case sub.notify <- struct{}{}:
			default:
				// already pending
			}
			break
		}
	}
}

// observe runs query once immediately and again after every change to
// tables, sending each result on the returned channel. The channel is
// closed when ctx is done.
func observe[T any](ctx context.Context, hub *ChangeHub, query func(context.Context) (T, error), tables ...Table) <-chan T {
	out := make(chan T)
	notify, unsubscribe := hub.Subscribe(tables...)

	go func() {
		defer close(out)
		defer unsubscribe()

		for {
			result, err := query(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				hub.logger.Warn("observable query failed", zap.Error(err))
			} else {
				select {
				case out <- result:
				case <-ctx.Done():
					return
				}
			}

			select {
			case <-notify:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}
