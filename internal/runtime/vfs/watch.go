package vfs

import (
	"context"
	"sync"
	"time"
)

// PollingWatcher reports changes to a single file by polling its
// modification time and size. It stands in for FSNotifyWatcher where
// OS-native notifications are unavailable.
type PollingWatcher struct {
	fs       FileSystem
	interval time.Duration
	evCh     chan Event
	erCh     chan error

	mu    sync.Mutex
	stops map[string]context.CancelFunc
}

// NewPollingWatcher polls files of fs every interval.
func NewPollingWatcher(fs FileSystem, interval time.Duration) *PollingWatcher {
	if interval <= 0 {
		interval = time.Second
	}
	return &PollingWatcher{
		fs:       fs,
		interval: interval,
		evCh:     make(chan Event, 64),
		erCh:     make(chan error, 1),
		stops:    make(map[string]context.CancelFunc),
	}
}

func (w *PollingWatcher) Events() <-chan Event { return w.evCh }
func (w *PollingWatcher) Errors() <-chan error { return w.erCh }

// Add starts polling name. Adding a file twice is a no-op.
func (w *PollingWatcher) Add(name string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.stops[name]; ok {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.stops[name] = cancel
	go w.poll(ctx, name)
	return nil
}

// Remove stops polling name.
func (w *PollingWatcher) Remove(name string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if cancel, ok := w.stops[name]; ok {
		cancel()
		delete(w.stops, name)
	}
	return nil
}

// Close stops every poll.
func (w *PollingWatcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for name, cancel := range w.stops {
		cancel()
		delete(w.stops, name)
	}
	return nil
}

func (w *PollingWatcher) poll(ctx context.Context, name string) {
	var lastMod time.Time
	var lastSize int64
	if info, err := w.fs.Stat(name); err == nil {
		lastMod, lastSize = info.ModTime(), info.Size()
	}
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		info, err := w.fs.Stat(name)
		if err != nil {
			select {
			case w.erCh <- err:
			default:
			}
			continue
		}
		if info.ModTime().Equal(lastMod) && info.Size() == lastSize {
			continue
		}
		lastMod, lastSize = info.ModTime(), info.Size()
		select {
		case w.evCh <- Event{Path: name, Op: OpWrite, Time: time.Now()}:
		case <-ctx.Done():
			return
		}
	}
}
