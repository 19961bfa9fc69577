package appearance

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/fsnotify/fsnotify"

	"pkt.systems/marina/schema"
	"pkt.systems/pslog"
)

// Publisher receives appearance changes.
type Publisher interface {
	PublishAppearance(schema.Appearance)
}

// Options configures an Observer.
type Options struct {
	// Path is the appearance file holding "dark" or "light".
	Path      string
	Publisher Publisher
	// Detect supplies the appearance when the file is absent or unreadable.
	// nil asks the terminal.
	Detect func() schema.Appearance
	Logger pslog.Logger
}

// Observer tracks the system appearance and publishes changes.
type Observer struct {
	path   string
	pub    Publisher
	detect func() schema.Appearance
	log    pslog.Logger

	mu      sync.Mutex
	current schema.Appearance
	watcher *fsnotify.Watcher
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New constructs an Observer and resolves the initial appearance.
func New(opts Options) *Observer {
	detect := opts.Detect
	if detect == nil {
		detect = TerminalAppearance
	}
	o := &Observer{
		path:   strings.TrimSpace(opts.Path),
		pub:    opts.Publisher,
		detect: detect,
		log:    opts.Logger,
	}
	o.current = o.read()
	return o
}

// TerminalAppearance reports the terminal background.
func TerminalAppearance() schema.Appearance {
	if lipgloss.HasDarkBackground() {
		return schema.AppearanceDark
	}
	return schema.AppearanceLight
}

// Current returns the latest observed appearance.
func (o *Observer) Current() schema.Appearance {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current
}

// Start publishes the initial appearance and begins watching the file. It
// registers at most once; later calls are no-ops.
func (o *Observer) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.running || o.stopCh != nil {
		o.mu.Unlock()
		return nil
	}
	current := o.current
	if o.path == "" {
		o.running = true
		o.stopCh = make(chan struct{})
		o.mu.Unlock()
		o.publish(current)
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		o.mu.Unlock()
		return err
	}
	dir := filepath.Dir(o.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		_ = watcher.Close()
		o.mu.Unlock()
		return err
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		o.mu.Unlock()
		return err
	}
	o.watcher = watcher
	o.running = true
	o.stopCh = make(chan struct{})
	o.doneCh = make(chan struct{})
	o.mu.Unlock()

	if o.log != nil {
		o.log.Debug("appearance watch ok", "path", o.path, "appearance", current)
	}
	o.publish(current)
	go o.run(ctx, watcher)
	return nil
}

// Stop deregisters the watch and waits for the watcher goroutine to exit.
func (o *Observer) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	stopCh := o.stopCh
	doneCh := o.doneCh
	watcher := o.watcher
	o.mu.Unlock()

	close(stopCh)
	if doneCh != nil {
		<-doneCh
	}
	if watcher != nil {
		if err := watcher.Close(); err != nil && o.log != nil {
			o.log.Warn("appearance watch close failed", "err", err)
		}
	}
	if o.log != nil {
		o.log.Debug("appearance watch stopped")
	}
}

func (o *Observer) run(ctx context.Context, watcher *fsnotify.Watcher) {
	defer close(o.doneCh)
	name := filepath.Clean(o.path)
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stopCh:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			o.refresh()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			if o.log != nil {
				o.log.Warn("appearance watch failed", "err", err)
			}
		}
	}
}

func (o *Observer) refresh() {
	next := o.read()
	o.mu.Lock()
	if next == o.current {
		o.mu.Unlock()
		return
	}
	o.current = next
	o.mu.Unlock()
	if o.log != nil {
		o.log.Info("appearance changed", "appearance", next)
	}
	o.publish(next)
}

func (o *Observer) read() schema.Appearance {
	if o.path != "" {
		data, err := os.ReadFile(o.path)
		if err == nil {
			if appearance, ok := schema.ParseAppearance(string(data)); ok {
				return appearance
			}
		} else if !errors.Is(err, os.ErrNotExist) && o.log != nil {
			o.log.Warn("appearance read failed", "path", o.path, "err", err)
		}
	}
	return o.detect()
}

func (o *Observer) publish(appearance schema.Appearance) {
	if o.pub != nil {
		o.pub.PublishAppearance(appearance)
	}
}
