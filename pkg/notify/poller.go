package notify

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Poller is the fallback change source for filesystems without native
// notification support: it rescans the subtree on an interval and emits
// events for entries whose name, kind, size, or mtime changed.
type Poller struct {
	root        string
	interval    time.Duration
	ignoreNames []string
	clock       clockwork.Clock

	eventChan chan Event
	done      chan struct{}
	closeOnce sync.Once

	last map[string]pollEntry
}

type pollEntry struct {
	isDir bool
	size  int64
	mtime int64
}

// NewPoller creates a poller over root, scanning every interval.
func NewPoller(root string, interval time.Duration, ignoreNames []string, clock clockwork.Clock) *Poller {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}

	p := &Poller{
		root:        root,
		interval:    interval,
		ignoreNames: ignoreNames,
		clock:       clock,
		eventChan:   make(chan Event, 256),
		done:        make(chan struct{}),
		last:        make(map[string]pollEntry),
	}

	go p.loop()

	return p
}

// Events returns the channel of detected events.
func (p *Poller) Events() <-chan Event {
	return p.eventChan
}

// Close stops the poller.
func (p *Poller) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
	})
	return nil
}

func (p *Poller) loop() {
	defer close(p.eventChan)

	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()

	p.last = p.scan() // baseline without emitting

	for {
		select {
		case <-p.done:
			return
		case <-ticker.Chan():
			p.diffAndEmit()
		}
	}
}

// scan builds the current view of the subtree.
func (p *Poller) scan() map[string]pollEntry {
	current := make(map[string]pollEntry)

	filepath.Walk(p.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // transient scan errors resolve on the next pass
		}

		rel, err := filepath.Rel(p.root, path)
		if err != nil || rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		first := strings.SplitN(rel, "/", 2)[0]
		for _, name := range p.ignoreNames {
			if first == name {
				if info.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
		}

		if !info.IsDir() && !info.Mode().IsRegular() {
			return nil // symlinks and other irregular entries excluded
		}

		current[rel] = pollEntry{
			isDir: info.IsDir(),
			size:  info.Size(),
			mtime: info.ModTime().Unix(),
		}
		return nil
	})

	return current
}

// diffAndEmit compares the fresh scan with the previous one.
func (p *Poller) diffAndEmit() {
	current := p.scan()
	now := p.clock.Now()

	for rel, entry := range current {
		prev, existed := p.last[rel]
		switch {
		case !existed:
			p.emit(Event{Path: rel, Op: Added, When: now})
		case prev != entry:
			p.emit(Event{Path: rel, Op: Changed, When: now})
		}
	}
	for rel := range p.last {
		if _, exists := current[rel]; !exists {
			p.emit(Event{Path: rel, Op: Removed, When: now})
		}
	}

	p.last = current
}

func (p *Poller) emit(e Event) {
	select {
	case p.eventChan <- e:
	case <-p.done:
	default:
	}
}
