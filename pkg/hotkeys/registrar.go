// Package hotkeys delivers OS-global hotkey presses to the router as typed,
// debounced, edge-triggered events.
package hotkeys

import (
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.design/x/hotkey"
)

// Action is what a hotkey means to the router.
type Action int

const (
	ToggleDictation Action = iota
	ToggleConversation
)

func (a Action) String() string {
	switch a {
	case ToggleDictation:
		return "toggle_dictation"
	case ToggleConversation:
		return "toggle_conversation"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Event is one accepted (post-debounce) hotkey press.
type Event struct {
	Action Action
	At     time.Time
}

// Binding ties an action to a key combination.
type Binding struct {
	Action Action
	Mods   []hotkey.Modifier
	Key    hotkey.Key
}

// DefaultBindings are F2 for dictation and F3 for conversation.
func DefaultBindings() []Binding {
	return []Binding{
		{Action: ToggleDictation, Key: hotkey.KeyF2},
		{Action: ToggleConversation, Key: hotkey.KeyF3},
	}
}

// debounceWindow suppresses repeated OS events for the same action.
const debounceWindow = 200 * time.Millisecond

// debouncer is the pure debounce policy, kept separate so it can be tested
// without touching real hotkeys.
type debouncer struct {
	mu   sync.Mutex
	last map[Action]time.Time
}

func newDebouncer() *debouncer {
	return &debouncer{last: make(map[Action]time.Time)}
}

// allow reports whether an event for the action at the given instant passes
// the debounce window, recording it if so.
func (d *debouncer) allow(a Action, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if prev, ok := d.last[a]; ok && now.Sub(prev) < debounceWindow {
		return false
	}
	d.last[a] = now
	return true
}

// Registrar owns the process's global hotkey registrations and the event
// channel the router consumes. Registration conflicts are logged and the
// binding is dropped; the application keeps running.
type Registrar struct {
	log      *log.Logger
	events   chan Event
	debounce *debouncer

	mu    sync.Mutex
	keys  []*hotkey.Hotkey
	done  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
}

// NewRegistrar creates an empty registrar.
func NewRegistrar(logger *log.Logger) *Registrar {
	return &Registrar{
		log:      logger,
		events:   make(chan Event, 16),
		debounce: newDebouncer(),
		done:     make(chan struct{}),
	}
}

// Events is the debounced hotkey stream.
func (r *Registrar) Events() <-chan Event { return r.events }

// Register claims the binding globally. A conflict (key already grabbed by
// another application) is logged and swallowed.
func (r *Registrar) Register(b Binding) error {
	hk := hotkey.New(b.Mods, b.Key)
	if err := hk.Register(); err != nil {
		r.log.Warn("hotkey binding dropped", "action", b.Action, "err", err)
		return nil
	}

	r.mu.Lock()
	r.keys = append(r.keys, hk)
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-r.done:
				return
			case <-hk.Keydown():
				r.deliver(b.Action, time.Now())
			}
		}
	}()
	return nil
}

// RegisterAll registers every binding, dropping conflicting ones.
func (r *Registrar) RegisterAll(bindings []Binding) {
	for _, b := range bindings {
		_ = r.Register(b)
	}
}

func (r *Registrar) deliver(a Action, now time.Time) {
	if !r.debounce.allow(a, now) {
		return
	}
	select {
	case r.events <- Event{Action: a, At: now}:
	default:
		// The router is wedged; dropping a hotkey beats blocking the OS hook.
		r.log.Warn("hotkey event dropped, router not consuming")
	}
}

// Close unregisters everything. Idempotent.
func (r *Registrar) Close() {
	r.once.Do(func() {
		close(r.done)
		r.mu.Lock()
		keys := r.keys
		r.keys = nil
		r.mu.Unlock()
		for _, hk := range keys {
			_ = hk.Unregister()
		}
		r.wg.Wait()
	})
}
