// Package dispatch routes decoded envelopes: category -> category handler,
// and for REQUEST envelopes command name -> command handler. Both
// registries are built once at startup and sealed before traffic flows.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/relaycore-project/relaycore/internal/protocol"
)

var (
	// ErrUnknownCategory is wrapped by DispatchError for unregistered categories.
	ErrUnknownCategory = errors.New("unknown category")

	// ErrUnknownCommand is wrapped by DispatchError for unregistered commands.
	ErrUnknownCommand = errors.New("unknown command")
)

// Inbound is one received envelope together with where and when it came
// from. Handlers get everything they need from it; there is no ambient
// "current game" or "current user" state.
type Inbound struct {
	Envelope   protocol.Envelope
	From       netip.AddrPort
	ReceivedAt time.Time

	// Username is the sender identity, filled from Envelope.Sender.
	Username string
}

// NewInbound wraps a received envelope.
func NewInbound(env protocol.Envelope, from netip.AddrPort, receivedAt time.Time) *Inbound {
	return &Inbound{
		Envelope:   env,
		From:       from,
		ReceivedAt: receivedAt,
		Username:   env.Sender,
	}
}

// DispatchError reports an envelope no handler was registered for.
type DispatchError struct {
	Category string
	Command  string
	Err      error
}

func (e *DispatchError) Error() string {
	if e.Command != "" {
		return fmt.Sprintf("dispatch %s/%s: %v", e.Category, e.Command, e.Err)
	}
	return fmt.Sprintf("dispatch %s: %v", e.Category, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

// HandlerFault is a handler that panicked. The message counts as handled.
type HandlerFault struct {
	Category string
	Command  string
	Panic    any
	Stack    []byte
}

func (f *HandlerFault) Error() string {
	if f.Command != "" {
		return fmt.Sprintf("handler %s/%s panicked: %v", f.Category, f.Command, f.Panic)
	}
	return fmt.Sprintf("handler %s panicked: %v", f.Category, f.Panic)
}

// HandlerFunc handles one inbound envelope.
type HandlerFunc func(ctx context.Context, in *Inbound) error

// Registry maps a normalized category to its handler.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	sealed   bool
}

// NewRegistry creates an empty, unsealed registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

// Register binds a category to a handler. Registering after Seal, or
// registering the same category twice, is a programming error and panics.
func (r *Registry) Register(category string, handler HandlerFunc) {
	register(&r.mu, &r.sealed, r.handlers, "category", category, handler)
}

// Seal closes the registry to further registration.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Categories lists the registered categories in order.
func (r *Registry) Categories() []string {
	return names(&r.mu, r.handlers)
}

// Dispatch runs the handler for in's category. An unknown category yields a
// *DispatchError; a panicking handler yields a *HandlerFault.
func (r *Registry) Dispatch(ctx context.Context, in *Inbound) error {
	category := in.Envelope.NormalizedCategory()

	r.mu.RLock()
	handler, ok := r.handlers[category]
	r.mu.RUnlock()
	if !ok {
		return &DispatchError{Category: category, Err: ErrUnknownCategory}
	}
	return invoke(ctx, handler, in, category, "")
}

// CommandRegistry maps a normalized REQUEST command name to its handler.
type CommandRegistry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	sealed   bool
}

// NewCommandRegistry creates an empty, unsealed command registry.
func NewCommandRegistry() *CommandRegistry {
	return &CommandRegistry{handlers: make(map[string]HandlerFunc)}
}

// Register binds a command name to a handler. Same rules as Registry.Register.
func (r *CommandRegistry) Register(command string, handler HandlerFunc) {
	register(&r.mu, &r.sealed, r.handlers, "command", command, handler)
}

// Seal closes the registry to further registration.
func (r *CommandRegistry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Commands lists the registered command names in order.
func (r *CommandRegistry) Commands() []string {
	return names(&r.mu, r.handlers)
}

// Dispatch runs the handler registered for command.
func (r *CommandRegistry) Dispatch(ctx context.Context, command string, in *Inbound) error {
	command = protocol.NormalizeName(command)

	r.mu.RLock()
	handler, ok := r.handlers[command]
	r.mu.RUnlock()
	if !ok {
		return &DispatchError{Category: protocol.CategoryRequest, Command: command, Err: ErrUnknownCommand}
	}
	return invoke(ctx, handler, in, protocol.CategoryRequest, command)
}

func register(mu *sync.RWMutex, sealed *bool, handlers map[string]HandlerFunc, kind, name string, handler HandlerFunc) {
	name = protocol.NormalizeName(name)
	if name == "" || handler == nil {
		panic(fmt.Sprintf("dispatch: invalid %s registration %q", kind, name))
	}

	mu.Lock()
	defer mu.Unlock()

	if *sealed {
		panic(fmt.Sprintf("dispatch: %s %q registered after seal", kind, name))
	}
	if _, dup := handlers[name]; dup {
		panic(fmt.Sprintf("dispatch: %s %q registered twice", kind, name))
	}
	handlers[name] = handler
}

func names(mu *sync.RWMutex, handlers map[string]HandlerFunc) []string {
	mu.RLock()
	out := make([]string, 0, len(handlers))
	for name := range handlers {
		out = append(out, name)
	}
	mu.RUnlock()
	sort.Strings(out)
	return out
}

func invoke(ctx context.Context, handler HandlerFunc, in *Inbound, category, command string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &HandlerFault{
				Category: category,
				Command:  command,
				Panic:    r,
				Stack:    debug.Stack(),
			}
		}
	}()
	return handler(ctx, in)
}
