package server

import (
	"sort"

	"github.com/pkg/errors"

	"ws-rpc/message"
	"ws-rpc/middleware"
)

var (
	ErrDuplicateRegistration = errors.New("duplicate registration")
	ErrUnknownTarget         = errors.New("unknown target")
	ErrInvalidHandler        = errors.New("invalid handler")
)

// HandlerFunc answers one call. The connection the call arrived on is available through
// ContextFrom(ctx).
type HandlerFunc = middleware.HandlerFunc

/*
Router collects targets and handlers during startup wiring. Every registration is validated
immediately, so a misconfigured server fails before it accepts its first connection. Build turns
the router into the immutable DispatchTable the server dispatches with.
*/
type Router struct {
	targets     map[string]struct{}
	handlers    map[string]HandlerFunc
	middlewares []middleware.Middleware
}

func NewRouter() *Router {
	return &Router{
		targets:  map[string]struct{}{},
		handlers: map[string]HandlerFunc{},
	}
}

// RegisterTarget declares a handler group. Registering the same target twice is an error.
func (r *Router) RegisterTarget(name string) error {
	if name == "" {
		return errors.Wrap(ErrInvalidHandler, "target name is empty")
	}
	if _, exists := r.targets[name]; exists {
		return errors.Wrapf(ErrDuplicateRegistration, "target %s", name)
	}
	r.targets[name] = struct{}{}
	return nil
}

// RegisterHandler binds fn to target#msg. The target must have been registered.
func (r *Router) RegisterHandler(target, msg string, fn HandlerFunc) error {
	if msg == "" {
		return errors.Wrapf(ErrInvalidHandler, "message name is empty for target %s", target)
	}
	if fn == nil {
		return errors.Wrapf(ErrInvalidHandler, "nil handler for %s", message.Key(target, msg))
	}
	if _, ok := r.targets[target]; !ok {
		return errors.Wrapf(ErrUnknownTarget, "target %s", target)
	}
	key := message.Key(target, msg)
	if _, exists := r.handlers[key]; exists {
		return errors.Wrapf(ErrDuplicateRegistration, "handler %s", key)
	}
	r.handlers[key] = fn
	return nil
}

// Register registers rcvr as target name and each of its On<Message> methods as a handler.
// Nothing is registered when any method has an invalid signature.
func (r *Router) Register(name string, rcvr any) error {
	svc, err := newService(name, rcvr)
	if err != nil {
		return err
	}
	if err := r.RegisterTarget(name); err != nil {
		return err
	}
	for msg, mt := range svc.method {
		if err := r.RegisterHandler(name, msg, svc.handler(mt)); err != nil {
			return err
		}
	}
	return nil
}

// Use adds middlewares, applied in the order they are added, around every handler.
func (r *Router) Use(mws ...middleware.Middleware) {
	r.middlewares = append(r.middlewares, mws...)
}

// Build freezes the router. Later registrations on the router do not affect the returned table.
func (r *Router) Build() *DispatchTable {
	chain := middleware.Chain(r.middlewares...)
	handlers := make(map[string]HandlerFunc, len(r.handlers))
	for key, fn := range r.handlers {
		handlers[key] = chain(fn)
	}
	return &DispatchTable{handlers: handlers}
}

// DispatchTable maps target#message to handlers. It is read-only and safe for concurrent lookups.
type DispatchTable struct {
	handlers map[string]HandlerFunc
}

func (t *DispatchTable) Lookup(target, msg string) (HandlerFunc, bool) {
	fn, ok := t.handlers[message.Key(target, msg)]
	return fn, ok
}

func (t *DispatchTable) Len() int {
	return len(t.handlers)
}

// Keys returns the registered target#message keys, sorted.
func (t *DispatchTable) Keys() []string {
	keys := make([]string, 0, len(t.handlers))
	for key := range t.handlers {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
