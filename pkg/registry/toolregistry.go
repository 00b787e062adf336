package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/hanzoai/mcp/pkg/tool"
)

// ToolRegistry composes built-in toolsets, downstream proxies, and plugin
// tools at startup. A duplicate tool name is a startup error naming the
// collision. Seal freezes the table; the dispatcher only ever sees a sealed
// registry, so resolution needs no further synchronization.
type ToolRegistry struct {
	base *BaseRegistry[tool.Handler]

	mu     sync.Mutex
	sealed bool

	// descriptors is the sorted snapshot frozen at seal time.
	descriptors []tool.Descriptor
}

// NewToolRegistry creates an empty, unsealed registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		base: NewBaseRegistry[tool.Handler](),
	}
}

// Register adds a handler under its descriptor name. Registration after
// Seal is an error; so is a name collision.
func (r *ToolRegistry) Register(h tool.Handler) error {
	if h == nil {
		return fmt.Errorf("cannot register a nil handler")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return fmt.Errorf("registry is sealed")
	}

	desc := h.Descriptor()
	if err := r.base.Register(desc.Name, h); err != nil {
		return fmt.Errorf("tool %q: %w", desc.Name, err)
	}
	return nil
}

// RegisterAll registers handlers in order, stopping at the first error.
func (r *ToolRegistry) RegisterAll(handlers ...tool.Handler) error {
	for _, h := range handlers {
		if err := r.Register(h); err != nil {
			return err
		}
	}
	return nil
}

// Seal freezes the registry and materializes the sorted descriptor
// snapshot. Sealing twice is an error.
func (r *ToolRegistry) Seal() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return fmt.Errorf("registry is already sealed")
	}
	r.sealed = true

	names := r.base.Names()
	sort.Strings(names)

	r.descriptors = make([]tool.Descriptor, 0, len(names))
	for _, name := range names {
		h, _ := r.base.Get(name)
		r.descriptors = append(r.descriptors, h.Descriptor())
	}
	return nil
}

// Sealed reports whether the registry is frozen.
func (r *ToolRegistry) Sealed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sealed
}

// Resolve returns the handler registered under name.
func (r *ToolRegistry) Resolve(name string) (tool.Handler, bool) {
	return r.base.Get(name)
}

// List returns the descriptor snapshot sorted by name. Before Seal it
// returns nil.
func (r *ToolRegistry) List() []tool.Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.sealed {
		return nil
	}
	out := make([]tool.Descriptor, len(r.descriptors))
	copy(out, r.descriptors)
	return out
}

// Len returns the number of registered tools.
func (r *ToolRegistry) Len() int {
	return r.base.Count()
}
