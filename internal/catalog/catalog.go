// Package catalog normalizes MCP tool definitions and converts them to the
// function-call schema consumed by models without native MCP support. It
// also records each exposed function's origin so tool calls can be routed
// back to the correct server session.
package catalog

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/rosterlabs/roster/internal/toolserver"
)

// FunctionSchema is the OpenAI-style function declaration handed to
// function-call models.
type FunctionSchema struct {
	Type     string      `json:"type"` // always "function"
	Function FunctionDef `json:"function"`
}

// FunctionDef is the inner function description of a FunctionSchema.
type FunctionDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

// Origin identifies where an exposed function came from.
type Origin struct {
	Server string // tool server name
	Tool   string // original (unprefixed) tool name
}

// Convert turns one MCP tool definition into a function-call schema. Names
// are prefixed "<server>__<tool>" so tools from different servers cannot
// collide; the original name stays available through the catalog's origin
// map.
func Convert(server string, t toolserver.ToolInfo) FunctionSchema {
	params := t.InputSchema
	if len(params) == 0 {
		params = json.RawMessage(`{"type":"object","properties":{}}`)
	}
	return FunctionSchema{
		Type: "function",
		Function: FunctionDef{
			Name:        PrefixName(server, t.Name),
			Description: t.Description,
			Parameters:  params,
		},
	}
}

// PrefixName builds the exposed function name for a server's tool.
func PrefixName(server, tool string) string {
	return server + "__" + tool
}

// SplitName undoes PrefixName. ok is false when name carries no prefix.
func SplitName(name string) (server, tool string, ok bool) {
	return strings.Cut(name, "__")
}

// Catalog is the per-agent view of wrapped tools: schemas in registration
// order plus the origin map for dispatch. Safe for concurrent use.
type Catalog struct {
	mu      sync.RWMutex
	order   []string
	origins map[string]Origin
	schemas map[string]FunctionSchema
}

// New creates an empty catalog.
func New() *Catalog {
	return &Catalog{
		origins: make(map[string]Origin),
		schemas: make(map[string]FunctionSchema),
	}
}

// AddServer registers every tool of a server. Re-adding a server replaces
// its previous entries.
func (c *Catalog) AddServer(server string, tools []toolserver.ToolInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Drop stale entries from a previous registration of this server.
	kept := c.order[:0]
	for _, name := range c.order {
		if c.origins[name].Server == server {
			delete(c.origins, name)
			delete(c.schemas, name)
			continue
		}
		kept = append(kept, name)
	}
	c.order = kept

	for _, t := range tools {
		name := PrefixName(server, t.Name)
		if _, exists := c.origins[name]; !exists {
			c.order = append(c.order, name)
		}
		c.origins[name] = Origin{Server: server, Tool: t.Name}
		c.schemas[name] = Convert(server, t)
	}
}

// Schemas returns all function schemas in registration order.
func (c *Catalog) Schemas() []FunctionSchema {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]FunctionSchema, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.schemas[name])
	}
	return out
}

// Resolve maps an exposed function name back to its origin.
func (c *Catalog) Resolve(name string) (Origin, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	o, ok := c.origins[name]
	return o, ok
}

// Len returns the number of exposed functions.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.order)
}
