package server

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Mafzii/mcp-filter/proxy"
)

// Diagnostic kinds.
const (
	DiagCollision = "collision"
	DiagDegraded  = "degraded"
	DiagMissing   = "missing"
)

// ToolDescriptor is one tool offered by a backend. Everything beyond the
// name is kept as the backend sent it.
type ToolDescriptor struct {
	Name        string
	Description string
	Owner       string
	raw         json.RawMessage
}

// Raw returns the descriptor exactly as the backend listed it.
func (t ToolDescriptor) Raw() json.RawMessage {
	return t.raw
}

func (t ToolDescriptor) MarshalJSON() ([]byte, error) {
	if len(t.raw) > 0 {
		return t.raw, nil
	}
	return json.Marshal(struct {
		Name        string `json:"name"`
		Description string `json:"description,omitempty"`
	}{t.Name, t.Description})
}

// Diagnostic records something the catalog build wants an operator to see.
type Diagnostic struct {
	Kind     string `json:"kind"`
	Tool     string `json:"tool,omitempty"`
	Backend  string `json:"backend"`
	Shadowed string `json:"shadowed,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

func (d Diagnostic) String() string {
	switch d.Kind {
	case DiagCollision:
		return fmt.Sprintf("tool %s offered by %s is shadowed by %s", d.Tool, d.Shadowed, d.Backend)
	case DiagMissing:
		return fmt.Sprintf("allowed tool %s is not offered by %s", d.Tool, d.Backend)
	default:
		return fmt.Sprintf("backend %s degraded: %s", d.Backend, d.Detail)
	}
}

// ToolCatalog is the filtered union of every Ready backend's tools plus the
// route table derived from it. It is read-only once built.
type ToolCatalog struct {
	tools  []ToolDescriptor
	routes map[string]*BackendConnection
}

// CatalogResult is the outcome of BuildCatalog.
type CatalogResult struct {
	Catalog     *ToolCatalog
	Diagnostics []Diagnostic
	Degraded    []string
}

// BuildCatalog lists tools from each Ready connection in registration order,
// keeps the ones its allow-list admits and resolves name collisions in favour
// of the earliest backend. A backend whose listing fails or yields nothing
// allowed is reported as degraded; the others are unaffected.
func BuildCatalog(ctx context.Context, conns []*BackendConnection, allow map[string]proxy.ToolSet, logger *proxy.Logger) CatalogResult {
	result := CatalogResult{
		Catalog: &ToolCatalog{routes: make(map[string]*BackendConnection)},
	}
	catalog := result.Catalog

	degrade := func(conn *BackendConnection, detail string) {
		logger.Warn("backend %s degraded: %s", conn.Name(), detail)
		result.Degraded = append(result.Degraded, conn.Name())
		result.Diagnostics = append(result.Diagnostics, Diagnostic{Kind: DiagDegraded, Backend: conn.Name(), Detail: detail})
	}

	for _, conn := range conns {
		if conn.State() != StateReady {
			continue
		}
		set := allow[conn.Name()]

		tools, err := conn.ListTools(ctx)
		if err != nil {
			degrade(conn, fmt.Sprintf("tools/list failed: %v", err))
			continue
		}

		offered := make(map[string]bool, len(tools))
		kept := 0
		for _, tool := range tools {
			offered[tool.Name] = true
			if !set.Allows(tool.Name) {
				continue
			}
			if owner, taken := catalog.routes[tool.Name]; taken {
				diag := Diagnostic{Kind: DiagCollision, Tool: tool.Name, Backend: owner.Name(), Shadowed: conn.Name()}
				logger.Warn("%s", diag)
				result.Diagnostics = append(result.Diagnostics, diag)
				continue
			}
			catalog.routes[tool.Name] = conn
			catalog.tools = append(catalog.tools, tool)
			kept++
		}

		for _, name := range set.Names() {
			if !offered[name] {
				diag := Diagnostic{Kind: DiagMissing, Tool: name, Backend: conn.Name()}
				logger.Info("%s", diag)
				result.Diagnostics = append(result.Diagnostics, diag)
			}
		}

		if kept == 0 {
			degrade(conn, "no allowed tools offered")
			continue
		}
		logger.Debug("backend %s contributes %d of %d tools", conn.Name(), kept, len(tools))
	}

	return result
}

// Lookup returns the backend that owns name.
func (c *ToolCatalog) Lookup(name string) (*BackendConnection, bool) {
	conn, ok := c.routes[name]
	return conn, ok
}

// Snapshot lists the catalog in registration order, leaving out tools whose
// owner is no longer Ready.
func (c *ToolCatalog) Snapshot() []ToolDescriptor {
	out := make([]ToolDescriptor, 0, len(c.tools))
	for _, tool := range c.tools {
		if c.routes[tool.Name].State() == StateReady {
			out = append(out, tool)
		}
	}
	return out
}

// Len is the number of tools in the catalog, regardless of backend state.
func (c *ToolCatalog) Len() int {
	return len(c.tools)
}

// Owners maps each tool name to its backend name.
func (c *ToolCatalog) Owners() map[string]string {
	out := make(map[string]string, len(c.routes))
	for name, conn := range c.routes {
		out[name] = conn.Name()
	}
	return out
}
