package server

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/Mafzii/mcp-filter/proxy"
)

// maxParallelStarts bounds how many backends launch and handshake at once.
const maxParallelStarts = 8

// BackendManager owns every backend connection for one proxy run. Connections
// live in registration order; the catalog is built once from them.
type BackendManager struct {
	registry *proxy.ServerRegistry
	launcher proxy.Launcher
	logger   *proxy.Logger
	opts     ConnectionOptions
	store    *AuditStore

	connections []*BackendConnection
	byName      map[string]*BackendConnection
	result      CatalogResult

	shutdownOnce sync.Once
}

// BackendStatus summarizes one connection for listings.
type BackendStatus struct {
	Name  string       `json:"name"`
	State BackendState `json:"-"`
	Tools int          `json:"tools"`
}

func NewBackendManager(registry *proxy.ServerRegistry, launcher proxy.Launcher, logger *proxy.Logger, opts ConnectionOptions) *BackendManager {
	return &BackendManager{
		registry: registry,
		launcher: launcher,
		logger:   logger,
		opts:     opts,
		byName:   make(map[string]*BackendConnection),
	}
}

// SetStore attaches an audit store that receives catalog diagnostics.
func (bm *BackendManager) SetStore(store *AuditStore) {
	bm.store = store
}

// Initialize starts every backend that has a non-empty allow-list, handshakes
// with them concurrently and builds the catalog. Individual backend failures
// are logged and leave that backend out; only context cancellation is an error.
func (bm *BackendManager) Initialize(ctx context.Context) (*ToolCatalog, error) {
	for _, entry := range bm.registry.Servers {
		if len(entry.AllowedTools) == 0 {
			bm.logger.Info("skipping %s: no allowed tools", entry.Name)
			continue
		}
		conn := NewBackendConnection(entry, bm.launcher, bm.logger, bm.opts)
		bm.connections = append(bm.connections, conn)
		bm.byName[entry.Name] = conn
	}

	var g errgroup.Group
	g.SetLimit(maxParallelStarts)
	for _, conn := range bm.connections {
		g.Go(func() error {
			bm.startBackend(ctx, conn)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	bm.result = BuildCatalog(ctx, bm.connections, bm.registry.AllowLists(), bm.logger)
	for _, diag := range bm.result.Diagnostics {
		bm.opts.Trace.Add(proxy.TraceEvent{Stage: proxy.StageCatalog, Backend: diag.Backend, Tool: diag.Tool, Detail: diag.String()})
		if bm.store != nil {
			if err := bm.store.RecordDiagnostic(diag); err != nil {
				bm.logger.Warn("failed to record diagnostic: %v", err)
			}
		}
	}

	ready := 0
	for _, conn := range bm.connections {
		if conn.State() == StateReady {
			ready++
		}
	}
	bm.logger.Info("catalog ready: %d tools from %d of %d backends", bm.result.Catalog.Len(), ready, len(bm.connections))

	return bm.result.Catalog, nil
}

func (bm *BackendManager) startBackend(ctx context.Context, conn *BackendConnection) {
	// both steps log their own failures
	if err := conn.Start(ctx); err != nil {
		return
	}
	_ = conn.Handshake(ctx)
}

// Catalog returns the catalog built by Initialize.
func (bm *BackendManager) Catalog() *ToolCatalog {
	return bm.result.Catalog
}

// Diagnostics returns what the catalog build reported.
func (bm *BackendManager) Diagnostics() []Diagnostic {
	return bm.result.Diagnostics
}

func (bm *BackendManager) Connections() []*BackendConnection {
	return bm.connections
}

func (bm *BackendManager) Get(name string) (*BackendConnection, bool) {
	conn, ok := bm.byName[name]
	return conn, ok
}

// DefaultBackend is the first Ready connection in registration order that
// the catalog did not mark degraded. When every Ready connection is
// degraded the first of them is used.
func (bm *BackendManager) DefaultBackend() *BackendConnection {
	degraded := make(map[string]bool, len(bm.result.Degraded))
	for _, name := range bm.result.Degraded {
		degraded[name] = true
	}

	var fallback *BackendConnection
	for _, conn := range bm.connections {
		if conn.State() != StateReady {
			continue
		}
		if !degraded[conn.Name()] {
			return conn
		}
		if fallback == nil {
			fallback = conn
		}
	}
	return fallback
}

// Status reports each connection with the number of catalog tools it owns.
func (bm *BackendManager) Status() []BackendStatus {
	counts := make(map[string]int)
	if bm.result.Catalog != nil {
		for _, owner := range bm.result.Catalog.Owners() {
			counts[owner]++
		}
	}

	out := make([]BackendStatus, 0, len(bm.connections))
	for _, conn := range bm.connections {
		out = append(out, BackendStatus{Name: conn.Name(), State: conn.State(), Tools: counts[conn.Name()]})
	}
	return out
}

// Shutdown terminates every backend concurrently and waits for them.
func (bm *BackendManager) Shutdown() {
	bm.shutdownOnce.Do(func() {
		var g errgroup.Group
		for _, conn := range bm.connections {
			g.Go(func() error {
				conn.Terminate()
				return nil
			})
		}
		_ = g.Wait()
		bm.logger.Debug("all backends stopped")
	})
}
