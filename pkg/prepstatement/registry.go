package prepstatement

import "sync"

// Registry is the per-client prepared statement view: client names
// mapped to definitions. Close from the client only removes the
// registration; server-side statements are reclaimed by LRU eviction.
type Registry struct {
	mu    sync.Mutex
	stmts map[string]*PreparedStatementDefinition
}

var _ PreparedStatementMapper = &Registry{}

func NewRegistry() *Registry {
	return &Registry{
		stmts: map[string]*PreparedStatementDefinition{},
	}
}

func (r *Registry) StorePreparedStatement(d *PreparedStatementDefinition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stmts[d.Name] = d
}

func (r *Registry) PreparedStatementDefinitionByName(name string) *PreparedStatementDefinition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stmts[name]
}

func (r *Registry) PreparedStatementQueryByName(name string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.stmts[name]; ok {
		return d.Query
	}
	return ""
}

func (r *Registry) ForgetPreparedStatement(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.stmts, name)
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.stmts)
}

func (r *Registry) List() []*PreparedStatementDefinition {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*PreparedStatementDefinition, 0, len(r.stmts))
	for _, d := range r.stmts {
		out = append(out, d)
	}
	return out
}
