package vm

// SymbolTable interns names to dense uint32 IDs. The same table type
// backs both symbols and keywords; a VM holds one of each so the two
// ID spaces never mix.
type SymbolTable struct {
	names []string
	ids   map[string]uint32
}

// NewSymbolTable creates an empty table.
func NewSymbolTable() *SymbolTable {
	return &SymbolTable{
		names: make([]string, 0, 64),
		ids:   make(map[string]uint32, 64),
	}
}

// Intern returns the ID for name, assigning the next free ID on first
// sight. Interning is idempotent.
func (t *SymbolTable) Intern(name string) uint32 {
	if id, ok := t.ids[name]; ok {
		return id
	}
	id := uint32(len(t.names))
	t.names = append(t.names, name)
	t.ids[name] = id
	return id
}

// Name returns the name for an ID, or "" for an unknown ID.
func (t *SymbolTable) Name(id uint32) string {
	if int(id) >= len(t.names) {
		return ""
	}
	return t.names[id]
}

// Len returns the number of interned names.
func (t *SymbolTable) Len() int {
	return len(t.names)
}
