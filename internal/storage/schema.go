// To keep the engines generic, the TableSpec types live where both the core
// and the backend packages can import them without circular deps.
package storage

// TableSpec describes an input table created through Executor.CreateTable.
type TableSpec struct {
	Name    string       `json:"name" yaml:"name" toml:"name"`
	Columns []ColumnSpec `json:"columns" yaml:"columns" toml:"columns"`
}

// ColumnSpec is one column of a TableSpec. Type is passed to the backend
// verbatim after mapping the portable names "text", "integer", "float".
type ColumnSpec struct {
	Name     string `json:"name" yaml:"name" toml:"name"`
	Type     string `json:"type" yaml:"type" toml:"type"`
	Nullable *bool  `json:"nullable,omitempty" yaml:"nullable,omitempty" toml:"nullable,omitempty"`
}

// IsNullable defaults to true.
func (c ColumnSpec) IsNullable() bool {
	if c.Nullable == nil {
		return true
	}
	return *c.Nullable
}

// ColumnNames returns the column names in order.
func (t TableSpec) ColumnNames() []string {
	out := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		out[i] = c.Name
	}
	return out
}

// RowsPerStatement returns how many rows of width columns fit into one insert
// under maxParams placeholders. It never returns less than 1.
func RowsPerStatement(columns, maxParams int) int {
	if columns <= 0 || maxParams <= 0 {
		return 1
	}
	n := maxParams / columns
	if n < 1 {
		return 1
	}
	return n
}
