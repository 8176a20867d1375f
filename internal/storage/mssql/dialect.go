package mssql

import (
	"fmt"
	"strconv"
	"strings"

	"linkage/internal/pipeline"
	"linkage/internal/storage"
)

// Dialect renders T-SQL.
type Dialect struct{}

func (Dialect) Name() string { return "mssql" }

// CreateTableAsSQL renders "WITH ... SELECT * INTO table FROM output".
func (Dialect) CreateTableAsSQL(table string, p *pipeline.Pipeline) string {
	return p.WithClause() + "\nSELECT * INTO " + table + " FROM " + p.OutputName()
}

func (Dialect) DropTableSQL(table string) string { return "DROP TABLE IF EXISTS " + table }

func (Dialect) CreateTableSQL(t storage.TableSpec) (string, error) {
	return buildCreateTableSQL(t)
}

func (Dialect) InsertSQL(table string, columns []string, rows int) string {
	return buildInsertSQL(table, columns, rows)
}

// SampleSQL draws s.Size rows with TOP. NEWID() cannot be seeded; seeded samples
// order by RAND over a per-row checksum, which is deterministic for a fixed seed.
func (Dialect) SampleSQL(table string, s storage.SampleSpec) string {
	if s.Seed == nil {
		return fmt.Sprintf("SELECT TOP (%d) * FROM %s ORDER BY NEWID()", s.Size, table)
	}
	return fmt.Sprintf(
		"SELECT TOP (%d) * FROM %s ORDER BY RAND(CAST(CHECKSUM(*) AS BIGINT) + %d)",
		s.Size, table, *s.Seed,
	)
}

func (Dialect) RandomIntExpr(n int) string {
	return "(ABS(CHECKSUM(NEWID())) % " + strconv.Itoa(n) + ")"
}

// IDOrderSQL round-trips through TRY_CAST to detect canonical integers and
// orders text with a BIN2 collation (code point order).
func (Dialect) IDOrderSQL(expr string) string {
	t := "LTRIM(RTRIM(CAST(" + expr + " AS NVARCHAR(4000))))"
	isInt := fmt.Sprintf("(CAST(TRY_CAST(%s AS BIGINT) AS NVARCHAR(40)) = %s AND LEN(%s) - CASE WHEN LEFT(%s, 1) = N'-' THEN 1 ELSE 0 END <= %d)",
		t, t, t, t, storage.MaxIDDigits)
	return fmt.Sprintf("CASE WHEN %s THEN 0 ELSE 1 END, CASE WHEN %s THEN TRY_CAST(%s AS BIGINT) END, %s COLLATE Latin1_General_100_BIN2",
		isInt, isInt, t, t)
}

func mssqlIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// mssqlTableIdent returns a bracket-quoted identifier for schema-qualified names.
//
// Example:
//
//	"dbo.people" -> [dbo].[people]
func mssqlTableIdent(name string) string {
	parts := strings.Split(name, ".")
	for i := range parts {
		parts[i] = mssqlIdent(strings.TrimSpace(parts[i]))
	}
	return strings.Join(parts, ".")
}

// mssqlColumnDef builds a SQL Server column definition from storage.ColumnSpec.
//
// Portable types map to NVARCHAR(4000), BIGINT and FLOAT; anything else is
// used verbatim.
func mssqlColumnDef(c storage.ColumnSpec) (string, error) {
	if strings.TrimSpace(c.Name) == "" {
		return "", fmt.Errorf("mssql: column name is empty")
	}

	var typ string
	switch strings.ToLower(strings.TrimSpace(c.Type)) {
	case "", "text", "string", "varchar":
		typ = "NVARCHAR(4000)"
	case "integer", "int", "bigint":
		typ = "BIGINT"
	case "float", "double", "real":
		typ = "FLOAT"
	default:
		typ = c.Type
	}

	def := mssqlIdent(c.Name) + " " + typ
	if !c.IsNullable() {
		def += " NOT NULL"
	}
	return def, nil
}

func buildCreateTableSQL(t storage.TableSpec) (string, error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", fmt.Errorf("mssql: table name is empty")
	}
	if len(t.Columns) == 0 {
		return "", fmt.Errorf("mssql: %s: no columns", t.Name)
	}
	defs := make([]string, 0, len(t.Columns))
	seen := map[string]bool{}
	for _, c := range t.Columns {
		n := strings.ToLower(strings.TrimSpace(c.Name))
		if seen[n] {
			return "", fmt.Errorf("mssql: %s: duplicate column %s", t.Name, c.Name)
		}
		seen[n] = true
		d, err := mssqlColumnDef(c)
		if err != nil {
			return "", err
		}
		defs = append(defs, d)
	}
	return fmt.Sprintf("CREATE TABLE %s (%s);", mssqlTableIdent(t.Name), strings.Join(defs, ", ")), nil
}

// buildInsertSQL renders a multi-row insert with @pN placeholders.
func buildInsertSQL(table string, columns []string, rows int) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(mssqlTableIdent(table))
	b.WriteString(" (")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(mssqlIdent(c))
	}
	b.WriteString(") VALUES ")

	p := 1
	for i := 0; i < rows; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "@p%d", p)
			p++
		}
		b.WriteString(")")
	}
	return b.String()
}
