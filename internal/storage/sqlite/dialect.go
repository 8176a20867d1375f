package sqlite

import (
	"fmt"
	"strconv"
	"strings"

	"linkage/internal/pipeline"
	"linkage/internal/storage"
)

// Dialect renders SQLite statements.
type Dialect struct{}

func (Dialect) Name() string { return "sqlite" }

// CreateTableAsSQL relies on SQLite accepting a WITH clause inside CREATE TABLE AS.
func (Dialect) CreateTableAsSQL(table string, p *pipeline.Pipeline) string {
	return "CREATE TABLE " + table + " AS\n" + p.SelectSQL()
}

func (Dialect) DropTableSQL(table string) string {
	return "DROP TABLE IF EXISTS " + table
}

func (Dialect) CreateTableSQL(t storage.TableSpec) (string, error) {
	return buildCreateTableSQL(t)
}

func (Dialect) InsertSQL(table string, columns []string, rows int) string {
	return buildInsertSQL(table, columns, rows)
}

// SampleSQL draws a uniform sample of s.Size rows.
//
// Unseeded samples order by random(). SQLite's random() cannot be seeded, so a
// seeded sample orders by a hash of rowid XOR a mask derived from the seed;
// table must therefore be a physical table, not a CTE name. SQLite has no XOR
// operator, so a ^ b is spelled (a | b) - (a & b). Every intermediate stays
// below 2^63.
func (Dialect) SampleSQL(table string, s storage.SampleSpec) string {
	if s.Seed == nil {
		return fmt.Sprintf("SELECT * FROM %s ORDER BY random() LIMIT %d", table, s.Size)
	}
	mask := seedMask(*s.Seed)
	h := "((rowid * 2654435761) % 4294967296)"
	h = fmt.Sprintf("(((%s | %d) - (%s & %d)) * 1597334677 %% 4294967296)", h, mask, h, mask)
	h = fmt.Sprintf("((%s | (%s >> 16)) - (%s & (%s >> 16)))", h, h, h, h)
	return fmt.Sprintf("SELECT * FROM %s ORDER BY %s, rowid LIMIT %d", table, h, s.Size)
}

// seedMask spreads a seed over 32 bits (murmur3 finalizer), so neighbouring
// seeds give unrelated masks.
func seedMask(seed int64) uint32 {
	x := uint32(seed) ^ uint32(uint64(seed)>>32)
	x ^= x >> 16
	x *= 0x85ebca6b
	x ^= x >> 13
	x *= 0xc2b2ae35
	x ^= x >> 16
	return x
}

func (Dialect) RandomIntExpr(n int) string {
	return "(abs(random()) % " + strconv.Itoa(n) + ")"
}

// IDOrderSQL detects canonical integers by a round trip through INTEGER.
// Text compares with the default BINARY collation, which is bytewise.
func (Dialect) IDOrderSQL(expr string) string {
	t := "trim(CAST(" + expr + " AS TEXT))"
	isInt := fmt.Sprintf("(CAST(CAST(%s AS INTEGER) AS TEXT) = %s AND length(ltrim(%s, '-')) <= %d)",
		t, t, t, storage.MaxIDDigits)
	return fmt.Sprintf("CASE WHEN %s THEN 0 ELSE 1 END, CASE WHEN %s THEN CAST(%s AS INTEGER) END, %s",
		isInt, isInt, t, t)
}

func sqlIdent(id string) string {
	// SQLite supports "quoted identifiers"
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

// columnType maps the portable type names onto SQLite affinities. Anything else
// is passed through.
func columnType(t string) string {
	switch strings.ToLower(strings.TrimSpace(t)) {
	case "", "text", "string", "varchar":
		return "TEXT"
	case "integer", "int", "bigint":
		return "INTEGER"
	case "float", "double", "real":
		return "REAL"
	default:
		return t
	}
}

func buildCreateTableSQL(t storage.TableSpec) (string, error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", fmt.Errorf("table name is empty")
	}
	if len(t.Columns) == 0 {
		return "", fmt.Errorf("%s: no columns", t.Name)
	}

	parts := make([]string, 0, len(t.Columns))
	seen := make(map[string]bool, len(t.Columns))
	for _, c := range t.Columns {
		n := strings.ToLower(strings.TrimSpace(c.Name))
		if n == "" {
			return "", fmt.Errorf("%s: column with empty name", t.Name)
		}
		if seen[n] {
			return "", fmt.Errorf("%s: duplicate column %s", t.Name, c.Name)
		}
		seen[n] = true

		col := fmt.Sprintf("%s %s", sqlIdent(c.Name), columnType(c.Type))
		if !c.IsNullable() {
			col += " NOT NULL"
		}
		parts = append(parts, col)
	}

	return fmt.Sprintf("CREATE TABLE %s (\n  %s\n)", t.Name, strings.Join(parts, ",\n  ")), nil
}

// buildInsertSQL renders a multi-row insert with ? placeholders.
func buildInsertSQL(table string, columns []string, rows int) string {
	colList := make([]string, 0, len(columns))
	for _, c := range columns {
		colList = append(colList, sqlIdent(c))
	}
	placeholders := "(" + strings.TrimRight(strings.Repeat("?,", len(columns)), ",") + ")"

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(table)
	b.WriteString(" (")
	b.WriteString(strings.Join(colList, ", "))
	b.WriteString(") VALUES ")
	for i := 0; i < rows; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(placeholders)
	}
	return b.String()
}
