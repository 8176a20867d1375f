package postgres

import (
	"fmt"
	"strconv"
	"strings"

	"linkage/internal/pipeline"
	"linkage/internal/storage"
)

// Dialect renders Postgres statements.
type Dialect struct{}

func (Dialect) Name() string { return "postgres" }

func (Dialect) CreateTableAsSQL(table string, p *pipeline.Pipeline) string {
	return "CREATE TABLE " + table + " AS\n" + p.SelectSQL()
}

func (Dialect) DropTableSQL(table string) string { return "DROP TABLE IF EXISTS " + table }

func (Dialect) CreateTableSQL(t storage.TableSpec) (string, error) {
	schemaSQL, ddl, err := buildCreateSQL(t)
	if err != nil {
		return "", err
	}
	if schemaSQL != "" {
		return schemaSQL + "\n" + ddl, nil
	}
	return ddl, nil
}

// InsertSQL renders placeholders only; Executor.InsertRows uses buildInsertSQL.
func (Dialect) InsertSQL(table string, columns []string, rows int) string {
	dummy := make([][]any, rows)
	for i := range dummy {
		dummy[i] = make([]any, len(columns))
	}
	q, _, _ := buildInsertSQL(table, columns, dummy)
	return q
}

// SampleSQL uses Bernoulli TABLESAMPLE, so Proportion drives the sample and
// Size is ignored. A seed maps to REPEATABLE.
func (Dialect) SampleSQL(table string, s storage.SampleSpec) string {
	pct := strconv.FormatFloat(s.Proportion*100, 'f', -1, 64)
	q := fmt.Sprintf("SELECT * FROM %s TABLESAMPLE BERNOULLI (%s)", table, pct)
	if s.Seed != nil {
		q += fmt.Sprintf(" REPEATABLE (%d)", *s.Seed)
	}
	return q
}

func (Dialect) RandomIntExpr(n int) string {
	return "floor(random() * " + strconv.Itoa(n) + ")::int"
}

// IDOrderSQL matches canonical integers with a regular expression before
// casting, and orders text under the "C" collation.
func (Dialect) IDOrderSQL(expr string) string {
	t := "btrim(CAST(" + expr + " AS text))"
	isInt := fmt.Sprintf("%s ~ '^(0|-?[1-9][0-9]{0,%d})$'", t, storage.MaxIDDigits-1)
	return fmt.Sprintf(`CASE WHEN %s THEN 0 ELSE 1 END, CASE WHEN %s THEN CAST(%s AS bigint) END, %s COLLATE "C"`,
		isInt, isInt, t, t)
}

func pgIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

func splitQualifiedName(name string) (schema string, table string) {
	name = strings.TrimSpace(name)
	parts := strings.Split(name, ".")
	if len(parts) != 2 {
		return "", name
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
}

func columnType(t string) string {
	switch strings.ToLower(strings.TrimSpace(t)) {
	case "", "text", "string", "varchar":
		return "text"
	case "integer", "int", "bigint":
		return "bigint"
	case "float", "double", "real":
		return "double precision"
	default:
		return t
	}
}

// buildCreateSQL builds DDL for the input table. If the table is
// schema-qualified (e.g. "staging.people"), schemaSQL ensures the schema exists.
func buildCreateSQL(t storage.TableSpec) (schemaSQL, tableSQL string, err error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", "", fmt.Errorf("table name is empty")
	}
	if len(t.Columns) == 0 {
		return "", "", fmt.Errorf("%s: no columns", t.Name)
	}
	if schema, _ := splitQualifiedName(t.Name); schema != "" {
		schemaSQL = fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s;`, pgIdent(schema))
	}

	cols := make([]string, 0, len(t.Columns))
	seen := map[string]bool{}
	for _, c := range t.Columns {
		n := strings.ToLower(strings.TrimSpace(c.Name))
		if n == "" {
			return "", "", fmt.Errorf("%s: column with empty name", t.Name)
		}
		if seen[n] {
			return "", "", fmt.Errorf("%s: duplicate column %s", t.Name, c.Name)
		}
		seen[n] = true
		def := pgIdent(c.Name) + " " + columnType(c.Type)
		if !c.IsNullable() {
			def += " NOT NULL"
		}
		cols = append(cols, def)
	}

	tableSQL = fmt.Sprintf("CREATE TABLE %s (\n  %s\n);", t.Name, strings.Join(cols, ",\n  "))
	return schemaSQL, tableSQL, nil
}
