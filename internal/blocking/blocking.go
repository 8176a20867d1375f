// Package blocking renders the SQL that turns input records into candidate
// record pairs and their comparison vectors.
//
// All SQL is emitted as pipeline steps over logical table names. Generated
// identifiers are lower case and unquoted; boolean expressions only appear in
// WHERE or ON clauses so the same text runs on sqlite, postgres and mssql.
package blocking

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"linkage/internal/model"
	"linkage/internal/pipeline"
	"linkage/internal/storage"
)

// Logical step names shared by the estimators and predict.
const (
	ConcatTable  = "__linkage__df_concat"
	BlockedTable = "__linkage__df_blocked"
	VectorsTable = "__linkage__df_comparison_vectors"

	// SaltColumn holds a per-record partition number for salted rules.
	SaltColumn = "__linkage_salt"

	// MatchKeyColumn records which rule produced a pair.
	MatchKeyColumn = "match_key"
)

// Rule is a blocking rule: a join condition over the aliases l and r.
// A rule with SaltingPartitions > 1 is evaluated once per salt value and the
// results unioned, which lets parallel backends split an expensive join.
type Rule struct {
	SQL               string
	SaltingPartitions int
}

// AllPairs returns the unconditional rule, salted across partitions when
// partitions > 1.
func AllPairs(partitions int) Rule {
	return Rule{SQL: "1=1", SaltingPartitions: partitions}
}

// Salted reports whether the rule needs the SaltColumn on its left input.
func (r Rule) Salted() bool { return r.SaltingPartitions > 1 }

// Rules converts plain SQL conditions to unsalted rules.
func Rules(sqls []string) []Rule {
	out := make([]Rule, 0, len(sqls))
	for _, s := range sqls {
		out = append(out, Rule{SQL: s})
	}
	return out
}

// Input is one named source table for ConcatSQL.
type Input struct {
	// SourceDataset is the value written to the source dataset column.
	SourceDataset string
	// Table is the logical or physical name to select from.
	Table string
}

// ConcatSQL unions every input under a common column list and tags each row
// with its source dataset.
func ConcatSQL(inputs []Input, sourceDatasetColumn string, columns []string) (string, error) {
	if len(inputs) == 0 {
		return "", fmt.Errorf("blocking: no inputs to concatenate")
	}
	if len(columns) == 0 {
		return "", fmt.Errorf("blocking: no columns to concatenate")
	}
	cols := strings.Join(columns, ", ")
	parts := make([]string, 0, len(inputs))
	for _, in := range inputs {
		parts = append(parts, fmt.Sprintf("select %s as %s, %s from %s",
			storage.QuoteString(in.SourceDataset), sourceDatasetColumn, cols, in.Table))
	}
	return strings.Join(parts, "\nUNION ALL\n"), nil
}

// ConcatColumns returns the columns ConcatSQL should carry for s: the unique
// id, every comparison input column, then any other column the blocking
// rules reference. The source dataset column is written by ConcatSQL itself
// and is never read from the inputs.
func ConcatColumns(s model.Settings) []string {
	out := []string{s.UniqueIDColumn}
	seen := map[string]bool{s.UniqueIDColumn: true, s.SourceDatasetColumn: true}
	add := func(c string) {
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	for _, c := range s.InputColumns() {
		add(c)
	}
	for _, r := range s.BlockingRules {
		for _, c := range RuleColumns(r) {
			add(c)
		}
	}
	return out
}

// ruleColumn matches column references such as l.surname or r.dob.
var ruleColumn = regexp.MustCompile(`\b[lr]\.(\w+)`)

// RuleColumns returns the lower-cased columns referenced as l.<col> or
// r.<col> in rule, in first-seen order.
func RuleColumns(rule string) []string {
	seen := map[string]bool{}
	var out []string
	for _, m := range ruleColumn.FindAllStringSubmatch(rule, -1) {
		c := strings.ToLower(m[1])
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	return out
}

// SaltSQL adds SaltColumn to every row of table using the dialect's random
// integer expression. The result must be materialized before it is joined,
// otherwise backends that inline CTEs re-roll the salt per reference.
func SaltSQL(table string, partitions int, d storage.Dialect) string {
	return fmt.Sprintf("select *, %s as %s from %s", d.RandomIntExpr(partitions), SaltColumn, table)
}

// Options configures BlockSQL.
type Options struct {
	LinkType            model.LinkType
	UniqueIDColumn      string
	SourceDatasetColumn string

	// Columns are the input columns carried into the pair table as col_l/col_r.
	Columns []string

	Rules []Rule

	// LeftTable and RightTable are usually the same concat table. For link_only
	// with two inputs they are the two halves of a split.
	LeftTable  string
	RightTable string
}

// BlockSQL renders the candidate-pair query.
//
// Each rule contributes the pairs matching its condition that no earlier rule
// matched; a pair is therefore produced once, tagged with the first rule that
// caught it. An empty rule list means all pairs.
func BlockSQL(o Options) (string, error) {
	if o.LeftTable == "" || o.RightTable == "" {
		return "", fmt.Errorf("blocking: left and right tables are required")
	}
	if o.UniqueIDColumn == "" || o.SourceDatasetColumn == "" {
		return "", fmt.Errorf("blocking: unique id and source dataset columns are required")
	}
	rules := o.Rules
	if len(rules) == 0 {
		rules = []Rule{AllPairs(1)}
	}

	sel := selectColumns(o)
	filter, err := linkTypeFilter(o)
	if err != nil {
		return "", err
	}

	var parts []string
	for i, r := range rules {
		cond := strings.TrimSpace(r.SQL)
		if cond == "" {
			return "", fmt.Errorf("blocking: rule %d is empty", i)
		}

		var where []string
		where = append(where, filter)
		for _, prev := range rules[:i] {
			where = append(where, fmt.Sprintf("(CASE WHEN (%s) THEN 1 ELSE 0 END) = 0", prev.SQL))
		}

		partitions := 1
		if r.Salted() {
			partitions = r.SaltingPartitions
		}
		for salt := 0; salt < partitions; salt++ {
			on := cond
			if r.Salted() {
				on = fmt.Sprintf("(%s) AND l.%s = %d", cond, SaltColumn, salt)
			}
			parts = append(parts, fmt.Sprintf(
				"select %s, '%d' as %s\nfrom %s as l\ninner join %s as r\non (%s)\nwhere %s",
				sel, i, MatchKeyColumn, o.LeftTable, o.RightTable, on, strings.Join(where, "\nand "),
			))
		}
	}
	return strings.Join(parts, "\nUNION ALL\n"), nil
}

func selectColumns(o Options) string {
	cols := []string{o.UniqueIDColumn, o.SourceDatasetColumn}
	seen := map[string]bool{o.UniqueIDColumn: true, o.SourceDatasetColumn: true}
	for _, c := range o.Columns {
		if !seen[c] {
			seen[c] = true
			cols = append(cols, c)
		}
	}
	sel := make([]string, 0, len(cols)*2)
	for _, c := range cols {
		sel = append(sel, "l."+c+" as "+c+"_l", "r."+c+" as "+c+"_r")
	}
	return strings.Join(sel, ", ")
}

// linkTypeFilter keeps each unordered pair once and drops pairs the link type
// does not compare.
func linkTypeFilter(o Options) (string, error) {
	uid, sd := o.UniqueIDColumn, o.SourceDatasetColumn
	switch o.LinkType {
	case model.DedupeOnly:
		return fmt.Sprintf("l.%s < r.%s", uid, uid), nil
	case model.LinkOnly:
		return fmt.Sprintf("l.%s < r.%s", sd, sd), nil
	case model.LinkAndDedupe:
		return fmt.Sprintf("(l.%s < r.%s or (l.%s = r.%s and l.%s < r.%s))", sd, sd, sd, sd, uid, uid), nil
	default:
		return "", fmt.Errorf("blocking: unknown link type %q", o.LinkType)
	}
}

// SplitSQL returns the two steps that split a link_only sample of exactly two
// source datasets into left and right tables. The left table holds the
// dataset that sorts first, matching the l.sd < r.sd pair filter.
func SplitSQL(table, sourceDatasetColumn, leftName, rightName string) []pipeline.Step {
	sd := sourceDatasetColumn
	return []pipeline.Step{
		{
			SQL:        fmt.Sprintf("select * from %s where %s = (select min(%s) from %s)", table, sd, sd, table),
			OutputName: leftName,
		},
		{
			SQL:        fmt.Sprintf("select * from %s where %s = (select max(%s) from %s)", table, sd, sd, table),
			OutputName: rightName,
		},
	}
}

// ComparisonVectorsSQL evaluates every comparison's levels against the blocked
// pairs. The output has the id columns, match_key and one gamma_ column per
// comparison; with retainColumns the compared input columns are kept too.
func ComparisonVectorsSQL(s model.Settings, blockedTable string, retainColumns bool) (string, error) {
	sel := []string{
		s.UniqueIDColumn + "_l", s.UniqueIDColumn + "_r",
		s.SourceDatasetColumn + "_l", s.SourceDatasetColumn + "_r",
	}
	if retainColumns {
		for _, c := range s.InputColumns() {
			sel = append(sel, c+"_l", c+"_r")
		}
	}
	for _, c := range s.Comparisons {
		expr, err := CaseStatement(c)
		if err != nil {
			return "", err
		}
		sel = append(sel, expr)
	}
	sel = append(sel, MatchKeyColumn)
	return fmt.Sprintf("select %s\nfrom %s", strings.Join(sel, ",\n"), blockedTable), nil
}

// CaseStatement renders "CASE WHEN ... THEN v ... END as gamma_x" for one
// comparison. Levels are tested in declaration order; a comparison without an
// ELSE level falls through to its least similar value 0.
func CaseStatement(c model.Comparison) (string, error) {
	if len(c.Levels) == 0 {
		return "", fmt.Errorf("blocking: comparison %q has no levels", c.OutputColumnName)
	}
	var b strings.Builder
	b.WriteString("CASE")
	hasElse := false
	for i, l := range c.Levels {
		v := strconv.Itoa(c.VectorValue(i))
		if strings.EqualFold(strings.TrimSpace(l.SQLCondition), model.ElseCondition) {
			b.WriteString(" ELSE " + v)
			hasElse = true
			continue
		}
		b.WriteString(" WHEN " + l.SQLCondition + " THEN " + v)
	}
	if !hasElse {
		b.WriteString(" ELSE 0")
	}
	b.WriteString(" END as ")
	b.WriteString(c.GammaColumn())
	return b.String(), nil
}
