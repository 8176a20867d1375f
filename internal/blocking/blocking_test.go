package blocking

import (
	"strings"
	"testing"

	"linkage/internal/model"
	"linkage/internal/storage/sqlite"
)

func baseOptions(lt model.LinkType) Options {
	return Options{
		LinkType:            lt,
		UniqueIDColumn:      "unique_id",
		SourceDatasetColumn: "source_dataset",
		Columns:             []string{"first_name", "surname"},
		LeftTable:           ConcatTable,
		RightTable:          ConcatTable,
	}
}

func TestBlockSQL_LinkTypeFilters(t *testing.T) {
	t.Parallel()

	tests := []struct {
		lt   model.LinkType
		want string
	}{
		{model.DedupeOnly, "l.unique_id < r.unique_id"},
		{model.LinkOnly, "l.source_dataset < r.source_dataset"},
		{model.LinkAndDedupe, "(l.source_dataset < r.source_dataset or (l.source_dataset = r.source_dataset and l.unique_id < r.unique_id))"},
	}
	for _, tc := range tests {
		t.Run(string(tc.lt), func(t *testing.T) {
			got, err := BlockSQL(baseOptions(tc.lt))
			if err != nil {
				t.Fatalf("BlockSQL: %v", err)
			}
			if !strings.Contains(got, "where "+tc.want) {
				t.Fatalf("missing filter %q in\n%s", tc.want, got)
			}
			if !strings.Contains(got, "on (1=1)") {
				t.Fatalf("empty rule list should block all pairs:\n%s", got)
			}
		})
	}

	if _, err := BlockSQL(baseOptions("nope")); err == nil {
		t.Fatalf("expected error for unknown link type")
	}
}

func TestBlockSQL_LaterRulesExcludeEarlierMatches(t *testing.T) {
	t.Parallel()

	o := baseOptions(model.DedupeOnly)
	o.Rules = Rules([]string{"l.surname = r.surname", "l.first_name = r.first_name"})
	got, err := BlockSQL(o)
	if err != nil {
		t.Fatalf("BlockSQL: %v", err)
	}

	branches := strings.Split(got, "\nUNION ALL\n")
	if len(branches) != 2 {
		t.Fatalf("want 2 branches, got %d:\n%s", len(branches), got)
	}
	if strings.Contains(branches[0], "CASE WHEN") || !strings.Contains(branches[0], "'0' as match_key") {
		t.Fatalf("first rule should not exclude anything:\n%s", branches[0])
	}
	if !strings.Contains(branches[1], "(CASE WHEN (l.surname = r.surname) THEN 1 ELSE 0 END) = 0") ||
		!strings.Contains(branches[1], "'1' as match_key") {
		t.Fatalf("second rule should exclude the first:\n%s", branches[1])
	}
	for _, col := range []string{"l.unique_id as unique_id_l", "r.source_dataset as source_dataset_r", "l.surname as surname_l"} {
		if !strings.Contains(branches[0], col) {
			t.Fatalf("missing column %q", col)
		}
	}
}

func TestBlockSQL_SaltedAllPairs(t *testing.T) {
	t.Parallel()

	o := baseOptions(model.DedupeOnly)
	o.Rules = []Rule{AllPairs(3)}
	got, err := BlockSQL(o)
	if err != nil {
		t.Fatalf("BlockSQL: %v", err)
	}
	branches := strings.Split(got, "\nUNION ALL\n")
	if len(branches) != 3 {
		t.Fatalf("want one branch per salt, got %d", len(branches))
	}
	for salt, b := range branches {
		want := "on ((1=1) AND l." + SaltColumn + " = " + string(rune('0'+salt)) + ")"
		if !strings.Contains(b, want) {
			t.Fatalf("branch %d missing %q:\n%s", salt, want, b)
		}
	}
}

func TestSaltSQL(t *testing.T) {
	t.Parallel()

	got := SaltSQL("__linkage__df_concat_sample", 4, sqlite.Dialect{})
	want := "select *, (abs(random()) % 4) as __linkage_salt from __linkage__df_concat_sample"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestConcatSQL(t *testing.T) {
	t.Parallel()

	got, err := ConcatSQL([]Input{{SourceDataset: "a", Table: "people_a"}, {SourceDataset: "o'b", Table: "people_b"}},
		"source_dataset", []string{"unique_id", "surname"})
	if err != nil {
		t.Fatalf("ConcatSQL: %v", err)
	}
	want := "select 'a' as source_dataset, unique_id, surname from people_a\nUNION ALL\n" +
		"select 'o''b' as source_dataset, unique_id, surname from people_b"
	if got != want {
		t.Fatalf("got\n%s\nwant\n%s", got, want)
	}
	if _, err := ConcatSQL(nil, "source_dataset", []string{"x"}); err == nil {
		t.Fatalf("expected error for no inputs")
	}
}

func TestSplitSQL_LeftIsMinDataset(t *testing.T) {
	t.Parallel()

	steps := SplitSQL("sample", "source_dataset", "left", "right")
	if len(steps) != 2 || steps[0].OutputName != "left" || steps[1].OutputName != "right" {
		t.Fatalf("unexpected steps %+v", steps)
	}
	if !strings.Contains(steps[0].SQL, "select min(source_dataset)") || !strings.Contains(steps[1].SQL, "select max(source_dataset)") {
		t.Fatalf("unexpected split SQL %+v", steps)
	}
}

func nameComparison() model.Comparison {
	return model.Comparison{
		OutputColumnName: "first_name",
		InputColumns:     []string{"first_name"},
		Levels: []model.ComparisonLevel{
			{SQLCondition: "first_name_l IS NULL OR first_name_r IS NULL", IsNullLevel: true},
			{SQLCondition: "first_name_l = first_name_r"},
			{SQLCondition: "substr(first_name_l,1,1) = substr(first_name_r,1,1)"},
			{SQLCondition: "ELSE"},
		},
	}
}

func TestCaseStatement_VectorValues(t *testing.T) {
	t.Parallel()

	got, err := CaseStatement(nameComparison())
	if err != nil {
		t.Fatalf("CaseStatement: %v", err)
	}
	want := "CASE WHEN first_name_l IS NULL OR first_name_r IS NULL THEN -1" +
		" WHEN first_name_l = first_name_r THEN 2" +
		" WHEN substr(first_name_l,1,1) = substr(first_name_r,1,1) THEN 1" +
		" ELSE 0 END as gamma_first_name"
	if got != want {
		t.Fatalf("got\n%s\nwant\n%s", got, want)
	}
}

func TestComparisonVectorsSQL_RetainColumns(t *testing.T) {
	t.Parallel()

	s := model.Settings{Comparisons: []model.Comparison{nameComparison()}}.WithDefaults()
	lean, err := ComparisonVectorsSQL(s, BlockedTable, false)
	if err != nil {
		t.Fatalf("ComparisonVectorsSQL: %v", err)
	}
	if strings.Contains(lean, "\nfirst_name_l,") {
		t.Fatalf("lean vectors should not retain input columns:\n%s", lean)
	}
	full, _ := ComparisonVectorsSQL(s, BlockedTable, true)
	if !strings.Contains(full, "first_name_l,\nfirst_name_r") {
		t.Fatalf("retained vectors should include input columns:\n%s", full)
	}
	if !strings.HasSuffix(full, "match_key\nfrom "+BlockedTable) {
		t.Fatalf("unexpected tail:\n%s", full)
	}
}

func TestConcatColumns_UniqueIDFirstSourceDatasetDropped(t *testing.T) {
	t.Parallel()

	s := model.Settings{
		UniqueIDColumn:      "unique_id",
		SourceDatasetColumn: "source_dataset",
		Comparisons: []model.Comparison{
			{OutputColumnName: "name", InputColumns: []string{"first_name", "unique_id"}},
			{OutputColumnName: "sd", InputColumns: []string{"source_dataset", "first_name", "dob"}},
		},
	}
	got := strings.Join(ConcatColumns(s), ",")
	if got != "unique_id,first_name,dob" {
		t.Fatalf("ConcatColumns=%s", got)
	}
}

func TestConcatColumns_IncludesBlockingRuleColumns(t *testing.T) {
	t.Parallel()

	s := model.Settings{
		UniqueIDColumn:      "unique_id",
		SourceDatasetColumn: "source_dataset",
		Comparisons:         []model.Comparison{{OutputColumnName: "name", InputColumns: []string{"first_name"}}},
		BlockingRules:       []string{"l.DOB = r.dob and l.first_name = r.first_name", "substr(l.postcode, 1, 3) = substr(r.postcode, 1, 3)"},
	}
	got := strings.Join(ConcatColumns(s), ",")
	if got != "unique_id,first_name,dob,postcode" {
		t.Fatalf("ConcatColumns=%s", got)
	}
	if got := strings.Join(RuleColumns("l.a = r.b or lower(l.a) = r.c"), ","); got != "a,b,c" {
		t.Fatalf("RuleColumns=%s", got)
	}
}
