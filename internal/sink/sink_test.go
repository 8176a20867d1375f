package sink

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"linkage/internal/cluster"
	"linkage/internal/model"
)

func openMem(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpen_MigratesToLatest(t *testing.T) {
	t.Parallel()
	s := openMem(t)

	v, err := Version(s.DB())
	require.NoError(t, err)
	require.EqualValues(t, 3, v)

	// Migrating again is a no-op.
	require.NoError(t, Migrate(s.DB()))
}

func TestOpen_FileCreatesParentDir(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "results.db")

	s, err := Open(ctx, path)
	require.NoError(t, err)
	run, err := s.StartRun(ctx, "people")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(ctx, path)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, StatusRunning, got.Status)
}

func TestStore_RunLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openMem(t)
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { clock = clock.Add(time.Minute); return clock }

	ok, err := s.StartRun(ctx, "people")
	require.NoError(t, err)
	require.NoError(t, s.RecordStage(ctx, ok.ID, "load", 10, 1500*time.Millisecond, "table=people"))
	require.NoError(t, s.RecordStage(ctx, ok.ID, "cluster", 4, 20*time.Millisecond, ""))
	require.NoError(t, s.FinishRun(ctx, ok.ID, nil))

	bad, err := s.StartRun(ctx, "people")
	require.NoError(t, err)
	require.NoError(t, s.FinishRun(ctx, bad.ID, errors.New("boom")))

	_, err = s.StartRun(ctx, "other")
	require.NoError(t, err)

	runs, err := s.Runs(ctx, "people")
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, bad.ID, runs[0].ID)
	require.Equal(t, StatusFailed, runs[0].Status)
	require.Equal(t, "boom", runs[0].Error)
	require.Equal(t, StatusSucceeded, runs[1].Status)
	require.NotNil(t, runs[1].FinishedAt)
	require.True(t, runs[1].FinishedAt.After(runs[1].StartedAt))

	all, err := s.Runs(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 3)

	stages, err := s.Stages(ctx, ok.ID)
	require.NoError(t, err)
	require.Len(t, stages, 2)
	require.Equal(t, Stage{Seq: 1, Name: "load", Rows: 10, Duration: 1500 * time.Millisecond, Detail: "table=people"}, stages[0])
	require.Equal(t, 2, stages[1].Seq)

	err = s.FinishRun(ctx, "missing", nil)
	require.True(t, errors.Is(err, ErrRunNotFound), "err=%v", err)
	_, err = s.GetRun(ctx, "missing")
	require.True(t, errors.Is(err, ErrRunNotFound), "err=%v", err)
	require.Error(t, s.RecordStage(ctx, "missing", "load", 0, 0, ""), "foreign key")
}

func TestStore_WriteParameters(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openMem(t)
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	settings := model.Settings{
		ProbabilityTwoRandomRecordsMatch: 0.01,
		Comparisons: []model.Comparison{{
			OutputColumnName: "first_name",
			InputColumns:     []string{"first_name"},
			Levels: []model.ComparisonLevel{
				{SQLCondition: "first_name_l IS NULL OR first_name_r IS NULL", IsNullLevel: true},
				{Label: "exact", SQLCondition: "first_name_l = first_name_r", MProbability: model.Float(0.9)},
				{SQLCondition: "ELSE", MProbability: model.Float(0.1)},
			},
		}},
	}
	settings.Comparisons[0].Levels[1].AppendTrained(model.KindU, 0.02, model.ProvenanceUByRandomSampling, at)
	settings.Comparisons[0].Levels[1].AppendTrained(model.KindM, 0.95, model.ProvenanceMByEMPrefix+"l.dob = r.dob", at)

	run, err := s.StartRun(ctx, "people")
	require.NoError(t, err)
	n, err := s.WriteParameters(ctx, run.ID, settings)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	// Rewriting replaces.
	n, err = s.WriteParameters(ctx, run.ID, settings)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	params, err := s.Parameters(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, params, 2)
	require.Equal(t, 1, params[0].VectorValue)
	require.Equal(t, "exact", params[0].Label)
	require.Equal(t, 0.95, *params[0].MProbability)
	require.Equal(t, 0.02, *params[0].UProbability)
	require.Equal(t, model.ProvenanceMByEMPrefix+"l.dob = r.dob", params[0].MProvenance)
	require.Equal(t, model.ProvenanceUByRandomSampling, params[0].UProvenance)
	require.Equal(t, 0, params[1].VectorValue)
	require.Nil(t, params[1].UProbability)
	require.Empty(t, params[1].MProvenance)

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, 0.01, *got.Lambda)

	_, err = s.WriteParameters(ctx, "missing", settings)
	require.True(t, errors.Is(err, ErrRunNotFound), "err=%v", err)
}

func TestStore_WriteClusters(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openMem(t)

	run, err := s.StartRun(ctx, "people")
	require.NoError(t, err)
	in := []cluster.Assignment{
		{ClusterID: "2", NodeID: "10"},
		{ClusterID: "1", NodeID: "3"},
		{ClusterID: "2", NodeID: "2"},
		{ClusterID: "1", NodeID: "1"},
	}
	n, err := s.WriteClusters(ctx, run.ID, in)
	require.NoError(t, err)
	require.EqualValues(t, 4, n)

	got, err := s.Clusters(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, []cluster.Assignment{
		{ClusterID: "1", NodeID: "1"},
		{ClusterID: "1", NodeID: "3"},
		{ClusterID: "2", NodeID: "2"},
		{ClusterID: "2", NodeID: "10"},
	}, got)

	// A node appears once per run.
	_, err = s.WriteClusters(ctx, run.ID, []cluster.Assignment{{ClusterID: "1", NodeID: "1"}, {ClusterID: "2", NodeID: "1"}})
	require.Error(t, err)
	got, err = s.Clusters(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, got, 4, "failed write rolled back")
}

func TestStore_WriteThresholdClusters(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openMem(t)

	run, err := s.StartRun(ctx, "people")
	require.NoError(t, err)
	in := []cluster.ThresholdClusters{
		{Threshold: 0.9, Assignments: []cluster.Assignment{
			{ClusterID: "2", NodeID: "2"}, {ClusterID: "1", NodeID: "1"}, {ClusterID: "10", NodeID: "10"},
		}},
		{Threshold: 0.5, Assignments: []cluster.Assignment{
			{ClusterID: "1", NodeID: "10"}, {ClusterID: "1", NodeID: "1"}, {ClusterID: "1", NodeID: "2"},
		}},
	}
	n, err := s.WriteThresholdClusters(ctx, run.ID, in)
	require.NoError(t, err)
	require.EqualValues(t, 6, n)

	got, err := s.ThresholdClusters(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, []cluster.ThresholdClusters{
		{Threshold: 0.5, Assignments: []cluster.Assignment{
			{ClusterID: "1", NodeID: "1"}, {ClusterID: "1", NodeID: "2"}, {ClusterID: "1", NodeID: "10"},
		}},
		{Threshold: 0.9, Assignments: []cluster.Assignment{
			{ClusterID: "1", NodeID: "1"}, {ClusterID: "2", NodeID: "2"}, {ClusterID: "10", NodeID: "10"},
		}},
	}, got)

	// Rewriting replaces the earlier clusterings.
	_, err = s.WriteThresholdClusters(ctx, run.ID, in[:1])
	require.NoError(t, err)
	got, err = s.ThresholdClusters(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, 0.9, got[0].Threshold)

	_, err = s.WriteThresholdClusters(ctx, "missing", in)
	require.Error(t, err, "foreign key on run_id")
}
