package paramstore

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"linkage/internal/model"
)

func settings() model.Settings {
	return model.Settings{
		Comparisons: []model.Comparison{{
			OutputColumnName: "first_name",
			InputColumns:     []string{"first_name"},
			Levels: []model.ComparisonLevel{
				{SQLCondition: "first_name_l = first_name_r", MProbability: model.Float(0.9), UProbability: model.Float(0.1)},
				{SQLCondition: "ELSE", MProbability: model.Float(0.1), UProbability: model.Float(0.9)},
			},
		}},
	}.WithDefaults()
}

func openMem(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_SaveLatestList(t *testing.T) {
	t.Parallel()
	s := openMem(t)
	clock := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s.now = func() time.Time { clock = clock.Add(time.Second); return clock }

	_, err := s.Latest("people")
	require.True(t, errors.Is(err, ErrNotFound), "err=%v", err)

	first, err := s.Save("people", "estimate_u", settings())
	require.NoError(t, err)

	trained := settings()
	trained.Comparisons[0].Levels[0].AppendTrained(model.KindM, 0.95, "estimate m by EM, blocking on l.dob = r.dob", clock)
	second, err := s.Save("people", "train_em", trained)
	require.NoError(t, err)
	_, err = s.Save("other", "estimate_u", settings())
	require.NoError(t, err)

	latest, err := s.Latest("people")
	require.NoError(t, err)
	require.Equal(t, second.ID, latest.ID)
	require.Equal(t, "train_em", latest.Stage)
	require.Equal(t, 0.95, *latest.Settings.Comparisons[0].Levels[0].MProbability)
	require.Len(t, latest.Settings.Comparisons[0].Levels[0].Trained, 1)

	all, err := s.List("people")
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, first.ID, all[0].ID)
	require.Equal(t, second.ID, all[1].ID)

	_, err = s.Save("", "x", settings())
	require.Error(t, err)
}

func TestStore_SaveIsolatesCallerSettings(t *testing.T) {
	t.Parallel()
	s := openMem(t)

	st := settings()
	_, err := s.Save("people", "estimate_u", st)
	require.NoError(t, err)
	*st.Comparisons[0].Levels[0].MProbability = 0.5

	latest, err := s.Latest("people")
	require.NoError(t, err)
	require.Equal(t, 0.9, *latest.Settings.Comparisons[0].Levels[0].MProbability)
}

func TestStore_LatestCompatible(t *testing.T) {
	t.Parallel()
	s := openMem(t)

	_, err := s.Save("people", "estimate_u", settings())
	require.NoError(t, err)

	_, err = s.LatestCompatible("people", settings())
	require.NoError(t, err)

	changed := settings()
	changed.Comparisons[0].Levels[0].SQLCondition = "lower(first_name_l) = lower(first_name_r)"
	_, err = s.LatestCompatible("people", changed)
	require.True(t, errors.Is(err, ErrIncompatible), "err=%v", err)
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(Options{Dir: dir})
	require.NoError(t, err)
	saved, err := s.Save("people", "estimate_u", settings())
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(Options{Dir: dir})
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Latest("people")
	require.NoError(t, err)
	require.Equal(t, saved.ID, got.ID)
	require.Equal(t, saved.Fingerprint, got.Fingerprint)
}

func TestFingerprint_IgnoresParameters(t *testing.T) {
	t.Parallel()

	a := settings()
	b := settings()
	*b.Comparisons[0].Levels[0].MProbability = 0.1
	b.Comparisons[0].Levels[1].FixUProbability = true
	require.Equal(t, Fingerprint(a), Fingerprint(b))

	b.LinkType = model.LinkOnly
	require.NotEqual(t, Fingerprint(a), Fingerprint(b))
	require.Len(t, Fingerprint(a), 64)
}
