package rig

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rig/Odors"
)

func TestRecovery_SaveLoad(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")
	plan := Odors.NewPlan(2)
	plan.SetBlock(0, []Odors.Choice{nil, nil}, nil)
	c := Odors.Choice{{Valve: 1, Probability: 1, Flow: 0.3}, {Valve: 2, Probability: 0.7, Flow: 0.7}}
	plan.SetBlock(1, []Odors.Choice{c, c}, []Odors.Choice{c})

	st := &RecoveryState{
		Animal:     "rat3",
		Experiment: "mix",
		Block:      1,
		Trial:      1,
		History:    Odors.History{1: {true, true, false}},
		Plan:       plan,
		Error:      "server: open: timeout",
		SavedAt:    time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
	}
	path, err := SaveRecovery(dir, st)
	require.NoError(t, err)
	require.NotEmpty(t, st.ID)
	assert.Equal(t, RecoveryPath(dir, st.ID), path)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary file left behind")

	got, err := LoadRecovery(path)
	require.NoError(t, err)
	assert.Equal(t, st.ID, got.ID)
	assert.Equal(t, 1, got.Block)
	assert.Equal(t, []bool{true, true, false}, got.History[1])
	assert.Nil(t, got.Plan.At(0, 1))
	assert.True(t, got.Plan.At(1, 0).Equal(c))
	assert.Len(t, got.Plan.Options(1), 1)
	assert.True(t, st.SavedAt.Equal(got.SavedAt))
}

func TestRecovery_LoadErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := LoadRecovery(filepath.Join(dir, "missing.json"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{"), 0o644))
	_, err = LoadRecovery(bad)
	assert.Error(t, err)

	empty := filepath.Join(dir, "empty.json")
	require.NoError(t, os.WriteFile(empty, []byte(`{"animal":"rat1"}`), 0o644))
	_, err = LoadRecovery(empty)
	assert.ErrorContains(t, err, "missing animal or plan")
}
