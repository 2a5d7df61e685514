package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sjq/internal/model"
)

var testLimits = model.Limits{MaxProcs: 2, MaxMem: 1 << 30, DefaultProcs: 1}

// newStore creates a fresh test database in a temporary file
func newStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), fmt.Sprintf("test_%d.db", time.Now().UnixNano()))

	st, err := NewStore(path)
	require.NoError(t, err, "create test store")
	t.Cleanup(func() {
		st.Close()
		os.Remove(path)
	})
	return st
}

func submit(t *testing.T, st *Store, procs int, deps ...int64) int64 {
	t.Helper()
	id, err := st.Submit(context.Background(), model.JobSpec{
		Name:         "test",
		Src:          "#!/bin/sh\ntrue\n",
		Procs:        procs,
		Cwd:          t.TempDir(),
		Dependencies: deps,
	}, testLimits)
	require.NoError(t, err, "submit job")
	return id
}

func state(t *testing.T, st *Store, id int64) model.State {
	t.Helper()
	j, err := st.Get(context.Background(), id)
	require.NoError(t, err, "get job %d", id)
	return j.State
}

func finish(t *testing.T, st *Store, id int64, s model.State) []int64 {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.MarkRunning(ctx, id, 0))
	rc := 0
	if s != model.StateSucceeded {
		rc = 1
	}
	aborted, err := st.UpdateState(ctx, id, s, &rc, "")
	require.NoError(t, err)
	return aborted
}

func TestSubmitAssignsIncreasingIDs(t *testing.T) {
	st := newStore(t)

	a := submit(t, st, 1)
	b := submit(t, st, 1)
	c := submit(t, st, 2)

	assert.Less(t, a, b)
	assert.Less(t, b, c)
	assert.Equal(t, model.StateQueued, state(t, st, a))
}

func TestSubmitFillsDefaults(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	cwd := t.TempDir()

	id, err := st.Submit(ctx, model.JobSpec{Src: "#!/bin/sh\n", Cwd: cwd}, testLimits)
	require.NoError(t, err)

	j, err := st.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.DefaultJobName, j.Name)
	assert.Equal(t, 1, j.Procs)
	assert.Equal(t, filepath.Join(cwd, fmt.Sprintf("sjq.o%d", id)), j.StdoutPath)
	assert.Equal(t, filepath.Join(cwd, fmt.Sprintf("sjq.e%d", id)), j.StderrPath)
	assert.False(t, j.SubmittedAt.IsZero())
	assert.Nil(t, j.Retcode)
}

func TestSubmitRejectsOversizedJob(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	_, err := st.Submit(ctx, model.JobSpec{Src: "#!/bin/sh\n", Procs: 5, Cwd: "/"}, testLimits)
	assert.ErrorIs(t, err, model.ErrValidation)

	_, err = st.Submit(ctx, model.JobSpec{Src: "#!/bin/sh\n", Mem: 2 << 30, Cwd: "/"}, testLimits)
	assert.ErrorIs(t, err, model.ErrValidation)

	jobs, err := st.ListJobs(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, jobs, "rejected submissions must not create jobs")
}

func TestSubmitUnknownDependency(t *testing.T) {
	st := newStore(t)

	_, err := st.Submit(context.Background(), model.JobSpec{
		Src:          "#!/bin/sh\n",
		Cwd:          "/",
		Dependencies: []int64{42},
	}, testLimits)
	assert.ErrorIs(t, err, model.ErrInvalidDependency)
}

func TestHeldJobReleasedWhenDependencySucceeds(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	a := submit(t, st, 1)
	b := submit(t, st, 1, a)
	assert.Equal(t, model.StateHeld, state(t, st, b))

	promoted, failed, err := st.CheckHeldJobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, promoted)
	assert.Empty(t, failed)

	finish(t, st, a, model.StateSucceeded)

	promoted, failed, err = st.CheckHeldJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{b}, promoted)
	assert.Empty(t, failed)
	assert.Equal(t, model.StateQueued, state(t, st, b))

	// a second pass with nothing changed is a no-op
	promoted, failed, err = st.CheckHeldJobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, promoted)
	assert.Empty(t, failed)
}

func TestSubmitAfterDependencySucceededIsQueued(t *testing.T) {
	st := newStore(t)

	a := submit(t, st, 1)
	finish(t, st, a, model.StateSucceeded)

	b := submit(t, st, 1, a)
	assert.Equal(t, model.StateQueued, state(t, st, b))
}

func TestCheckHeldJobsFailsOnAbortedDependency(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	a := submit(t, st, 1)
	finish(t, st, a, model.StateFailed)

	b := submit(t, st, 1, a)
	c := submit(t, st, 1, b)
	assert.Equal(t, model.StateHeld, state(t, st, b))

	promoted, failed, err := st.CheckHeldJobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, promoted)
	assert.ElementsMatch(t, []int64{b, c}, failed)

	j, err := st.Get(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, model.StateFailed, j.State)
	assert.Contains(t, j.Error, "dependency aborted")
	assert.Nil(t, j.StartedAt, "aborted job must never have run")

	promoted, failed, err = st.CheckHeldJobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, promoted)
	assert.Empty(t, failed)
}

func TestUpdateStateCascadesAbort(t *testing.T) {
	st := newStore(t)

	a := submit(t, st, 1)
	b := submit(t, st, 1, a)
	c := submit(t, st, 1, b)
	other := submit(t, st, 1)

	aborted := finish(t, st, a, model.StateFailed)
	assert.Equal(t, []int64{b, c}, aborted)

	assert.Equal(t, model.StateFailed, state(t, st, b))
	assert.Equal(t, model.StateFailed, state(t, st, c))
	assert.Equal(t, model.StateQueued, state(t, st, other))
}

func TestKillQueuedJobCascades(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	a := submit(t, st, 1)
	b := submit(t, st, 1, a)

	aborted, err := st.UpdateState(ctx, a, model.StateKilled, nil, "killed by request")
	require.NoError(t, err)
	assert.Equal(t, []int64{b}, aborted)
	assert.Equal(t, model.StateKilled, state(t, st, a))
	assert.Equal(t, model.StateFailed, state(t, st, b))
}

func TestTerminalStateIsImmutable(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	a := submit(t, st, 1)
	finish(t, st, a, model.StateSucceeded)

	_, err := st.UpdateState(ctx, a, model.StateKilled, nil, "")
	assert.ErrorIs(t, err, model.ErrJobTerminal)

	j, err := st.Get(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, model.StateSucceeded, j.State)
	require.NotNil(t, j.Retcode)
	assert.Equal(t, 0, *j.Retcode)
	assert.NotNil(t, j.EndedAt)
}

func TestUpdateStateUnknownJob(t *testing.T) {
	st := newStore(t)

	_, err := st.UpdateState(context.Background(), 99, model.StateKilled, nil, "")
	assert.ErrorIs(t, err, model.ErrJobNotFound)
}

func TestFindNextEligible(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	big := submit(t, st, 2)
	small := submit(t, st, 1)
	blocked := submit(t, st, 1, big)

	j, err := st.FindNextEligible(ctx, 2, 1<<30)
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, big, j.ID, "lowest id first when it fits")

	j, err = st.FindNextEligible(ctx, 1, 1<<30)
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, small, j.ID, "skip jobs that do not fit")

	require.NoError(t, st.MarkRunning(ctx, small, 0))
	j, err = st.FindNextEligible(ctx, 1, 1<<30)
	require.NoError(t, err)
	assert.Nil(t, j, "held job %d is never eligible", blocked)

	j, err = st.FindNextEligible(ctx, 0, 0)
	require.NoError(t, err)
	assert.Nil(t, j)
}

func TestFindNextEligibleRespectsMemory(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	id, err := st.Submit(ctx, model.JobSpec{Src: "#!/bin/sh\n", Cwd: "/", Mem: 512 << 20}, testLimits)
	require.NoError(t, err)

	j, err := st.FindNextEligible(ctx, 2, 256<<20)
	require.NoError(t, err)
	assert.Nil(t, j)

	j, err = st.FindNextEligible(ctx, 2, 512<<20)
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, id, j.ID)
}

func TestMarkRunningRequiresQueued(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	a := submit(t, st, 1)
	b := submit(t, st, 1, a)

	assert.ErrorIs(t, st.MarkRunning(ctx, b, 123), model.ErrJobTerminal, "held job cannot start")

	require.NoError(t, st.MarkRunning(ctx, a, 123))
	j, err := st.Get(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, model.StateRunning, j.State)
	assert.Equal(t, 123, j.PID)
	assert.NotNil(t, j.StartedAt)

	running, err := st.RunningJobs(ctx)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, a, running[0].ID)
}

func TestStats(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	a := submit(t, st, 1)
	submit(t, st, 1, a)
	c := submit(t, st, 1)
	finish(t, st, c, model.StateSucceeded)

	stats, err := st.Stats(ctx)
	require.NoError(t, err)
	require.Len(t, stats, len(model.AllStates))

	got := map[model.State]int{}
	for i, sc := range stats {
		assert.Equal(t, model.AllStates[i], sc.State)
		got[sc.State] = sc.Count
	}
	assert.Equal(t, 1, got[model.StateQueued])
	assert.Equal(t, 1, got[model.StateHeld])
	assert.Equal(t, 1, got[model.StateSucceeded])
	assert.Equal(t, 0, got[model.StateRunning])
}

func TestArchiveKeepsDependenciesResolvable(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	a := submit(t, st, 1)
	live := submit(t, st, 1)
	finish(t, st, a, model.StateSucceeded)

	n, err := st.Archive(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	jobs, err := st.ListJobs(ctx, "")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, live, jobs[0].ID)

	j, err := st.Get(ctx, a)
	require.NoError(t, err, "archived jobs stay visible")
	assert.Equal(t, model.StateSucceeded, j.State)

	b := submit(t, st, 1, a)
	assert.Equal(t, model.StateQueued, state(t, st, b))

	archived, err := st.ListArchive(ctx)
	require.NoError(t, err)
	require.Len(t, archived, 1)
	assert.Equal(t, a, archived[0].ID)
}

func TestUpdateStateArchivedJobIsTerminal(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	a := submit(t, st, 1)
	finish(t, st, a, model.StateSucceeded)
	_, err := st.Archive(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)

	_, err = st.UpdateState(ctx, a, model.StateKilled, nil, "killed by user")
	assert.ErrorIs(t, err, model.ErrJobTerminal)
	assert.NotErrorIs(t, err, model.ErrJobNotFound)

	j, err := st.Get(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, model.StateSucceeded, j.State)
}

func TestCorruptRowsSurfaceAsStorageErrors(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	a := submit(t, st, 1)
	finish(t, st, a, model.StateSucceeded)
	_, err := st.Archive(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	b := submit(t, st, 1)

	_, err = st.DB.ExecContext(ctx, `UPDATE jobs SET env='{bad' WHERE id=?`, b)
	require.NoError(t, err)
	_, err = st.Get(ctx, b)
	assert.ErrorIs(t, err, model.ErrStorage)
	_, err = st.ListJobs(ctx, "")
	assert.ErrorIs(t, err, model.ErrStorage)

	_, err = st.DB.ExecContext(ctx, `UPDATE archive SET dependencies='[1,' WHERE id=?`, a)
	require.NoError(t, err)
	_, err = st.Get(ctx, a)
	assert.ErrorIs(t, err, model.ErrStorage)
	_, err = st.ListArchive(ctx)
	assert.ErrorIs(t, err, model.ErrStorage)
}

func TestResetKeepsIDsIncreasing(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	a := submit(t, st, 1)
	require.NoError(t, st.ResetQueue(ctx))

	b := submit(t, st, 1)
	assert.Greater(t, b, a)
}

func TestConfig(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	val, err := st.GetConfig(ctx, "maxprocs")
	require.NoError(t, err)
	assert.Empty(t, val)

	require.NoError(t, st.SetConfig(ctx, "maxprocs", "8"))
	require.NoError(t, st.SetConfig(ctx, "maxprocs", "16"))
	require.NoError(t, st.SetConfig(ctx, "maxmem", "2GiB"))

	val, err = st.GetConfig(ctx, "maxprocs")
	require.NoError(t, err)
	assert.Equal(t, "16", val)

	settings, err := st.Settings(ctx)
	require.NoError(t, err)
	require.Len(t, settings, 2)
	assert.Equal(t, "maxmem", settings[0].Key)
	assert.Equal(t, "maxprocs", settings[1].Key)
	assert.Equal(t, "16", settings[1].Value)
	assert.WithinDuration(t, time.Now(), settings[1].UpdatedAt, time.Minute)

	removed, err := st.UnsetConfig(ctx, "maxprocs")
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = st.UnsetConfig(ctx, "maxprocs")
	require.NoError(t, err)
	assert.False(t, removed)

	val, err = st.GetConfig(ctx, "maxprocs")
	require.NoError(t, err)
	assert.Empty(t, val)
}
