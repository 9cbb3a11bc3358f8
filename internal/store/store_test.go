package store

import (
	"processagent/internal/apperrors"
	"processagent/internal/job"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, autoRerun bool) *Store {
	t.Helper()
	return New(Config{User: "alice", AgentID: "agent-1", NamePrefix: "exp", AutoRerun: autoRerun})
}

func specs(n int) []job.Spec {
	out := make([]job.Spec, n)
	for i := range out {
		out[i] = job.Spec{Image: "busybox", Command: []string{"echo", strconv.Itoa(i)}}
	}
	return out
}

// recordOf builds the scheduler record for a job as the scheduler would
// report it.
func recordOf(j *job.Job, id string, state job.State) job.Record {
	rec := j.Record()
	rec.ID = id
	rec.State = state
	rec.Runs = []job.Run{{ID: id + "-r0", JobID: id, State: state}}
	return rec
}

// assertPartition checks that every job is in exactly one bucket.
func assertPartition(t *testing.T, s *Store) {
	t.Helper()
	s.mu.RLock()
	defer s.mu.RUnlock()
	for idx := range s.jobs {
		n := 0
		for _, b := range []map[int]struct{}{s.pending, s.acked, s.finished} {
			if has(b, idx) {
				n++
			}
		}
		assert.Equal(t, 1, n, "job %d must be in exactly one bucket", idx)
	}
}

func TestStore_Create(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, true)

	created, err := s.Create(specs(3))
	require.NoError(t, err)
	require.Len(t, created, 3)

	for i, j := range created {
		assert.Equal(t, i, j.Index())
		assert.Equal(t, job.StatePending, j.State())
		idx, ok := j.Spec().Env(job.EnvAgentIndex)
		require.True(t, ok)
		assert.Equal(t, strconv.Itoa(i), idx)
	}

	more, err := s.Create(specs(2))
	require.NoError(t, err)
	assert.Equal(t, 3, more[0].Index(), "indexes keep increasing across calls")

	assert.Len(t, s.GetPending(), 5)
	assert.True(t, s.HasPending())
	assert.True(t, s.HasMore())
	assertPartition(t, s)
}

func TestStore_CreateNilIsIdempotent(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, true)

	_, err := s.Create(nil)
	require.NoError(t, err)
	assert.False(t, s.HasMore())

	_, err = s.Create(nil)
	require.NoError(t, err)
	assert.False(t, s.HasMore())
	assert.True(t, s.AllDone())
}

func TestStore_CreateRejectsRestartOnInterruption(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, true)

	in := specs(2)
	in[1].Restart = job.RestartOnInterruption
	_, err := s.Create(in)
	require.ErrorIs(t, err, apperrors.ErrValidation)

	assert.Empty(t, s.GetAll(), "no job is added when any spec is invalid")

	created, err := s.Create(specs(1))
	require.NoError(t, err)
	assert.Equal(t, 0, created[0].Index())
}

func TestStore_SubmitPending(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, true)
	_, err := s.Create(specs(5))
	require.NoError(t, err)

	first := s.SubmitPending(2)
	require.Len(t, first, 2)
	assert.Equal(t, 0, first[0].Index())
	assert.Equal(t, 1, first[1].Index())
	assert.Equal(t, job.StateSubmitted, first[0].State())

	assert.Len(t, s.GetSubmitted(), 2)
	assert.Len(t, s.GetPending(), 3)
	assert.Equal(t, 5, s.Counts().Pending+s.Counts().Submitted, "submitted jobs stay in the pending bucket")

	rest := s.SubmitPending(10)
	require.Len(t, rest, 3)
	assert.Equal(t, 2, rest[0].Index())

	assert.Empty(t, s.SubmitPending(0))
	assertPartition(t, s)
}

func TestStore_SubmitPendingAll(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, true)
	_, err := s.Create(specs(4))
	require.NoError(t, err)

	assert.Len(t, s.SubmitPending(0), 4)
}

func TestStore_SubmitPendingMaxRunning(t *testing.T) {
	t.Parallel()
	s := New(Config{User: "alice", AgentID: "agent-1", MaxRunning: 3})
	_, err := s.Create(specs(5))
	require.NoError(t, err)

	batch := s.SubmitPending(0)
	require.Len(t, batch, 3)
	assert.Empty(t, s.SubmitPending(0), "no room while three jobs are in flight")

	_, err = s.UpdateJobs([]job.Record{recordOf(batch[0], "j0", job.StateSucceeded)})
	require.NoError(t, err)

	next := s.SubmitPending(0)
	require.Len(t, next, 1)
	assert.Equal(t, 3, next[0].Index())
}

func TestStore_Acknowledgment(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, true)
	_, err := s.Create(specs(1))
	require.NoError(t, err)
	submitted := s.SubmitPending(0)

	events, err := s.UpdateJobs([]job.Record{recordOf(submitted[0], "sched-0", job.StateQueued)})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, events[0].Diff.Touches("state"))
	assert.Equal(t, "sched-0", events[0].Job.ID())

	assert.Len(t, s.GetAcked(), 1)
	assert.Empty(t, s.GetSubmitted())
	assert.False(t, s.HasPending())

	got, ok := s.GetByID("sched-0")
	require.True(t, ok)
	assert.Equal(t, 0, got.Index())
	assertPartition(t, s)
}

func TestStore_UpdateSameRecordTwice(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, true)
	_, err := s.Create(specs(1))
	require.NoError(t, err)
	j := s.SubmitPending(0)[0]
	rec := recordOf(j, "sched-0", job.StateRunning)

	events, err := s.UpdateJobs([]job.Record{rec})
	require.NoError(t, err)
	assert.Len(t, events, 1)

	events, err = s.UpdateJobs([]job.Record{rec})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestStore_AutoRerun(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, true)
	_, err := s.Create(specs(1))
	require.NoError(t, err)
	j := s.SubmitPending(0)[0]

	_, err = s.UpdateJobs([]job.Record{recordOf(j, "sched-0", job.StateRunning)})
	require.NoError(t, err)
	_, err = s.UpdateJobs([]job.Record{recordOf(j, "sched-0", job.StateInterrupted)})
	require.NoError(t, err)

	assert.Len(t, s.GetAcked(), 1, "interrupted job stays acked")
	rerun := s.SubmitReruns()
	require.Len(t, rerun, 1)
	assert.Equal(t, "sched-0", rerun[0].ID())

	// SubmitReruns does not clear the set.
	assert.Len(t, s.SubmitReruns(), 1)

	_, err = s.UpdateJobs([]job.Record{recordOf(j, "sched-0", job.StateQueuing)})
	require.NoError(t, err)
	assert.Empty(t, s.GetRerun())
	assert.False(t, s.AllDone())
	assertPartition(t, s)
}

func TestStore_InterruptedWithoutAutoRerun(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, false)
	_, err := s.Create(specs(1))
	require.NoError(t, err)
	j := s.SubmitPending(0)[0]

	_, err = s.UpdateJobs([]job.Record{recordOf(j, "sched-0", job.StateInterrupted)})
	require.NoError(t, err)

	assert.Len(t, s.GetFinished(), 1)
	assert.Empty(t, s.GetRerun())

	_, err = s.Create(nil)
	require.NoError(t, err)
	assert.True(t, s.AllDone())
}

func TestStore_KillBeforeAck(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, true)
	created, err := s.Create(specs(2))
	require.NoError(t, err)

	require.NoError(t, s.KillJob(created[1].Index()))

	got, ok := s.GetByIndex(1)
	require.True(t, ok)
	assert.Equal(t, job.StateKilled, got.State())
	assert.Len(t, s.GetFinished(), 1)
	assert.Empty(t, s.GetKill())
	assert.Len(t, s.GetPending(), 1)

	// Killing again is a no-op.
	require.NoError(t, s.KillJob(1))
	assert.Empty(t, s.GetKill())
	assertPartition(t, s)
}

func TestStore_KillAcked(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, true)
	_, err := s.Create(specs(1))
	require.NoError(t, err)
	j := s.SubmitPending(0)[0]

	require.NoError(t, s.KillJob(0))
	assert.Len(t, s.SubmitKills(), 1, "submitted jobs wait for the scheduler")

	_, err = s.UpdateJobs([]job.Record{recordOf(j, "sched-0", job.StateCancelling)})
	require.NoError(t, err)
	assert.Empty(t, s.GetKill(), "cleared once the scheduler handled the job")

	require.NoError(t, s.KillJob(0))
	assert.Len(t, s.SubmitKills(), 1)

	_, err = s.UpdateJobs([]job.Record{recordOf(j, "sched-0", job.StateCancelled)})
	require.NoError(t, err)
	assert.Empty(t, s.GetKill())
	assert.Len(t, s.GetFinished(), 1)
}

func TestStore_KillUnknown(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, true)
	assert.ErrorIs(t, s.KillJob(42), apperrors.ErrNotFound)
	assert.ErrorIs(t, s.RerunJob(42), apperrors.ErrNotFound)
}

func TestStore_RerunJob(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, true)
	_, err := s.Create(specs(2))
	require.NoError(t, err)
	submitted := s.SubmitPending(0)

	_, err = s.UpdateJobs([]job.Record{
		recordOf(submitted[0], "sched-0", job.StateFailed),
		recordOf(submitted[1], "sched-1", job.StateRunning),
	})
	require.NoError(t, err)

	require.NoError(t, s.RerunJob(1))
	assert.Empty(t, s.GetRerun(), "running jobs are not rerun")

	require.NoError(t, s.RerunJob(0))
	rerun := s.GetRerun()
	require.Len(t, rerun, 1)
	assert.Equal(t, 0, rerun[0].Index())
	assert.False(t, s.AllDone())
}

func TestStore_SynthesizesUnknownJobs(t *testing.T) {
	t.Parallel()
	previous := newTestStore(t, true)
	_, err := previous.Create(specs(6))
	require.NoError(t, err)
	lost := previous.SubmitPending(0)[5]

	s := newTestStore(t, true)
	events, err := s.UpdateJobs([]job.Record{recordOf(lost, "sched-5", job.StateRunning)})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, events[0].Diff.Touches("image"), "synthesized jobs diff against an empty record")

	got, ok := s.GetByIndex(5)
	require.True(t, ok)
	assert.Equal(t, job.StateRunning, got.State())
	assert.Len(t, s.GetAcked(), 1)

	created, err := s.Create(specs(1))
	require.NoError(t, err)
	assert.Equal(t, 6, created[0].Index(), "new indexes never collide with recovered ones")
	assertPartition(t, s)
}

func TestStore_UpdateRejectsUncorrelatedBatch(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, true)
	_, err := s.Create(specs(1))
	require.NoError(t, err)
	j := s.SubmitPending(0)[0]

	orphan := job.Record{ID: "orphan", State: job.StateRunning}
	_, err = s.UpdateJobs([]job.Record{recordOf(j, "sched-0", job.StateRunning), orphan})
	require.ErrorIs(t, err, apperrors.ErrValidation)

	assert.Empty(t, s.GetAcked(), "nothing is applied when a record cannot be correlated")
	assert.Len(t, s.GetSubmitted(), 1)
}

func TestStore_UpdateRejectsChangedID(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, true)
	_, err := s.Create(specs(1))
	require.NoError(t, err)
	j := s.SubmitPending(0)[0]

	_, err = s.UpdateJobs([]job.Record{recordOf(j, "sched-0", job.StateRunning)})
	require.NoError(t, err)

	_, err = s.UpdateJobs([]job.Record{recordOf(j, "sched-other", job.StateRunning)})
	assert.ErrorIs(t, err, apperrors.ErrConflict)
}

func TestStore_UpdateRejectsTwoIDsForOneJob(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, true)
	_, err := s.Create(specs(1))
	require.NoError(t, err)
	j := s.SubmitPending(0)[0]

	recA := recordOf(j, "sched-A", job.StateRunning)
	recB := recordOf(j, "sched-B", job.StateQueued)
	events, err := s.UpdateJobs([]job.Record{recA, recB})
	require.ErrorIs(t, err, apperrors.ErrConflict)
	assert.Empty(t, events)

	got, ok := s.GetByIndex(0)
	require.True(t, ok)
	assert.Equal(t, job.StateSubmitted, got.State(), "nothing is applied")
	assert.Empty(t, got.ID())
	assert.Empty(t, s.GetAcked())
	_, ok = s.GetByID("sched-A")
	assert.False(t, ok)

	events, err = s.UpdateJobs([]job.Record{recA})
	require.NoError(t, err)
	require.Len(t, events, 1, "the transition is still reported once the batch is fixed")
	assert.Equal(t, job.StateRunning, events[0].Job.State())
	assertPartition(t, s)
}

func TestStore_UpdateRejectsOneIDForTwoJobs(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, true)
	_, err := s.Create(specs(2))
	require.NoError(t, err)
	submitted := s.SubmitPending(0)

	_, err = s.UpdateJobs([]job.Record{
		recordOf(submitted[0], "sched-x", job.StateRunning),
		recordOf(submitted[1], "sched-x", job.StateRunning),
	})
	require.ErrorIs(t, err, apperrors.ErrConflict)
	assert.Len(t, s.GetSubmitted(), 2)
	assert.Empty(t, s.GetAcked())
}

func TestStore_UpdateRejectsForeignRecordForLocalIndex(t *testing.T) {
	t.Parallel()
	previous := New(Config{User: "alice", AgentID: "old-agent", NamePrefix: "exp"})
	_, err := previous.Create([]job.Spec{
		{Image: "other"}, {Image: "other"}, {Image: "other"},
	})
	require.NoError(t, err)
	old := previous.SubmitPending(0)

	s := newTestStore(t, true)
	_, err = s.Create(specs(1))
	require.NoError(t, err)

	_, err = s.UpdateJobs([]job.Record{recordOf(old[0], "old-job", job.StateRunning)})
	require.ErrorIs(t, err, apperrors.ErrConflict)

	local, ok := s.GetByIndex(0)
	require.True(t, ok)
	assert.Equal(t, job.StatePending, local.State())
	assert.Empty(t, local.ID())
	assert.Equal(t, "busybox", local.Spec().Image)
	assert.Len(t, s.SubmitPending(0), 1, "the local job is still submitted")

	// Indexes this agent never used are still recovered.
	events, err := s.UpdateJobs([]job.Record{recordOf(old[2], "old-job-2", job.StateRunning)})
	require.NoError(t, err)
	require.Len(t, events, 1)
	recovered, ok := s.GetByIndex(2)
	require.True(t, ok)
	assert.Equal(t, "other", recovered.Spec().Image)
	assertPartition(t, s)
}

func TestStore_AllDone(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, true)
	_, err := s.Create(specs(2))
	require.NoError(t, err)
	submitted := s.SubmitPending(0)
	_, err = s.Create(nil)
	require.NoError(t, err)

	assert.False(t, s.AllDone())

	_, err = s.UpdateJobs([]job.Record{
		recordOf(submitted[0], "sched-0", job.StateSucceeded),
		recordOf(submitted[1], "sched-1", job.StateFailed),
	})
	require.NoError(t, err)
	assert.True(t, s.AllDone())

	c := s.Counts()
	assert.Equal(t, 2, c.Total)
	assert.Equal(t, 2, c.Finished)
	assert.Equal(t, 1, c.Succeeded)
	assert.Equal(t, 1, c.Failed)
	assert.Len(t, s.GetFailed(), 1)
}

func TestStore_Stats(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, true)
	_, err := s.Create(specs(3))
	require.NoError(t, err)
	submitted := s.SubmitPending(2)
	_, err = s.UpdateJobs([]job.Record{recordOf(submitted[0], "sched-0", job.StateSucceeded)})
	require.NoError(t, err)

	st := s.Stats()
	assert.Len(t, st.Pending, 1)
	assert.Len(t, st.Submitted, 1)
	assert.Len(t, st.Succeeded, 1)
	assert.Empty(t, st.Acked)
	assert.Len(t, s.GetByState(job.StateSucceeded), 1)
}

func TestStore_CountsInterruptedAndKilled(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, false)
	_, err := s.Create(specs(3))
	require.NoError(t, err)
	require.NoError(t, s.KillJob(2))
	submitted := s.SubmitPending(0)
	require.Len(t, submitted, 2)

	_, err = s.UpdateJobs([]job.Record{
		recordOf(submitted[0], "sched-0", job.StateRunning),
		recordOf(submitted[1], "sched-1", job.StateSucceeded),
	})
	require.NoError(t, err)
	_, err = s.UpdateJobs([]job.Record{recordOf(submitted[0], "sched-0", job.StateInterrupted)})
	require.NoError(t, err)

	st := s.Stats()
	require.Len(t, st.Interrupted, 1)
	assert.Equal(t, 0, st.Interrupted[0].Index)
	require.Len(t, st.Killed, 1)
	assert.Equal(t, 2, st.Killed[0].Index)
	assert.Len(t, st.Succeeded, 1)

	c := s.Counts()
	assert.Equal(t, 1, c.Interrupted)
	assert.Equal(t, 1, c.Killed)
	assert.Equal(t, 1, c.Succeeded)
	assert.Equal(t, 3, c.Finished)
	assert.Equal(t, c.Finished, c.Succeeded+c.Failed+c.Cancelled+c.Killed+c.Interrupted)
}

func TestStore_SnapshotsAreIndependent(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, true)
	_, err := s.Create(specs(1))
	require.NoError(t, err)

	before := s.GetPending()[0]
	s.SubmitPending(0)
	assert.Equal(t, job.StatePending, before.State())
}
