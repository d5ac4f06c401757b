package jobs

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// blockingRunner runs jobs until released per title, checkpointing in between.
// Lets tests hold a job in the running state and observe cooperative control.
type blockingRunner struct {
	mu       sync.Mutex
	calls    map[string]int
	releases map[string]chan struct{}
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{calls: map[string]int{}, releases: map[string]chan struct{}{}}
}

// hold makes the runner block on the given title until release is called
func (r *blockingRunner) hold(title string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.releases[title] = make(chan struct{})
}

func (r *blockingRunner) release(title string) {
	r.mu.Lock()
	ch := r.releases[title]
	delete(r.releases, title)
	r.mu.Unlock()
	if ch != nil {
		close(ch)
	}
}

func (r *blockingRunner) callCount(title string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[title]
}

func (r *blockingRunner) Run(_ context.Context, job *Job) (Outcome, error) {
	title := job.Params.Title
	r.mu.Lock()
	r.calls[title]++
	ch := r.releases[title]
	r.mu.Unlock()

	job.SetTotal(10)
	for {
		if err := job.Checkpoint(); err != nil {
			return OutcomeCancelled, err
		}
		if ch == nil {
			break
		}
		select {
		case <-ch:
			ch = nil
		case <-time.After(5 * time.Millisecond):
		}
	}
	job.SetProgress(10)
	job.SetResult("output", "/tmp/"+title+".mp3")
	return OutcomeCompleted, nil
}

func startScheduler(t *testing.T, runner Runner) *Scheduler {
	s := &Scheduler{Store: NewStore(nil), Runner: runner, PollInterval: 10 * time.Millisecond}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Do(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Log("scheduler did not stop, runner likely parked")
		}
	})
	return s
}

func waitStatus(t *testing.T, s *Scheduler, id string, want Status) {
	require.Eventually(t, func() bool {
		j, ok := s.Get(id)
		return ok && j.Status == want
	}, 5*time.Second, 5*time.Millisecond, "job %s should reach %s", id, want)
}

func TestScheduler_CompletesJobs(t *testing.T) {
	runner := newBlockingRunner()
	s := startScheduler(t, runner)

	j, err := s.Enqueue(Params{Source: "book.epub", Title: "b1"})
	require.NoError(t, err)
	waitStatus(t, s, j.ID, StatusCompleted)

	got, ok := s.Get(j.ID)
	require.True(t, ok)
	assert.Equal(t, 1.0, got.Progress)
	assert.Equal(t, 10, got.ProcessedUnits)
	assert.Equal(t, "/tmp/b1.mp3", got.Result["output"])
	assert.False(t, got.StartedAt.IsZero())
	assert.False(t, got.FinishedAt.IsZero())
	assert.Zero(t, got.QueuePosition)
}

func TestScheduler_EnqueueValidation(t *testing.T) {
	s := startScheduler(t, newBlockingRunner())

	_, err := s.Enqueue(Params{})
	require.ErrorIs(t, err, ErrValidation)

	_, err = s.Enqueue(Params{Source: "book.mobi"})
	require.ErrorIs(t, err, ErrValidation)

	_, err = s.Enqueue(Params{Source: "book.epub", Format: "flac"})
	require.ErrorIs(t, err, ErrValidation)

	_, err = s.Enqueue(Params{Source: "book.epub", Bitrate: 999})
	require.ErrorIs(t, err, ErrValidation)

	assert.Zero(t, s.Store.Len(), "invalid params never enter the store")
}

func TestScheduler_CancelPendingNeverRuns(t *testing.T) {
	runner := newBlockingRunner()
	runner.hold("running")
	s := startScheduler(t, runner)

	first, err := s.Enqueue(Params{Source: "a.epub", Title: "running"})
	require.NoError(t, err)
	waitStatus(t, s, first.ID, StatusRunning)

	victim, err := s.Enqueue(Params{Source: "b.epub", Title: "victim"})
	require.NoError(t, err)
	require.True(t, s.Cancel(victim.ID))

	got, ok := s.Get(victim.ID)
	require.True(t, ok)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.False(t, got.FinishedAt.IsZero())
	assert.Empty(t, s.Store.Pending())

	runner.release("running")
	waitStatus(t, s, first.ID, StatusCompleted)
	assert.Zero(t, runner.callCount("victim"), "runner must never see a cancelled pending job")
}

func TestScheduler_CancelRunningCooperative(t *testing.T) {
	runner := newBlockingRunner()
	runner.hold("b1")
	s := startScheduler(t, runner)

	j, err := s.Enqueue(Params{Source: "a.epub", Title: "b1"})
	require.NoError(t, err)
	waitStatus(t, s, j.ID, StatusRunning)

	require.True(t, s.Cancel(j.ID))
	waitStatus(t, s, j.ID, StatusCancelled)

	got, _ := s.Get(j.ID)
	assert.NotEqual(t, 1.0, got.Progress, "cancelled job never reaches full progress")
}

func TestScheduler_PausePendingShiftsPositions(t *testing.T) {
	runner := newBlockingRunner()
	runner.hold("running")
	s := startScheduler(t, runner)

	first, err := s.Enqueue(Params{Source: "a.epub", Title: "running"})
	require.NoError(t, err)
	waitStatus(t, s, first.ID, StatusRunning)

	var queued []Job
	for i := 0; i < 3; i++ {
		j, err := s.Enqueue(Params{Source: fmt.Sprintf("b%d.epub", i), Title: fmt.Sprintf("b%d", i)})
		require.NoError(t, err)
		queued = append(queued, j)
	}

	require.True(t, s.Pause(queued[0].ID))

	got, _ := s.Get(queued[0].ID)
	assert.Equal(t, StatusPaused, got.Status)
	assert.True(t, got.Paused)
	assert.Zero(t, got.QueuePosition)

	// remaining pending jobs close the gap
	got, _ = s.Get(queued[1].ID)
	assert.Equal(t, 1, got.QueuePosition)
	got, _ = s.Get(queued[2].ID)
	assert.Equal(t, 2, got.QueuePosition)

	runner.release("running")
}

func TestScheduler_ResumeNeverStartedGoesFront(t *testing.T) {
	runner := newBlockingRunner()
	runner.hold("running")
	s := startScheduler(t, runner)

	first, err := s.Enqueue(Params{Source: "a.epub", Title: "running"})
	require.NoError(t, err)
	waitStatus(t, s, first.ID, StatusRunning)

	paused, err := s.Enqueue(Params{Source: "b.epub", Title: "paused"})
	require.NoError(t, err)
	other, err := s.Enqueue(Params{Source: "c.epub", Title: "other"})
	require.NoError(t, err)

	require.True(t, s.Pause(paused.ID))
	require.True(t, s.Resume(paused.ID))

	got, _ := s.Get(paused.ID)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 1, got.QueuePosition, "resumed job re-enters at the front")
	got, _ = s.Get(other.ID)
	assert.Equal(t, 2, got.QueuePosition)

	runner.release("running")
}

func TestScheduler_PauseResumeMidRun(t *testing.T) {
	runner := newBlockingRunner()
	runner.hold("b1")
	s := startScheduler(t, runner)

	j, err := s.Enqueue(Params{Source: "a.epub", Title: "b1"})
	require.NoError(t, err)
	waitStatus(t, s, j.ID, StatusRunning)

	require.True(t, s.Pause(j.ID))
	waitStatus(t, s, j.ID, StatusPaused)

	got, _ := s.Get(j.ID)
	assert.False(t, got.StartedAt.IsZero(), "paused mid-run keeps started_at")
	assert.Empty(t, s.Store.Pending(), "paused mid-run is not requeued")

	require.True(t, s.Resume(j.ID))
	waitStatus(t, s, j.ID, StatusRunning)

	runner.release("b1")
	waitStatus(t, s, j.ID, StatusCompleted)
	assert.Equal(t, 1, runner.callCount("b1"), "runner invoked once, continued in place")
}

func TestScheduler_RetryMakesNewJob(t *testing.T) {
	runner := newBlockingRunner()
	s := startScheduler(t, runner)

	orig, err := s.Enqueue(Params{Source: "a.epub", Title: "b1", Voice: "nova", Bitrate: 128})
	require.NoError(t, err)
	waitStatus(t, s, orig.ID, StatusCompleted)

	fresh, err := s.Retry(orig.ID)
	require.NoError(t, err)
	assert.NotEqual(t, orig.ID, fresh.ID)
	assert.Equal(t, orig.Params, fresh.Params)

	_, ok := s.Get(orig.ID)
	assert.False(t, ok, "original removed from the store")
	for _, j := range s.List() {
		assert.NotEqual(t, orig.ID, j.ID)
	}

	waitStatus(t, s, fresh.ID, StatusCompleted)
}

func TestScheduler_RetryRejectsNonTerminal(t *testing.T) {
	runner := newBlockingRunner()
	runner.hold("b1")
	s := startScheduler(t, runner)

	j, err := s.Enqueue(Params{Source: "a.epub", Title: "b1"})
	require.NoError(t, err)
	waitStatus(t, s, j.ID, StatusRunning)

	_, err = s.Retry(j.ID)
	require.Error(t, err)
	_, err = s.Retry("no-such-id")
	require.Error(t, err)

	runner.release("b1")
}

func TestScheduler_DeleteRejectedWhileRunning(t *testing.T) {
	runner := newBlockingRunner()
	runner.hold("b1")
	s := startScheduler(t, runner)

	j, err := s.Enqueue(Params{Source: "a.epub", Title: "b1"})
	require.NoError(t, err)
	waitStatus(t, s, j.ID, StatusRunning)

	assert.False(t, s.Delete(j.ID))

	runner.release("b1")
	waitStatus(t, s, j.ID, StatusCompleted)
	assert.True(t, s.Delete(j.ID))
	assert.Zero(t, s.Store.Len())
}

func TestScheduler_ClearFinished(t *testing.T) {
	runner := newBlockingRunner()
	runner.hold("running")
	s := startScheduler(t, runner)

	done, err := s.Enqueue(Params{Source: "a.epub", Title: "done"})
	require.NoError(t, err)
	waitStatus(t, s, done.ID, StatusCompleted)

	running, err := s.Enqueue(Params{Source: "b.epub", Title: "running"})
	require.NoError(t, err)
	waitStatus(t, s, running.ID, StatusRunning)

	cancelled, err := s.Enqueue(Params{Source: "c.epub", Title: "cancelled"})
	require.NoError(t, err)
	require.True(t, s.Cancel(cancelled.ID))

	pending, err := s.Enqueue(Params{Source: "d.epub", Title: "pending"})
	require.NoError(t, err)

	assert.Equal(t, 2, s.ClearFinished())

	_, ok := s.Get(done.ID)
	assert.False(t, ok)
	_, ok = s.Get(cancelled.ID)
	assert.False(t, ok)
	_, ok = s.Get(running.ID)
	assert.True(t, ok, "running job untouched")
	_, ok = s.Get(pending.ID)
	assert.True(t, ok, "pending job untouched")

	// passing an explicit subset clears only that subset, never active jobs
	assert.Zero(t, s.ClearFinished(StatusFailed))
	assert.Zero(t, s.ClearFinished(StatusRunning, StatusPending))
	_, ok = s.Get(running.ID)
	assert.True(t, ok)

	runner.release("running")
}

func TestScheduler_FailedRunnerKeepsLoopAlive(t *testing.T) {
	var calls int32
	runner := RunnerFunc(func(_ context.Context, job *Job) (Outcome, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return OutcomeCompleted, fmt.Errorf("synthesis blew up")
		}
		return OutcomeCompleted, nil
	})
	s := startScheduler(t, runner)

	bad, err := s.Enqueue(Params{Source: "a.epub"})
	require.NoError(t, err)
	good, err := s.Enqueue(Params{Source: "b.epub"})
	require.NoError(t, err)

	waitStatus(t, s, bad.ID, StatusFailed)
	waitStatus(t, s, good.ID, StatusCompleted)

	got, _ := s.Get(bad.ID)
	assert.Equal(t, "synthesis blew up", got.Error)
}

func TestScheduler_PanicConvertedToFailure(t *testing.T) {
	runner := RunnerFunc(func(_ context.Context, _ *Job) (Outcome, error) {
		panic("tts model exploded")
	})
	s := startScheduler(t, runner)

	j, err := s.Enqueue(Params{Source: "a.epub"})
	require.NoError(t, err)
	waitStatus(t, s, j.ID, StatusFailed)

	got, _ := s.Get(j.ID)
	assert.Contains(t, got.Error, "tts model exploded")
	var foundTrace bool
	for _, l := range got.Logs {
		if l.Level == "error" && len(l.Message) > 0 {
			foundTrace = true
		}
	}
	assert.True(t, foundTrace, "truncated trace appended to logs")
}

func TestScheduler_SingleRunnerInvariant(t *testing.T) {
	var running int32
	var violations int32
	runner := RunnerFunc(func(_ context.Context, _ *Job) (Outcome, error) {
		if atomic.AddInt32(&running, 1) > 1 {
			atomic.AddInt32(&violations, 1)
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return OutcomeCompleted, nil
	})
	s := startScheduler(t, runner)

	var wg sync.WaitGroup
	var ids sync.Map
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for k := 0; k < 5; k++ {
				j, err := s.Enqueue(Params{Source: "a.epub", Title: fmt.Sprintf("j-%d-%d", n, k)})
				assert.NoError(t, err)
				ids.Store(j.ID, struct{}{})
			}
		}(i)
	}
	wg.Wait()

	ids.Range(func(key, _ any) bool {
		waitStatus(t, s, key.(string), StatusCompleted)
		return true
	})
	assert.Zero(t, atomic.LoadInt32(&violations), "more than one job observed running")
}

// full lifecycle scenario: pause pending, fifo with front requeue, cooperative cancel
func TestScheduler_Scenario(t *testing.T) {
	runner := newBlockingRunner()
	runner.hold("A")
	runner.hold("C")
	runner.hold("B")
	s := startScheduler(t, runner)

	a, err := s.Enqueue(Params{Source: "a.epub", Title: "A"})
	require.NoError(t, err)
	waitStatus(t, s, a.ID, StatusRunning)

	b, err := s.Enqueue(Params{Source: "b.epub", Title: "B"})
	require.NoError(t, err)
	c, err := s.Enqueue(Params{Source: "c.epub", Title: "C"})
	require.NoError(t, err)

	require.True(t, s.Pause(b.ID))
	assert.Equal(t, []string{c.ID}, s.Store.Pending())

	runner.release("A")
	waitStatus(t, s, a.ID, StatusCompleted)
	waitStatus(t, s, c.ID, StatusRunning)

	require.True(t, s.Resume(b.ID))
	assert.Equal(t, []string{b.ID}, s.Store.Pending())

	runner.release("C")
	waitStatus(t, s, c.ID, StatusCompleted)
	waitStatus(t, s, b.ID, StatusRunning)

	require.True(t, s.Cancel(b.ID))
	waitStatus(t, s, b.ID, StatusCancelled)

	got, _ := s.Get(b.ID)
	assert.NotEqual(t, StatusCompleted, got.Status)
	assert.Equal(t, 1, runner.callCount("B"))
}

func TestScheduler_ShutdownJoins(t *testing.T) {
	s := &Scheduler{Store: NewStore(nil), Runner: newBlockingRunner(), PollInterval: 10 * time.Millisecond}
	done := make(chan struct{})
	go func() {
		s.Do(context.Background())
		close(done)
	}()

	// let the loop spin up before stopping it
	time.Sleep(20 * time.Millisecond)
	s.Shutdown(time.Second)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
