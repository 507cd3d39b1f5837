package registry

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"

	"github.com/xkilldash9x/scalpel-recon/api/schemas"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func intPtr(v int) *int { return &v }

func TestRegistryLifecycle(t *testing.T) {
	r := New(zaptest.NewLogger(t))

	view := r.Create("t1", "nmap", []string{"nmap", "-F", "10.0.0.1"})
	assert.Equal(t, schemas.TaskPending, view.Status)
	assert.False(t, view.StartedAt.IsZero())
	assert.Nil(t, view.FinishedAt)

	// Visible before any output arrives.
	got, ok := r.Get("t1")
	require.True(t, ok)
	assert.Equal(t, "nmap -F 10.0.0.1", got.CommandLine())
	assert.Empty(t, got.Output)

	require.True(t, r.MarkRunning("t1"))
	assert.False(t, r.MarkRunning("t1"), "running is not re-entered")

	assert.True(t, r.Append("t1", "80/tcp open http\n"))
	assert.True(t, r.Append("t1", "443/tcp open https\n"))

	require.True(t, r.Finish("t1", schemas.TaskCompleted, intPtr(0)))
	got, _ = r.Get("t1")
	assert.Equal(t, schemas.TaskCompleted, got.Status)
	assert.Equal(t, "80/tcp open http\n443/tcp open https\n", got.Output)
	require.NotNil(t, got.FinishedAt)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 0, *got.ExitCode)
}

func TestRegistryTerminalIsFinal(t *testing.T) {
	r := New(nil)
	r.Create("k", "ffuf", nil)
	r.MarkRunning("k")
	require.True(t, r.Finish("k", schemas.TaskKilled, nil))

	t.Run("should refuse a second terminal status", func(t *testing.T) {
		assert.False(t, r.Finish("k", schemas.TaskError, intPtr(1)))
		status, _ := r.Status("k")
		assert.Equal(t, schemas.TaskKilled, status)
	})

	t.Run("should still record the exit code of a reaped process", func(t *testing.T) {
		got, _ := r.Get("k")
		require.NotNil(t, got.ExitCode)
		assert.Equal(t, 1, *got.ExitCode)
	})

	t.Run("should freeze output", func(t *testing.T) {
		assert.False(t, r.Append("k", "late"))
		got, _ := r.Get("k")
		assert.Empty(t, got.Output)
	})

	t.Run("should reject non terminal statuses in Finish", func(t *testing.T) {
		assert.False(t, r.Finish("k", schemas.TaskRunning, nil))
	})
}

func TestRegistryUnknownTask(t *testing.T) {
	r := New(nil)
	_, ok := r.Get("missing")
	assert.False(t, ok)
	assert.False(t, r.MarkRunning("missing"))
	assert.False(t, r.Append("missing", "x"))
	assert.False(t, r.Finish("missing", schemas.TaskCompleted, nil))

	_, _, _, err := r.OutputSince("missing", 0)
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestRegistryCreateOverwrites(t *testing.T) {
	r := New(nil)
	r.Create("a", "nmap", []string{"nmap"})
	r.Create("b", "whois", []string{"whois"})
	r.Append("a", "old")
	r.Create("a", "dig", []string{"dig"})

	got, _ := r.Get("a")
	assert.Equal(t, "dig", got.Tool)
	assert.Empty(t, got.Output)

	snap := r.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "a", snap[0].ID, "position of the first creation is kept")
	assert.Equal(t, "b", snap[1].ID)
}

func TestRegistryOutputSince(t *testing.T) {
	r := New(nil)
	r.Create("t", "nikto", nil)
	r.MarkRunning("t")
	r.Append("t", "abc")

	chunk, next, status, err := r.OutputSince("t", 0)
	require.NoError(t, err)
	assert.Equal(t, "abc", chunk)
	assert.Equal(t, 3, next)
	assert.Equal(t, schemas.TaskRunning, status)

	r.Append("t", "def")
	chunk, next, _, err = r.OutputSince("t", next)
	require.NoError(t, err)
	assert.Equal(t, "def", chunk)
	assert.Equal(t, 6, next)

	chunk, next, _, _ = r.OutputSince("t", 99)
	assert.Empty(t, chunk)
	assert.Equal(t, 6, next)
}

func TestNewTaskIDIsShortAndUnique(t *testing.T) {
	r := New(nil)
	seen := make(map[string]struct{})
	for i := 0; i < 500; i++ {
		id := r.NewTaskID()
		require.Len(t, id, 8)
		_, dup := seen[id]
		require.False(t, dup)
		seen[id] = struct{}{}
		r.Create(id, "x", nil)
	}
}

func TestViewsAreCopies(t *testing.T) {
	r := New(nil)
	argv := []string{"nmap", "host"}
	r.Create("c", "nmap", argv)
	argv[1] = "mutated"

	got, _ := r.Get("c")
	got.Command[0] = "changed"
	again, _ := r.Get("c")
	assert.Equal(t, []string{"nmap", "host"}, again.Command)
}

// Concurrent writers on distinct tasks and readers on all of them must never
// observe a status regression or a rewritten output prefix.
func TestRegistryConcurrentReaders(t *testing.T) {
	r := New(nil)
	const tasks = 8
	for i := 0; i < tasks; i++ {
		r.Create(string(rune('a'+i)), "t", nil)
	}

	var wg sync.WaitGroup
	for i := 0; i < tasks; i++ {
		id := string(rune('a' + i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.MarkRunning(id)
			for j := 0; j < 200; j++ {
				r.Append(id, "line\n")
			}
			r.Finish(id, schemas.TaskCompleted, intPtr(0))
		}()
	}

	stop := make(chan struct{})
	var readers sync.WaitGroup
	readers.Add(1)
	go func() {
		defer readers.Done()
		last := make(map[string]schemas.TaskView)
		for {
			select {
			case <-stop:
				return
			default:
			}
			for _, v := range r.Snapshot() {
				if prev, ok := last[v.ID]; ok {
					assert.True(t, strings.HasPrefix(v.Output, prev.Output))
					assert.True(t, prev.Status == v.Status || prev.Status.CanTransition(v.Status))
				}
				last[v.ID] = v
			}
		}
	}()

	wg.Wait()
	close(stop)
	readers.Wait()

	for _, v := range r.Snapshot() {
		assert.Equal(t, schemas.TaskCompleted, v.Status)
		assert.Equal(t, strings.Repeat("line\n", 200), v.Output)
	}
}

var allStatuses = []schemas.TaskStatus{
	schemas.TaskPending, schemas.TaskRunning, schemas.TaskCompleted, schemas.TaskError, schemas.TaskKilled,
}

// Any interleaving of mutations yields a status sequence that only moves
// forward through pending, running and one terminal state.
func TestPropertyMonotonicStatus(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		r := New(nil)
		r.Create("p", "tool", nil)

		observed := []schemas.TaskStatus{schemas.TaskPending}
		ops := rapid.IntRange(1, 20).Draw(t, "ops")
		for i := 0; i < ops; i++ {
			switch rapid.IntRange(0, 2).Draw(t, "op") {
			case 0:
				r.MarkRunning("p")
			case 1:
				r.Finish("p", rapid.SampledFrom(allStatuses).Draw(t, "status"), nil)
			case 2:
				r.Append("p", rapid.String().Draw(t, "chunk"))
			}
			s, _ := r.Status("p")
			if s != observed[len(observed)-1] {
				observed = append(observed, s)
			}
		}

		for i := 1; i < len(observed); i++ {
			if !observed[i-1].CanTransition(observed[i]) {
				t.Fatalf("status went from %s to %s", observed[i-1], observed[i])
			}
		}
		if len(observed) > 3 {
			t.Fatalf("too many distinct statuses: %v", observed)
		}
	})
}

// Output read at an earlier time is always a prefix of output read later,
// and stops changing once the task is terminal.
func TestPropertyAppendOnlyOutput(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		r := New(nil)
		r.Create("p", "tool", nil)
		r.MarkRunning("p")

		chunks := rapid.SliceOf(rapid.String()).Draw(t, "chunks")
		finishAt := rapid.IntRange(0, len(chunks)).Draw(t, "finishAt")

		var prev string
		var terminal bool
		for i, c := range chunks {
			if i == finishAt {
				r.Finish("p", schemas.TaskCompleted, nil)
				terminal = true
			}
			r.Append("p", c)
			cur, _ := r.Get("p")
			if !strings.HasPrefix(cur.Output, prev) {
				t.Fatalf("output %q is not an extension of %q", cur.Output, prev)
			}
			if terminal && cur.Output != prev && i != finishAt {
				t.Fatalf("terminal output changed from %q to %q", prev, cur.Output)
			}
			prev = cur.Output
		}
	})
}
