package search

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opendiamond/adiskd/internal/bypass"
	"github.com/opendiamond/adiskd/internal/cache"
	"github.com/opendiamond/adiskd/internal/executor"
	"github.com/opendiamond/adiskd/internal/object"
	"github.com/opendiamond/adiskd/internal/objectdisk"
)

const passSpec = "FILTER pass\nFUNCTION pass_fn\nTHRESHOLD 1\nEND\n"

func newTestWorker(t *testing.T, mux *http.ServeMux) (*Worker, func()) {
	t.Helper()
	srv := httptest.NewServer(mux)

	db, err := cache.Open(t.TempDir(), nil)
	require.NoError(t, err)

	hooks := executor.NewHooks(db)
	disk := objectdisk.Init(srv.URL, hooks, nil)

	w := New(Config{
		Disk:         disk,
		Cache:        db,
		Hooks:        hooks,
		PendMax:      100,
		BypassPolicy: bypass.PolicyNone,
	})
	return w, func() {
		srv.Close()
		db.Close()
	}
}

func bindAlwaysPass(w *Worker, score int) {
	table := w.Table()
	table.Filters[0].Eval = func(o *object.Object) (int, error) { return score, nil }
}

func TestStartStreamsObjectsToTransmitThenSentinel(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/0000000000000001", func(wr http.ResponseWriter, r *http.Request) {
		_, _ = wr.Write([]byte(`<objectlist><object src="objects/a"/></objectlist>`))
	})
	mux.HandleFunc("/objects/a", func(wr http.ResponseWriter, r *http.Request) {
		_, _ = wr.Write([]byte("A"))
	})

	w, cleanup := newTestWorker(t, mux)
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, w.Push(ctx, Command{Kind: CmdSpec, SpecText: passSpec}))
	require.NoError(t, w.disk.SetGids([]uint64{1}))

	go w.Run(ctx)

	// Give the worker a tick to parse the spec before the filter is bound
	// and Start is issued.
	time.Sleep(30 * time.Millisecond)
	bindAlwaysPass(w, 5)

	require.NoError(t, w.Push(ctx, Command{Kind: CmdStart, SearchID: "s1"}))

	deadline := time.After(2 * time.Second)
	item, err := popTransmit(t, w, deadline)
	require.NoError(t, err)
	require.NotNil(t, item.Object)
	assert.Contains(t, item.Object.URI, "objects/a")

	item, err = popTransmit(t, w, deadline)
	require.NoError(t, err)
	assert.Nil(t, item.Object, "scope exhaustion must emit a nil sentinel")
	assert.Equal(t, int64(0), item.RemainingCompute)
}

func popTransmit(t *testing.T, w *Worker, deadline <-chan time.Time) (TransmitItem, error) {
	t.Helper()
	for {
		if item, ok := w.Transmit.TryPop(); ok {
			return item, nil
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for transmit item")
			return TransmitItem{}, nil
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestDropVerdictReleasesObjectWithoutTransmitting(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/0000000000000001", func(wr http.ResponseWriter, r *http.Request) {
		_, _ = wr.Write([]byte(`<objectlist><object src="objects/a"/></objectlist>`))
	})
	mux.HandleFunc("/objects/a", func(wr http.ResponseWriter, r *http.Request) {
		_, _ = wr.Write([]byte("A"))
	})

	w, cleanup := newTestWorker(t, mux)
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, w.Push(ctx, Command{Kind: CmdSpec, SpecText: passSpec}))
	require.NoError(t, w.disk.SetGids([]uint64{1}))

	go w.Run(ctx)
	time.Sleep(30 * time.Millisecond)
	bindAlwaysPass(w, 0) // below threshold 1

	require.NoError(t, w.Push(ctx, Command{Kind: CmdStart, SearchID: "s1"}))

	deadline := time.After(2 * time.Second)
	item, err := popTransmit(t, w, deadline)
	require.NoError(t, err)
	assert.Nil(t, item.Object, "dropped object must not be queued; only the sentinel follows")
}

func TestTermStopsTheMainLoop(t *testing.T) {
	mux := http.NewServeMux()
	w, cleanup := newTestWorker(t, mux)
	defer cleanup()

	ctx := context.Background()
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	require.NoError(t, w.Push(ctx, Command{Kind: CmdTerm}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Term")
	}
}

func TestReexecuteHandshakeRunsOutsideMainLoopObjectFlow(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/objects/reexec", func(wr http.ResponseWriter, r *http.Request) {
		_, _ = wr.Write([]byte("R"))
	})
	mux.HandleFunc("/0000000000000001", func(wr http.ResponseWriter, r *http.Request) {
		_, _ = wr.Write([]byte(`<objectlist></objectlist>`))
	})

	w, cleanup := newTestWorker(t, mux)
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, w.Push(ctx, Command{Kind: CmdSpec, SpecText: passSpec}))

	go w.Run(ctx)
	time.Sleep(30 * time.Millisecond)
	bindAlwaysPass(w, 5)

	verdict, err := w.Reexecute(ctx, "objects/reexec")
	require.NoError(t, err)
	assert.Equal(t, executor.PassComplete, verdict)
}
