package objectdisk

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opendiamond/adiskd/internal/attr"
	"github.com/opendiamond/adiskd/internal/signature"
)

type noopHooks struct{}

func (noopHooks) OnAttrRead(string, []byte)  {}
func (noopHooks) OnAttrWrite(string, []byte) {}

var _ attr.Hooks = noopHooks{}

func TestResetStreamsObjectsUntilExhausted(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/0000000000000001", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/xml")
		_, _ = w.Write([]byte(`<objectlist count="2">` +
			`<object src="objects/a"/>` +
			`<object src="objects/b"/>` +
			`</objectlist>`))
	})
	mux.HandleFunc("/objects/a", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("x-attr-Display-Name", "a")
		_, _ = w.Write([]byte("A"))
	})
	mux.HandleFunc("/objects/b", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("x-attr-Display-Name", "b")
		_, _ = w.Write([]byte("B"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	d := Init(srv.URL, noopHooks{}, nil)
	require.NoError(t, d.SetGids([]uint64{1}))
	require.NoError(t, d.Reset(context.Background(), "search-1"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		obj, err := d.NextObj(ctx)
		require.NoError(t, err)
		name, ok := obj.Attributes.Read("Display-Name")
		require.True(t, ok)
		seen[string(name)] = true
	}
	assert.True(t, seen["a"])
	assert.True(t, seen["b"])

	_, err := d.NextObj(ctx)
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestSetGidsRejectedWhileActive(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<objectlist></objectlist>`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	d := Init(srv.URL, noopHooks{}, nil)
	require.NoError(t, d.SetGids([]uint64{1}))
	require.NoError(t, d.Reset(context.Background(), "s"))

	err := d.SetGids([]uint64{2})
	assert.ErrorIs(t, err, ErrNotActive)

	d.Flush()
}

func TestPreCullDropsObjectBeforeEvaluableQueue(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/0000000000000001", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<objectlist><object src="objects/a"/></objectlist>`))
	})
	mux.HandleFunc("/objects/a", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("A"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	d := Init(srv.URL, noopHooks{}, nil, WithPreCull(func(_ signature.Signature) bool { return true }))
	require.NoError(t, d.SetGids([]uint64{1}))
	require.NoError(t, d.Reset(context.Background(), "s"))

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	_, err := d.NextObj(ctx)
	assert.ErrorIs(t, err, ErrExhausted)
}
