package retriever

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamScopeListEmitsObjectsAndCounts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/xml")
		_, _ = w.Write([]byte(`<objectlist count="2">` +
			`<object src="obj/1"/>` +
			`<object src="obj/2"/>` +
			`<count adjust="-1"/>` +
			`</objectlist>`))
	}))
	defer srv.Close()

	c := New(srv.URL, nil)

	var events []ScopeEvent
	err := c.StreamScopeList(context.Background(), 0x1, func(e ScopeEvent) error {
		events = append(events, e)
		return nil
	})
	require.NoError(t, err)

	require.Len(t, events, 4)
	assert.Equal(t, ScopeCountAdjust, events[0].Kind)
	assert.EqualValues(t, 2, events[0].Adjust)
	assert.Equal(t, ScopeObject, events[1].Kind)
	assert.Contains(t, events[1].URI, "obj/1")
	assert.Equal(t, ScopeObject, events[2].Kind)
	assert.Equal(t, ScopeCountAdjust, events[3].Kind)
	assert.EqualValues(t, -1, events[3].Adjust)
}

func TestStreamScopeListPropagatesEmitError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<objectlist><object src="obj/1"/></objectlist>`))
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	stop := assert.AnError
	err := c.StreamScopeList(context.Background(), 0x2, func(e ScopeEvent) error {
		return stop
	})
	assert.ErrorIs(t, err, stop)
}

func TestFetchObjectExtractsAttrHeadersAndBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("x-attr-Display-Name", "cat.jpg")
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write([]byte("bytes"))
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	obj, err := c.FetchObject(context.Background(), srv.URL+"/obj/1")
	require.NoError(t, err)

	assert.Equal(t, []byte("cat.jpg"), obj.Attrs["Display-Name"])
	assert.Equal(t, []byte("bytes"), obj.Attrs[ObjectDataAttr])
	_, hasContentType := obj.Attrs["content-type"]
	assert.False(t, hasContentType)
}

func TestFetchObjectReturnsErrorOnNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	_, err := c.FetchObject(context.Background(), srv.URL+"/missing")
	assert.Error(t, err)
}
