package probe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

const readyPlaylist = "#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:2\n#EXT-X-MEDIA-SEQUENCE:1\n\n#EXTINF:2.0,\n1.ts\n"

func TestHTTPChecker_Check_statuses(t *testing.T) {
	status := http.StatusNotFound
	var methods []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		methods = append(methods, r.Method)
		w.WriteHeader(status)
	}))
	defer srv.Close()

	c := NewHTTPChecker(false)

	outcome, err := c.Check(context.Background(), srv.URL)
	assert.NoError(t, err)
	assert.Equal(t, NotFound, outcome)

	status = http.StatusOK
	outcome, err = c.Check(context.Background(), srv.URL)
	assert.NoError(t, err)
	assert.Equal(t, Found, outcome)

	status = http.StatusInternalServerError
	outcome, err = c.Check(context.Background(), srv.URL)
	assert.Error(t, err)
	assert.Equal(t, TransportError, outcome)

	assert.Equal(t, []string{http.MethodHead, http.MethodHead, http.MethodHead}, methods)
}

func TestHTTPChecker_Check_head_rejected_falls_back_to_get(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Write([]byte(readyPlaylist))
	}))
	defer srv.Close()

	outcome, err := NewHTTPChecker(false).Check(context.Background(), srv.URL)
	assert.NoError(t, err)
	assert.Equal(t, Found, outcome)
}

func TestHTTPChecker_Check_transport_error(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	outcome, err := NewHTTPChecker(false).Check(context.Background(), url)
	assert.Error(t, err)
	assert.Equal(t, TransportError, outcome)
}

func TestHTTPChecker_Check_verify(t *testing.T) {
	body := "garbage"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}))
	defer srv.Close()

	c := NewHTTPChecker(true)

	outcome, err := c.Check(context.Background(), srv.URL)
	assert.Error(t, err)
	assert.Equal(t, NotFound, outcome, "an unparseable manifest is not ready yet")

	body = readyPlaylist
	outcome, err = c.Check(context.Background(), srv.URL)
	assert.NoError(t, err)
	assert.Equal(t, Found, outcome)
}
