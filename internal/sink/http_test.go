package sink

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHTTPSinkAppendRows(t *testing.T) {
	var gotToken string
	var gotBody appendPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/append", r.URL.Path)
		gotToken = r.Header.Get("X-Batch-Token")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewHTTPSink(srv.URL)
	rows := [][]string{
		{"01-Jan-2026 10:00:00", "100", "200", "", "", "", "hi", "No", "", "", ""},
	}
	require.NoError(t, s.AppendRows(context.Background(), "S1", "tok-1", rows))
	require.Equal(t, "tok-1", gotToken)
	require.Equal(t, "S1", gotBody.SinkID)
	require.Len(t, gotBody.Values, 1)
	require.Len(t, gotBody.Values[0], 11)
}

func TestHTTPSinkAppendRowsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	s := NewHTTPSink(srv.URL)
	err := s.AppendRows(context.Background(), "S1", "tok-1", [][]string{{"x"}})
	require.Error(t, err)
}
