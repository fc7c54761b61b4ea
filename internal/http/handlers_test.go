package httpapi_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relaydesk/dispatch-engine/internal/db"
	httpapi "github.com/relaydesk/dispatch-engine/internal/http"
	"github.com/relaydesk/dispatch-engine/internal/prefs"
)

func startAPI(t *testing.T) http.Handler {
	t.Helper()
	pg := db.StartTestPostgres(t)
	srv := httpapi.NewServer(pg.Pool, prefs.NewPGService(pg.Pool))
	return srv.Router()
}

func TestScheduleGetAndList(t *testing.T) {
	h := startAPI(t)

	// schedule
	body := bytes.NewBufferString(`{"receiver":"recipient-1","body":"hello","send_at":"2030-01-01T10:00:00Z"}`)
	req := httptest.NewRequest("POST", "/messages", body)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Account-ID", "acc-1")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusAccepted, w.Code)
	var created map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	id := created["id"]
	require.NotEmpty(t, id)

	// read back
	w = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/messages/"+id, nil)
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	var got struct {
		Message struct {
			Status   string `json:"status"`
			Receiver string `json:"receiver"`
		} `json:"message"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Equal(t, "PENDING", got.Message.Status)
	require.Equal(t, "recipient-1", got.Message.Receiver)

	// list
	w = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/messages?account_id=acc-1&limit=10", nil)
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	// unknown id
	w = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/messages/00000000-0000-0000-0000-000000000000", nil)
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestScheduleValidation(t *testing.T) {
	h := startAPI(t)

	// missing account header
	req := httptest.NewRequest("POST", "/messages", bytes.NewBufferString(`{"receiver":"r","body":"x"}`))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)

	// empty payload
	req = httptest.NewRequest("POST", "/messages", bytes.NewBufferString(`{"receiver":"r"}`))
	req.Header.Set("X-Account-ID", "acc-1")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPreferencesAndLogBuffering(t *testing.T) {
	h := startAPI(t)

	// logging disabled until prefs say otherwise
	rec := bytes.NewBufferString(`{"timestamp":"01-Jan-2026 10:00:00","from":"100","to":"200","message":"hi"}`)
	req := httptest.NewRequest("POST", "/logs", rec)
	req.Header.Set("X-Account-ID", "acc-1")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusConflict, w.Code)

	// enable logging for the account
	p := bytes.NewBufferString(`{"star_outgoing":true,"sink_id":"S1","logger_enabled":true}`)
	req = httptest.NewRequest("PUT", "/accounts/acc-1/preferences", p)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/accounts/acc-1/preferences", nil)
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	var pref prefs.Prefs
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &pref))
	require.True(t, pref.LoggerEnabled)
	require.Equal(t, "S1", pref.SinkID)

	// buffering now succeeds
	rec = bytes.NewBufferString(`{"timestamp":"01-Jan-2026 10:00:00","from":"100","to":"200","message":"hi"}`)
	req = httptest.NewRequest("POST", "/logs", rec)
	req.Header.Set("X-Account-ID", "acc-1")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusAccepted, w.Code)
}

func TestHealthz(t *testing.T) {
	h := startAPI(t)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/healthz", nil))
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/readyz", nil))
	require.Equal(t, http.StatusOK, w.Code)
}
