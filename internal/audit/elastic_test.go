package audit

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestElasticWrite(t *testing.T) {
	var (
		gotMethod string
		gotPath   string
		gotQuery  string
		gotDoc    Entry
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotDoc)
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"result":"created"}`))
	}))
	defer srv.Close()

	client, err := NewElasticClient([]string{srv.URL}, "", "")
	require.NoError(t, err)
	sink := NewElastic(client, "audit-test")

	entry := Entry{
		ID:         "01J0000000000000000000000A",
		OccurredAt: time.Date(2026, 2, 2, 12, 0, 0, 0, time.UTC),
		ActorID:    "u1",
		Action:     "login",
		Outcome:    OutcomeSuccess,
	}
	require.NoError(t, sink.Write(context.Background(), entry))

	assert.Equal(t, http.MethodPut, gotMethod)
	assert.Contains(t, gotPath, "/audit-test/")
	assert.Contains(t, gotPath, entry.ID)
	assert.Contains(t, gotQuery, "op_type=create")
	assert.Equal(t, entry.ActorID, gotDoc.ActorID)
	assert.Equal(t, entry.Action, gotDoc.Action)
}

func TestElasticWriteReportsErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"version_conflict_engine_exception"}`))
	}))
	defer srv.Close()

	client, err := NewElasticClient([]string{srv.URL}, "", "")
	require.NoError(t, err)
	sink := NewElastic(client, "")
	assert.Equal(t, "elasticsearch", sink.Name())

	err = sink.Write(context.Background(), Entry{ID: "x", Action: "login"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agrivet-audit")
}
