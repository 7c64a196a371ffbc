package api

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"practice-sync/internal/engine"
	"practice-sync/internal/models"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeEngine struct {
	status   engine.Status
	entities map[models.EntityKind][]models.Entity
}

func (f *fakeEngine) Status() engine.Status { return f.status }

func (f *fakeEngine) LocalEntities(kind models.EntityKind) ([]models.Entity, error) {
	list, ok := f.entities[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", engine.ErrUnknownKind, kind)
	}
	return list, nil
}

type fakeRelay struct {
	sessions []models.Session
	records  []*models.EntityRecord
	events   []*models.EventRecord
	since    time.Time
	limit    int
}

func (f *fakeRelay) Sessions(string) []models.Session { return f.sessions }
func (f *fakeRelay) SessionCount() int                { return len(f.sessions) }

func (f *fakeRelay) ListReceivedSince(_ context.Context, _ string, since time.Time) ([]*models.EntityRecord, error) {
	f.since = since
	return f.records, nil
}

func (f *fakeRelay) Since(_ context.Context, _ string, since time.Time, limit int) ([]*models.EventRecord, error) {
	f.since, f.limit = since, limit
	return f.events, nil
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestStatusRoutes(t *testing.T) {
	last := time.Date(2024, 5, 1, 10, 5, 0, 0, time.UTC)
	eng := &fakeEngine{
		status: engine.Status{
			Identity:     "alice",
			State:        models.StateReconnecting,
			Attempts:     2,
			QueueSize:    3,
			LastSyncTime: &last,
			Entities:     map[models.EntityKind]int{models.KindGoal: 1},
		},
		entities: map[models.EntityKind][]models.Entity{
			models.KindGoal: {{ID: "g1", Kind: models.KindGoal}},
		},
	}
	router := SetupStatusRoutes(NewStatusHandler(eng))

	rec := get(t, router, "/status")
	require.Equal(t, http.StatusOK, rec.Code)
	var st engine.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, models.StateReconnecting, st.State)
	assert.Equal(t, 3, st.QueueSize)
	assert.True(t, st.LastSyncTime.Equal(last))

	rec = get(t, router, "/api/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"reconnecting"`)

	rec = get(t, router, "/api/entities/goal")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"g1"`)

	rec = get(t, router, "/api/entities/unknown")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = get(t, router, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRelayRoutes(t *testing.T) {
	fake := &fakeRelay{
		sessions: []models.Session{{ID: "s1", Identity: "alice"}},
		records: []*models.EntityRecord{
			{ID: "g1", Identity: "alice", Kind: models.KindGoal, Fields: []byte(`{"title":"x"}`)},
		},
		events: []*models.EventRecord{
			{ID: "e1", Payload: []byte(`{"type":"PING","timestamp":"2024-05-01T10:00:00Z"}`)},
		},
	}
	router := SetupRoutes(NewHandler(fake, fake, fake, nil, zap.NewNop().Sugar()))

	rec := get(t, router, "/api/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"sessions":1`)

	rec = get(t, router, "/api/identities/alice/sessions")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"s1"`)

	rec = get(t, router, "/api/identities/alice/entities?since=2024-05-01T10:00:00Z")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"title":"x"`)
	assert.True(t, fake.since.Equal(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)))

	rec = get(t, router, "/api/identities/alice/entities?since=yesterday")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = get(t, router, "/api/identities/alice/events?limit=5")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, fake.limit)
	assert.Contains(t, rec.Body.String(), `"PING"`)
}
