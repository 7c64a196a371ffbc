package engine_test

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"practice-sync/internal/api"
	"practice-sync/internal/config"
	"practice-sync/internal/db"
	"practice-sync/internal/engine"
	"practice-sync/internal/kvstore"
	"practice-sync/internal/models"
	"practice-sync/internal/repository"
	"practice-sync/internal/services/relay"
	"practice-sync/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	waitFor = 5 * time.Second
	tick    = 20 * time.Millisecond
)

type relayServer struct {
	endpoint string
	hub      *relay.Hub
	entities *repository.EntityRepositoryImpl
}

func startRelay(t *testing.T) *relayServer {
	t.Helper()
	log := zap.NewNop().Sugar()

	database, err := db.OpenSQLite(filepath.Join(t.TempDir(), "relay.db"), log, db.RelayModels...)
	require.NoError(t, err)

	entities := repository.NewEntityRepository(database.DB)
	events := repository.NewEventRepository(database.DB)
	persister := relay.NewPersister(events, entities, 2, 64, 0, log)
	persister.Start()
	hub := relay.NewHub(entities, persister, log)
	hub.Start()

	handler := api.NewHandler(hub, entities, events, relay.NewWebSocketHandler(hub, log), log)
	srv := httptest.NewServer(api.SetupRoutes(handler))

	t.Cleanup(func() {
		hub.Shutdown()
		srv.Close()
		persister.Shutdown()
		_ = database.Close()
	})

	return &relayServer{
		endpoint: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		hub:      hub,
		entities: entities,
	}
}

func device(t *testing.T, endpoint, identity string) *engine.Engine {
	t.Helper()
	e, err := engine.New(context.Background(), config.SyncConfig{
		Endpoint:             endpoint,
		Identity:             identity,
		ConnectTimeout:       2 * time.Second,
		ReconnectBase:        10 * time.Millisecond,
		ReconnectCap:         50 * time.Millisecond,
		MaxReconnectAttempts: 5,
		QueueTTL:             time.Hour,
	}, kvstore.NewMemoryStore(), engine.WithLogger(zap.NewNop().Sugar()))
	require.NoError(t, err)
	t.Cleanup(e.Disconnect)
	return e
}

func title(e models.Entity) string {
	var g models.Goal
	_ = e.DecodeFields(&g)
	return g.Title
}

func onlyGoal(s *store.EntityStore) (models.Entity, bool) {
	list := s.List()
	if len(list) != 1 {
		return models.Entity{}, false
	}
	return list[0], true
}

func TestDevicesConvergeThroughRelay(t *testing.T) {
	ctx := context.Background()
	r := startRelay(t)

	phone := device(t, r.endpoint, "alice")
	laptop := device(t, r.endpoint, "alice")
	stranger := device(t, r.endpoint, "bob")
	require.NoError(t, laptop.Connect(ctx))
	require.NoError(t, stranger.Connect(ctx))

	// created offline, confirmed after connecting
	local, err := phone.Goals().Create(ctx, models.Goal{Title: "Scales"})
	require.NoError(t, err)
	require.True(t, models.IsProvisional(local.ID))
	require.Equal(t, 1, phone.Queue().Len())
	require.NoError(t, phone.Connect(ctx))

	var confirmed models.Entity
	require.Eventually(t, func() bool {
		g, ok := onlyGoal(phone.Goals())
		if !ok || models.IsProvisional(g.ID) {
			return false
		}
		confirmed = g
		return true
	}, waitFor, tick)
	assert.Equal(t, local.ID, confirmed.ClientID)
	assert.Zero(t, phone.Queue().Len())

	require.Eventually(t, func() bool {
		g, ok := onlyGoal(laptop.Goals())
		return ok && g.ID == confirmed.ID
	}, waitFor, tick)
	assert.Zero(t, stranger.Goals().Len())

	// the provisional id still works on the phone
	_, err = phone.Goals().Update(ctx, local.ID, models.Goal{Title: "Scales in thirds"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		g, ok := onlyGoal(laptop.Goals())
		return ok && title(g) == "Scales in thirds"
	}, waitFor, tick)

	require.NoError(t, laptop.Goals().Delete(ctx, confirmed.ID))
	require.Eventually(t, func() bool { return phone.Goals().Len() == 0 }, waitFor, tick)

	rec, err := r.entities.GetByID(ctx, "alice", confirmed.ID)
	require.NoError(t, err)
	assert.NotNil(t, rec.DeletedAt)
}

func TestLateDeviceCatchesUpWithBulkSync(t *testing.T) {
	ctx := context.Background()
	r := startRelay(t)

	phone := device(t, r.endpoint, "alice")
	require.NoError(t, phone.Connect(ctx))
	_, err := phone.LogEntries().Create(ctx, models.LogEntry{DurationMinutes: 25, Instrument: "cello"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		list := phone.LogEntries().List()
		return len(list) == 1 && !models.IsProvisional(list[0].ID)
	}, waitFor, tick)

	tablet := device(t, r.endpoint, "alice")
	require.NoError(t, tablet.Connect(ctx))
	require.Eventually(t, func() bool { return tablet.LogEntries().Len() == 1 }, waitFor, tick)

	st := tablet.Status()
	assert.Equal(t, models.StateConnected, st.State)
	require.NotNil(t, st.LastSyncTime)
}

func TestEditsWhileRelayIsAwayAreReplayed(t *testing.T) {
	ctx := context.Background()
	r := startRelay(t)

	phone := device(t, r.endpoint, "alice")
	laptop := device(t, r.endpoint, "alice")
	require.NoError(t, laptop.Connect(ctx))

	// two offline edits of the same entity collapse into one queued update
	g, err := laptop.Goals().Create(ctx, models.Goal{Title: "v1"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		e, ok := onlyGoal(laptop.Goals())
		return ok && !models.IsProvisional(e.ID)
	}, waitFor, tick)
	laptop.Disconnect()

	confirmed, _ := onlyGoal(laptop.Goals())
	_, err = laptop.Goals().Update(ctx, g.ID, models.Goal{Title: "v2"})
	require.NoError(t, err)
	_, err = laptop.Goals().Update(ctx, confirmed.ID, models.Goal{Title: "v3"})
	require.NoError(t, err)
	assert.Equal(t, 1, laptop.Queue().Len())

	require.NoError(t, phone.Connect(ctx))
	require.NoError(t, laptop.Connect(ctx))

	require.Eventually(t, func() bool {
		e, ok := onlyGoal(phone.Goals())
		return ok && title(e) == "v3"
	}, waitFor, tick)
	assert.Zero(t, laptop.Queue().Len())
}
