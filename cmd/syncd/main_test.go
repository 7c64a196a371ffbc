package main

import (
	"bytes"
	"testing"
	"time"

	"practice-sync/internal/engine"
	"practice-sync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootRejectsUnknownFormat(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"queue", "--format", "xml"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestQueueCommandOnEmptyMemoryStore(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("LOGGING_LEVEL", "ERROR")

	var out bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"queue", "--identity", "alice"})
	cmd.SetOut(&out)

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "offline queue is empty")
}

func TestQueueCommandRequiresIdentity(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("SYNC_IDENTITY", "")

	cmd := NewRootCommand()
	cmd.SetArgs([]string{"queue"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})

	assert.Error(t, cmd.Execute())
}

func TestPrintQueue(t *testing.T) {
	queuedAt := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	items := []models.OfflineQueueItem{{
		Event:    models.NewEvent(models.EntityDeleted{ID: "g1", Kind: models.KindGoal}, queuedAt),
		QueuedAt: queuedAt,
	}}

	var text bytes.Buffer
	require.NoError(t, printQueue(&text, "text", items))
	assert.Contains(t, text.String(), "QUEUED AT")
	assert.Contains(t, text.String(), "ENTRY_DELETED")
	assert.Contains(t, text.String(), "g1")
	assert.Contains(t, text.String(), "2024-05-01T10:00:00Z")

	var js bytes.Buffer
	require.NoError(t, printQueue(&js, "json", items))
	assert.Contains(t, js.String(), `"queuedAt"`)
	assert.Contains(t, js.String(), `"ENTRY_DELETED"`)
}

func TestPrintStatus(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, printStatus(&out, "text", engine.Status{
		Identity:  "alice",
		State:     models.StateReconnecting,
		Attempts:  2,
		QueueSize: 1,
		Entities:  map[models.EntityKind]int{models.KindGoal: 3, models.KindLogEntry: 0},
	}))

	s := out.String()
	assert.Contains(t, s, "alice")
	assert.Contains(t, s, "reconnecting (attempts 2)")
	assert.Contains(t, s, "last sync:  never")
	assert.Contains(t, s, "goal")
	assert.Less(t, bytes.Index(out.Bytes(), []byte("goal")), bytes.Index(out.Bytes(), []byte(string(models.KindLogEntry))))
}
