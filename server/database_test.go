package server

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditStoreSessions(t *testing.T) {
	store, err := OpenAuditStore("")
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.StartSession("s1"))
	rec, err := store.Session("s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", rec.ID)
	assert.True(t, rec.EndedAt.IsZero())
	assert.WithinDuration(t, time.Now(), rec.StartedAt, time.Minute)

	require.NoError(t, store.EndSession("s1", 12))
	rec, err = store.Session("s1")
	require.NoError(t, err)
	assert.Equal(t, 12, rec.Requests)
	assert.False(t, rec.EndedAt.IsZero())

	_, err = store.Session("nope")
	assert.Error(t, err)

	assert.Error(t, store.StartSession("s1"), "duplicate session ids are rejected")
}

func TestAuditStoreToolCalls(t *testing.T) {
	store, err := OpenAuditStore("")
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.RecordToolCall(ToolCallRecord{SessionID: "s1", Tool: "foo", Backend: "A", Outcome: OutcomeOK, Duration: 15 * time.Millisecond}))
	require.NoError(t, store.RecordToolCall(ToolCallRecord{SessionID: "s1", Tool: "bar", Outcome: OutcomeNotFound, Error: "tool not found"}))
	require.NoError(t, store.RecordToolCall(ToolCallRecord{SessionID: "s2", Tool: "foo", Backend: "A", Outcome: OutcomeFailed}))

	calls, err := store.ToolCalls("s1")
	require.NoError(t, err)
	require.Len(t, calls, 2)

	assert.Equal(t, "foo", calls[0].Tool)
	assert.Equal(t, "A", calls[0].Backend)
	assert.Equal(t, 15*time.Millisecond, calls[0].Duration)
	assert.False(t, calls[0].At.IsZero())

	assert.Equal(t, "bar", calls[1].Tool)
	assert.Empty(t, calls[1].Backend)
	assert.Equal(t, "tool not found", calls[1].Error)

	none, err := store.ToolCalls("s3")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestAuditStoreDiagnostics(t *testing.T) {
	store, err := OpenAuditStore("")
	require.NoError(t, err)
	defer store.Close()

	diags := []Diagnostic{
		{Kind: DiagCollision, Tool: "search", Backend: "A", Shadowed: "B"},
		{Kind: DiagDegraded, Backend: "C", Detail: "no allowed tools offered"},
	}
	for _, d := range diags {
		require.NoError(t, store.RecordDiagnostic(d))
	}

	got, err := store.Diagnostics()
	require.NoError(t, err)
	assert.Equal(t, diags, got)
}

func TestAuditStoreInMemoryStoresAreIsolated(t *testing.T) {
	a, err := OpenAuditStore("")
	require.NoError(t, err)
	defer a.Close()
	b, err := OpenAuditStore("")
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, a.StartSession("only-in-a"))
	_, err = b.Session("only-in-a")
	assert.Error(t, err)
}

func TestAuditStoreFilePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")

	store, err := OpenAuditStore(path)
	require.NoError(t, err)
	require.NoError(t, store.StartSession("s1"))
	require.NoError(t, store.Close())

	reopened, err := OpenAuditStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	rec, err := reopened.Session("s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", rec.ID)
}
