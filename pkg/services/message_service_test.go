package services

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenthub/hubd/pkg/database"
	"github.com/agenthub/hubd/pkg/models"
)

func newMessageService(t *testing.T) (*MessageService, *database.Client) {
	t.Helper()
	client := database.NewTestClient(t)
	return NewMessageService(client, slog.Default()), client
}

func TestMessageService_AddAndUnread(t *testing.T) {
	svc, _ := newMessageService(t)
	ctx := context.Background()

	first, err := svc.Add(ctx, models.CreateMessageRequest{
		From: "alice", To: "bob", Content: "first",
		Context: map[string]string{"projectDir": "/tmp/demo"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, models.KindMessage, first.Kind)

	_, err = svc.Add(ctx, models.CreateMessageRequest{From: "alice", To: "bob", Content: "second"})
	require.NoError(t, err)
	_, err = svc.Add(ctx, models.CreateMessageRequest{From: "alice", To: "carol", Content: "other inbox"})
	require.NoError(t, err)

	unread, err := svc.Unread(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, unread, 2)
	assert.Equal(t, "first", unread[0].Content)
	assert.Equal(t, "second", unread[1].Content)
	assert.Equal(t, map[string]string{"projectDir": "/tmp/demo"}, unread[0].Context)
}

func TestMessageService_AddValidation(t *testing.T) {
	svc, _ := newMessageService(t)
	ctx := context.Background()

	_, err := svc.Add(ctx, models.CreateMessageRequest{From: "../etc", To: "bob", Content: "x"})
	assert.True(t, IsValidationError(err))

	_, err = svc.Add(ctx, models.CreateMessageRequest{From: "alice", To: "bob"})
	assert.True(t, IsValidationError(err))

	_, err = svc.Add(ctx, models.CreateMessageRequest{From: "alice", To: "bob", Content: "x", Kind: "weird"})
	assert.True(t, IsValidationError(err))
}

func TestMessageService_MarkAllReadIdempotent(t *testing.T) {
	svc, _ := newMessageService(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := svc.Add(ctx, models.CreateMessageRequest{From: "alice", To: "bob", Content: "m"})
		require.NoError(t, err)
	}

	n, err := svc.MarkAllRead(ctx, "bob")
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	n, err = svc.MarkAllRead(ctx, "bob")
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	unread, err := svc.Unread(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, unread)
}

func TestMessageService_Paged(t *testing.T) {
	svc, _ := newMessageService(t)
	ctx := context.Background()

	for _, content := range []string{"a", "b", "c"} {
		_, err := svc.Add(ctx, models.CreateMessageRequest{From: "alice", To: "bob", Content: content})
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}
	_, err := svc.MarkAllRead(ctx, "bob")
	require.NoError(t, err)

	// Read messages stay visible in the paged view, newest first.
	page, err := svc.Paged(ctx, "bob", 2, 0)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "c", page[0].Content)
	assert.True(t, page[0].Read)

	rest, err := svc.Paged(ctx, "bob", 2, 2)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "a", rest[0].Content)
}

func TestMessageService_ArchiveOld(t *testing.T) {
	svc, client := newMessageService(t)
	ctx := context.Background()

	old := time.Now().UTC().AddDate(0, 0, -30).Format(time.RFC3339Nano)
	insert := func(id string, read int, createdAt string) {
		_, err := client.DB().Exec(
			`INSERT INTO messages (id, from_account, to_account, kind, content, created_at, read)
			 VALUES (?, 'alice', 'bob', 'message', 'x', ?, ?)`, id, createdAt, read)
		require.NoError(t, err)
	}
	insert("old-read", 1, old)
	insert("old-unread", 0, old)
	insert("new-read", 1, time.Now().UTC().Format(time.RFC3339Nano))

	n, err := svc.ArchiveOld(ctx, 14)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	// Unread messages survive archival regardless of age.
	unread, err := svc.Unread(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, unread, 1)
	assert.Equal(t, "old-unread", unread[0].ID)

	_, err = svc.ArchiveOld(ctx, 0)
	assert.True(t, IsValidationError(err))
}

func TestMessageService_HandoffPayload(t *testing.T) {
	svc, _ := newMessageService(t)
	ctx := context.Background()

	payload := `{"goal":"ship it","acceptance_criteria":["tests pass"],"run_commands":["make test"],"blocked_by":["none"]}`
	msg, err := svc.Add(ctx, models.CreateMessageRequest{
		From: "alice", To: "bob", Kind: models.KindHandoff, Content: payload,
	})
	require.NoError(t, err)

	got, err := svc.HandoffPayload(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "ship it", got.Goal)
	assert.Equal(t, []string{"tests pass"}, got.AcceptanceCriteria)

	plain, err := svc.Add(ctx, models.CreateMessageRequest{From: "alice", To: "bob", Content: "hi"})
	require.NoError(t, err)
	_, err = svc.HandoffPayload(ctx, plain.ID)
	assert.True(t, IsValidationError(err))

	_, err = svc.HandoffPayload(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
