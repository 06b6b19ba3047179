package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenthub/hubd/pkg/auth"
	"github.com/agenthub/hubd/pkg/config"
	"github.com/agenthub/hubd/pkg/council"
	"github.com/agenthub/hubd/pkg/database"
	"github.com/agenthub/hubd/pkg/events"
	"github.com/agenthub/hubd/pkg/health"
	"github.com/agenthub/hubd/pkg/retry"
	"github.com/agenthub/hubd/pkg/services"
	"github.com/agenthub/hubd/pkg/session"
	"github.com/agenthub/hubd/pkg/sla"
	"github.com/agenthub/hubd/pkg/wire"
)

type harness struct {
	cfg      *config.Config
	srv      *Server
	bus      *events.Bus
	messages *services.MessageService
	tasks    *services.TaskService
	trust    *services.TrustService
	monitor  *health.Monitor
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newHarness starts a full server over a migrated database. Tokens for
// alice, bob, and carol are provisioned.
func newHarness(t *testing.T, db *database.Client) *harness {
	t.Helper()
	t.Setenv("CLAUDE_HUB_DIR", t.TempDir())
	cfg, err := config.Load()
	require.NoError(t, err)

	logger := quietLogger()
	tokens := auth.NewTokenStore(cfg.TokensDir())
	for _, account := range []string{"alice", "bob", "carol"} {
		require.NoError(t, tokens.WriteToken(account, account+"-token"))
	}

	bus := events.NewBus(0, 0)
	messages := services.NewMessageService(db, logger)
	tasks, err := services.NewTaskService(context.Background(), db, logger)
	require.NoError(t, err)
	trust := services.NewTrustService(db, logger)
	monitor := health.NewMonitor(0)
	sessions := session.NewManager(0, logger)
	registry := NewRegistry()

	cache := council.NewCache(
		filepath.Join(t.TempDir(), "council-cache.json"),
		filepath.Join(t.TempDir(), "council-verifications.json"),
	)
	engine := council.NewEngine(NewCaller(registry), bus, cfg.Council, cache, logger)

	srv := New(cfg, Deps{
		Tokens:   tokens,
		Bus:      bus,
		Messages: messages,
		Tasks:    tasks,
		Trust:    trust,
		Monitor:  monitor,
		Sessions: sessions,
		Council:  engine,
		Registry: registry,
	}, logger)
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)

	return &harness{cfg: cfg, srv: srv, bus: bus, messages: messages,
		tasks: tasks, trust: trust, monitor: monitor}
}

type client struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
}

func dial(t *testing.T, h *harness) *client {
	t.Helper()
	conn, err := net.Dial("unix", h.cfg.SocketPath())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &client{t: t, conn: conn, reader: bufio.NewReader(conn)}
}

func (c *client) send(v any) {
	c.t.Helper()
	data, err := wire.Encode(v)
	require.NoError(c.t, err)
	_, err = c.conn.Write(data)
	require.NoError(c.t, err)
}

func (c *client) recv() map[string]any {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	line, err := c.reader.ReadString('\n')
	require.NoError(c.t, err, "reading reply")
	var reply map[string]any
	require.NoError(c.t, json.Unmarshal([]byte(line), &reply))
	return reply
}

// recvType skips records of other types, e.g. stream events interleaved with
// a result reply.
func (c *client) recvType(replyType string) map[string]any {
	c.t.Helper()
	for i := 0; i < 50; i++ {
		reply := c.recv()
		if reply["type"] == replyType {
			return reply
		}
	}
	c.t.Fatalf("no %s reply received", replyType)
	return nil
}

func (c *client) request(v any) map[string]any {
	c.t.Helper()
	c.send(v)
	return c.recv()
}

func (c *client) auth(account string) {
	c.t.Helper()
	reply := c.request(map[string]any{
		"type": wire.TypeAuth, "account": account, "token": account + "-token",
	})
	require.Equal(c.t, wire.ReplyAuthOK, reply["type"])
}

func result(t *testing.T, reply map[string]any) map[string]any {
	t.Helper()
	require.Equal(t, wire.ReplyResult, reply["type"], "reply: %v", reply)
	res, ok := reply["result"].(map[string]any)
	require.True(t, ok)
	return res
}

func validHandoff(goal string) map[string]any {
	return map[string]any{
		"goal":                goal,
		"acceptance_criteria": []string{"tests pass"},
		"run_commands":        []string{"make test"},
	}
}

func TestAuth_InvalidTokenCloses(t *testing.T) {
	h := newHarness(t, database.NewTestClient(t))
	c := dial(t, h)

	reply := c.request(map[string]any{"type": wire.TypeAuth, "account": "alice", "token": "wrong"})
	assert.Equal(t, wire.ReplyAuthFail, reply["type"])

	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := c.reader.ReadString('\n')
	assert.ErrorIs(t, err, io.EOF, "connection closes after auth_fail")
}

func TestAuth_NonAuthFirstRecordIgnored(t *testing.T) {
	h := newHarness(t, database.NewTestClient(t))
	c := dial(t, h)

	// Pre-auth records are ignored; auth still works afterwards.
	c.send(map[string]any{"type": wire.TypeListAccounts})
	c.auth("alice")

	res := result(t, c.request(map[string]any{"type": wire.TypeListAccounts}))
	accounts := res["accounts"].([]any)
	require.Len(t, accounts, 1)
}

func TestSendAndReceiveMessage(t *testing.T) {
	h := newHarness(t, database.NewTestClient(t))

	alice := dial(t, h)
	alice.auth("alice")
	res := result(t, alice.request(map[string]any{
		"type": wire.TypeSendMessage, "to": "bob", "content": "hi",
	}))
	assert.Equal(t, false, res["delivered"], "bob is not connected yet")
	assert.Equal(t, true, res["queued"])

	bob := dial(t, h)
	bob.auth("bob")
	res = result(t, bob.request(map[string]any{"type": wire.TypeReadMessages}))
	msgs := res["messages"].([]any)
	require.Len(t, msgs, 1)
	msg := msgs[0].(map[string]any)
	assert.Equal(t, "hi", msg["content"])
	assert.Equal(t, "alice", msg["from"])
	assert.Equal(t, true, msg["read"])

	// The backlog was marked read: a second call returns nothing.
	res = result(t, bob.request(map[string]any{"type": wire.TypeReadMessages}))
	assert.Empty(t, res["messages"])
}

func TestSendMessage_DeliveredWhenRecipientConnected(t *testing.T) {
	h := newHarness(t, database.NewTestClient(t))

	bob := dial(t, h)
	bob.auth("bob")
	alice := dial(t, h)
	alice.auth("alice")

	res := result(t, alice.request(map[string]any{
		"type": wire.TypeSendMessage, "to": "bob", "content": "hi",
	}))
	assert.Equal(t, true, res["delivered"])
}

func TestHandoff_ValidationRejectsWithoutRow(t *testing.T) {
	h := newHarness(t, database.NewTestClient(t))
	alice := dial(t, h)
	alice.auth("alice")

	reply := alice.request(map[string]any{
		"type": wire.TypeHandoffTask,
		"to":   "bob",
		"payload": map[string]any{
			"goal":                "g",
			"acceptance_criteria": []string{},
			"run_commands":        []string{"make test"},
		},
	})
	require.Equal(t, wire.ReplyError, reply["type"])
	assert.Equal(t, "Invalid handoff payload", reply["error"])
	details := reply["details"].([]any)
	require.NotEmpty(t, details)
	assert.Equal(t, "acceptance_criteria", details[0].(map[string]any)["field"])

	// Nothing was written.
	msgs, err := h.messages.Unread(context.Background(), "bob")
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.Empty(t, h.tasks.List())

	// The connection survives a validation error.
	res := result(t, alice.request(map[string]any{"type": wire.TypeListAccounts}))
	assert.NotNil(t, res["accounts"])
}

func TestHandoff_CreatesMessageAndTask(t *testing.T) {
	h := newHarness(t, database.NewTestClient(t))
	alice := dial(t, h)
	alice.auth("alice")

	res := result(t, alice.request(map[string]any{
		"type": wire.TypeHandoffTask, "to": "bob", "payload": validHandoff("add caching"),
	}))
	assert.NotEmpty(t, res["handoffId"])
	assert.NotEmpty(t, res["taskId"])

	tasks := h.tasks.List()
	require.Len(t, tasks, 1)
	assert.Equal(t, "add caching", tasks[0].Title)
	assert.Equal(t, "bob", tasks[0].Assignee)
	assert.Equal(t, res["handoffId"], tasks[0].HandoffID)

	payload, err := h.messages.HandoffPayload(context.Background(), tasks[0].HandoffID)
	require.NoError(t, err)
	assert.Equal(t, "add caching", payload.Goal)
	assert.Equal(t, []string{"none"}, payload.BlockedBy)
}

func TestTaskAccept_EmitsReceiptForRightHandoff(t *testing.T) {
	h := newHarness(t, database.NewTestClient(t))

	watcher := dial(t, h)
	watcher.auth("carol")
	res := result(t, watcher.request(map[string]any{
		"type": wire.TypeSubscribe, "patterns": []string{events.TypeTaskVerified},
	}))
	assert.Equal(t, true, res["subscribed"])

	alice := dial(t, h)
	alice.auth("alice")
	result(t, alice.request(map[string]any{
		"type": wire.TypeHandoffTask, "to": "bob", "payload": validHandoff("task one"),
	}))
	second := result(t, alice.request(map[string]any{
		"type": wire.TypeHandoffTask, "to": "bob", "payload": validHandoff("task two"),
	}))
	taskID := second["taskId"].(string)

	bob := dial(t, h)
	bob.auth("bob")
	for _, status := range []string{"in_progress", "ready_for_review", "accepted"} {
		reply := bob.request(map[string]any{
			"type": wire.TypeUpdateTaskStatus, "taskId": taskID, "status": status,
		})
		require.Equal(t, wire.ReplyResult, reply["type"], "transition to %s: %v", status, reply)
	}

	stream := watcher.recvType(wire.ReplyStreamEvent)
	event := stream["event"].(map[string]any)
	assert.Equal(t, events.TypeTaskVerified, event["type"])
	assert.Equal(t, taskID, event["taskId"])

	receipt := event["receipt"].(map[string]any)
	assert.Equal(t, taskID, receipt["task_id"])
	// Hash binds to task two's handoff, not task one's.
	assert.Equal(t, council.SpecHash("task two", []string{"tests pass"}), receipt["spec_hash"])

	// Accepting recorded a completed outcome for bob.
	rep, err := h.trust.Get(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Completed)
}

func TestUpdateTaskStatus_RejectRequiresReason(t *testing.T) {
	h := newHarness(t, database.NewTestClient(t))
	alice := dial(t, h)
	alice.auth("alice")

	res := result(t, alice.request(map[string]any{
		"type": wire.TypeHandoffTask, "to": "bob", "payload": validHandoff("g"),
	}))
	taskID := res["taskId"].(string)

	result(t, alice.request(map[string]any{
		"type": wire.TypeUpdateTaskStatus, "taskId": taskID, "status": "in_progress",
	}))
	result(t, alice.request(map[string]any{
		"type": wire.TypeUpdateTaskStatus, "taskId": taskID, "status": "ready_for_review",
	}))

	reply := alice.request(map[string]any{
		"type": wire.TypeUpdateTaskStatus, "taskId": taskID, "status": "rejected",
	})
	require.Equal(t, wire.ReplyError, reply["type"])
	details := reply["details"].([]any)
	require.NotEmpty(t, details)
	assert.Equal(t, "reason", details[0].(map[string]any)["field"])
}

func TestUnknownRequestTypeIsNonFatal(t *testing.T) {
	h := newHarness(t, database.NewTestClient(t))
	alice := dial(t, h)
	alice.auth("alice")

	reply := alice.request(map[string]any{"type": "frobnicate"})
	require.Equal(t, wire.ReplyError, reply["type"])
	assert.Contains(t, reply["error"], "unknown request type")

	// Still dispatching afterwards.
	result(t, alice.request(map[string]any{"type": wire.TypeListAccounts}))
}

func TestListAccounts(t *testing.T) {
	h := newHarness(t, database.NewTestClient(t))
	alice := dial(t, h)
	alice.auth("alice")
	bob := dial(t, h)
	bob.auth("bob")

	res := result(t, alice.request(map[string]any{"type": wire.TypeListAccounts}))
	accounts := res["accounts"].([]any)
	require.Len(t, accounts, 2)
	first := accounts[0].(map[string]any)
	assert.Equal(t, "alice", first["name"])
	assert.Equal(t, "active", first["status"])
}

func TestSessionFlowOverWire(t *testing.T) {
	h := newHarness(t, database.NewTestClient(t))
	alice := dial(t, h)
	alice.auth("alice")
	bob := dial(t, h)
	bob.auth("bob")

	res := result(t, alice.request(map[string]any{
		"type": wire.TypeShareSession, "participant": "bob", "workspace": "/src/app",
	}))
	sessionID := res["id"].(string)

	result(t, bob.request(map[string]any{
		"type": wire.TypeJoinSession, "sessionId": sessionID,
	}))
	result(t, alice.request(map[string]any{
		"type": wire.TypeSessionBroadcast, "sessionId": sessionID, "data": "editing main.go",
	}))

	res = result(t, bob.request(map[string]any{
		"type": wire.TypeSessionPing, "sessionId": sessionID,
	}))
	updates := res["updates"].([]any)
	require.Len(t, updates, 1)
	assert.Equal(t, "editing main.go", updates[0].(map[string]any)["data"])

	result(t, bob.request(map[string]any{
		"type": wire.TypeLeaveSession, "sessionId": sessionID,
	}))
	reply := bob.request(map[string]any{
		"type": wire.TypeSessionBroadcast, "sessionId": sessionID, "data": "x",
	})
	assert.Equal(t, wire.ReplyError, reply["type"])
}

func TestDisconnectClearsRegistryAndHealth(t *testing.T) {
	h := newHarness(t, database.NewTestClient(t))
	alice := dial(t, h)
	alice.auth("alice")

	require.True(t, h.srv.deps.Registry.IsConnected("alice"))
	alice.conn.Close()

	require.Eventually(t, func() bool {
		return !h.srv.deps.Registry.IsConnected("alice")
	}, 2*time.Second, 10*time.Millisecond)

	rec, ok := h.monitor.Get("alice")
	require.True(t, ok)
	assert.False(t, rec.Connected)
}

func TestRoutedAgentCall(t *testing.T) {
	h := newHarness(t, database.NewTestClient(t))
	bob := dial(t, h)
	bob.auth("bob")

	caller := NewCaller(h.srv.deps.Registry)
	done := make(chan struct{})
	var reply string
	var callErr error
	var chunks []council.Chunk
	go func() {
		defer close(done)
		reply, callErr = caller.Call(context.Background(), "bob", "what is 2+2?",
			func(chunk council.Chunk) { chunks = append(chunks, chunk) })
	}()

	// bob's client receives the pushed request and answers it.
	req := bob.recvType(wire.TypeAgentRequest)
	assert.Equal(t, "what is 2+2?", req["prompt"])
	callID := req["callId"].(string)

	bob.send(map[string]any{
		"type": wire.TypeAgentChunk, "callId": callID, "chunkType": "text", "content": "thinking",
	})
	bob.send(map[string]any{
		"type": wire.TypeAgentResponse, "callId": callID, "content": "4",
	})

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("routed call did not complete")
	}
	require.NoError(t, callErr)
	assert.Equal(t, "4", reply)
	require.Len(t, chunks, 1)
	assert.Equal(t, "thinking", chunks[0].Content)
}

func TestRoutedAgentCall_OversizedChunkTruncated(t *testing.T) {
	h := newHarness(t, database.NewTestClient(t))
	bob := dial(t, h)
	bob.auth("bob")

	caller := NewCaller(h.srv.deps.Registry)
	chunks := make(chan council.Chunk, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = caller.Call(context.Background(), "bob", "prompt",
			func(chunk council.Chunk) { chunks <- chunk })
	}()

	req := bob.recvType(wire.TypeAgentRequest)
	oversized := strings.Repeat("x", h.cfg.Server.MaxChunkBytes+1024)
	bob.send(map[string]any{
		"type": wire.TypeAgentChunk, "callId": req["callId"],
		"chunkType": "text", "content": oversized,
	})
	bob.send(map[string]any{
		"type": wire.TypeAgentResponse, "callId": req["callId"], "content": "ok",
	})

	select {
	case chunk := <-chunks:
		assert.Len(t, chunk.Content, h.cfg.Server.MaxChunkBytes)
	case <-time.After(3 * time.Second):
		t.Fatal("chunk was not relayed")
	}
	<-done
}

func TestRoutedAgentCall_ClassifiedError(t *testing.T) {
	h := newHarness(t, database.NewTestClient(t))
	bob := dial(t, h)
	bob.auth("bob")

	caller := NewCaller(h.srv.deps.Registry)
	done := make(chan error, 1)
	go func() {
		_, err := caller.Call(context.Background(), "bob", "prompt", nil)
		done <- err
	}()

	req := bob.recvType(wire.TypeAgentRequest)
	bob.send(map[string]any{
		"type": wire.TypeAgentError, "callId": req["callId"],
		"error": "provider busy", "errorKind": "rate_limit", "retryAfterMs": 500,
	})

	var callErr error
	select {
	case callErr = <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("routed call did not complete")
	}
	require.Error(t, callErr)

	var classified *retry.Error
	require.True(t, errors.As(callErr, &classified))
	assert.Equal(t, retry.KindRateLimit, classified.Kind)
	assert.True(t, classified.Retryable)
	assert.EqualValues(t, 500, classified.RetryAfterMs)
}

func TestRoutedAgentCall_NotConnected(t *testing.T) {
	h := newHarness(t, database.NewTestClient(t))
	caller := NewCaller(h.srv.deps.Registry)
	_, err := caller.Call(context.Background(), "ghost", "hello", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not connected")
}

func TestArchiveMessages_ClampsToRetentionFloor(t *testing.T) {
	db := database.NewTestClient(t)
	insert := func(id string, ageDays int) {
		created := time.Now().UTC().AddDate(0, 0, -ageDays).Format(time.RFC3339Nano)
		_, err := db.DB().Exec(
			`INSERT INTO messages (id, from_account, to_account, kind, content, created_at, read, archived)
			 VALUES (?, 'alice', 'bob', 'message', 'aged', ?, 1, 0)`, id, created)
		require.NoError(t, err)
	}
	insert("m-recent", 2)
	insert("m-ancient", 20)

	h := newHarness(t, db)
	alice := dial(t, h)
	alice.auth("alice")

	// days:1 is below the retention floor; only mail older than the floor
	// may be archived.
	reply := alice.request(map[string]any{"type": wire.TypeArchiveMessages, "days": 1})
	assert.EqualValues(t, 1, result(t, reply)["archived"])

	page, err := h.messages.Paged(context.Background(), "bob", 10, 0)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "m-recent", page[0].ID)
}

func TestSLARunner_PingOverdueTask(t *testing.T) {
	db := database.NewTestClient(t)
	started := time.Now().Add(-35 * time.Minute).UTC()
	_, err := db.DB().Exec(
		`INSERT INTO tasks (id, title, status, assignee, created_at, started_at,
		                    criticality, reassignment_count, events, last_progress, handoff_id)
		 VALUES (?, ?, ?, ?, ?, ?, NULL, 0, '[]', NULL, NULL)`,
		"t-slow", "slow task", "in_progress", "bob",
		started.Add(-time.Minute).Format(time.RFC3339Nano),
		started.Format(time.RFC3339Nano))
	require.NoError(t, err)

	h := newHarness(t, db)
	runner := NewSLARunner(h.srv, sla.NewCoordinator(h.cfg.SLA, quietLogger()), quietLogger())

	actions := runner.Evaluate(context.Background())
	require.Len(t, actions, 1)
	assert.Equal(t, sla.ActionPing, actions[0].Type)
	assert.Equal(t, "t-slow", actions[0].TaskID)

	// bob got a nudge message from the hub.
	msgs, err := h.messages.Unread(context.Background(), "bob")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hub", msgs[0].From)

	// The miss is reflected in trust and health.
	rep, err := h.trust.Get(context.Background(), "bob")
	require.NoError(t, err)
	assert.Less(t, rep.SLAComplianceRate, 1.0)
	rec, ok := h.monitor.Get("bob")
	require.True(t, ok)
	assert.Equal(t, 1, rec.SLAViolations)
}
