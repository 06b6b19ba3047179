package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/agenthub/hubd/pkg/council"
	"github.com/agenthub/hubd/pkg/events"
	"github.com/agenthub/hubd/pkg/retry"
	"github.com/agenthub/hubd/pkg/wire"
)

// writeTimeout bounds a single record write so one stuck peer cannot pin a
// delivery goroutine forever.
const writeTimeout = 10 * time.Second

var errConnClosed = errors.New("connection closed")

type agentOutcome struct {
	content string
	err     error
}

type pendingCall struct {
	onChunk func(council.Chunk)
	done    chan agentOutcome
}

// Conn is one accepted socket connection. Until authentication succeeds the
// account is empty and only auth records are acted on.
type Conn struct {
	id      string
	netConn net.Conn
	logger  *slog.Logger

	// maxChunkBytes caps the content of one agent_chunk record; oversized
	// chunks are truncated at ingestion.
	maxChunkBytes int

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex

	mu      sync.Mutex
	account string
	sub     *events.Subscription
	pending map[string]*pendingCall
	closed  bool
}

func newConn(id string, netConn net.Conn, maxChunkBytes int, logger *slog.Logger) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		id:            id,
		netConn:       netConn,
		logger:        logger.With("conn", id),
		maxChunkBytes: maxChunkBytes,
		ctx:           ctx,
		cancel:        cancel,
		pending:       make(map[string]*pendingCall),
	}
}

// Account returns the authenticated account name, or "" before auth.
func (c *Conn) Account() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.account
}

func (c *Conn) setAccount(account string) {
	c.mu.Lock()
	c.account = account
	c.mu.Unlock()
}

// writeRecord encodes v as one NDJSON line and writes it. Writes are
// serialized so concurrent repliers and event deliveries never interleave
// bytes of different records.
func (c *Conn) writeRecord(v any) error {
	data, err := wire.Encode(v)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.netConn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err = c.netConn.Write(data)
	return err
}

func (c *Conn) result(requestID string, result any) {
	if err := c.writeRecord(wire.ResultReply{Type: wire.ReplyResult, RequestID: requestID, Result: result}); err != nil {
		c.logger.Debug("failed to write result", "error", err)
	}
}

func (c *Conn) errorReply(requestID, message string, details []wire.FieldError) {
	reply := wire.ErrorReply{Type: wire.ReplyError, RequestID: requestID, Error: message, Details: details}
	if err := c.writeRecord(reply); err != nil {
		c.logger.Debug("failed to write error reply", "error", err)
	}
}

// DeliverEvent implements events.Sink: bus events reach subscribed
// connections as stream_event records.
func (c *Conn) DeliverEvent(evt events.Event) {
	err := c.writeRecord(wire.StreamEventReply{Type: wire.ReplyStreamEvent, Event: evt})
	if err != nil {
		c.logger.Debug("failed to deliver event", "event_type", evt.Type, "error", err)
	}
}

// registerCall tracks a routed agent call awaiting its reply records.
func (c *Conn) registerCall(callID string, onChunk func(council.Chunk)) (*pendingCall, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errConnClosed
	}
	pc := &pendingCall{onChunk: onChunk, done: make(chan agentOutcome, 1)}
	c.pending[callID] = pc
	return pc, nil
}

func (c *Conn) unregisterCall(callID string) {
	c.mu.Lock()
	delete(c.pending, callID)
	c.mu.Unlock()
}

// handleAgentReply routes agent_chunk / agent_response / agent_error records
// from the client back to the waiting caller.
func (c *Conn) handleAgentReply(rec wire.Record) {
	var reply wire.AgentReplyRecord
	if err := decode(rec.Raw, &reply); err != nil || reply.CallID == "" {
		return
	}

	c.mu.Lock()
	pc, ok := c.pending[reply.CallID]
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("agent reply for unknown call", "call_id", reply.CallID, "type", reply.Type)
		return
	}

	switch reply.Type {
	case wire.TypeAgentChunk:
		if pc.onChunk != nil {
			content := reply.Content
			if c.maxChunkBytes > 0 && len(content) > c.maxChunkBytes {
				c.logger.Debug("truncating oversized chunk",
					"call_id", reply.CallID, "bytes", len(content))
				content = content[:c.maxChunkBytes]
			}
			pc.onChunk(council.Chunk{
				Account:   c.Account(),
				ChunkType: reply.ChunkType,
				Content:   content,
				ToolName:  reply.ToolName,
				ToolInput: reply.ToolInput,
			})
		}
	case wire.TypeAgentResponse:
		select {
		case pc.done <- agentOutcome{content: reply.Content}:
		default:
		}
	case wire.TypeAgentError:
		select {
		case pc.done <- agentOutcome{err: classifyAgentError(reply)}:
		default:
		}
	}
}

// classifyAgentError turns an agent_error record into a classified error
// when the client reported a failure kind, so council retries can tell a
// rate limit from a hard failure. Unclassified errors stay plain.
func classifyAgentError(reply wire.AgentReplyRecord) error {
	if reply.ErrorKind == "" {
		return errors.New(reply.Error)
	}
	classified := retry.New(retry.Kind(reply.ErrorKind), reply.Error)
	if classified.Retryable && reply.RetryAfterMs > 0 {
		classified.RetryAfterMs = reply.RetryAfterMs
	}
	return classified
}

// close tears the connection down: cancels request contexts, fails all
// pending routed calls, and closes the socket. Idempotent.
func (c *Conn) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := c.pending
	c.pending = make(map[string]*pendingCall)
	c.mu.Unlock()

	c.cancel()
	for _, pc := range pending {
		select {
		case pc.done <- agentOutcome{err: errConnClosed}:
		default:
		}
	}
	_ = c.netConn.Close()
}
