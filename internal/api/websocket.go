package api

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-recon/api/schemas"
	"github.com/xkilldash9x/scalpel-recon/internal/orchestrator"
)

// MessageType is the kind of a stream message.
type MessageType string

const (
	MsgOutput       MessageType = "output"
	MsgProgress     MessageType = "progress"
	MsgNotification MessageType = "notification"
	MsgDone         MessageType = "done"
	MsgError        MessageType = "error"
)

// WSMessage is the frame every stream sends.
type WSMessage struct {
	Type      MessageType `json:"type"`
	TaskID    string      `json:"task_id,omitempty"`
	Data      any         `json:"data,omitempty"`
	Timestamp string      `json:"timestamp"`
}

const (
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = (pongWait * 9) / 10
	maxMessageSize  = 8192
	sendChannelSize = 256
	// outputTailBytes bounds the stage output a pipeline stream repeats.
	outputTailBytes = 2000
)

var (
	errClientGone     = errors.New("websocket client closed")
	errSendBufferFull = errors.New("websocket send buffer full")
)

// wsClient owns one connection. All writes go through writePump; producers
// enqueue without blocking.
type wsClient struct {
	conn *websocket.Conn
	log  *zap.Logger
	send chan WSMessage

	mu   sync.Mutex
	done bool
}

func newWSClient(conn *websocket.Conn, log *zap.Logger) *wsClient {
	return &wsClient{conn: conn, log: log, send: make(chan WSMessage, sendChannelSize)}
}

func (c *wsClient) enqueue(msgType MessageType, taskID string, data any) error {
	msg := WSMessage{Type: msgType, TaskID: taskID, Data: data, Timestamp: time.Now().UTC().Format(time.RFC3339)}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return errClientGone
	}
	select {
	case c.send <- msg:
		return nil
	default:
		return errSendBufferFull
	}
}

// enqueueWait is enqueue for producers that can afford to block: it waits for
// room in the send buffer until ctx ends.
func (c *wsClient) enqueueWait(ctx context.Context, msgType MessageType, taskID string, data any) error {
	msg := WSMessage{Type: msgType, TaskID: taskID, Data: data, Timestamp: time.Now().UTC().Format(time.RFC3339)}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return errClientGone
	}
	select {
	case c.send <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// finish lets writePump flush what is queued, send a close frame and exit.
func (c *wsClient) finish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.done {
		c.done = true
		close(c.send)
	}
}

// readPump discards client frames and returns once the peer goes away.
func (c *wsClient) readPump() {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.NextReader(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("WebSocket closed unexpectedly", zap.Error(err))
			}
			return
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				c.log.Debug("Error writing WebSocket message", zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// stream upgrades the request and runs produce until it returns, the peer
// disconnects or the server shuts down. ready, when set, runs on the raw
// connection before the pumps start.
func (s *Server) stream(w http.ResponseWriter, r *http.Request, ready func(*websocket.Conn) error, produce func(ctx context.Context, c *wsClient)) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Failed to upgrade connection to WebSocket", zap.Error(err))
		return
	}
	log := s.logger.With(zap.String("path", r.URL.Path))
	c := newWSClient(conn, log)

	if ready != nil {
		if err := ready(conn); err != nil {
			_ = conn.WriteJSON(WSMessage{Type: MsgError, Data: err.Error(), Timestamp: time.Now().UTC().Format(time.RFC3339)})
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseUnsupportedData, ""))
			conn.Close()
			return
		}
	}

	ctx, cancel := context.WithCancel(s.baseCtx)
	defer cancel()
	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		c.writePump()
	}()
	go func() {
		c.readPump()
		cancel()
	}()

	log.Debug("WebSocket stream opened")
	produce(ctx, c)
	c.finish()
	<-pumpDone
	log.Debug("WebSocket stream closed")
}

// handleTaskStream sends the task's output so far, then tails it until the
// task is terminal.
func (s *Server) handleTaskStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.deps.Tasks.Get(id); !ok {
		s.respondWithError(w, http.StatusNotFound, "task not found: "+id)
		return
	}
	s.stream(w, r, nil, func(ctx context.Context, c *wsClient) {
		s.tailTask(ctx, c, id)
	})
}

func (s *Server) tailTask(ctx context.Context, c *wsClient, id string) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	offset := 0
	for {
		chunk, next, status, err := s.deps.Tasks.OutputSince(id, offset)
		if err != nil {
			_ = c.enqueue(MsgError, id, err.Error())
			return
		}
		offset = next
		if chunk != "" {
			if err := c.enqueue(MsgOutput, id, chunk); err != nil {
				return
			}
		}
		if status.IsTerminal() {
			view, _ := s.deps.Tasks.Get(id)
			_ = c.enqueue(MsgDone, id, doneData(view))
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func doneData(v schemas.TaskView) map[string]any {
	d := map[string]any{"status": v.Status}
	if v.ExitCode != nil {
		d["exit_code"] = *v.ExitCode
	}
	return d
}

// handleRunStream reads one ToolRequest frame, starts the tool with the
// connection as its live sink and closes once the task is terminal. A
// disconnect does not stop the task.
func (s *Server) handleRunStream(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.ToolRequest
	ready := func(conn *websocket.Conn) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		if err := conn.ReadJSON(&req); err != nil {
			return err
		}
		return conn.SetReadDeadline(time.Time{})
	}
	s.stream(w, r, ready, func(ctx context.Context, c *wsClient) {
		sink := &runSink{c: c}
		view, err := s.deps.Orchestrator.RunTool(req, sink)
		if err != nil {
			_ = c.enqueue(MsgError, "", map[string]any{"error": err.Error(), "code": statusFor(err)})
			return
		}
		sink.setTask(view.ID)
		if err := c.enqueueWait(ctx, MsgProgress, view.ID, view); err != nil {
			return
		}
		s.followRun(ctx, c, sink, view.ID)
	})
}

// followRun waits for the task to end while sink pushes its output. Once the
// sink has fallen behind, or the task is terminal, the sink is detached and
// the remaining output is read from the registry starting at the last byte
// the sink delivered, so the client receives exactly the recorded output.
func (s *Server) followRun(ctx context.Context, c *wsClient, sink *runSink, id string) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	offset := -1
	for {
		if offset < 0 {
			_, _, status, err := s.deps.Tasks.OutputSince(id, -1)
			if err != nil {
				_ = c.enqueueWait(ctx, MsgError, id, err.Error())
				return
			}
			if status.IsTerminal() || sink.fellBehind() {
				offset = sink.detach()
				if !status.IsTerminal() {
					s.logger.Debug("Run stream fell behind, reading output from the registry",
						zap.String("task_id", id), zap.Int("offset", offset))
				}
			}
		}
		if offset >= 0 {
			chunk, next, status, err := s.deps.Tasks.OutputSince(id, offset)
			if err != nil {
				_ = c.enqueueWait(ctx, MsgError, id, err.Error())
				return
			}
			if chunk != "" {
				if err := c.enqueueWait(ctx, MsgOutput, id, chunk); err != nil {
					return
				}
			}
			offset = next
			if status.IsTerminal() {
				view, _ := s.deps.Tasks.Get(id)
				_ = c.enqueueWait(ctx, MsgDone, id, doneData(view))
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// runSink pushes a run's output without blocking the supervisor. It learns
// its task id after RunTool returns, so the first chunks may go out without
// one. When the send buffer is full it stops pushing and leaves the rest to
// followRun; delivered counts the bytes it did push.
type runSink struct {
	c *wsClient

	mu        sync.Mutex
	taskID    string
	delivered int
	behind    bool
	detached  bool
}

func (s *runSink) setTask(id string) {
	s.mu.Lock()
	s.taskID = id
	s.mu.Unlock()
}

func (s *runSink) Send(chunk string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.behind || s.detached {
		return nil
	}
	err := s.c.enqueue(MsgOutput, s.taskID, chunk)
	switch {
	case err == nil:
		s.delivered += len(chunk)
		return nil
	case errors.Is(err, errSendBufferFull):
		s.behind = true
		return nil
	default:
		return err
	}
}

func (s *runSink) fellBehind() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.behind
}

// detach stops the sink and returns the number of bytes it delivered.
func (s *runSink) detach() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detached = true
	return s.delivered
}

// handlePipelineStream reports stage progress and the tail of the running
// stage's output whenever either changes, then a final done frame.
func (s *Server) handlePipelineStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.deps.Orchestrator.GetPipeline(id); err != nil {
		s.respondWithErr(w, err)
		return
	}
	s.stream(w, r, nil, func(ctx context.Context, c *wsClient) {
		ticker := time.NewTicker(s.cfg.PollInterval)
		defer ticker.Stop()
		var lastView []byte
		var lastTail string
		for {
			view, err := s.deps.Orchestrator.GetPipeline(id)
			if err != nil {
				_ = c.enqueue(MsgError, "", err.Error())
				return
			}
			if view.Status != schemas.RunRunning {
				_ = c.enqueue(MsgDone, "", view)
				return
			}
			if raw, _ := json.Marshal(view); !bytes.Equal(raw, lastView) {
				lastView = raw
				if err := c.enqueue(MsgProgress, "", view); err != nil {
					return
				}
			}
			if taskID := runningStageTask(view); taskID != "" {
				if task, ok := s.deps.Tasks.Get(taskID); ok {
					if tail := tailOf(task.Output, outputTailBytes); tail != lastTail {
						lastTail = tail
						if err := c.enqueue(MsgOutput, taskID, tail); err != nil {
							return
						}
					}
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	})
}

func runningStageTask(v schemas.PipelineView) string {
	for _, st := range v.Stages {
		if st.Status == schemas.TaskRunning && st.TaskID != "" {
			return st.TaskID
		}
	}
	return ""
}

// tailOf returns the last n bytes of s, advanced to a rune boundary.
func tailOf(s string, n int) string {
	if len(s) <= n {
		return s
	}
	i := len(s) - n
	for i < len(s) && s[i]&0xC0 == 0x80 {
		i++
	}
	return s[i:]
}

// handleNotificationStream subscribes the connection to the bus. A client
// that falls behind is dropped by the bus and its stream ends.
func (s *Server) handleNotificationStream(w http.ResponseWriter, r *http.Request) {
	s.stream(w, r, nil, func(ctx context.Context, c *wsClient) {
		ch, unsubscribe := s.deps.Bus.SubscribeChan(0)
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case n, ok := <-ch:
				if !ok {
					return
				}
				if err := c.enqueue(MsgNotification, n.TaskID, n); err != nil {
					return
				}
			}
		}
	})
}
