// Package wsapi implements the bidirectional-socket front end of the
// board server on top of github.com/gorilla/websocket: each connection is
// bound to one session for its lifetime, with a dedicated read pump
// dispatching inbound frames and a dedicated write pump draining the
// subscriber's outbound queue.
package wsapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kanvas/boardserver/board"
	"github.com/kanvas/boardserver/board/idgen"
	"github.com/kanvas/boardserver/board/registry"
	"github.com/kanvas/boardserver/board/validate"
	"github.com/kanvas/boardserver/slogger"
)

// writeWait bounds how long a single outbound frame write may block the
// writer goroutine, so one wedged TCP peer cannot leak a goroutine
// forever even after its Subscriber has been torn down.
const writeWait = 10 * time.Second

// Handler upgrades incoming HTTP requests to bidirectional sockets and
// binds each connection to a board.Session for its lifetime.
type Handler struct {
	registry   *registry.Registry
	ids        board.IDGenerator
	logger     slogger.Logger
	queueDepth int
	upgrader   websocket.Upgrader
}

// Options configures a Handler.
type Options struct {
	Registry   *registry.Registry
	IDs        board.IDGenerator
	Logger     slogger.Logger
	QueueDepth int // defaults to board.DefaultQueueDepth
}

// New constructs a wsapi Handler. The upgrader accepts cross-origin
// requests: the rendering client may be served from a different origin
// than this process.
func New(opts Options) *Handler {
	ids := opts.IDs
	if ids == nil {
		ids = idgen.Generator{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slogger.DefaultLogger
	}
	return &Handler{
		registry:   opts.Registry,
		ids:        ids,
		logger:     logger,
		queueDepth: opts.QueueDepth,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP runs the socket attach sequence: parse `session=`, resolve
// the Session (creating it on first reference), assign a user identifier,
// attach as a subscriber, and run the read/write pumps until detach.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(1008, "missing session query parameter"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("socket upgrade failed", "error", err)
		return
	}

	sess, err := h.registry.GetOrCreate(r.Context(), sessionID)
	if err != nil {
		h.logger.Error("failed to resolve session for socket attach", "session", sessionID, "error", err)
		conn.Close()
		return
	}

	userID := h.ids.NewUserID()
	sub := board.NewSubscriber(userID, sessionID, h.queueDepth)
	logger := h.logger.With("session", sessionID, "user", userID)

	sess.Attach(sub)
	logger.Info("socket attached")

	done := make(chan struct{})
	go h.writePump(conn, sub, logger, done)
	h.readPump(r.Context(), conn, sess, sub, logger)

	sess.Detach(sub)
	close(done)
	conn.Close()
	logger.Info("socket detached")
}

// writePump drains sub's outbound queue to the wire until the subscriber
// is torn down or the caller signals done (connection already closing).
// Closing the connection on exit is what unblocks the read pump when the
// Session tears the subscriber down for queue overflow.
func (h *Handler) writePump(conn *websocket.Conn, sub *board.Subscriber, logger slogger.Logger, done chan struct{}) {
	defer conn.Close()
	for {
		select {
		case frame := <-sub.Outbox():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				sub.Close()
				return
			}
		case <-sub.Done():
			return
		case <-done:
			return
		}
	}
}

// inboundFrame is the shape of a client-originated message. Not every
// field applies to every type; unused fields are simply absent.
type inboundFrame struct {
	Type      string        `json:"type"`
	Element   board.Element `json:"element"`
	ElementID string        `json:"elementId"`
	Position  string        `json:"position"`
	X         float64       `json:"x"`
	Y         float64       `json:"y"`
}

// readPump decodes incoming frames and dispatches them by type. Malformed
// JSON and unrecognized types are logged and the connection stays open; a
// read error ends the pump and triggers detach.
func (h *Handler) readPump(ctx context.Context, conn *websocket.Conn, sess *board.Session, sub *board.Subscriber, logger slogger.Logger) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg inboundFrame
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Warn("dropping malformed socket frame", "error", err)
			continue
		}
		h.dispatch(ctx, sess, sub, msg, logger)
	}
}

func (h *Handler) dispatch(ctx context.Context, sess *board.Session, sub *board.Subscriber, msg inboundFrame, logger slogger.Logger) {
	var err error
	switch board.FrameType(msg.Type) {
	case board.FrameDraw:
		if verr := validate.Element(msg.Element); verr != nil {
			logger.Warn("dropping invalid draw frame", "error", verr)
			return
		}
		_, err = sess.ApplyCreate(ctx, msg.Element, sub)
	case board.FrameErase:
		err = sess.ApplyDelete(ctx, msg.ElementID, sub)
	case board.FrameClear:
		err = sess.ApplyClear(ctx, sub)
	case board.FrameMove:
		if verr := validate.Element(msg.Element); verr != nil {
			logger.Warn("dropping invalid move frame", "error", verr)
			return
		}
		_, err = sess.ApplyMove(ctx, msg.ElementID, msg.Element, sub)
	case board.FrameReorder:
		err = sess.ApplyReorder(ctx, msg.ElementID, msg.Position, sub)
	case board.FrameCursor:
		sess.RelayCursor(sub.UserID, msg.X, msg.Y, sub)
		return
	default:
		logger.Warn("dropping unknown socket frame type", "type", msg.Type)
		return
	}
	if err != nil {
		// Validation, not-found, and persistence failures are all
		// dropped frames on the socket surface: the operation is refused,
		// no broadcast is emitted, and the connection stays open.
		logger.Warn("dropping socket frame after apply error", "type", msg.Type, "error", err)
	}
}
