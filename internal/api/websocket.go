package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/rnp-monitoreo/backend/internal/hub"
	"github.com/rnp-monitoreo/backend/internal/models"
)

// Client -> server message types on the live socket.
const (
	MsgTypePing      = "ping"
	MsgTypeSubscribe = "subscribe"
)

// ChannelMachineStatus is the only channel a client can subscribe to.
const ChannelMachineStatus = "machine-status"

const (
	writeWait      = 10 * time.Second
	maxClientFrame = 4 * 1024
)

// WSMessage is a client -> server frame.
type WSMessage struct {
	Type     string `json:"type"`
	Channel  string `json:"channel,omitempty"`
	Machines []int  `json:"machines,omitempty"`
}

// WSErrorResponse is sent when a client frame cannot be handled.
type WSErrorResponse struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// WebSocketHandler serves live machine status to dashboards.
type WebSocketHandler struct {
	handler  *Handler
	upgrader websocket.Upgrader
}

// NewWebSocketHandler creates a new live-view handler
func NewWebSocketHandler(h *Handler) *WebSocketHandler {
	return &WebSocketHandler{
		handler: h,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// Dashboards are served from other hosts on the plant network
				return true
			},
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 16 * 1024,
		},
	}
}

// HandleWebSocket upgrades the connection and streams live updates:
//
//	GET /api/ws/live?machines=1,2
//
// The client first gets initialData with the current view of each followed
// machine, then update and connection messages as they happen.
func (wsh *WebSocketHandler) HandleWebSocket(c echo.Context) error {
	machines, err := parseMachineList(c.QueryParam("machines"))
	if err != nil {
		return NewValidationError("machines", err)
	}

	ws, err := wsh.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer ws.Close()
	ws.SetReadLimit(maxClientFrame)

	h := wsh.handler
	sub := h.hub.Subscribe(machines...)
	defer h.hub.Unsubscribe(sub)

	logger := h.logger.With("subscriber", sub.ID)
	logger.Info("live client connected", "machines", sub.Machines(), "remote", c.RealIP())

	if err := writeJSON(ws, wsh.initialData(sub)); err != nil {
		return nil
	}

	direct := make(chan any, 8)
	done := make(chan struct{})
	writerDone := make(chan struct{})
	go wsh.writeLoop(ws, sub, direct, done, writerDone)
	defer func() {
		close(done)
		<-writerDone
		logger.Info("live client disconnected")
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("live connection error", "err", err)
			}
			return nil
		}

		var msg WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			wsh.queue(direct, writerDone, WSErrorResponse{Type: models.MsgTypeError, Message: "Invalid message: " + err.Error(), Code: "INVALID_PAYLOAD"})
			continue
		}

		switch msg.Type {
		case MsgTypePing:
			if !wsh.queue(direct, writerDone, models.LiveMessage{Type: models.MsgTypePong, Data: h.now().UnixMilli()}) {
				return nil
			}
		case MsgTypeSubscribe:
			if msg.Channel != "" && msg.Channel != ChannelMachineStatus {
				wsh.queue(direct, writerDone, WSErrorResponse{Type: models.MsgTypeError, Message: "Unknown channel: " + msg.Channel, Code: "INVALID_CHANNEL"})
				continue
			}
			if !h.hub.Resubscribe(sub, msg.Machines...) {
				return nil
			}
			logger.Debug("live client resubscribed", "machines", sub.Machines())
			if !wsh.queue(direct, writerDone, wsh.initialData(sub)) {
				return nil
			}
		default:
			wsh.queue(direct, writerDone, WSErrorResponse{Type: models.MsgTypeError, Message: "Unknown message type: " + msg.Type, Code: "INVALID_TYPE"})
		}
	}
}

// writeLoop is the only writer of ws once the initial snapshot is out.
func (wsh *WebSocketHandler) writeLoop(ws *websocket.Conn, sub *hub.Subscriber, direct <-chan any, done <-chan struct{}, writerDone chan<- struct{}) {
	defer close(writerDone)
	for {
		select {
		case data, ok := <-sub.Messages():
			if !ok {
				// Removed by the hub, usually for falling behind.
				ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "subscriber too slow"),
					time.Now().Add(writeWait))
				ws.Close()
				return
			}
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				ws.Close()
				return
			}
		case v := <-direct:
			if err := writeJSON(ws, v); err != nil {
				ws.Close()
				return
			}
		case <-done:
			return
		}
	}
}

// queue hands v to the writer; false once the writer has stopped.
func (wsh *WebSocketHandler) queue(direct chan<- any, writerDone <-chan struct{}, v any) bool {
	select {
	case direct <- v:
		return true
	case <-writerDone:
		return false
	}
}

func (wsh *WebSocketHandler) initialData(sub *hub.Subscriber) models.LiveMessage {
	ids := sub.Machines()
	if len(ids) == 1 && ids[0] == hub.AllMachines {
		ids = nil
	}
	return models.LiveMessage{
		Type: models.MsgTypeInitialData,
		Data: wsh.handler.rec.Views(ids...),
	}
}

func writeJSON(ws *websocket.Conn, v any) error {
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteJSON(v)
}

// parseMachineList parses "1,2,3". Empty means every machine.
func parseMachineList(raw string) ([]int, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var ids []int
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.Atoi(part)
		if err != nil || id < 0 {
			return nil, NewBadRequestError("invalid machine id: "+part, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
