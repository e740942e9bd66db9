// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tapgrid/tapgrid/internal/bus"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Browser clients connect from the frontend origin; the daemon has
	// no cookie auth so cross-origin reads leak nothing.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsControl is the client-to-server frame: room membership changes and
// in-band queue status requests.
type wsControl struct {
	Action string `json:"action"` // "subscribe" | "unsubscribe" | "queueStatus"
	Room   string `json:"room"`
}

// handleWS bridges one websocket client onto the event bus. Initial
// rooms come from the `rooms` query parameter; membership can be
// changed live with control frames. A disconnect unsubscribes.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return // Upgrade already replied
	}

	rooms := []string{bus.RoomGlobal}
	if q := r.URL.Query().Get("rooms"); q != "" {
		rooms = strings.Split(q, ",")
	}
	if u := userName(r); u != "" {
		rooms = append(rooms, bus.RoomUser(u))
	}

	sub := s.bus.Subscribe(rooms...)
	s.logger.Debug().Strs("rooms", rooms).Msg("websocket client connected")

	// direct carries request/response frames for this one client; they
	// never touch the bus.
	direct := make(chan bus.Event, 4)

	go s.wsWriter(conn, sub, direct)
	s.wsReader(r.Context(), conn, sub, direct)
}

// wsReader consumes control frames until the client goes away, then
// tears the subscription down.
func (s *Server) wsReader(ctx context.Context, conn *websocket.Conn, sub *bus.Subscriber, direct chan<- bus.Event) {
	defer func() {
		sub.Close()
		_ = conn.Close()
	}()

	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var ctl wsControl
		if err := json.Unmarshal(data, &ctl); err != nil {
			continue
		}
		switch {
		case ctl.Action == "subscribe" && ctl.Room != "":
			s.bus.Join(sub, ctl.Room)
		case ctl.Action == "unsubscribe" && ctl.Room != "":
			s.bus.Leave(sub, ctl.Room)
		case ctl.Action == "queueStatus":
			s.answerQueueStatus(ctx, direct)
		}
	}
}

// answerQueueStatus snapshots the queue and hands the reply to the
// writer pump. A full direct channel means the client is not reading;
// the reply is dropped rather than blocking the reader.
func (s *Server) answerQueueStatus(ctx context.Context, direct chan<- bus.Event) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	st, err := s.queue.QueueStatus(ctx)
	if err != nil {
		s.logger.Debug().Err(err).Msg("queue status request failed")
		return
	}
	select {
	case direct <- bus.Event{Topic: bus.TopicQueueStatusResponse, Time: time.Now(), Payload: st}:
	default:
	}
}

// wsWriter pumps bus events to the client and keeps the connection
// alive with pings. It exits when the subscriber closes.
func (s *Server) wsWriter(conn *websocket.Conn, sub *bus.Subscriber, direct <-chan bus.Event) {
	ping := time.NewTicker(wsPingPeriod)
	defer func() {
		ping.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case e := <-direct:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		case e, ok := <-sub.Events():
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(wsWriteWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
