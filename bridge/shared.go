package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/forgebots/devbridge/hub"
	"github.com/forgebots/devbridge/session"
)

// sendTimeout bounds how long one subscriber's backpressure can hold up
// delivery before it is treated as a failed transport.
const sendTimeout = 10 * time.Second

// eventsRunner is the shared-mode bridge: one WebSocket connection holding
// any number of hub subscriptions. It owns no sessions; on disconnect it only
// drops its subscriptions and the sessions keep running for other
// subscribers.
type eventsRunner struct {
	log    *zap.SugaredLogger
	conn   *websocket.Conn
	ctx    context.Context
	cancel func()
	hub    *hub.Hub

	writeMu sync.Mutex
	closed  bool
}

var _ hub.Subscriber = (*eventsRunner)(nil)

func (r *eventsRunner) run() {
	defer func() {
		r.markClosed()
		r.hub.UnsubscribeAll(r)
		r.cancel()
	}()

	for {
		var msg controlMessage
		err := wsjson.Read(r.ctx, r.conn, &msg)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				r.log.Debug("events client closed conn")
			} else {
				r.log.Debugf("events read error: %s", err)
			}
			return
		}

		switch msg.Type {
		case msgTypeSubscribe:
			if msg.BuildID != "" {
				r.hub.Subscribe(msg.BuildID, r)
			}
			if msg.SimulationID != "" {
				r.hub.Subscribe(msg.SimulationID, r)
			}
		default:
			r.log.Debugf("ignoring unknown message type %q", msg.Type)
		}
	}
}

func (r *eventsRunner) markClosed() {
	r.writeMu.Lock()
	r.closed = true
	r.writeMu.Unlock()
	if err := r.conn.Close(websocket.StatusNormalClosure, ""); err != nil {
		r.log.Debugf("error closing events conn: %s", err)
	}
}

// SendEvent delivers one live event, its fields flattened into the message.
// Called from this subscription's hub delivery goroutine.
func (r *eventsRunner) SendEvent(id string, kind session.Kind, ev session.OutputEvent) error {
	msg := ServerMessage{Type: outputMsgType(kind), OutputEvent: &ev}
	if ev.Type == session.EventStdout || ev.Type == session.EventStderr {
		msg.Stream = string(ev.Type)
	}
	setSessionID(&msg, kind, id)
	return r.send(&msg)
}

// SendHistory delivers the full replay as a single message before any live
// event reaches this subscriber.
func (r *eventsRunner) SendHistory(id string, kind session.Kind, history []session.OutputEvent) error {
	if history == nil {
		history = []session.OutputEvent{}
	}
	msg := ServerMessage{Type: historyMsgType(kind), History: history}
	setSessionID(&msg, kind, id)
	return r.send(&msg)
}

func (r *eventsRunner) send(msg *ServerMessage) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if r.closed {
		return fmt.Errorf("events conn closed")
	}
	ctx, cancel := context.WithTimeout(r.ctx, sendTimeout)
	defer cancel()
	return wsjson.Write(ctx, r.conn, msg)
}

func outputMsgType(kind session.Kind) string {
	if kind == session.KindSimulation {
		return msgTypeSimulationOutput
	}
	return msgTypeBuildOutput
}

func historyMsgType(kind session.Kind) string {
	if kind == session.KindSimulation {
		return msgTypeSimulationHistory
	}
	return msgTypeBuildHistory
}

func setSessionID(msg *ServerMessage, kind session.Kind, id string) {
	if kind == session.KindSimulation {
		msg.SimulationID = id
	} else {
		msg.BuildID = id
	}
}
