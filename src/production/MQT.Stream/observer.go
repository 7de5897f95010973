package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	logger "gitlab.com/maplesense1/mpt.live_telemetry/src/production/MQT.Logger"
	mqtmodels "gitlab.com/maplesense1/mpt.live_telemetry/src/production/MQT.Models"
	subscription "gitlab.com/maplesense1/mpt.live_telemetry/src/production/MQT.Subscription"
)

// ErrObserverClosed is returned by Deliver once the connection is going away.
var ErrObserverClosed = errors.New("observer connection closed")

// Liveness of an observer connection. It only moves forward.
const (
	StateOpen int32 = iota
	StateClosing
	StateClosed
)

// Subscriptions is the part of the registry an observer manages for itself.
type Subscriptions interface {
	Subscribe(deviceID string, member subscription.Member) error
	Unsubscribe(deviceID string, member subscription.Member)
}

// Observer is one WebSocket client watching a single device. Deliver only
// enqueues; a single write pump owns every data write on the connection.
type Observer struct {
	id       string
	deviceID string
	conn     *websocket.Conn
	registry Subscriptions
	settings Settings
	logger   *logger.Logger

	send      chan mqtmodels.StreamMessage
	done      chan struct{}
	state     atomic.Int32
	closeOnce sync.Once
}

// NewObserver creates a new observer for deviceID on an upgraded connection.
func NewObserver(conn *websocket.Conn, deviceID string, registry Subscriptions, settings Settings, log *logger.Logger) *Observer {
	settings = settings.withDefaults()
	id := uuid.NewString()
	return &Observer{
		id:       id,
		deviceID: deviceID,
		conn:     conn,
		registry: registry,
		settings: settings,
		logger:   log.WithComponent("observer").WithDevice(deviceID).WithConnection(id),
		send:     make(chan mqtmodels.StreamMessage, settings.SendBuffer),
		done:     make(chan struct{}),
	}
}

func (o *Observer) ID() string { return o.id }

// State reports StateOpen, StateClosing or StateClosed.
func (o *Observer) State() int32 { return o.state.Load() }

// Deliver queues reading for the client. A full queue waits until ctx
// expires; any failure closes the observer so the dispatcher can drop it.
func (o *Observer) Deliver(ctx context.Context, reading mqtmodels.StoredReading) error {
	if o.state.Load() != StateOpen {
		return ErrObserverClosed
	}

	select {
	case o.send <- mqtmodels.NewSensorUpdate(reading):
		return nil
	case <-o.done:
		return ErrObserverClosed
	case <-ctx.Done():
		o.close(websocket.CloseTryAgainLater, "observer too slow")
		return fmt.Errorf("observer %s did not drain in time: %w", o.id, ctx.Err())
	}
}

// Serve subscribes the observer and blocks until the client disconnects,
// ctx is cancelled or a write fails. The registry entry is always removed.
func (o *Observer) Serve(ctx context.Context) error {
	if err := o.registry.Subscribe(o.deviceID, o); err != nil {
		o.close(websocket.CloseInternalServerErr, "subscription failed")
		return fmt.Errorf("subscribe observer: %w", err)
	}
	defer o.registry.Unsubscribe(o.deviceID, o)
	defer o.close(websocket.CloseNormalClosure, "")

	o.logger.Info("observer connected")

	go o.writePump()
	go func() {
		select {
		case <-ctx.Done():
			o.close(websocket.CloseGoingAway, "server shutting down")
		case <-o.done:
		}
	}()

	o.readLoop()
	o.logger.Info("observer disconnected")
	return nil
}

func (o *Observer) readLoop() {
	pongWait := o.settings.PongWait
	o.conn.SetReadLimit(o.settings.ReadLimit)
	_ = o.conn.SetReadDeadline(time.Now().Add(pongWait))
	o.conn.SetPongHandler(func(string) error {
		return o.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := o.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				o.logger.Logger.Debug().Err(err).Msg("observer read ended")
			}
			return
		}
		_ = o.conn.SetReadDeadline(time.Now().Add(pongWait))

		if messageType == websocket.TextMessage && isClientPing(data) {
			o.enqueue(mqtmodels.Pong())
		}
	}
}

// enqueue drops the message when the queue is full; it is only used for
// replies the client can live without.
func (o *Observer) enqueue(message mqtmodels.StreamMessage) {
	select {
	case o.send <- message:
	case <-o.done:
	default:
	}
}

func (o *Observer) writePump() {
	ticker := time.NewTicker(o.settings.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case message := <-o.send:
			_ = o.conn.SetWriteDeadline(time.Now().Add(o.settings.WriteTimeout))
			if err := o.conn.WriteJSON(message); err != nil {
				o.logger.Logger.Debug().Err(err).Msg("observer write failed")
				o.close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-ticker.C:
			if err := o.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(o.settings.WriteTimeout)); err != nil {
				o.logger.Logger.Debug().Err(err).Msg("observer ping failed")
				o.close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-o.done:
			return
		}
	}
}

// close moves the observer to closing, tells the peer when it still can and
// releases the socket. Safe to call from any goroutine, any number of times.
func (o *Observer) close(code int, text string) {
	o.closeOnce.Do(func() {
		o.state.Store(StateClosing)
		close(o.done)
		if code != websocket.CloseAbnormalClosure {
			_ = o.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, text),
				time.Now().Add(o.settings.WriteTimeout))
		}
		_ = o.conn.Close()
		o.state.Store(StateClosed)
	})
}
