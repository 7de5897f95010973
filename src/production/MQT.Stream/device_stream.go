package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	ingestion "gitlab.com/maplesense1/mpt.live_telemetry/src/production/MQT.Ingestion"
	logger "gitlab.com/maplesense1/mpt.live_telemetry/src/production/MQT.Logger"
	mqtmodels "gitlab.com/maplesense1/mpt.live_telemetry/src/production/MQT.Models"
)

// ErrStorageUnavailable ends a device stream after too many consecutive
// storage failures.
var ErrStorageUnavailable = errors.New("storage failed repeatedly, stream closed")

// Ingester is the gateway entry point shared by every producer path.
type Ingester interface {
	Ingest(ctx context.Context, deviceID string, raw []byte) (ingestion.Ack, error)
}

// DeviceStream is a device pushing its own readings over one WebSocket.
// Messages are ingested strictly in arrival order and each one is answered
// inline with an ack or an error before the next is read.
type DeviceStream struct {
	id       string
	deviceID string
	conn     *websocket.Conn
	gateway  Ingester
	settings Settings
	logger   *logger.Logger
}

// NewDeviceStream creates a new ingest stream for deviceID on an upgraded connection.
func NewDeviceStream(conn *websocket.Conn, deviceID string, gateway Ingester, settings Settings, log *logger.Logger) *DeviceStream {
	id := uuid.NewString()
	return &DeviceStream{
		id:       id,
		deviceID: deviceID,
		conn:     conn,
		gateway:  gateway,
		settings: settings.withDefaults(),
		logger:   log.WithComponent("device_stream").WithDevice(deviceID).WithConnection(id),
	}
}

func (s *DeviceStream) ID() string { return s.id }

// Serve runs until the device disconnects or ctx is cancelled. Rejections
// are reported inline and never end the stream, except for the
// consecutive storage failure bound.
func (s *DeviceStream) Serve(ctx context.Context) error {
	defer s.conn.Close()

	pongWait := s.settings.PongWait
	s.conn.SetReadLimit(s.settings.ReadLimit)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	stop := make(chan struct{})
	defer close(stop)
	go s.keepalive(ctx, stop)

	s.logger.Info("device stream opened")
	defer s.logger.Info("device stream closed")

	consecutiveStorageFailures := 0
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Logger.Debug().Err(err).Msg("device stream read ended")
			}
			return nil
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))

		if messageType == websocket.TextMessage && isClientPing(data) {
			if err := s.write(mqtmodels.Pong()); err != nil {
				return err
			}
			continue
		}

		ack, err := s.gateway.Ingest(ctx, s.deviceID, data)
		if err == nil {
			consecutiveStorageFailures = 0
			if err := s.write(mqtmodels.NewAck(ack.ID, ack.DeviceID, ack.Timestamp)); err != nil {
				return err
			}
			continue
		}

		reason, _ := ingestion.ReasonOf(err)
		if reason == "" {
			reason = ingestion.ReasonStorageFailure
		}
		if werr := s.write(mqtmodels.NewRejection(s.deviceID, string(reason), rejectionMessage(err))); werr != nil {
			return werr
		}

		if reason != ingestion.ReasonStorageFailure {
			consecutiveStorageFailures = 0
			continue
		}
		consecutiveStorageFailures++
		if bound := s.settings.MaxConsecutiveStorageFailures; bound > 0 && consecutiveStorageFailures >= bound {
			s.logger.Logger.Warn().
				Int("failures", consecutiveStorageFailures).
				Msg("closing device stream after repeated storage failures")
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "storage unavailable"),
				time.Now().Add(s.settings.WriteTimeout))
			return ErrStorageUnavailable
		}
	}
}

func (s *DeviceStream) write(message mqtmodels.StreamMessage) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.settings.WriteTimeout))
	if err := s.conn.WriteJSON(message); err != nil {
		return fmt.Errorf("write %s to device %s: %w", message.Type, s.deviceID, err)
	}
	return nil
}

// keepalive pings the device and closes the socket when ctx ends, which
// unblocks the read loop.
func (s *DeviceStream) keepalive(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(s.settings.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.settings.WriteTimeout)); err != nil {
				_ = s.conn.Close()
				return
			}
		case <-ctx.Done():
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(s.settings.WriteTimeout))
			_ = s.conn.Close()
			return
		case <-stop:
			return
		}
	}
}

func rejectionMessage(err error) string {
	var rejection *ingestion.RejectionError
	if errors.As(err, &rejection) {
		return rejection.Message
	}
	return err.Error()
}
