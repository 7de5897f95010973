// Package stream serves the two WebSocket roles: observers that watch a
// device's live readings and devices that stream their own readings in.
package stream

import (
	"bytes"
	"encoding/json"
	"time"

	config "gitlab.com/maplesense1/mpt.live_telemetry/src/production/MQT.Config"
	mqtmodels "gitlab.com/maplesense1/mpt.live_telemetry/src/production/MQT.Models"
)

const (
	defaultPingInterval = 30 * time.Second
	defaultWriteTimeout = 10 * time.Second
	defaultReadLimit    = 64 * 1024
	defaultSendBuffer   = 64
)

// Settings tunes keepalive and buffering for one connection.
type Settings struct {
	PingInterval                  time.Duration
	PongWait                      time.Duration
	WriteTimeout                  time.Duration
	ReadLimit                     int64
	SendBuffer                    int
	MaxConsecutiveStorageFailures int
}

// SettingsFrom copies the stream section of the application config.
func SettingsFrom(cfg config.StreamConfig) Settings {
	return Settings{
		PingInterval:                  cfg.PingInterval,
		PongWait:                      cfg.PongWait,
		WriteTimeout:                  cfg.WriteTimeout,
		ReadLimit:                     cfg.ReadLimit,
		SendBuffer:                    cfg.SendBuffer,
		MaxConsecutiveStorageFailures: cfg.MaxConsecutiveStorageFailures,
	}.withDefaults()
}

func (s Settings) withDefaults() Settings {
	if s.PingInterval <= 0 {
		s.PingInterval = defaultPingInterval
	}
	if s.PongWait <= s.PingInterval {
		// a peer gets two ping rounds before the read deadline fires
		s.PongWait = s.PingInterval * 5 / 2
	}
	if s.WriteTimeout <= 0 {
		s.WriteTimeout = defaultWriteTimeout
	}
	if s.ReadLimit <= 0 {
		s.ReadLimit = defaultReadLimit
	}
	if s.SendBuffer <= 0 {
		s.SendBuffer = defaultSendBuffer
	}
	if s.MaxConsecutiveStorageFailures < 0 {
		s.MaxConsecutiveStorageFailures = 0
	}
	return s
}

// isClientPing recognises the application-level keepalive a browser sends:
// either the bare text "ping" or {"type":"ping"}.
func isClientPing(data []byte) bool {
	trimmed := bytes.TrimSpace(data)
	if bytes.EqualFold(trimmed, []byte(mqtmodels.MessagePing)) {
		return true
	}
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return false
	}

	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return false
	}
	return envelope.Type == mqtmodels.MessagePing
}
