package mqtingestor

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	config "gitlab.com/maplesense1/mpt.live_telemetry/src/production/MQT.Config"
	ingestion "gitlab.com/maplesense1/mpt.live_telemetry/src/production/MQT.Ingestion"
	logger "gitlab.com/maplesense1/mpt.live_telemetry/src/production/MQT.Logger"
)

// ErrStopped is returned by Start when Stop ran first.
var ErrStopped = errors.New("mqtt ingestor stopped")

const (
	ackTopicPrefix   = "ingestor/acks/"
	errorTopicPrefix = "ingestor/errors/"
	publishTimeout   = 5 * time.Second
)

// Client is the part of the paho client the ingestor uses.
type Client interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	IsConnected() bool
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Ingester accepts one raw reading for a device.
type Ingester interface {
	Ingest(ctx context.Context, deviceID string, raw []byte) (ingestion.Ack, error)
}

type inboundReading struct {
	deviceID string
	topic    string
	payload  []byte
}

// Ingestor subscribes to device reading topics and feeds every message to
// the ingestion gateway, one at a time and in arrival order. Outcomes are
// published back on per-device ack and error topics.
type Ingestor struct {
	cfg       config.MQTTConfig
	brokerURL string
	gateway   Ingester
	client    Client
	// ownsClient is false when a client was injected; paho's OnConnect hook
	// then never runs, so Start subscribes itself.
	ownsClient bool
	msgCh      chan inboundReading
	done       chan struct{}

	// mu orders a late Start against Stop so no worker outlives Stop.
	mu       sync.Mutex
	stopped  bool
	stopOnce sync.Once
	wg       sync.WaitGroup
	logger   *logger.Logger
}

// New creates a new ingestor with its own paho client for brokerURL. The
// client is not connected until Start.
func New(cfg config.MQTTConfig, brokerURL string, gateway Ingester, log *logger.Logger) (*Ingestor, error) {
	i := newIngestor(cfg, gateway, log)
	i.brokerURL = brokerURL
	opts, err := i.clientOptions()
	if err != nil {
		return nil, err
	}
	i.client = mqtt.NewClient(opts)
	i.ownsClient = true
	return i, nil
}

// NewWithClient creates a new ingestor on an existing client instead of dialing the broker.
func NewWithClient(cfg config.MQTTConfig, client Client, gateway Ingester, log *logger.Logger) *Ingestor {
	i := newIngestor(cfg, gateway, log)
	i.client = client
	return i
}

func newIngestor(cfg config.MQTTConfig, gateway Ingester, log *logger.Logger) *Ingestor {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 4096
	}
	return &Ingestor{
		cfg:     cfg,
		gateway: gateway,
		msgCh:   make(chan inboundReading, queueSize),
		done:    make(chan struct{}),
		logger:  log.WithComponent("mqtt_ingestor"),
	}
}

// Start connects, subscribes and launches the ingest worker. ctx bounds the
// gateway calls the worker makes. Start may block while the client retries
// the connection; after a concurrent Stop it returns an error and starts no worker.
func (i *Ingestor) Start(ctx context.Context) error {
	if tk := i.client.Connect(); tk.Wait() && tk.Error() != nil {
		return fmt.Errorf("connect to mqtt broker: %w", tk.Error())
	}
	if !i.ownsClient {
		if err := i.subscribe(i.client); err != nil {
			return err
		}
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if i.stopped {
		return ErrStopped
	}
	i.wg.Add(1)
	go func() {
		defer i.wg.Done()
		i.worker(ctx)
	}()

	return nil
}

func (i *Ingestor) clientOptions() (*mqtt.ClientOptions, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(i.brokerURL).
		SetClientID(i.cfg.ClientID).
		// handlers run one at a time so a publisher's order reaches the queue intact
		SetOrderMatters(true).
		SetKeepAlive(i.cfg.KeepAlive).
		SetPingTimeout(i.cfg.PingTimeout).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetCleanSession(false)

	if i.cfg.BrokerUser != "" {
		opts.SetUsername(i.cfg.BrokerUser)
		opts.SetPassword(i.cfg.BrokerPass)
	}

	if i.cfg.UseTLS {
		tlsCfg, err := tlsConfig(i.cfg.CACertPath)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsCfg)
	}

	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		i.logger.WarnWithError(err, "mqtt connection lost")
	}
	opts.OnConnect = func(c mqtt.Client) {
		if err := i.subscribe(c); err != nil {
			i.logger.ErrorWithError(err, "mqtt subscribe failed")
		}
	}
	return opts, nil
}

func (i *Ingestor) subscriptionTopic() string {
	if i.cfg.SharedGroup != "" {
		return fmt.Sprintf("$share/%s/%s", i.cfg.SharedGroup, i.cfg.Topic)
	}
	return i.cfg.Topic
}

func (i *Ingestor) subscribe(c Client) error {
	topic := i.subscriptionTopic()
	i.logger.Logger.Info().Str("topic", topic).Msg("mqtt connected, subscribing")
	if token := c.Subscribe(topic, 1, i.onMessage); token.Wait() && token.Error() != nil {
		return fmt.Errorf("subscribe to %s: %w", topic, token.Error())
	}
	return nil
}

// Stop disconnects from the broker, or abandons a connection still being
// retried, and waits for queued readings to be ingested.
func (i *Ingestor) Stop() {
	i.stopOnce.Do(func() {
		// marked before Disconnect releases a pending connect in Start
		i.mu.Lock()
		i.stopped = true
		i.mu.Unlock()

		i.client.Disconnect(500)
		close(i.done)
		i.wg.Wait()
	})
}

// IsConnected reports whether the client currently holds a broker connection.
func (i *Ingestor) IsConnected() bool {
	return i.client.IsConnected()
}

// QueueDepth is the number of readings waiting for the worker.
func (i *Ingestor) QueueDepth() int {
	return len(i.msgCh)
}

func (i *Ingestor) onMessage(_ mqtt.Client, m mqtt.Message) {
	deviceID, ok := deviceFromTopic(m.Topic())
	if !ok {
		i.logger.Logger.Warn().Str("topic", m.Topic()).Msg("dropping message: no device segment in topic")
		return
	}

	// the worker outlives this callback
	payload := append([]byte(nil), m.Payload()...)

	select {
	case i.msgCh <- inboundReading{deviceID: deviceID, topic: m.Topic(), payload: payload}:
	case <-i.done:
		i.logger.Logger.Debug().Str("device_id", deviceID).Msg("ingestor stopped, message dropped")
	}
}

// deviceFromTopic returns the second segment of sensors/<device>/readings.
func deviceFromTopic(topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) < 2 || strings.TrimSpace(parts[1]) == "" {
		return "", false
	}
	return parts[1], true
}

func (i *Ingestor) worker(ctx context.Context) {
	for {
		select {
		case reading := <-i.msgCh:
			i.process(ctx, reading)
		case <-i.done:
			// drain what was already accepted from the broker
			for {
				select {
				case reading := <-i.msgCh:
					i.process(context.WithoutCancel(ctx), reading)
				default:
					return
				}
			}
		}
	}
}

func (i *Ingestor) process(ctx context.Context, reading inboundReading) {
	ack, err := i.gateway.Ingest(ctx, reading.deviceID, reading.payload)
	if err != nil {
		reason, ok := ingestion.ReasonOf(err)
		if !ok {
			reason = ingestion.ReasonStorageFailure
		}
		message := err.Error()
		var rejection *ingestion.RejectionError
		if errors.As(err, &rejection) {
			message = rejection.Message
		}
		i.publishError(reading.deviceID, reason, message)
		return
	}
	i.publishAck(ack)
}

func (i *Ingestor) publishAck(ack ingestion.Ack) {
	i.publish(ackTopicPrefix+ack.DeviceID, ack)
}

// publishError publishes a rejection to the device's error topic
func (i *Ingestor) publishError(deviceID string, reason ingestion.Reason, message string) {
	i.publish(errorTopicPrefix+deviceID, map[string]interface{}{
		"reason":    reason,
		"message":   message,
		"device_id": deviceID,
		"timestamp": time.Now().UTC(),
	})
}

func (i *Ingestor) publish(topic string, body interface{}) {
	if !i.client.IsConnected() {
		return
	}

	payload, err := json.Marshal(body)
	if err != nil {
		i.logger.ErrorWithError(err, "failed to marshal outcome payload")
		return
	}

	token := i.client.Publish(topic, 1, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		i.logger.Logger.Warn().Str("topic", topic).Msg("publish timed out")
		return
	}
	if err := token.Error(); err != nil {
		i.logger.Logger.Warn().Err(err).Str("topic", topic).Msg("publish failed")
	}
}

func tlsConfig(caFile string) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if caFile == "" {
		return cfg, nil
	}
	ca, err := os.ReadFile(caFile)
	if err != nil {
		return nil, err
	}
	cp := x509.NewCertPool()
	if !cp.AppendCertsFromPEM(ca) {
		return nil, fmt.Errorf("bad CA file")
	}
	cfg.RootCAs = cp
	return cfg, nil
}
