package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"crdtstore/internal/logging"
)

// MQTTSource subscribes to a topic on which an external discovery
// collaborator publishes the current Scheme, retained, as JSON on every
// membership change. paho delivers messages on its own goroutine, so
// the handler buffers into a one-deep channel that always holds the
// newest scheme rather than a backlog — Next only ever wants "what's
// current".
type MQTTSource struct {
	client  mqtt.Client
	logger  *slog.Logger
	updates chan Scheme
	errs    chan error
}

// NewMQTTSource connects to brokerURL, subscribes to topic at QoS 1, and
// returns a Source that yields the latest published Scheme on each
// Next call.
func NewMQTTSource(brokerURL, topic, clientID string, logger *slog.Logger) (*MQTTSource, error) {
	s := &MQTTSource{
		logger:  logging.Default(logger).With("component", "discovery-mqtt", "topic", topic),
		updates: make(chan Scheme, 1),
		errs:    make(chan error, 1),
	}

	opts := mqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetCleanSession(false)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.logger.Warn("mqtt connection lost, auto-reconnect in progress", "error", err)
	})

	client := mqtt.NewClient(opts)
	if tok := client.Connect(); tok.Wait() && tok.Error() != nil {
		return nil, fmt.Errorf("discovery: mqtt connect to %s: %w", brokerURL, tok.Error())
	}
	if tok := client.Subscribe(topic, 1, s.handleMessage); tok.Wait() && tok.Error() != nil {
		client.Disconnect(250)
		return nil, fmt.Errorf("discovery: mqtt subscribe %s: %w", topic, tok.Error())
	}
	s.client = client
	return s, nil
}

func (s *MQTTSource) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	var sch Scheme
	if err := json.Unmarshal(msg.Payload(), &sch); err != nil {
		s.pushErr(fmt.Errorf("discovery: decode mqtt scheme: %w", err))
		return
	}
	s.pushScheme(sch)
}

// pushScheme keeps only the newest scheme in the one-slot buffer,
// discarding a not-yet-consumed older one rather than blocking the
// paho callback goroutine.
func (s *MQTTSource) pushScheme(sch Scheme) {
	select {
	case s.updates <- sch:
	default:
		select {
		case <-s.updates:
		default:
		}
		s.updates <- sch
	}
}

func (s *MQTTSource) pushErr(err error) {
	select {
	case s.errs <- err:
	default:
	}
}

// Next blocks until a scheme update (or decode error) arrives on the
// subscription, or ctx is cancelled.
func (s *MQTTSource) Next(ctx context.Context) (Scheme, error) {
	select {
	case <-ctx.Done():
		return Scheme{}, ctx.Err()
	case sch := <-s.updates:
		return sch, nil
	case err := <-s.errs:
		return Scheme{}, err
	}
}

// Close disconnects from the broker.
func (s *MQTTSource) Close() error {
	s.client.Disconnect(250)
	return nil
}
