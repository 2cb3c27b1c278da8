package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	"crdtstore/internal/logging"
)

// KafkaSource consumes a compacted Kafka topic on which an external
// discovery collaborator publishes the current Scheme as JSON on every
// membership change. The fetch loop keeps only the newest scheme: a
// discovery consumer only ever cares about the latest tick, not a full
// history of them.
type KafkaSource struct {
	client  *kgo.Client
	logger  *slog.Logger
	updates chan Scheme
	errs    chan error
	cancel  context.CancelFunc
}

// NewKafkaSource connects to brokers, joins group as a consumer of
// topic, and starts a background fetch loop feeding Next.
func NewKafkaSource(brokers []string, topic, group string, logger *slog.Logger) (*KafkaSource, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumeTopics(topic),
		kgo.ConsumerGroup(group),
	)
	if err != nil {
		return nil, fmt.Errorf("discovery: kafka client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &KafkaSource{
		client:  client,
		logger:  logging.Default(logger).With("component", "discovery-kafka", "topic", topic),
		updates: make(chan Scheme, 1),
		errs:    make(chan error, 1),
		cancel:  cancel,
	}
	go s.run(ctx)
	return s, nil
}

func (s *KafkaSource) run(ctx context.Context) {
	for {
		fetches := s.client.PollFetches(ctx)
		if ctx.Err() != nil {
			return
		}
		for _, e := range fetches.Errors() {
			s.logger.Warn("kafka fetch error", "topic", e.Topic, "partition", e.Partition, "error", e.Err)
		}
		fetches.EachRecord(func(rec *kgo.Record) {
			var sch Scheme
			if err := json.Unmarshal(rec.Value, &sch); err != nil {
				s.pushErr(fmt.Errorf("discovery: decode kafka scheme: %w", err))
				return
			}
			s.pushScheme(sch)
		})
	}
}

func (s *KafkaSource) pushScheme(sch Scheme) {
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

func (s *KafkaSource) pushErr(err error) {
	select {
	case s.errs <- err:
	default:
	}
}

// Next blocks until a scheme update (or decode error) arrives from the
// topic, or ctx is cancelled.
func (s *KafkaSource) Next(ctx context.Context) (Scheme, error) {
	select {
	case <-ctx.Done():
		return Scheme{}, ctx.Err()
	case sch := <-s.updates:
		return sch, nil
	case err := <-s.errs:
		return Scheme{}, err
	}
}

// Close stops the fetch loop and releases the client.
func (s *KafkaSource) Close() error {
	s.cancel()
	s.client.Close()
	return nil
}
