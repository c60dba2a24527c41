package sentiment

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"coinlink-go/internal/metrics"
	"coinlink-go/internal/signal"
)

// KafkaReader is the subset of *kafka.Reader the source needs.
type KafkaReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Submitter accepts validated samples; *Correlator implements it.
type Submitter interface {
	Submit(ctx context.Context, s signal.SentimentSample) error
}

// NewKafkaReader connects a consumer-group reader to the classifier topic.
func NewKafkaReader(brokers []string, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 1 << 20,
		MaxWait:  500 * time.Millisecond,
	})
}

// KafkaSource forwards classifier messages to a Submitter.
type KafkaSource struct {
	reader  KafkaReader
	sink    Submitter
	log     zerolog.Logger
	now     func() time.Time
	backoff time.Duration
}

// NewKafkaSource wires reader to sink.
func NewKafkaSource(reader KafkaReader, sink Submitter, log zerolog.Logger) *KafkaSource {
	return &KafkaSource{reader: reader, sink: sink, log: log, now: time.Now, backoff: time.Second}
}

// Run reads until ctx is cancelled or the reader reports EOF, then closes the reader.
func (s *KafkaSource) Run(ctx context.Context) error {
	defer s.reader.Close()
	for {
		m, err := s.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			s.log.Error().Err(err).Msg("kafka read failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(s.backoff):
			}
			continue
		}
		sample, err := ParseSample(m.Value, s.now())
		if err != nil {
			metrics.SentimentSamples.WithLabelValues("rejected").Inc()
			s.log.Warn().Err(err).Int64("offset", m.Offset).Msg("discarding sentiment message")
			continue
		}
		if err := s.sink.Submit(ctx, sample); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn().Err(err).Msg("sentiment sample not accepted")
			continue
		}
		metrics.SentimentSamples.WithLabelValues("kafka").Inc()
	}
}
