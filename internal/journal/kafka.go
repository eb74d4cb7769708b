package journal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
	kafka "github.com/segmentio/kafka-go"
)

const writeTimeout = 5 * time.Second

type KafkaJournal struct {
	writer *kafka.Writer
}

func NewKafka(addr string, topic string) *KafkaJournal {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(addr),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}
	return &KafkaJournal{writer: writer}
}

// Record publishes the event synchronously; failures are logged and
// dropped. Each write is bounded by writeTimeout, which caps how long a
// broken broker can hold up the caller.
func (j *KafkaJournal) Record(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Msgf("failed to encode journal event %s", event.Type)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	err = j.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.NodeID),
		Value: payload,
	})
	if err != nil {
		log.Warn().Err(err).Msgf("failed to publish journal event %s", event.Type)
	}
}

func (j *KafkaJournal) Close() error {
	return j.writer.Close()
}
