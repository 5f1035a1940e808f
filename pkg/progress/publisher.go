package progress

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/andrej220/ampctl/internal/lg"
)

const publishTimeout = 5 * time.Second

// messageWriter is the slice of kafka.Writer we use, kept as an interface so
// tests can capture messages without a broker.
type messageWriter interface {
	WriteMessages(context.Context, ...kafka.Message) error
	Close() error
}

// Publisher forwards events to a Kafka topic so fleet dashboards can follow
// long-running capture jobs. Publishing is best effort; a broker outage never
// fails a device run.
type Publisher struct {
	writer messageWriter
	topic  string
	log    lg.Logger
}

func NewPublisher(brokers, topic string, log lg.Logger) *Publisher {
	if log == nil {
		log = lg.Discard
	}
	return &Publisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers),
			Topic:                  topic,
			Balancer:               &kafka.LeastBytes{},
			Async:                  false,
			AllowAutoTopicCreation: true,
		},
		topic: topic,
		log:   log,
	}
}

func (p *Publisher) Notify(e Event) {
	message, err := json.Marshal(e)
	if err != nil {
		p.log.Error("failed to marshal progress event", lg.Err(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   e.RunID[:],
		Value: message,
		Time:  e.Time,
	})
	if err != nil {
		if errors.Is(err, kafka.UnknownTopicOrPartition) {
			p.log.Error("Kafka topic does not exist",
				lg.String("topic", p.topic),
				lg.String("action", "create the topic manually or enable auto-creation"))
			return
		}
		p.log.Error("failed to publish progress event", lg.Err(err))
	}
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}
