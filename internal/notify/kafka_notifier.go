package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"identity-service/internal/util"
)

// Producer is satisfied by *client.KafkaProducer.
type Producer interface {
	ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// KafkaNotifier hands deliveries to an external mailer through a topic. The
// message key is the identity fingerprint so one user's codes stay ordered.
type KafkaNotifier struct {
	producer Producer
	topic    string
}

func NewKafkaNotifier(producer Producer, topic string) *KafkaNotifier {
	return &KafkaNotifier{producer: producer, topic: topic}
}

func (n *KafkaNotifier) Name() string { return "kafka" }

func (n *KafkaNotifier) Send(ctx context.Context, msg Notification) error {
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}

	headers := map[string]string{"event_type": "verification.code_issued"}
	if msg.RequestID != "" {
		headers["request_id"] = msg.RequestID
	}
	return n.producer.ProduceMessage(ctx, n.topic, []byte(util.Fingerprint(msg.Email)), value, headers)
}
