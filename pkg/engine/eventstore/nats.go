package eventstore

import (
	"encoding/json"

	"github.com/nats-io/nats.go"

	"github.com/quantrail/brokerd/pkg/engine/model"
)

// NatsPublisher mirrors journal entries onto a JetStream subject for the
// persistence worker to drain.
type NatsPublisher struct {
	js      nats.JetStreamContext
	subject string
}

func NewNatsPublisher(js nats.JetStreamContext, stream, subject string) (*NatsPublisher, error) {
	_, err := js.AddStream(&nats.StreamConfig{
		Name:     stream,
		Subjects: []string{subject},
	})
	if err != nil && err != nats.ErrStreamNameAlreadyInUse {
		return nil, err
	}
	return &NatsPublisher{js: js, subject: subject}, nil
}

func (p *NatsPublisher) Publish(ev *model.OrderEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	// the event id doubles as the JetStream dedup id
	_, err = p.js.Publish(p.subject, data, nats.MsgId(ev.EventID))
	return err
}
