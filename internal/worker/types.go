package worker

import (
	"context"
)

// Runner ingests a single document. A returned error means the task should
// be delivered again; failures that were recorded on the document return nil.
type Runner interface {
	Run(ctx context.Context, documentID string) error
}

type Publisher interface {
	Publish(topic string, body []byte) error
}

// MessageHandler processes one raw task body.
type MessageHandler interface {
	Handle(ctx context.Context, body []byte) error
}
