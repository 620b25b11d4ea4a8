package usecase

import "context"

type EventProducer interface {
	// Produce 发送事件到指定 Topic
	Produce(ctx context.Context, topic string, key string, data interface{}) error
}
