package usecase

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/maxladabaum/experiment-automation/internal/sequencer"
)

// captureProducer 记录收到的消息体 (测试用)
type captureProducer struct {
	mu       sync.Mutex
	payloads []MQPayload
	got      chan struct{}
}

func newCaptureProducer() *captureProducer {
	return &captureProducer{got: make(chan struct{}, 8)}
}

func (c *captureProducer) Produce(ctx context.Context, topic string, key string, data interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := data.(MQPayload); ok {
		c.payloads = append(c.payloads, p)
	}
	select {
	case c.got <- struct{}{}:
	default:
	}
	return nil
}

func (c *captureProducer) Payloads() []MQPayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]MQPayload(nil), c.payloads...)
}

func TestDispatcherWrapsAndDeliversEvents(t *testing.T) {
	prod := newCaptureProducer()
	d := NewEventDispatcher(prod, "lab_events", "bench-01", 1, zap.NewNop())
	d.Start()
	defer d.Stop()

	d.Dispatch(sequencer.Event{EventID: "e1", ItemType: "PAUSE", Status: "completed"})

	select {
	case <-prod.got:
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered to producer")
	}

	payloads := prod.Payloads()
	if len(payloads) != 1 {
		t.Fatalf("payloads = %d, want 1", len(payloads))
	}
	p := payloads[0]
	if p.Type != "queue_event" || p.Station != "bench-01" {
		t.Errorf("envelope = %+v", p)
	}
	ev, ok := p.Data.(sequencer.Event)
	if !ok || ev.EventID != "e1" || ev.ItemType != "PAUSE" {
		t.Errorf("event payload = %+v", p.Data)
	}
}

func TestDispatchAfterStopIsDropped(t *testing.T) {
	prod := newCaptureProducer()
	d := NewEventDispatcher(prod, "lab_events", "bench-01", 2, zap.NewNop())
	d.Start()
	d.Stop()

	// 队列 worker 是分离协程, 停机后仍可能投递收尾事件; 只允许丢弃, 不允许崩溃
	d.Dispatch(sequencer.Event{EventID: "late", ItemType: "CV", Status: "completed"})
	d.Dispatch(sequencer.Event{EventID: "late2", ItemType: "CV", Status: "failed"})
}
