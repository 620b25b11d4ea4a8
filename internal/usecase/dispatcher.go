package usecase

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

type EventDispatcher struct {
	eventChan   chan interface{}
	producer    EventProducer
	topic       string
	station     string
	logger      *zap.Logger
	workerCount int
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// NewEventDispatcher 创建一个新的事件分发器; station 标识本实验工位
func NewEventDispatcher(producer EventProducer, topic, station string, workerCount int, logger *zap.Logger) *EventDispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &EventDispatcher{
		eventChan:   make(chan interface{}, 1024), // 带缓冲 Channel，防止阻塞执行线程
		producer:    producer,
		topic:       topic,
		station:     station,
		workerCount: workerCount,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start 启动 worker 协程池
func (d *EventDispatcher) Start() {
	for i := 0; i < d.workerCount; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}
	d.logger.Info("EventDispatcher started", zap.Int("workers", d.workerCount))
}

// Stop 停止分发器并等待所有 worker 退出。
// eventChan 不关闭: 队列 worker 是分离协程, 停机后仍可能投递收尾事件, 交由 GC 回收
func (d *EventDispatcher) Stop() {
	d.cancel() // 通知 worker 退出
	d.wg.Wait()
	d.logger.Info("EventDispatcher stopped")
}

// Dispatch 将事件投递到缓冲通道 (非阻塞，如果满则丢弃或记录); 停止后的事件直接丢弃
func (d *EventDispatcher) Dispatch(event interface{}) {
	select {
	case <-d.ctx.Done():
		// 已停止, 丢弃收尾事件
	case d.eventChan <- event:
		// 成功投递
	default:
		// 通道已满，丢弃事件或记录错误 metrics
		d.logger.Warn("EventDispatcher channel full, dropping event")
	}
}

func (d *EventDispatcher) worker(id int) {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case event := <-d.eventChan:
			d.process(event)
		}
	}
}

func (d *EventDispatcher) process(event interface{}) {
	payload := MQPayload{Type: "queue_event", Station: d.station, Data: event}
	if err := d.producer.Produce(d.ctx, d.topic, d.station, payload); err != nil {
		d.logger.Error("EventDispatcher failed to send event", zap.Error(err))
	}
}
