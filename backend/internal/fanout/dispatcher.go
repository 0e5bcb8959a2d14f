// Package fanout publishes committed session events to Kafka.
package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"collabsync/backend/internal/session"
)

var ErrClosed = errors.New("fanout: dispatcher closed")

// Message is the record written to the topic.
// key 用 session id，同一个会话的事件落在同一个 partition，保证顺序。
type Message struct {
	EventID   uint64            `json:"eventId"`
	SessionID string            `json:"sessionId"`
	UserID    uint64            `json:"userId"`
	Type      session.EventType `json:"type"`
	Payload   json.RawMessage   `json:"payload,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

type Options struct {
	QueueSize   int // 本地队列长度，Kafka 抖动时靠它吸收
	Workers     int
	MaxInFlight int // 同时进行的 SendMessage 上限
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// EnqueueTimeout bounds how long Publish waits on a full queue.
	EnqueueTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{
		QueueSize:      10_000,
		Workers:        4,
		MaxInFlight:    100,
		MaxRetry:       3,
		BaseBackoff:    50 * time.Millisecond,
		MaxBackoff:     time.Second,
		EnqueueTimeout: 200 * time.Millisecond,
	}
}

// Dispatcher：本地有界队列 + worker 异步发送 + 有限重试。
// - store 提交后只负责入队，最多等 EnqueueTimeout，不会被 Kafka 拖住
// - 队列满且超时就丢弃（事件已经在日志里，Kafka 只是旁路通知）
// - Close 时先停止入队，再把队列里剩下的发完
type Dispatcher struct {
	producer sarama.SyncProducer
	topic    string
	opts     Options
	// sem 限制并发的 SendMessage 数量
	sem      *semaphore.Weighted
	logger   *zap.Logger

	queue chan Message
	wg    sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func NewDispatcher(producer sarama.SyncProducer, topic string, opts Options, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultOptions()
	if opts.QueueSize <= 0 {
		opts.QueueSize = def.QueueSize
	}
	if opts.Workers <= 0 {
		opts.Workers = def.Workers
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = def.MaxInFlight
	}
	if opts.EnqueueTimeout <= 0 {
		opts.EnqueueTimeout = def.EnqueueTimeout
	}
	d := &Dispatcher{
		producer: producer,
		topic:    topic,
		opts:     opts,
		sem:      semaphore.NewWeighted(int64(opts.MaxInFlight)),
		logger:   logger,
		queue:    make(chan Message, opts.QueueSize),
	}
	for i := 0; i < opts.Workers; i++ {
		d.wg.Add(1)
		go d.workerLoop(i)
	}
	return d
}

// Publish enqueues evt. A full queue that does not drain within the enqueue
// timeout drops the event and reports the context error.
func (d *Dispatcher) Publish(ctx context.Context, evt session.Event) error {
	// 读锁：和 Close 互斥，保证不会往已关闭的 channel 里写
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	ctx, cancel := context.WithTimeout(ctx, d.opts.EnqueueTimeout)
	defer cancel()
	msg := Message{
		EventID:   evt.ID,
		SessionID: evt.SessionID,
		UserID:    evt.UserID,
		Type:      evt.Type,
		Payload:   evt.Payload,
		CreatedAt: evt.CreatedAt,
	}
	select {
	case d.queue <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting events, drains the queue and waits for the workers.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	// 关闭队列后 worker 会把剩余事件发完再退出
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()
	return nil
}

func (d *Dispatcher) workerLoop(workerID int) {
	defer d.wg.Done()
	for msg := range d.queue {
		d.sendWithRetry(workerID, msg)
	}
}

func (d *Dispatcher) sendWithRetry(workerID int, msg Message) {
	for attempt := 0; attempt <= d.opts.MaxRetry; attempt++ {
		// Background 不会被取消，Acquire 只会等到有空位
		_ = d.sem.Acquire(context.Background(), 1)
		err := d.sendOnce(msg)
		d.sem.Release(1)
		if err == nil {
			return
		}

		// 重试次数用完，记录后放弃
		if attempt == d.opts.MaxRetry {
			d.logger.Warn("kafka_send_dropped",
				zap.String("session_id", msg.SessionID),
				zap.Uint64("event_id", msg.EventID),
				zap.Int("worker", workerID),
				zap.Error(err))
			return
		}

		// 指数退避，上限 MaxBackoff
		backoff := d.opts.BaseBackoff * time.Duration(1<<attempt)
		if d.opts.MaxBackoff > 0 && backoff > d.opts.MaxBackoff {
			backoff = d.opts.MaxBackoff
		}
		time.Sleep(backoff)
	}
}

func (d *Dispatcher) sendOnce(msg Message) error {
	// 没配置 producer 或 topic 时当作发送成功
	if d.producer == nil || d.topic == "" {
		return nil
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, _, err = d.producer.SendMessage(&sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(msg.SessionID),
		Value: sarama.ByteEncoder(b),
	})
	return err
}

// NewSyncProducer builds the producer the dispatcher expects.
func NewSyncProducer(brokers []string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	// SyncProducer requires Return.Successes
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	return sarama.NewSyncProducer(brokers, cfg)
}
