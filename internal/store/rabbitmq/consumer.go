package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/suPer8Hu/story-engine/internal/story"
	"go.uber.org/zap"
)

const retryHeader = "x-attempt"

type Handler func(ctx context.Context, ev story.SessionCompleted) error

type republisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Consumer feeds session events to a bounded pool of handlers. A failed event goes to the
// retry queue until it has used up its attempts, then to the dead-letter queue.
type Consumer struct {
	conn        *amqp.Connection
	ch          *amqp.Channel
	out         republisher
	queue       string
	concurrency int
	maxAttempts int
	retryDelay  time.Duration
	log         *zap.Logger
}

func NewConsumer(url, queue string, concurrency int, log *zap.Logger) (*Consumer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := declareTopology(ch, queue); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	c := newConsumer(ch, queue, concurrency, log)
	c.conn, c.ch = conn, ch
	return c, nil
}

func newConsumer(out republisher, queue string, concurrency int, log *zap.Logger) *Consumer {
	if concurrency <= 0 {
		concurrency = 2
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Consumer{
		out:         out,
		queue:       queue,
		concurrency: concurrency,
		maxAttempts: 3,
		retryDelay:  5 * time.Second,
		log:         log,
	}
}

func (c *Consumer) Close() error {
	if c.ch != nil {
		_ = c.ch.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Consume blocks until ctx is cancelled or the broker closes the delivery channel.
func (c *Consumer) Consume(ctx context.Context, h Handler) error {
	//  strict concurrency control
	if err := c.ch.Qos(c.concurrency, 0, false); err != nil {
		return fmt.Errorf("qos: %w", err)
	}
	msgs, err := c.ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}
	c.log.Info("consumer started", zap.String("queue", c.queue), zap.Int("concurrency", c.concurrency))
	return c.run(ctx, msgs, h)
}

func (c *Consumer) run(ctx context.Context, msgs <-chan amqp.Delivery, h Handler) error {
	jobs := make(chan amqp.Delivery, c.concurrency*2)

	var wg sync.WaitGroup
	wg.Add(c.concurrency)
	for i := 0; i < c.concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				c.handle(ctx, workerID, d, h)
			}
		}(i)
	}

	// dispatcher
	var err error
loop:
	for {
		select {
		case <-ctx.Done():
			c.log.Info("consumer shutting down")
			break loop
		case d, ok := <-msgs:
			if !ok {
				err = errors.New("delivery channel closed")
				break loop
			}
			select {
			case jobs <- d:
			case <-ctx.Done():
				// every worker is busy; hand the delivery back instead of waiting
				_ = d.Nack(false, true)
				c.log.Info("consumer shutting down")
				break loop
			}
		}
	}
	close(jobs)
	wg.Wait()
	return err
}

func (c *Consumer) handle(ctx context.Context, workerID int, d amqp.Delivery, h Handler) {
	log := c.log.With(zap.Int("worker", workerID))

	ev, err := decodeEvent(d.Body)
	if err != nil {
		log.Warn("bad message", zap.Error(err))
		_ = d.Nack(false, false)
		return
	}
	log = log.With(zap.String("session_id", ev.SessionID))

	start := time.Now()
	if err := h(ctx, ev); err != nil {
		attempt := attemptOf(d.Headers) + 1
		log.Warn("event failed", zap.Int("attempt", attempt), zap.Duration("cost", time.Since(start)), zap.Error(err))
		if ctx.Err() != nil {
			// shutting down; leave it for the next consumer
			_ = d.Nack(false, true)
			return
		}
		if attempt >= c.maxAttempts {
			_ = d.Nack(false, false)
			return
		}
		if err := c.retry(ctx, d, attempt); err != nil {
			log.Error("retry publish failed", zap.Error(err))
			_ = d.Nack(false, false)
			return
		}
		_ = d.Ack(false)
		return
	}

	if err := d.Ack(false); err != nil {
		log.Warn("ack failed", zap.Error(err))
	}
}

func (c *Consumer) retry(ctx context.Context, d amqp.Delivery, attempt int) error {
	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[retryHeader] = int32(attempt)

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return c.out.PublishWithContext(cctx, "", retryQueue(c.queue), false, false, amqp.Publishing{
		ContentType:  d.ContentType,
		DeliveryMode: amqp.Persistent,
		Type:         d.Type,
		MessageId:    d.MessageId,
		Headers:      headers,
		Expiration:   strconv.FormatInt(c.retryDelay.Milliseconds(), 10),
		Body:         d.Body,
		Timestamp:    time.Now(),
	})
}

func decodeEvent(body []byte) (story.SessionCompleted, error) {
	var ev story.SessionCompleted
	if err := json.Unmarshal(body, &ev); err != nil {
		return ev, err
	}
	if ev.SessionID == "" || ev.ChildID == 0 {
		return ev, errors.New("event without session or child")
	}
	if ev.Type != "" && ev.Type != story.EventSessionCompleted {
		return ev, fmt.Errorf("unexpected event type %q", ev.Type)
	}
	return ev, nil
}

func attemptOf(h amqp.Table) int {
	switch v := h[retryHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}
