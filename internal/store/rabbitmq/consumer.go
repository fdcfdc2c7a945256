package rabbitmq

import (
	"context"
	"errors"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// ErrDeliveriesClosed is returned by Run when the broker closes the delivery
// channel, e.g. after a connection loss.
var ErrDeliveriesClosed = errors.New("rabbitmq: delivery channel closed")

const maxRetryDelay = 5 * time.Minute

// Handler processes one job. A nil return acks the message.
type Handler func(ctx context.Context, jobID string) error

type ConsumerOptions struct {
	Concurrency int
	// MaxAttempts counts the first delivery. A job that fails that many times
	// is rejected to the DLQ.
	MaxAttempts int
	RetryBase   time.Duration
	Logger      *zap.Logger
}

type Consumer struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
	opts  ConsumerOptions
	log   *zap.Logger
	mu    sync.Mutex // guards publishes on ch
}

func NewConsumer(url, queue string, opts ConsumerOptions) (*Consumer, error) {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 2
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	conn, ch, err := dial(url, queue)
	if err != nil {
		return nil, err
	}
	// strict concurrency control
	if err := ch.Qos(opts.Concurrency, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	return &Consumer{conn: conn, ch: ch, queue: queue, opts: opts, log: opts.Logger.Named("consumer")}, nil
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

// Run consumes until ctx is done, then drains in-flight jobs and returns nil.
func (c *Consumer) Run(ctx context.Context, handle Handler) error {
	msgs, err := c.ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	c.log.Info("consumer started", zap.String("queue", c.queue), zap.Int("concurrency", c.opts.Concurrency))

	// worker pool
	jobs := make(chan amqp.Delivery, c.opts.Concurrency*2)

	var wg sync.WaitGroup
	wg.Add(c.opts.Concurrency)
	for i := 0; i < c.opts.Concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				c.process(ctx, workerID, d, handle)
			}
		}(i)
	}

	// dispatcher
	for {
		select {
		case <-ctx.Done():
			c.log.Info("consumer shutting down")
			close(jobs)
			wg.Wait()
			return nil

		case d, ok := <-msgs:
			if !ok {
				close(jobs)
				wg.Wait()
				return ErrDeliveriesClosed
			}
			jobs <- d
		}
	}
}

func (c *Consumer) process(ctx context.Context, workerID int, d amqp.Delivery, handle Handler) {
	log := c.log.With(zap.Int("worker", workerID))

	m, err := decodeJob(d.Body)
	if err != nil {
		log.Warn("bad message", zap.Error(err))
		_ = d.Nack(false, false)
		return
	}
	log = log.With(zap.String("job_id", m.JobID))

	start := time.Now()
	err = handle(ctx, m.JobID)
	if err == nil {
		if err := d.Ack(false); err != nil {
			log.Error("ack failed", zap.Error(err))
		}
		return
	}

	if ctx.Err() != nil {
		// shutting down, let another consumer pick it up
		_ = d.Nack(false, true)
		return
	}

	attempt := attemptsFrom(d.Headers) + 1
	if attempt >= c.opts.MaxAttempts {
		log.Error("job failed, dead-lettering", zap.Int("attempt", attempt), zap.Duration("cost", time.Since(start)), zap.Error(err))
		_ = d.Nack(false, false)
		return
	}

	delay := retryDelay(c.opts.RetryBase, attempt)
	log.Warn("job failed, scheduling retry",
		zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Duration("cost", time.Since(start)), zap.Error(err))

	c.mu.Lock()
	pubErr := publish(ctx, c.ch, RetryQueue(c.queue), m, attempt, delay)
	c.mu.Unlock()
	if pubErr != nil {
		log.Error("retry publish failed", zap.Error(pubErr))
		_ = d.Nack(false, false)
		return
	}
	if err := d.Ack(false); err != nil {
		log.Error("ack failed", zap.Error(err))
	}
}

// retryDelay doubles per attempt starting at base, capped at maxRetryDelay.
func retryDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxRetryDelay {
			return maxRetryDelay
		}
	}
	return d
}
