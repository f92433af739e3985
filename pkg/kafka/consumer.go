package kafka

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/segmentio/kafka-go"

	"ZeroDTE/pkg/logger"
)

// MessageHandler handles messages from one topic.
type MessageHandler interface {
	Topic() string
	Handle(context.Context, []byte) error
}

// Consumer reads every registered topic in one consumer group. Messages of a partition are
// handled in order by a single worker; offsets are committed after handling.
type Consumer struct {
	cfg      *ConsumerConfig
	log      *logger.Logger
	hook     ConsumerHook
	handlers map[string]MessageHandler
	readers  map[string]*kafka.Reader
	queues   []chan kafka.Message
	dlq      *kafka.Writer

	stop     chan struct{}
	stopOnce sync.Once
	readWG   sync.WaitGroup
	workWG   sync.WaitGroup
}

func NewConsumer(log *logger.Logger, opts ...ConsumerOption) (*Consumer, error) {
	cfg := &ConsumerConfig{
		GroupID:     "zerodte-core",
		StartOffset: "latest",
		WorkerCount: 4,
		BufferSize:  256,
		RetryMax:    3,
		BackoffMin:  50 * time.Millisecond,
		BackoffMax:  2 * time.Second,
		MinBytes:    1,
		MaxBytes:    10e6,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka consumer: brokers are required")
	}

	c := &Consumer{
		cfg:      cfg,
		log:      log,
		hook:     NoopHook{},
		handlers: make(map[string]MessageHandler),
		readers:  make(map[string]*kafka.Reader),
		stop:     make(chan struct{}),
	}
	if cfg.DLQTopic != "" {
		c.dlq = &kafka.Writer{Addr: kafka.TCP(cfg.Brokers...), Topic: cfg.DLQTopic, Balancer: &kafka.Hash{}}
	}
	initConsumerMetrics()
	return c, nil
}

func (c *Consumer) WithHook(h ConsumerHook) {
	if h != nil {
		c.hook = h
	}
}

// RegisterHandler must be called before Start. A second handler for a topic is ignored.
func (c *Consumer) RegisterHandler(h MessageHandler) {
	if _, ok := c.handlers[h.Topic()]; ok {
		c.log.Warn("kafka handler already registered", logger.String("topic", h.Topic()))
		return
	}
	c.handlers[h.Topic()] = h
}

func (c *Consumer) Start() error {
	if len(c.handlers) == 0 {
		return errors.New("kafka consumer: no handlers registered")
	}
	start := kafka.LastOffset
	if c.cfg.StartOffset == "earliest" {
		start = kafka.FirstOffset
	}

	c.queues = make([]chan kafka.Message, c.cfg.WorkerCount)
	for i := range c.queues {
		c.queues[i] = make(chan kafka.Message, c.cfg.BufferSize)
		c.workWG.Add(1)
		go c.work(c.queues[i])
	}

	for topic := range c.handlers {
		r := kafka.NewReader(kafka.ReaderConfig{
			Brokers:     c.cfg.Brokers,
			Topic:       topic,
			GroupID:     c.cfg.GroupID,
			MinBytes:    c.cfg.MinBytes,
			MaxBytes:    c.cfg.MaxBytes,
			StartOffset: start,
			MaxWait:     500 * time.Millisecond,
		})
		c.readers[topic] = r
		c.readWG.Add(1)
		go c.read(topic, r)
	}
	c.log.Info("kafka consumer started",
		logger.String("group", c.cfg.GroupID),
		logger.Int("topics", len(c.readers)),
		logger.Int("workers", c.cfg.WorkerCount),
	)
	return nil
}

// Stop halts the readers, drains queued messages and closes every reader.
func (c *Consumer) Stop(ctx context.Context) error {
	var err error
	c.stopOnce.Do(func() {
		close(c.stop)
		done := make(chan struct{})
		go func() {
			c.readWG.Wait()
			for _, q := range c.queues {
				close(q)
			}
			c.workWG.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = fmt.Errorf("kafka consumer: stop: %w", ctx.Err())
		}
		for topic, r := range c.readers {
			if cerr := r.Close(); cerr != nil {
				c.log.Warn("kafka reader close failed", logger.String("topic", topic), logger.Error(cerr))
			}
		}
		if c.dlq != nil {
			_ = c.dlq.Close()
		}
	})
	return err
}

func (c *Consumer) read(topic string, r *kafka.Reader) {
	defer c.readWG.Done()
	for {
		select {
		case <-c.stop:
			return
		default:
		}
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		m, err := r.FetchMessage(ctx)
		cancel()
		if err != nil {
			if !errors.Is(err, context.DeadlineExceeded) {
				c.log.Warn("kafka fetch failed", logger.String("topic", topic), logger.Error(err))
				consumerErrors.WithLabelValues(topic, "fetch").Inc()
			}
			continue
		}
		q := c.queues[c.route(topic, m.Partition)]
		select {
		case q <- m:
			consumerQueueDepth.WithLabelValues(topic).Set(float64(len(q)))
		case <-c.stop:
			return
		}
	}
}

func (c *Consumer) route(topic string, partition int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(topic))
	_, _ = h.Write([]byte(strconv.Itoa(partition)))
	return int(h.Sum32() % uint32(len(c.queues)))
}

func (c *Consumer) work(q <-chan kafka.Message) {
	defer c.workWG.Done()
	for m := range q {
		c.handle(m)
	}
}

func (c *Consumer) handle(m kafka.Message) {
	h := c.handlers[m.Topic]
	if h == nil {
		return
	}
	start := time.Now()
	err := c.attempt(h, m)
	consumerLatency.WithLabelValues(m.Topic).Observe(time.Since(start).Seconds())

	if err != nil {
		consumerErrors.WithLabelValues(m.Topic, "handle").Inc()
		c.log.Error("kafka message failed",
			logger.String("topic", m.Topic),
			logger.Int("partition", m.Partition),
			logger.Int64("offset", m.Offset),
			logger.Error(err),
		)
		if c.dlq == nil {
			return
		}
		if derr := c.dlq.WriteMessages(context.Background(), kafka.Message{
			Key:     m.Key,
			Value:   m.Value,
			Headers: append(m.Headers, kafka.Header{Key: "source_topic", Value: []byte(m.Topic)}),
		}); derr != nil {
			c.log.Error("kafka dlq write failed", logger.String("topic", m.Topic), logger.Error(derr))
			return
		}
	}
	c.commit(m)
}

// attempt runs the handler with retries. A panic is converted to an error.
func (c *Consumer) attempt(h MessageHandler, m kafka.Message) (err error) {
	for i := 1; ; i++ {
		func() {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("handler panic: %v", r)
				}
			}()
			ctx, data, berr := c.hook.BeforeHandle(context.Background(), m)
			if berr != nil {
				err = berr
				return
			}
			err = h.Handle(ctx, data)
			c.hook.AfterHandle(ctx, m, err)
		}()
		if err == nil || i > c.cfg.RetryMax {
			return err
		}
		select {
		case <-time.After(backoff(c.cfg.BackoffMin, c.cfg.BackoffMax, i)):
		case <-c.stop:
			return err
		}
	}
}

func (c *Consumer) commit(m kafka.Message) {
	r := c.readers[m.Topic]
	for i := 1; i <= 3; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := r.CommitMessages(ctx, m)
		cancel()
		if err == nil {
			return
		}
		if i == 3 {
			c.log.Warn("kafka commit failed", logger.String("topic", m.Topic), logger.Int64("offset", m.Offset), logger.Error(err))
			consumerErrors.WithLabelValues(m.Topic, "commit").Inc()
			return
		}
		time.Sleep(backoff(50*time.Millisecond, 500*time.Millisecond, i))
	}
}

func backoff(min, max time.Duration, attempt int) time.Duration {
	if min <= 0 {
		min = 50 * time.Millisecond
	}
	if max < min {
		max = min
	}
	d := min << uint(attempt-1)
	if d > max || d <= 0 {
		d = max
	}
	return d - time.Duration(rand.Int63n(int64(d)/2+1))
}

var (
	consumerOnce       sync.Once
	consumerQueueDepth *prometheus.GaugeVec
	consumerLatency    *prometheus.HistogramVec
	consumerErrors     *prometheus.CounterVec
)

func initConsumerMetrics() {
	consumerOnce.Do(func() {
		consumerQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "zerodte_kafka_consumer_queue_depth",
			Help: "Messages waiting for a worker",
		}, []string{"topic"})
		consumerLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "zerodte_kafka_consumer_handle_seconds",
			Help:    "Handling time per message including retries",
			Buckets: prometheus.DefBuckets,
		}, []string{"topic"})
		consumerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "zerodte_kafka_consumer_errors_total",
			Help: "Consumer errors by stage",
		}, []string{"topic", "stage"})
	})
}
