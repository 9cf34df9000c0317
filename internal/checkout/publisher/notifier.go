package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fjod/storefront/internal/orders/domain"
	"github.com/fjod/storefront/pkg/circuitbreaker"
	"github.com/segmentio/kafka-go"
)

const (
	EventOrderPlaced        = "order.placed"
	EventCompensationFailed = "compensation.failed"

	defaultQueueSize    = 256
	defaultWriteTimeout = 5 * time.Second
)

// Event is the notification payload written to Kafka.
type Event struct {
	Type       string    `json:"type"`
	OrderID    string    `json:"order_id,omitempty"`
	UserID     string    `json:"user_id,omitempty"`
	Customer   string    `json:"customer,omitempty"`
	Phone      string    `json:"phone,omitempty"`
	Address    string    `json:"address,omitempty"`
	Summary    string    `json:"summary,omitempty"`
	Total      string    `json:"total,omitempty"`
	Ref        string    `json:"ref,omitempty"`
	ProductIDs []int64   `json:"product_ids,omitempty"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

// MessageWriter is the part of kafka.Writer the notifier uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.LeastBytes{},
		AllowAutoTopicCreation: true,
	}
}

// Notifier publishes order notifications in the background. Publishing
// never blocks or fails the caller: events are queued and dropped with a
// warning when the queue is full or the breaker is open.
type Notifier struct {
	writer  MessageWriter
	breaker *circuitbreaker.Breaker
	log     *slog.Logger
	timeout time.Duration

	queue chan Event
	done  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once
	now   func() time.Time
}

func NewNotifier(writer MessageWriter, breaker *circuitbreaker.Breaker, log *slog.Logger) *Notifier {
	return &Notifier{
		writer:  writer,
		breaker: breaker,
		log:     log,
		timeout: defaultWriteTimeout,
		queue:   make(chan Event, defaultQueueSize),
		done:    make(chan struct{}),
		now:     time.Now,
	}
}

// Start runs the delivery worker until Close.
func (n *Notifier) Start() {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		for {
			select {
			case ev := <-n.queue:
				n.deliver(ev)
			case <-n.done:
				n.drain()
				return
			}
		}
	}()
}

func (n *Notifier) drain() {
	for {
		select {
		case ev := <-n.queue:
			n.deliver(ev)
		default:
			return
		}
	}
}

// Close stops the worker after flushing queued events and closes the writer.
func (n *Notifier) Close() error {
	n.once.Do(func() { close(n.done) })
	n.wg.Wait()
	return n.writer.Close()
}

func (n *Notifier) OrderPlaced(_ context.Context, order *domain.Order) {
	n.enqueue(Event{
		Type:     EventOrderPlaced,
		OrderID:  order.ID.String(),
		UserID:   order.UserID,
		Customer: order.Customer.Name,
		Phone:    order.Customer.Phone,
		Address:  order.Customer.Address,
		Summary:  Summary(order),
		Total:    order.TotalPrice.StringFixed(2),
		At:       n.now(),
	})
}

func (n *Notifier) CompensationFailed(_ context.Context, ref string, productIDs []int64, cause error) {
	ev := Event{
		Type:       EventCompensationFailed,
		Ref:        ref,
		ProductIDs: productIDs,
		At:         n.now(),
	}
	if cause != nil {
		ev.Error = cause.Error()
	}
	n.enqueue(ev)
}

func (n *Notifier) enqueue(ev Event) {
	select {
	case <-n.done:
		n.log.Warn("notifier closed, dropping event", slog.String("type", ev.Type))
		return
	default:
	}

	select {
	case n.queue <- ev:
	default:
		n.log.Warn("notification queue full, dropping event",
			slog.String("type", ev.Type),
			slog.String("order_id", ev.OrderID))
	}
}

func (n *Notifier) deliver(ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		n.log.Error("failed to marshal notification", slog.String("error", err.Error()))
		return
	}

	key := ev.OrderID
	if key == "" {
		key = ev.Ref
	}
	msg := kafka.Message{
		Key:   []byte(key),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(ev.Type)},
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()

	err = n.breaker.Do(ctx, func(ctx context.Context) error {
		return n.writer.WriteMessages(ctx, msg)
	})
	if err != nil {
		n.log.Warn("failed to publish notification",
			slog.String("type", ev.Type),
			slog.String("key", key),
			slog.String("error", err.Error()))
		return
	}
	n.log.Debug("notification published", slog.String("type", ev.Type), slog.String("key", key))
}

// Summary renders the order lines as "#12 (x2), #40 (x1)".
func Summary(order *domain.Order) string {
	parts := make([]string, 0, len(order.Items))
	for _, it := range order.Items {
		parts = append(parts, fmt.Sprintf("#%d (x%d)", it.ProductID, it.Quantity))
	}
	return strings.Join(parts, ", ")
}

// LogNotifier logs notifications instead of publishing them. Used when no
// brokers are configured.
type LogNotifier struct {
	Log *slog.Logger
}

func (l LogNotifier) OrderPlaced(ctx context.Context, order *domain.Order) {
	l.Log.InfoContext(ctx, "order placed",
		slog.String("order_id", order.ID.String()),
		slog.String("summary", Summary(order)),
		slog.String("total", order.TotalPrice.StringFixed(2)))
}

func (l LogNotifier) CompensationFailed(ctx context.Context, ref string, productIDs []int64, cause error) {
	l.Log.ErrorContext(ctx, "compensation failed",
		slog.String("ref", ref),
		slog.Any("product_ids", productIDs),
		slog.Any("error", cause))
}
