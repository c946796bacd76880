package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// ConsumerConfig tells the event log consumer where to read and write.
type ConsumerConfig struct {
	URL     string
	Queue   string
	LogPath string
}

// StartBookingConsumer connects to RabbitMQ, declares the events queue
// (durable) and appends every booking event to the log file, one line per
// event.  It reconnects with exponential backoff and returns only when ctx
// is cancelled.  A message that cannot be handled is rejected without
// requeue so a poison message never loops.
func StartBookingConsumer(ctx context.Context, cfg ConsumerConfig, log *zap.Logger) error {
	log = log.Named("booking-consumer")
	w := &eventLog{path: cfg.LogPath}
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn, err := amqp.Dial(cfg.URL)
		if err != nil {
			log.Warn("dial broker failed", zap.Error(err), zap.Duration("retry_in", backoff))
			if !sleep(ctx, backoff) {
				return ctx.Err()
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		err = consumeLoop(ctx, conn, cfg.Queue, w, log)
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn("consume loop ended, reconnecting", zap.Error(err))
		if !sleep(ctx, 2*time.Second) {
			return ctx.Err()
		}
	}
}

func consumeLoop(ctx context.Context, conn *amqp.Connection, queueName string, w *eventLog, log *zap.Logger) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(50, 0, false); err != nil {
		log.Warn("set QoS failed", zap.Error(err))
	}
	if _, err := ch.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}
	msgs, err := ch.Consume(queueName, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}
	log.Info("consuming", zap.String("queue", queueName), zap.String("log_path", w.path))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			if err := w.handleMessage(d.Body); err != nil {
				log.Warn("handle message failed", zap.Error(err))
				_ = d.Nack(false, false)
				continue
			}
			_ = d.Ack(false)
		}
	}
}

// eventLog appends formatted events to a file.
type eventLog struct {
	mu   sync.Mutex
	path string
}

func (w *eventLog) handleMessage(body []byte) error {
	var ev BookingEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	if ev.Type == "" || ev.BookingID == "" {
		return errors.New("event without type or booking_id")
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return fmt.Errorf("mkdir logs: %w", err)
	}
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(FormatLine(ev)); err != nil {
		return fmt.Errorf("write log: %w", err)
	}
	return nil
}

// FormatLine renders an event as one human-friendly log line.
func FormatLine(ev BookingEvent) string {
	seats := "[" + strings.Join(ev.Seats, ",") + "]"
	line := fmt.Sprintf("[%s] %s | booking_id=%s | status=%s | user_id=%s | showtime=%s | cinema=%s | sala=%s | total=%.2f %s | seats=%s",
		ev.OccurredAt.UTC().Format(time.RFC3339), ev.Type, ev.BookingID, ev.Status, ev.UserID,
		ev.ShowtimeID, ev.CinemaID, ev.SalaID, ev.PriceTotal, ev.Currency, seats)
	if ev.HoldDeadline != nil {
		line += " | hold_deadline=" + ev.HoldDeadline.UTC().Format(time.RFC3339)
	}
	return line + "\n"
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
