// Package mqtt reads stream objects from an MQTT topic. Each message
// payload is a JSON array of numbers holding one feature vector.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/hed1ad/streamguard/pkg/detectors"
	streamio "github.com/hed1ad/streamguard/pkg/io"
)

const (
	// DefaultBuffer is the number of decoded objects held before the
	// subscription callback blocks.
	DefaultBuffer = 1024
	// DefaultTimeout bounds subscribe and unsubscribe round trips.
	DefaultTimeout = 5 * time.Second
)

// ErrTimeout is returned when the broker does not acknowledge a request in
// time.
var ErrTimeout = errors.New("mqtt request timed out")

// Subscriber is the part of an MQTT client the reader needs. A connected
// paho client satisfies it.
type Subscriber interface {
	Subscribe(topic string, qos byte, callback pahomqtt.MessageHandler) pahomqtt.Token
	Unsubscribe(topics ...string) pahomqtt.Token
}

// Reader turns messages of one topic into stream objects. Ids are assigned
// in arrival order starting at detectors.FirstObjectID.
type Reader struct {
	client  Subscriber
	topic   string
	qos     byte
	timeout time.Duration
	logger  *slog.Logger

	objects chan detectors.Object
	done    chan struct{}
	once    sync.Once

	// send serializes handlers so ids follow queue order. It is held
	// across the blocking channel send; mu never is.
	send sync.Mutex

	mu      sync.Mutex
	nextID  int64
	dims    int
	dropped int
}

var _ streamio.Reader = (*Reader)(nil)

// Option configures a Reader.
type Option func(*Reader)

// WithQoS sets the subscription quality of service.
func WithQoS(qos byte) Option {
	return func(r *Reader) {
		r.qos = qos
	}
}

// WithDimensions fixes the expected vector dimension. Otherwise the first
// valid message fixes it.
func WithDimensions(dims int) Option {
	return func(r *Reader) {
		r.dims = dims
	}
}

// WithBuffer sets the number of decoded objects held before the
// subscription callback blocks.
func WithBuffer(n int) Option {
	return func(r *Reader) {
		if n > 0 {
			r.objects = make(chan detectors.Object, n)
		}
	}
}

// WithTimeout bounds subscribe and unsubscribe round trips.
func WithTimeout(d time.Duration) Option {
	return func(r *Reader) {
		r.timeout = d
	}
}

// WithLogger sets the logger used to report dropped messages.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reader) {
		r.logger = logger
	}
}

// NewReader subscribes to topic on client.
func NewReader(client Subscriber, topic string, opts ...Option) (*Reader, error) {
	if topic == "" {
		return nil, errors.New("mqtt topic is required")
	}

	r := &Reader{
		client:  client,
		topic:   topic,
		timeout: DefaultTimeout,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		objects: make(chan detectors.Object, DefaultBuffer),
		done:    make(chan struct{}),
		nextID:  detectors.FirstObjectID,
	}

	for _, opt := range opts {
		opt(r)
	}

	if err := wait(client.Subscribe(topic, r.qos, r.handle), r.timeout); err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", topic, err)
	}
	r.logger.Info("subscribed", slog.String("topic", topic), slog.Int("qos", int(r.qos)))

	return r, nil
}

func wait(token pahomqtt.Token, timeout time.Duration) error {
	if !token.WaitTimeout(timeout) {
		return ErrTimeout
	}
	return token.Error()
}

// handle decodes one message and queues it. It blocks while the buffer is
// full, so ids follow queue order.
func (r *Reader) handle(_ pahomqtt.Client, msg pahomqtt.Message) {
	var values []float64
	if err := json.Unmarshal(msg.Payload(), &values); err != nil {
		r.drop(msg, err)
		return
	}

	r.send.Lock()
	defer r.send.Unlock()

	r.mu.Lock()
	if len(values) == 0 || (r.dims != 0 && len(values) != r.dims) {
		r.dropLocked(msg, fmt.Errorf("%w: %d values, want %d", detectors.ErrDimensionMismatch, len(values), r.dims))
		r.mu.Unlock()
		return
	}
	if r.dims == 0 {
		r.dims = len(values)
	}
	id := r.nextID
	r.mu.Unlock()

	select {
	case r.objects <- detectors.Object{ID: id, Values: values}:
		r.mu.Lock()
		r.nextID++
		r.mu.Unlock()
	case <-r.done:
	}
}

func (r *Reader) drop(msg pahomqtt.Message, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropLocked(msg, err)
}

func (r *Reader) dropLocked(msg pahomqtt.Message, err error) {
	r.dropped++
	r.logger.Warn("dropping message",
		slog.String("topic", msg.Topic()),
		slog.Int("message_id", int(msg.MessageID())),
		slog.Any("error", err))
}

// HasNext reports whether the reader is still open.
func (r *Reader) HasNext() bool {
	select {
	case <-r.done:
		return len(r.objects) > 0
	default:
		return true
	}
}

// NextBatch waits for n objects. It returns early with the objects received
// so far once ctx is done or the reader is closed.
func (r *Reader) NextBatch(ctx context.Context, n int) ([]detectors.Object, error) {
	batch := make([]detectors.Object, 0, n)

	for len(batch) < n {
		select {
		case obj := <-r.objects:
			batch = append(batch, obj)
			continue
		default:
		}

		select {
		case obj := <-r.objects:
			batch = append(batch, obj)
		case <-ctx.Done():
			return batch, nil
		case <-r.done:
			return batch, nil
		}
	}

	return batch, nil
}

// Dimensions returns the vector dimension, zero until the first valid
// message.
func (r *Reader) Dimensions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dims
}

// Dropped returns the number of messages that could not be decoded.
func (r *Reader) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Close unsubscribes and wakes any pending NextBatch. Objects already
// queued can still be read.
func (r *Reader) Close() error {
	var err error
	r.once.Do(func() {
		close(r.done)
		if uerr := wait(r.client.Unsubscribe(r.topic), r.timeout); uerr != nil {
			err = fmt.Errorf("unsubscribing from %s: %w", r.topic, uerr)
		}
	})
	return err
}
