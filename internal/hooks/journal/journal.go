// Package journal is an example observer-hook collaborator (§6, §9 Open
// Question 2): it drains a Dispatcher's CommitRecord broadcast and
// forwards each record as a JSON-encoded message to a Kafka/Redpanda
// topic, demonstrating the journal/federation hook contract without
// defining a durable wire format of its own (that remains a collaborator
// concern, per spec's Non-goals).
//
// The client construction is grounded on the teacher's franz-go wiring in
// ws/kafka/consumer.go, generalized from consuming a topic to producing to
// one — the pack carries no producer example, so the broker/session/topic
// options below are adapted from the consumer's kgo.NewClient call.
package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/lumencanvas/clasp-sub005/internal/dispatcher"
)

// Config configures the journal hook.
type Config struct {
	Brokers []string
	Topic   string
	Logger  zerolog.Logger

	// Buffer is not read by New or Run; the observer channel is sized by
	// Run's buffer argument, and a full channel makes the dispatcher drop
	// records for this observer rather than block (§4.5.6).
	Buffer int
}

// record is the wire shape written to the journal topic. Field names are
// this hook's own convention, not a spec-mandated format.
type record struct {
	Address      string    `json:"address"`
	Op           string    `json:"op"`
	Value        any       `json:"value,omitempty"`
	Revision     uint64    `json:"revision,omitempty"`
	Writer       string    `json:"writer,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	BundleID     string    `json:"bundle_id,omitempty"`
	GesturePhase string    `json:"gesture_phase,omitempty"`
}

// Journal forwards a Dispatcher's commit stream to a Kafka/Redpanda topic.
type Journal struct {
	client *kgo.Client
	topic  string
	logger zerolog.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc

	messagesProduced uint64
	messagesFailed   uint64
	mu               sync.RWMutex
}

// New constructs a Journal and connects its franz-go producer client.
func New(cfg Config) (*Journal, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("journal: at least one broker is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("journal: topic is required")
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.ProducerBatchMaxBytes(1024*1024),
		kgo.ProduceRequestTimeout(10*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("journal: failed to create kafka client: %w", err)
	}

	return &Journal{client: client, topic: cfg.Topic, logger: cfg.Logger}, nil
}

// Run subscribes to d's CommitRecord broadcast and produces every record
// to the journal topic until ctx is cancelled. Call in its own goroutine.
func (j *Journal) Run(ctx context.Context, d *dispatcher.Dispatcher, buffer int) {
	ch := d.RegisterObserver(buffer)
	runCtx, cancel := context.WithCancel(ctx)
	j.cancel = cancel

	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		for {
			select {
			case <-runCtx.Done():
				return
			case rec, ok := <-ch:
				if !ok {
					return
				}
				j.produce(runCtx, rec)
			}
		}
	}()
}

func (j *Journal) produce(ctx context.Context, rec dispatcher.CommitRecord) {
	payload := record{
		Address:      rec.Address,
		Op:           rec.Op.String(),
		Value:        rec.Value.GoString(),
		Revision:     rec.Revision,
		Writer:       string(rec.Writer),
		Timestamp:    rec.Timestamp,
		BundleID:     rec.BundleID,
		GesturePhase: gesturePhaseName(rec.GesturePhase, rec.Op),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		j.logger.Warn().Err(err).Str("address", rec.Address).Msg("journal: failed to encode commit record")
		j.recordFailure()
		return
	}

	j.client.Produce(ctx, &kgo.Record{Topic: j.topic, Key: []byte(rec.Address), Value: data}, func(_ *kgo.Record, err error) {
		if err != nil {
			j.logger.Warn().Err(err).Str("address", rec.Address).Msg("journal: produce failed")
			j.recordFailure()
			return
		}
		j.recordSuccess()
	})
}

func gesturePhaseName(phase dispatcher.GesturePhase, op dispatcher.OpKind) string {
	if op != dispatcher.OpGesture {
		return ""
	}
	switch phase {
	case dispatcher.GestureBegin:
		return "begin"
	case dispatcher.GestureUpdate:
		return "update"
	case dispatcher.GestureEnd:
		return "end"
	default:
		return ""
	}
}

func (j *Journal) recordSuccess() {
	j.mu.Lock()
	j.messagesProduced++
	j.mu.Unlock()
}

func (j *Journal) recordFailure() {
	j.mu.Lock()
	j.messagesFailed++
	j.mu.Unlock()
}

// Stats returns cumulative produce counters for diagnostics.
func (j *Journal) Stats() (produced, failed uint64) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.messagesProduced, j.messagesFailed
}

// Close flushes any buffered records and closes the underlying client.
func (j *Journal) Close() {
	if j.cancel != nil {
		j.cancel()
	}
	j.wg.Wait()
	j.client.Flush(context.Background())
	j.client.Close()
}
