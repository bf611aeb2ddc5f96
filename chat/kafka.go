package chat

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff/v5"

	"github.com/onnwee/clip-tender/stream"
	"github.com/onnwee/clip-tender/telemetry"
)

// KafkaConfig holds the consumer group settings.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// KafkaSource consumes chat events from a Kafka topic as part of a consumer
// group and submits them to a Sink.
type KafkaSource struct {
	group sarama.ConsumerGroup
	topic string
	sink  Sink
	ready atomic.Bool
}

// NewKafkaSource connects a consumer group. Offsets start at the newest
// message: replaying history would feed stale activity into fresh baselines.
func NewKafkaSource(cfg KafkaConfig, sink Sink) (*KafkaSource, error) {
	sc := sarama.NewConfig()
	sc.Version = sarama.V3_6_0_0
	sc.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	sc.Consumer.Offsets.Initial = sarama.OffsetNewest
	sc.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, sc)
	if err != nil {
		return nil, err
	}
	return newKafkaSource(group, cfg.Topic, sink), nil
}

func newKafkaSource(group sarama.ConsumerGroup, topic string, sink Sink) *KafkaSource {
	return &KafkaSource{group: group, topic: topic, sink: sink}
}

// Ready reports whether the source currently holds a group session.
func (k *KafkaSource) Ready() bool { return k.ready.Load() }

// Run consumes until ctx is cancelled. Broker errors are retried with
// exponential backoff; a session that ends cleanly (rebalance) rejoins at once.
func (k *KafkaSource) Run(ctx context.Context) error {
	logger := slog.Default().With(slog.String("component", "chat_kafka"), slog.String("topic", k.topic))
	go func() {
		for err := range k.group.Errors() {
			logger.Warn("kafka consumer error", slog.Any("err", err))
		}
	}()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	for {
		err := k.group.Consume(ctx, []string{k.topic}, k)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, sarama.ErrClosedConsumerGroup) {
			return nil
		}
		if err == nil {
			b.Reset()
			continue
		}
		wait := b.NextBackOff()
		logger.Error("kafka consume failed, retrying", slog.Any("err", err), slog.Duration("backoff", wait))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// Close leaves the consumer group.
func (k *KafkaSource) Close() error {
	k.ready.Store(false)
	return k.group.Close()
}

// Setup implements sarama.ConsumerGroupHandler.
func (k *KafkaSource) Setup(sess sarama.ConsumerGroupSession) error {
	k.ready.Store(true)
	slog.Info("kafka session started", slog.String("component", "chat_kafka"), slog.String("member", sess.MemberID()), slog.Int("generation", int(sess.GenerationID())))
	return nil
}

// Cleanup implements sarama.ConsumerGroupHandler.
func (k *KafkaSource) Cleanup(sarama.ConsumerGroupSession) error {
	k.ready.Store(false)
	return nil
}

// ConsumeClaim implements sarama.ConsumerGroupHandler. A message is marked only
// once it has been handed to the sink, or when it can never be processed.
func (k *KafkaSource) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := sess.Context()
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok || msg == nil {
				return nil
			}
			if !k.handle(ctx, msg.Value) {
				// Sink refused (shutdown); leave the offset for the next owner.
				return nil
			}
			sess.MarkMessage(msg, "")
		case <-ctx.Done():
			return nil
		}
	}
}

// handle decodes and submits one record. It returns false only when the
// record was valid but the sink did not take it.
func (k *KafkaSource) handle(ctx context.Context, raw []byte) bool {
	ev, err := Decode(raw)
	switch {
	case errors.Is(err, ErrFiltered):
		telemetry.RecordChatEvent("filtered")
		return true
	case err != nil:
		telemetry.RecordChatEvent("invalid")
		slog.Debug("dropping malformed chat record", slog.String("component", "chat_kafka"), slog.Any("err", err))
		return true
	}
	if err := k.sink.Submit(ctx, stream.Wrap(ev.BroadcasterID, ev)); err != nil {
		slog.Warn("chat event not submitted", slog.String("component", "chat_kafka"), slog.Int64("broadcaster_id", ev.BroadcasterID), slog.Any("err", err))
		return false
	}
	telemetry.RecordChatEvent("accepted")
	return true
}
