// Package bridge forwards session traffic onto external systems.
package bridge

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/Shopify/sarama"
	"go.uber.org/zap"

	"github.com/tdworkflow/fixsession/internal/session"
	"github.com/tdworkflow/fixsession/pkg/fix"
)

// Event is the JSON payload published for every delivered message and
// state transition.
type Event struct {
	Session   string            `json:"session"`
	Kind      string            `json:"kind"` // "message" or "state"
	MsgType   string            `json:"msgType,omitempty"`
	SeqNum    uint64            `json:"seqNum,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
	State     string            `json:"state,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Kafka decorates a session.Application, publishing every delivery and
// state change to one topic before handing off to the inner application.
// Publish failures are logged and never block the session.
type Kafka struct {
	inner    session.Application
	producer sarama.SyncProducer
	topic    string
	log      *zap.Logger
}

// NewKafka connects a sync producer to brokers.
func NewKafka(brokers []string, topic string, inner session.Application, log *zap.Logger) (*Kafka, error) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForLocal

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, err
	}
	return NewKafkaWithProducer(producer, topic, inner, log), nil
}

// NewKafkaWithProducer wires an existing producer, mainly for tests.
func NewKafkaWithProducer(producer sarama.SyncProducer, topic string, inner session.Application, log *zap.Logger) *Kafka {
	return &Kafka{inner: inner, producer: producer, topic: topic, log: log.Named("kafka")}
}

func (k *Kafka) OnMessage(id fix.SessionID, msg fix.Message) {
	seq, _ := msg.SeqNum()
	fields := make(map[string]string, msg.Len())
	msg.Each(func(f fix.Field) {
		fields[strconv.Itoa(int(f.Tag))] = string(f.Value)
	})
	k.publish(id, Event{
		Session:   id.String(),
		Kind:      "message",
		MsgType:   msg.MsgType(),
		SeqNum:    seq,
		Fields:    fields,
		Timestamp: time.Now().UTC(),
	})
	k.inner.OnMessage(id, msg)
}

func (k *Kafka) OnSessionStateChange(id fix.SessionID, state session.State) {
	k.publish(id, Event{
		Session:   id.String(),
		Kind:      "state",
		State:     state.String(),
		Timestamp: time.Now().UTC(),
	})
	k.inner.OnSessionStateChange(id, state)
}

func (k *Kafka) publish(id fix.SessionID, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		k.log.Error("encoding event failed", zap.Error(err))
		return
	}
	_, _, err = k.producer.SendMessage(&sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(id.String()),
		Value: sarama.ByteEncoder(payload),
	})
	if err != nil {
		k.log.Error("publishing event failed",
			zap.String("session", id.String()), zap.Error(err))
	}
}

// Close releases the producer.
func (k *Kafka) Close() error { return k.producer.Close() }
