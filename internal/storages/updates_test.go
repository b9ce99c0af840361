package storage

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/Shopify/sarama"
	"github.com/practice-sem-2/chat-sync-service/internal/models"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"google.golang.org/protobuf/proto"
)

type capturedMessage struct {
	topic, key string
	body       []byte
}

type capturePublisher struct {
	messages []capturedMessage
	err      error
}

func (p *capturePublisher) Publish(_ context.Context, topic, key string, body []byte) error {
	if p.err != nil {
		return p.err
	}
	p.messages = append(p.messages, capturedMessage{topic: topic, key: key, body: body})
	return nil
}

func (p *capturePublisher) Close() error {
	return nil
}

func TestUpdatesStorage_Put(t *testing.T) {
	p := &capturePublisher{}
	store := NewUpdatesStore(p, models.NewValidator(), &UpdatesStoreConfig{UpdatesTopic: "updates"})
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	err := store.Put(context.Background(), &models.MessageSent{
		UpdateMeta: models.UpdateMeta{
			Timestamp: now,
			Audience:  []string{"a", "b"},
		},
		MessageID: "m1",
		FromUser:  "a",
		ChatID:    "c1",
		Text:      "hi",
		Type:      models.MessageText,
	})
	require.NoError(t, err, "update should be published")
	require.Len(t, p.messages, 1)
	assert.Equal(t, "updates", p.messages[0].topic)
	assert.Equal(t, "c1", p.messages[0].key, "updates should be keyed by chat")

	event, err := DecodeUpdate(p.messages[0].body)
	require.NoError(t, err)
	fields := event.AsMap()
	assert.Equal(t, models.UpdateMessageSent, fields["type"])
	assert.Equal(t, "2024-03-01T10:00:00Z", fields["timestamp"])
	assert.Equal(t, []interface{}{"a", "b"}, fields["audience"])
	payload := fields["payload"].(map[string]interface{})
	assert.Equal(t, "hi", payload["text"])
	assert.Equal(t, "m1", payload["message_id"])
}

func TestUpdatesStorage_RejectsInvalidUpdate(t *testing.T) {
	p := &capturePublisher{}
	store := NewUpdatesStore(p, models.NewValidator(), &UpdatesStoreConfig{UpdatesTopic: "updates"})

	err := store.Put(context.Background(), &models.ChatRead{
		UpdateMeta: models.UpdateMeta{Timestamp: time.Now()},
		ChatID:     "",
		Reader:     "a",
	})
	assert.ErrorIs(t, err, ErrInvalidUpdate)
	assert.Empty(t, p.messages, "invalid update should not be published")
}

func TestUpdatesStorage_PresenceKeyedByUser(t *testing.T) {
	p := &capturePublisher{}
	store := NewUpdatesStore(p, models.NewValidator(), &UpdatesStoreConfig{UpdatesTopic: "updates"})

	err := store.Put(context.Background(), &models.PresenceChanged{
		UpdateMeta: models.UpdateMeta{Timestamp: time.Now()},
		UserID:     "u1",
		Online:     true,
		LastSeen:   time.Now(),
	})
	require.NoError(t, err)
	assert.Equal(t, "u1", p.messages[0].key)
}

type EventsTestSuite struct {
	suite.Suite
	p sarama.SyncProducer
	c sarama.Consumer
}

func (s *EventsTestSuite) TearDownSuite() {
	if s.p != nil {
		err := s.p.Close()
		require.NoError(s.T(), err, "Sarama producer should be closed correctly")
	}
}

func (s *EventsTestSuite) SetupSuite() {
	viper.AutomaticEnv()
	brokers := viper.GetString("KAFKA_BROKERS")

	if len(brokers) == 0 {
		s.T().Skip("KAFKA_BROKERS must be defined")
	}

	addrs := strings.Split(brokers, ",")
	config := sarama.NewConfig()
	config.Producer.Partitioner = sarama.NewHashPartitioner
	config.Producer.RequiredAcks = sarama.WaitForLocal
	config.Producer.Timeout = 10 * time.Second
	config.Producer.Return.Successes = true
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Consumer.Offsets.AutoCommit.Enable = false

	var err error
	s.p, err = sarama.NewSyncProducer(addrs, config)
	require.NoError(s.T(), err, fmt.Sprintf("can't create kafka producer: %v", err))

	s.c, err = sarama.NewConsumer(addrs, config)
	require.NoError(s.T(), err, fmt.Sprintf("can't create kafka consumer: %v", err))
}

func TestEventsSuite(t *testing.T) {
	suite.Run(t, &EventsTestSuite{})
}

func (s *EventsTestSuite) Test_EventsStorage_ChatRead() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	consumer, err := s.c.ConsumePartition("test", 0, sarama.OffsetNewest)
	require.NoError(s.T(), err, "create consume partition")
	defer consumer.Close()

	update := models.ChatRead{
		UpdateMeta: models.UpdateMeta{
			Timestamp: time.Now().UTC(),
			Audience: []string{
				"253becbb-76b1-4471-9ff3-529462925899",
				"1230cadb-899e-4710-8cdd-0a2f83882712",
			},
		},
		ChatID: "256e3354-8263-4913-8bdd-345bd04d962e",
		Reader: "253becbb-76b1-4471-9ff3-529462925899",
		Count:  3,
	}
	store := NewUpdatesStore(NewKafkaPublisherFromProducer(s.p), models.NewValidator(), &UpdatesStoreConfig{UpdatesTopic: "test"})
	err = store.Put(ctx, &update)
	assert.NoError(s.T(), err, "event should be pushed without error")

	select {
	case msg := <-consumer.Messages():
		event, err := store.updateToProtobuf(&update)
		require.NoError(s.T(), err)
		body, err := proto.MarshalOptions{Deterministic: true}.Marshal(event)
		require.NoError(s.T(), err)

		assert.Equal(s.T(), update.ChatID, string(msg.Key))
		assert.Equal(s.T(), body, msg.Value)
	case <-ctx.Done():
		assert.FailNow(s.T(), "Timeout")
	}
}
