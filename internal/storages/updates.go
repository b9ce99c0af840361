package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/practice-sem-2/chat-sync-service/internal/models"
	"github.com/practice-sem-2/chat-sync-service/internal/observability"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

var (
	ErrInvalidUpdate = errors.New("update is invalid")
	ErrUnknownUpdate = errors.New("update type is unknown")
)

var marshalOptions = proto.MarshalOptions{Deterministic: true}

type UpdatesStorage struct {
	cfg       *UpdatesStoreConfig
	publisher Publisher
	validate  *validator.Validate
}

type UpdatesStoreConfig struct {
	UpdatesTopic string
}

func NewUpdatesStore(p Publisher, v *validator.Validate, cfg *UpdatesStoreConfig) *UpdatesStorage {
	return &UpdatesStorage{
		publisher: p,
		validate:  v,
		cfg:       cfg,
	}
}

// Put validates, encodes and publishes a single update keyed by its chat or user.
func (s *UpdatesStorage) Put(ctx context.Context, update models.Update) error {
	if err := s.validate.Struct(update); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}

	event, err := s.updateToProtobuf(update)
	if err != nil {
		return err
	}

	bytes, err := marshalOptions.Marshal(event)
	if err != nil {
		return err
	}

	err = s.publisher.Publish(ctx, s.cfg.UpdatesTopic, update.UpdateKey(), bytes)
	if err != nil {
		return err
	}

	observability.IncEventPublished(update.UpdateType())
	return nil
}

func (s *UpdatesStorage) updateToProtobuf(update models.Update) (*structpb.Struct, error) {
	var payload map[string]interface{}
	switch u := update.(type) {
	case *models.ChatCreated:
		payload = s.chatCreatedToPayload(u)
	case *models.MessageSent:
		payload = s.messageSentToPayload(u)
	case *models.MessageStatusChanged:
		payload = s.statusChangedToPayload(u)
	case *models.MessageEdited:
		payload = map[string]interface{}{
			"message_id": u.MessageID,
			"chat_id":    u.ChatID,
			"text":       u.Text,
			"edited_at":  u.EditedAt.UTC().Format(time.RFC3339Nano),
		}
	case *models.ChatRead:
		payload = map[string]interface{}{
			"chat_id": u.ChatID,
			"reader":  u.Reader,
			"count":   u.Count,
		}
	case *models.TypingChanged:
		payload = map[string]interface{}{
			"chat_id": u.ChatID,
			"user_id": u.UserID,
			"typing":  u.Typing,
		}
	case *models.PresenceChanged:
		payload = map[string]interface{}{
			"user_id":   u.UserID,
			"online":    u.Online,
			"last_seen": u.LastSeen.UTC().Format(time.RFC3339Nano),
		}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownUpdate, update)
	}

	meta := update.Meta()
	return structpb.NewStruct(map[string]interface{}{
		"type":      update.UpdateType(),
		"timestamp": meta.Timestamp.UTC().Format(time.RFC3339Nano),
		"audience":  stringsToList(meta.Audience),
		"payload":   payload,
	})
}

func (s *UpdatesStorage) chatCreatedToPayload(chat *models.ChatCreated) map[string]interface{} {
	return map[string]interface{}{
		"chat_id": chat.ChatID,
		"type":    string(chat.Type),
		"name":    chat.Name,
		"members": stringsToList(chat.Members),
	}
}

func (s *UpdatesStorage) messageSentToPayload(msg *models.MessageSent) map[string]interface{} {
	return map[string]interface{}{
		"message_id": msg.MessageID,
		"from_user":  msg.FromUser,
		"chat_id":    msg.ChatID,
		"text":       msg.Text,
		"type":       string(msg.Type),
		"reply_to":   msg.ReplyTo,
	}
}

func (s *UpdatesStorage) statusChangedToPayload(upd *models.MessageStatusChanged) map[string]interface{} {
	return map[string]interface{}{
		"message_id": upd.MessageID,
		"chat_id":    upd.ChatID,
		"from":       string(upd.From),
		"to":         string(upd.To),
	}
}

// DecodeUpdate parses a published update body.
func DecodeUpdate(body []byte) (*structpb.Struct, error) {
	event := &structpb.Struct{}
	if err := proto.Unmarshal(body, event); err != nil {
		return nil, err
	}
	return event, nil
}

func stringsToList(values []string) []interface{} {
	list := make([]interface{}, len(values))
	for i, v := range values {
		list[i] = v
	}
	return list
}
