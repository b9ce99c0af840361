package usecases

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/practice-sem-2/chat-sync-service/internal/models"
	"github.com/practice-sem-2/chat-sync-service/internal/state"
)

const deliveryTaskPrefix = "delivery:"

type MessagesUsecase struct {
	Deps
}

func NewMessagesUsecase(d Deps) *MessagesUsecase {
	return &MessagesUsecase{Deps: d}
}

// Append adds a message from senderId to the chat's ledger in sent state.
func (u *MessagesUsecase) Append(ctx context.Context, chatId, senderId, content string, msgType models.MessageType) (*models.Message, error) {
	var msg *models.Message
	err := u.Store.Dispatch(ctx, "append", func(st *state.State) (err error) {
		msg, err = u.appendMessage(st, chatId, senderId, content, msgType, "")
		return err
	})
	return msg, err
}

// Send appends a message from the principal and schedules its delivery.
func (u *MessagesUsecase) Send(ctx context.Context, req models.MessageSend) (*models.Message, error) {
	if err := checkInput(u.Validate, req); err != nil {
		return nil, err
	}

	var msg *models.Message
	err := u.Store.Dispatch(ctx, "send", func(st *state.State) error {
		chat, err := requireMember(st, req.ChatID)
		if err != nil {
			return err
		}

		if err := checkReply(st, chat.ID, req.ReplyTo); err != nil {
			return err
		}

		msg, err = u.appendMessage(st, chat.ID, st.Principal.ID, req.Content, req.Type, req.ReplyTo)
		return err
	})
	if err != nil {
		return nil, err
	}

	task := deliveryTaskPrefix + msg.ID
	messageId := msg.ID
	u.Scheduler.After(task, u.Config.DeliveryDelay, func(ctx context.Context) {
		logTaskError(u.Logger, task, u.deliver(ctx, messageId))
	})
	return msg, nil
}

// Receive imports a message that originated elsewhere. A known id is
// returned as is.
func (u *MessagesUsecase) Receive(ctx context.Context, incoming models.Message) (*models.Message, error) {
	if incoming.ID != "" && !ValidateUUID(incoming.ID) {
		return nil, fmt.Errorf("%w: message id must be a uuid", ErrInvalidInput)
	}

	var msg *models.Message
	err := u.Store.Dispatch(ctx, "receive", func(st *state.State) error {
		if existing, ok := st.Message(incoming.ID); ok {
			msg = existing.Clone()
			return nil
		}

		chat, err := requireChat(st, incoming.ChatID)
		if err != nil {
			return err
		}
		if !chat.HasParticipant(incoming.SenderID) {
			return ErrUserIsNotAChatMember
		}
		if err := checkContent(incoming.Content); err != nil {
			return err
		}
		if incoming.Type == "" {
			incoming.Type = models.MessageText
		}
		if err := checkReply(st, chat.ID, incoming.ReplyTo); err != nil {
			return err
		}

		msg = &models.Message{
			ID:        incoming.ID,
			SenderID:  incoming.SenderID,
			ChatID:    chat.ID,
			Content:   incoming.Content,
			Timestamp: incoming.Timestamp.UTC(),
			Type:      incoming.Type,
			Status:    models.StatusSent,
			ReplyTo:   incoming.ReplyTo,
		}
		if msg.ID == "" {
			msg.ID = uuid.NewString()
		}
		if msg.Timestamp.IsZero() {
			msg.Timestamp = u.now()
		}
		if err := checkInput(u.Validate, msg); err != nil {
			return err
		}

		u.insert(st, chat, msg)
		msg = msg.Clone()
		return nil
	})
	return msg, err
}

// AdvanceStatus moves a message forward in its lifecycle. A target that
// precedes the current status fails with ErrInvalidTransition.
func (u *MessagesUsecase) AdvanceStatus(ctx context.Context, messageId string, target models.MessageStatus) error {
	return u.Store.Dispatch(ctx, "advance-status", func(st *state.State) error {
		return advance(st, messageId, target, u.now())
	})
}

// EditMessage replaces the content of the principal's own message. The
// timestamp is kept.
func (u *MessagesUsecase) EditMessage(ctx context.Context, messageId, content string) (*models.Message, error) {
	if err := checkContent(content); err != nil {
		return nil, err
	}

	var edited *models.Message
	err := u.Store.Dispatch(ctx, "edit-message", func(st *state.State) error {
		principal, err := requirePrincipal(st)
		if err != nil {
			return err
		}
		msg, ok := st.EditMessage(messageId)
		if !ok {
			return fmt.Errorf("%w: %s", ErrMessageNotFound, messageId)
		}
		if msg.SenderID != principal.ID {
			return ErrNotMessageSender
		}

		now := u.now()
		msg.Content = content
		msg.Edited = true
		msg.EditedAt = &now
		recount(st, msg.ChatID)
		st.Touch(state.DirtyMessages | state.DirtyChats)
		st.Emit(&models.MessageEdited{
			UpdateMeta: models.UpdateMeta{
				Timestamp: now,
				Audience:  audience(st, msg.ChatID),
			},
			MessageID: msg.ID,
			ChatID:    msg.ChatID,
			Text:      msg.Content,
			EditedAt:  now,
		})
		edited = msg.Clone()
		return nil
	})
	return edited, err
}

// Messages returns the chat's ledger in order.
func (u *MessagesUsecase) Messages(ctx context.Context, chatId string) ([]models.Message, error) {
	var messages []models.Message
	err := u.Store.View(ctx, func(st *state.State) error {
		if _, err := requireMember(st, chatId); err != nil {
			return err
		}
		ledger := st.Messages[chatId]
		messages = make([]models.Message, len(ledger))
		for i, msg := range ledger {
			messages[i] = *msg.Clone()
		}
		return nil
	})
	return messages, err
}

// Thread returns the chat's ledger split into calendar days.
func (u *MessagesUsecase) Thread(ctx context.Context, chatId string) ([]models.DayBucket, error) {
	messages, err := u.Messages(ctx, chatId)
	if err != nil {
		return nil, err
	}
	return GroupByDay(messages, u.Config.Location), nil
}

// deliver advances a sent message to delivered. Messages that moved on in
// the meantime are left alone.
func (u *MessagesUsecase) deliver(ctx context.Context, messageId string) error {
	return u.Store.Dispatch(ctx, "deliver", func(st *state.State) error {
		msg, ok := st.Message(messageId)
		if !ok || !msg.Status.Precedes(models.StatusDelivered) {
			return nil
		}
		return advance(st, messageId, models.StatusDelivered, u.now())
	})
}

func (u *MessagesUsecase) appendMessage(st *state.State, chatId, senderId, content string, msgType models.MessageType, replyTo string) (*models.Message, error) {
	chat, err := requireChat(st, chatId)
	if err != nil {
		return nil, err
	}
	if !chat.HasParticipant(senderId) {
		return nil, ErrUserIsNotAChatMember
	}
	if err := checkContent(content); err != nil {
		return nil, err
	}
	if msgType == "" {
		msgType = models.MessageText
	}

	now := u.now()
	// Appends keep their order even if the wall clock steps back.
	if ledger := st.Messages[chatId]; len(ledger) > 0 {
		if last := ledger[len(ledger)-1].Timestamp; now.Before(last) {
			now = last
		}
	}

	msg := &models.Message{
		ID:        uuid.NewString(),
		SenderID:  senderId,
		ChatID:    chatId,
		Content:   content,
		Timestamp: now,
		Type:      msgType,
		Status:    models.StatusSent,
		ReplyTo:   replyTo,
	}
	if err := checkInput(u.Validate, msg); err != nil {
		return nil, err
	}

	u.insert(st, chat, msg)
	return msg.Clone(), nil
}

// checkReply requires a reply target, when set, to exist in the same chat.
func checkReply(st *state.State, chatId, replyTo string) error {
	if replyTo == "" {
		return nil
	}
	replied, ok := st.Message(replyTo)
	if !ok {
		return fmt.Errorf("%w: %s", ErrMessageNotFound, replyTo)
	}
	if replied.ChatID != chatId {
		return fmt.Errorf("%w: replied message must be in the same chat", ErrBusinessLogicViolation)
	}
	return nil
}

func (u *MessagesUsecase) insert(st *state.State, chat *models.Chat, msg *models.Message) {
	st.InsertMessage(msg)
	recount(st, chat.ID)

	st.Touch(state.DirtyMessages | state.DirtyChats)
	st.Emit(&models.MessageSent{
		UpdateMeta: models.UpdateMeta{
			Timestamp: msg.Timestamp,
			Audience:  audience(st, chat.ID),
		},
		MessageID: msg.ID,
		FromUser:  msg.SenderID,
		ChatID:    msg.ChatID,
		Text:      msg.Content,
		Type:      msg.Type,
		ReplyTo:   msg.ReplyTo,
	})
}
