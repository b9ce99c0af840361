package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/practice-sem-2/chat-sync-service/internal/models"
	"github.com/practice-sem-2/chat-sync-service/internal/observability"
	"github.com/sirupsen/logrus"
)

const (
	KeyUsers    = "users"
	KeyChats    = "chats"
	KeyMessages = "messages"
	KeyTheme    = "theme"
	KeySession  = "user"
)

var (
	ErrStorageCorrupt = errors.New("persisted record is corrupt")
	ErrAlreadySeeded  = errors.New("store already holds chats")
)

type RecordsStoreConfig struct {
	KeyPrefix string
}

// RecordsStorage maps the persisted key layout onto typed records.
// Loads never trust the decoded shape: each record is validated and
// invalid ones are dropped with an ErrStorageCorrupt report.
type RecordsStorage struct {
	kv       KV
	cfg      *RecordsStoreConfig
	validate *validator.Validate
	logger   logrus.FieldLogger
}

func NewRecordsStore(kv KV, v *validator.Validate, cfg *RecordsStoreConfig, logger logrus.FieldLogger) *RecordsStorage {
	return &RecordsStorage{
		kv:       kv,
		cfg:      cfg,
		validate: v,
		logger:   logger,
	}
}

func (s *RecordsStorage) key(name string) string {
	return s.cfg.KeyPrefix + name
}

func (s *RecordsStorage) LoadUsers(ctx context.Context) (map[string]*models.DirectoryEntry, error) {
	return loadRecords(ctx, s, KeyUsers, func(id string, e *models.DirectoryEntry) error {
		if err := s.validate.Struct(e); err != nil {
			return err
		}
		if e.ID != id {
			return fmt.Errorf("id %q does not match key", e.ID)
		}
		return nil
	})
}

func (s *RecordsStorage) SaveUsers(ctx context.Context, users map[string]*models.DirectoryEntry) error {
	return s.save(ctx, KeyUsers, users)
}

func (s *RecordsStorage) LoadChats(ctx context.Context) (map[string]*models.Chat, error) {
	chats, err := loadRecords(ctx, s, KeyChats, func(id string, c *models.Chat) error {
		if err := s.validate.Struct(c); err != nil {
			return err
		}
		if c.ID != id {
			return fmt.Errorf("id %q does not match key", c.ID)
		}
		return nil
	})
	for _, chat := range chats {
		chat.IsTyping = nil
	}
	return chats, err
}

func (s *RecordsStorage) SaveChats(ctx context.Context, chats map[string]*models.Chat) error {
	persisted := make(map[string]*models.Chat, len(chats))
	for id, chat := range chats {
		cp := chat.Clone()
		cp.IsTyping = nil
		persisted[id] = cp
	}
	return s.save(ctx, KeyChats, persisted)
}

// LoadMessages drops individual bad messages and keeps the rest of a ledger.
func (s *RecordsStorage) LoadMessages(ctx context.Context) (map[string][]*models.Message, error) {
	ledgers, err := loadRecords(ctx, s, KeyMessages, func(string, *[]json.RawMessage) error {
		return nil
	})

	result := make(map[string][]*models.Message, len(ledgers))
	errs := []error{err}
	for chatId, rawLedger := range ledgers {
		ledger := make([]*models.Message, 0, len(*rawLedger))
		for i, raw := range *rawLedger {
			msg := &models.Message{}
			err := json.Unmarshal(raw, msg)
			if err == nil {
				err = s.validate.Struct(msg)
			}
			if err == nil && msg.ChatID != chatId {
				err = fmt.Errorf("chat id %q does not match ledger", msg.ChatID)
			}
			if err != nil {
				errs = append(errs, s.corrupt(KeyMessages, fmt.Sprintf("%s/%d", chatId, i), err))
				continue
			}
			ledger = append(ledger, msg)
		}
		result[chatId] = ledger
	}
	return result, errors.Join(errs...)
}

func (s *RecordsStorage) SaveMessages(ctx context.Context, messages map[string][]*models.Message) error {
	return s.save(ctx, KeyMessages, messages)
}

// LoadTheme accepts both a JSON string and a bare value.
func (s *RecordsStorage) LoadTheme(ctx context.Context) (models.Theme, error) {
	raw, err := s.kv.Get(ctx, s.key(KeyTheme))
	if errors.Is(err, ErrKeyNotFound) {
		return models.ThemeLight, nil
	} else if err != nil {
		return models.ThemeLight, err
	}

	var theme models.Theme
	if json.Unmarshal(raw, &theme) != nil {
		theme = models.Theme(raw)
	}
	if !theme.Valid() {
		return models.ThemeLight, s.corrupt(KeyTheme, "", fmt.Errorf("unknown theme %q", string(raw)))
	}
	return theme, nil
}

func (s *RecordsStorage) SaveTheme(ctx context.Context, theme models.Theme) error {
	return s.save(ctx, KeyTheme, theme)
}

// LoadSession returns nil without error when no session is stored.
func (s *RecordsStorage) LoadSession(ctx context.Context) (*models.AuthUser, error) {
	raw, err := s.kv.Get(ctx, s.key(KeySession))
	if errors.Is(err, ErrKeyNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	user := &models.AuthUser{}
	if err := json.Unmarshal(raw, user); err != nil {
		return nil, s.corrupt(KeySession, "", err)
	}
	if err := s.validate.Struct(user); err != nil {
		return nil, s.corrupt(KeySession, user.ID, err)
	}
	return user, nil
}

func (s *RecordsStorage) SaveSession(ctx context.Context, user *models.AuthUser) error {
	return s.save(ctx, KeySession, user)
}

func (s *RecordsStorage) ClearSession(ctx context.Context) error {
	return s.kv.Delete(ctx, s.key(KeySession))
}

// Seed writes an initial batch of chats and messages into a store that has
// no chats. Emptiness is judged by the decoded chats record, so an empty
// object left by an earlier session still counts as empty. When chats exist
// nothing is written and ErrAlreadySeeded is returned.
func (s *RecordsStorage) Seed(ctx context.Context, chats map[string]*models.Chat, messages map[string][]*models.Message) error {
	for id, chat := range chats {
		if err := s.validate.Struct(chat); err != nil {
			return fmt.Errorf("%w: chat %s: %v", ErrStorageCorrupt, id, err)
		}
	}

	// A missing key is claimed with PutIfAbsent so concurrent seeders
	// cannot both win. A present but empty record is overwritten.
	put := s.kv.Put
	_, err := s.kv.Get(ctx, s.key(KeyChats))
	switch {
	case errors.Is(err, ErrKeyNotFound):
		put = s.kv.PutIfAbsent
	case err != nil:
		return err
	default:
		existing, err := s.LoadChats(ctx)
		if err != nil && !errors.Is(err, ErrStorageCorrupt) {
			return err
		}
		if len(existing) > 0 {
			return ErrAlreadySeeded
		}
	}

	body, err := json.Marshal(chats)
	if err != nil {
		return err
	}
	err = put(ctx, s.key(KeyChats), body)
	if errors.Is(err, ErrKeyExists) {
		return ErrAlreadySeeded
	} else if err != nil {
		return err
	}
	if messages == nil {
		messages = map[string][]*models.Message{}
	}
	return s.save(ctx, KeyMessages, messages)
}

func (s *RecordsStorage) save(ctx context.Context, name string, value interface{}) error {
	body, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return s.kv.Put(ctx, s.key(name), body)
}

func (s *RecordsStorage) corrupt(key, record string, cause error) error {
	s.logger.
		WithField("key", key).
		WithField("record", record).
		WithError(cause).
		Warning("discarding corrupt record")
	observability.IncCorruptRecord(key)
	if record == "" {
		return fmt.Errorf("%w: %s: %v", ErrStorageCorrupt, key, cause)
	}
	return fmt.Errorf("%w: %s[%s]: %v", ErrStorageCorrupt, key, record, cause)
}

// loadRecords decodes a JSON object of records, checking each one.
// A missing key yields an empty map and no error.
func loadRecords[T any](ctx context.Context, s *RecordsStorage, name string, check func(id string, rec *T) error) (map[string]*T, error) {
	result := map[string]*T{}

	raw, err := s.kv.Get(ctx, s.key(name))
	if errors.Is(err, ErrKeyNotFound) {
		return result, nil
	} else if err != nil {
		return result, err
	}

	var records map[string]json.RawMessage
	if err := json.Unmarshal(raw, &records); err != nil {
		return result, s.corrupt(name, "", err)
	}

	var errs []error
	for id, body := range records {
		rec := new(T)
		err := json.Unmarshal(body, rec)
		if err == nil {
			err = check(id, rec)
		}
		if err != nil {
			errs = append(errs, s.corrupt(name, id, err))
			continue
		}
		result[id] = rec
	}
	return result, errors.Join(errs...)
}
