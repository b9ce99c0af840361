package state

import (
	"maps"
	"slices"
	"sort"
	"sync"

	"github.com/practice-sem-2/chat-sync-service/internal/models"
)

// Dirty marks which persisted records a mutation changed.
type Dirty uint8

const (
	DirtyUsers Dirty = 1 << iota
	DirtyChats
	DirtyMessages
	DirtyTheme
	DirtySession
)

func (d Dirty) Has(flag Dirty) bool {
	return d&flag != 0
}

// State is the whole in-memory model. Only the Store's apply loop mutates it.
//
// A draft made by Clone shares every map, record and ledger with the state
// it came from. The maps are read directly, but writes must go through
// PutUser, PutChat, SetLedger, InsertMessage and the Edit methods, which
// copy a record the first time the draft changes it.
type State struct {
	Principal  *models.AuthUser
	Users      map[string]*models.DirectoryEntry
	Chats      map[string]*models.Chat
	Messages   map[string][]*models.Message
	ActiveChat string
	Theme      models.Theme

	// index maps message ids to chat ids. It is shared by every version
	// and only grows, so lookups confirm the hit against the ledger.
	index   *sync.Map
	own     *ownership
	dirty   Dirty
	updates []models.Update
}

// ownership records what a draft has already copied. A nil ownership means
// the state is not shared and is written in place.
type ownership struct {
	users, chats, messages bool

	userRecs map[string]struct{}
	chatRecs map[string]struct{}
	ledgers  map[string]struct{}
	msgRecs  map[string]struct{}
}

func newOwnership() *ownership {
	return &ownership{
		userRecs: map[string]struct{}{},
		chatRecs: map[string]struct{}{},
		ledgers:  map[string]struct{}{},
		msgRecs:  map[string]struct{}{},
	}
}

func New() *State {
	return &State{
		Users:    map[string]*models.DirectoryEntry{},
		Chats:    map[string]*models.Chat{},
		Messages: map[string][]*models.Message{},
		Theme:    models.ThemeLight,
		index:    &sync.Map{},
	}
}

func (s *State) Touch(d Dirty) {
	s.dirty |= d
}

func (s *State) Emit(u models.Update) {
	s.updates = append(s.updates, u)
}

// Clone returns a draft sharing all records with s. Pending dirty flags and
// updates are not carried over.
func (s *State) Clone() *State {
	cp := &State{
		Users:      s.Users,
		Chats:      s.Chats,
		Messages:   s.Messages,
		ActiveChat: s.ActiveChat,
		Theme:      s.Theme,
		index:      s.index,
		own:        newOwnership(),
	}
	if s.Principal != nil {
		p := *s.Principal
		cp.Principal = &p
	}
	return cp
}

func (s *State) owns(set func(*ownership) map[string]struct{}, id string) bool {
	if s.own == nil {
		return true
	}
	_, ok := set(s.own)[id]
	return ok
}

func (s *State) claim(set func(*ownership) map[string]struct{}, id string) {
	if s.own != nil {
		set(s.own)[id] = struct{}{}
	}
}

func userRecs(o *ownership) map[string]struct{} { return o.userRecs }
func chatRecs(o *ownership) map[string]struct{} { return o.chatRecs }
func ledgers(o *ownership) map[string]struct{}  { return o.ledgers }
func msgRecs(o *ownership) map[string]struct{}  { return o.msgRecs }

func (s *State) ownUsers() {
	if s.own != nil && !s.own.users {
		s.Users = maps.Clone(s.Users)
		s.own.users = true
	}
}

func (s *State) ownChats() {
	if s.own != nil && !s.own.chats {
		s.Chats = maps.Clone(s.Chats)
		s.own.chats = true
	}
}

func (s *State) ownMessages() {
	if s.own != nil && !s.own.messages {
		s.Messages = maps.Clone(s.Messages)
		s.own.messages = true
	}
}

// PutUser stores a new or replacing directory entry.
func (s *State) PutUser(entry *models.DirectoryEntry) {
	s.ownUsers()
	s.Users[entry.ID] = entry
	s.claim(userRecs, entry.ID)
}

// EditUser returns the entry with id for writing.
func (s *State) EditUser(id string) (*models.DirectoryEntry, bool) {
	entry, ok := s.Users[id]
	if !ok || s.owns(userRecs, id) {
		return entry, ok
	}
	cp := *entry
	s.PutUser(&cp)
	return &cp, true
}

// PutChat stores a new or replacing chat.
func (s *State) PutChat(chat *models.Chat) {
	s.ownChats()
	s.Chats[chat.ID] = chat
	s.claim(chatRecs, chat.ID)
}

// EditChat returns the chat with id for writing.
func (s *State) EditChat(id string) (*models.Chat, bool) {
	chat, ok := s.Chats[id]
	if !ok || s.owns(chatRecs, id) {
		return chat, ok
	}
	cp := chat.Clone()
	s.PutChat(cp)
	return cp, true
}

// SetLedger replaces a chat's ledger wholesale. The message index is not
// updated; call Reindex afterwards.
func (s *State) SetLedger(chatId string, ledger []*models.Message) {
	s.ownMessages()
	s.Messages[chatId] = ledger
	s.claim(ledgers, chatId)
	for _, msg := range ledger {
		s.claim(msgRecs, msg.ID)
	}
}

// Replace swaps in whole collections, as loaded from storage, and rebuilds
// the message index.
func (s *State) Replace(users map[string]*models.DirectoryEntry, chats map[string]*models.Chat, messages map[string][]*models.Message) {
	s.Users, s.Chats, s.Messages = users, chats, messages
	if s.own != nil {
		s.own = newOwnership()
		s.own.users, s.own.chats, s.own.messages = true, true, true
	}
	s.Reindex()
}

func (s *State) editLedger(chatId string) []*models.Message {
	ledger := s.Messages[chatId]
	if s.owns(ledgers, chatId) {
		return ledger
	}
	ledger = slices.Clone(ledger)
	s.ownMessages()
	s.Messages[chatId] = ledger
	s.claim(ledgers, chatId)
	return ledger
}

// Reindex rebuilds the message id index after ledgers are replaced wholesale.
func (s *State) Reindex() {
	s.index = &sync.Map{}
	for chatId, ledger := range s.Messages {
		for _, msg := range ledger {
			s.index.Store(msg.ID, chatId)
		}
	}
}

func (s *State) locate(id string) (string, int) {
	chatId, ok := s.index.Load(id)
	if !ok {
		return "", -1
	}
	ledger := s.Messages[chatId.(string)]
	for i, msg := range ledger {
		if msg.ID == id {
			return chatId.(string), i
		}
	}
	return "", -1
}

// Message looks up a message by id across all ledgers. The result is
// read-only; use EditMessage to change it.
func (s *State) Message(id string) (*models.Message, bool) {
	chatId, i := s.locate(id)
	if i < 0 {
		return nil, false
	}
	return s.Messages[chatId][i], true
}

// EditMessage returns the message with id for writing.
func (s *State) EditMessage(id string) (*models.Message, bool) {
	chatId, i := s.locate(id)
	if i < 0 {
		return nil, false
	}
	if s.owns(msgRecs, id) {
		return s.Messages[chatId][i], true
	}
	ledger := s.editLedger(chatId)
	cp := ledger[i].Clone()
	ledger[i] = cp
	s.claim(msgRecs, id)
	return cp, true
}

// InsertMessage places msg in its chat's ledger in timestamp order, after
// any messages with an equal timestamp.
func (s *State) InsertMessage(msg *models.Message) {
	ledger := s.editLedger(msg.ChatID)
	pos := sort.Search(len(ledger), func(i int) bool {
		return ledger[i].Timestamp.After(msg.Timestamp)
	})
	ledger = slices.Insert(ledger, pos, msg)
	s.Messages[msg.ChatID] = ledger
	s.claim(msgRecs, msg.ID)
	s.index.Store(msg.ID, msg.ChatID)
}

// ViewerID is the principal's id or empty when no session is open.
func (s *State) ViewerID() string {
	if s.Principal == nil {
		return ""
	}
	return s.Principal.ID
}
