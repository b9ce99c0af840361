// Package server is the line-oriented console front of the engine. Each
// command maps onto one use case call and failures become readable text.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/practice-sem-2/chat-sync-service/internal/models"
	"github.com/practice-sem-2/chat-sync-service/internal/state"
	storage "github.com/practice-sem-2/chat-sync-service/internal/storages"
	usecase "github.com/practice-sem-2/chat-sync-service/internal/usecases"
	"github.com/sirupsen/logrus"
)

const maxMessageLength = 4096

type Response struct {
	OK      bool
	Message string
	Lines   []string
}

type handler func(ctx context.Context, args []string) (Response, error)

type ChatServer struct {
	session  *usecase.SessionUsecase
	chats    *usecase.ChatsUsecase
	messages *usecase.MessagesUsecase
	search   *usecase.SearchUsecase
	validate *validator.Validate
	location *time.Location
	logger   logrus.FieldLogger
	commands map[string]handler

	out sync.Mutex
}

func NewChatServer(
	s *usecase.SessionUsecase,
	c *usecase.ChatsUsecase,
	m *usecase.MessagesUsecase,
	q *usecase.SearchUsecase,
	v *validator.Validate,
	loc *time.Location,
	logger logrus.FieldLogger,
) *ChatServer {
	if loc == nil {
		loc = time.Local
	}
	srv := &ChatServer{
		session:  s,
		chats:    c,
		messages: m,
		search:   q,
		validate: v,
		location: loc,
		logger:   logger,
	}
	srv.commands = map[string]handler{
		"register": srv.Register,
		"login":    srv.Login,
		"logout":   srv.Logout,
		"users":    srv.Users,
		"chats":    srv.Chats,
		"open":     srv.Open,
		"close":    srv.Close,
		"new":      srv.NewChat,
		"send":     srv.Send,
		"reply":    srv.Reply,
		"read":     srv.Read,
		"pin":      srv.toggle(c.SetPinned, true, "pinned"),
		"unpin":    srv.toggle(c.SetPinned, false, "unpinned"),
		"mute":     srv.toggle(c.SetMuted, true, "muted"),
		"unmute":   srv.toggle(c.SetMuted, false, "unmuted"),
		"typing":   srv.Typing,
		"thread":   srv.Thread,
		"search":   srv.Search,
		"theme":    srv.Theme,
		"help":     srv.Help,
	}
	return srv
}

// Handle runs a single command line.
func (c *ChatServer) Handle(ctx context.Context, line string) Response {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Response{OK: true}
	}

	name := strings.ToLower(fields[0])
	cmd, ok := c.commands[name]
	if !ok {
		return Response{Message: fmt.Sprintf("unknown command %q, try help", fields[0])}
	}

	resp, err := cmd(ctx, fields[1:])
	if err != nil {
		c.logger.
			WithField("command", name).
			WithError(err).
			Debug("command failed")
		return Response{Message: wrapError(err)}
	}
	resp.OK = true
	return resp
}

// Serve reads commands from r until EOF or ctx is done and writes the
// responses to w.
func (c *ChatServer) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "quit" || line == "exit" {
			return nil
		}
		resp := c.Handle(ctx, line)
		c.out.Lock()
		err := writeResponse(w, resp)
		c.out.Unlock()
		if err != nil {
			return err
		}
	}
	return scanner.Err()
}

func (c *ChatServer) Register(ctx context.Context, args []string) (Response, error) {
	if len(args) < 3 {
		return usage("register <username> <password> <display name>")
	}
	user, err := c.session.Register(ctx, models.UserRegister{
		Username:    args[0],
		Password:    args[1],
		DisplayName: strings.Join(args[2:], " "),
	})
	if err != nil {
		return Response{}, err
	}
	return Response{Message: fmt.Sprintf("welcome, %s", user.DisplayName)}, nil
}

func (c *ChatServer) Login(ctx context.Context, args []string) (Response, error) {
	if len(args) != 2 {
		return usage("login <username> <password>")
	}
	user, err := c.session.Authenticate(ctx, args[0], args[1])
	if err != nil {
		return Response{}, err
	}
	return Response{Message: fmt.Sprintf("logged in as %s", user.DisplayName)}, nil
}

func (c *ChatServer) Logout(ctx context.Context, _ []string) (Response, error) {
	if err := c.session.EndSession(ctx); err != nil {
		return Response{}, err
	}
	return Response{Message: "logged out"}, nil
}

func (c *ChatServer) Users(ctx context.Context, _ []string) (Response, error) {
	users, err := c.session.Directory(ctx)
	if err != nil {
		return Response{}, err
	}
	lines := make([]string, len(users))
	for i, user := range users {
		lines[i] = UserToLine(user, c.location)
	}
	return Response{Message: fmt.Sprintf("%d users", len(users)), Lines: lines}, nil
}

func (c *ChatServer) Chats(ctx context.Context, _ []string) (Response, error) {
	chats, err := c.chats.ListChats(ctx)
	if err != nil {
		return Response{}, err
	}
	active, err := c.chats.ActiveChat(ctx)
	if err != nil {
		return Response{}, err
	}
	lines := make([]string, len(chats))
	for i, chat := range chats {
		lines[i] = ChatToLine(chat, chat.ID == active)
	}
	return Response{Message: fmt.Sprintf("%d chats", len(chats)), Lines: lines}, nil
}

func (c *ChatServer) Open(ctx context.Context, args []string) (Response, error) {
	if len(args) != 1 {
		return usage("open <chat>")
	}
	chatId, err := c.resolveChat(ctx, args[0])
	if err != nil {
		return Response{}, err
	}
	if err := c.chats.SetActive(ctx, chatId); err != nil {
		return Response{}, err
	}
	return c.thread(ctx, chatId)
}

func (c *ChatServer) Close(ctx context.Context, _ []string) (Response, error) {
	if err := c.chats.SetActive(ctx, ""); err != nil {
		return Response{}, err
	}
	return Response{Message: "chat closed"}, nil
}

func (c *ChatServer) NewChat(ctx context.Context, args []string) (Response, error) {
	if len(args) < 2 {
		return usage("new direct <username> | new group <name> <username...>")
	}

	var req models.ChatCreate
	switch strings.ToLower(args[0]) {
	case "direct":
		if len(args) != 2 {
			return usage("new direct <username>")
		}
		req.Type = models.ChatDirect
	case "group":
		req.Type = models.ChatGroup
		req.Name = args[1]
		args = args[1:]
	default:
		return usage("new direct <username> | new group <name> <username...>")
	}

	for _, username := range args[1:] {
		user, err := c.session.FindUserByUsername(ctx, username)
		if err != nil {
			return Response{}, err
		}
		req.Participants = append(req.Participants, user.ID)
	}

	chatId, err := c.chats.CreateChat(ctx, req)
	if err != nil {
		return Response{}, err
	}
	return Response{Message: "chat " + chatId}, nil
}

func (c *ChatServer) Send(ctx context.Context, args []string) (Response, error) {
	if len(args) < 2 {
		return usage("send <chat> <text>")
	}
	return c.send(ctx, args[0], "", strings.Join(args[1:], " "))
}

func (c *ChatServer) Reply(ctx context.Context, args []string) (Response, error) {
	if len(args) < 3 {
		return usage("reply <chat> <message> <text>")
	}
	return c.send(ctx, args[0], args[1], strings.Join(args[2:], " "))
}

func (c *ChatServer) send(ctx context.Context, chatRef, replyRef, text string) (Response, error) {
	if err := c.validate.Var(text, fmt.Sprintf("required,max=%d", maxMessageLength)); err != nil {
		return Response{}, fmt.Errorf("%w: %v", usecase.ErrInvalidInput, err)
	}

	chatId, err := c.resolveChat(ctx, chatRef)
	if err != nil {
		return Response{}, err
	}

	req := models.MessageSend{ChatID: chatId, Content: text, Type: detectType(text)}
	if replyRef != "" {
		if req.ReplyTo, err = c.resolveMessage(ctx, chatId, replyRef); err != nil {
			return Response{}, err
		}
	}

	msg, err := c.messages.Send(ctx, req)
	if err != nil {
		return Response{}, err
	}
	return Response{Lines: []string{MessageToLine(*msg, c.location)}}, nil
}

func (c *ChatServer) Read(ctx context.Context, args []string) (Response, error) {
	if len(args) != 1 {
		return usage("read <chat>")
	}
	chatId, err := c.resolveChat(ctx, args[0])
	if err != nil {
		return Response{}, err
	}
	count, err := c.chats.MarkRead(ctx, chatId)
	if err != nil {
		return Response{}, err
	}
	return Response{Message: fmt.Sprintf("%d messages marked as read", count)}, nil
}

func (c *ChatServer) toggle(set func(context.Context, string, bool) error, value bool, done string) handler {
	return func(ctx context.Context, args []string) (Response, error) {
		if len(args) != 1 {
			return usage("<pin|unpin|mute|unmute> <chat>")
		}
		chatId, err := c.resolveChat(ctx, args[0])
		if err != nil {
			return Response{}, err
		}
		if err := set(ctx, chatId, value); err != nil {
			return Response{}, err
		}
		return Response{Message: "chat " + done}, nil
	}
}

func (c *ChatServer) Typing(ctx context.Context, args []string) (Response, error) {
	if len(args) != 1 {
		return usage("typing <chat>")
	}
	chatId, err := c.resolveChat(ctx, args[0])
	if err != nil {
		return Response{}, err
	}
	if err := c.chats.StartTyping(ctx, chatId); err != nil {
		return Response{}, err
	}
	return Response{Message: "typing..."}, nil
}

func (c *ChatServer) Thread(ctx context.Context, args []string) (Response, error) {
	if len(args) != 1 {
		return usage("thread <chat>")
	}
	chatId, err := c.resolveChat(ctx, args[0])
	if err != nil {
		return Response{}, err
	}
	return c.thread(ctx, chatId)
}

func (c *ChatServer) thread(ctx context.Context, chatId string) (Response, error) {
	buckets, err := c.messages.Thread(ctx, chatId)
	if err != nil {
		return Response{}, err
	}
	var lines []string
	for _, bucket := range buckets {
		lines = append(lines, DayHeader(bucket.Day))
		for _, msg := range bucket.Messages {
			lines = append(lines, MessageToLine(msg, c.location))
		}
	}
	return Response{Lines: lines}, nil
}

func (c *ChatServer) Search(ctx context.Context, args []string) (Response, error) {
	if len(args) == 0 {
		return usage("search <query>")
	}
	results, err := c.search.SearchAll(ctx, strings.Join(args, " "))
	if err != nil {
		return Response{}, err
	}
	lines := make([]string, len(results))
	for i, result := range results {
		lines[i] = SearchResultToLine(result, c.location)
	}
	return Response{Message: fmt.Sprintf("%d results", len(results)), Lines: lines}, nil
}

func (c *ChatServer) Theme(ctx context.Context, args []string) (Response, error) {
	if len(args) == 0 {
		theme, err := c.chats.Theme(ctx)
		if err != nil {
			return Response{}, err
		}
		return Response{Message: "theme " + string(theme)}, nil
	}
	if err := c.validate.Var(args[0], "oneof=light dark"); err != nil {
		return usage("theme light|dark")
	}
	if err := c.chats.SetTheme(ctx, models.Theme(args[0])); err != nil {
		return Response{}, err
	}
	return Response{Message: "theme " + args[0]}, nil
}

func (c *ChatServer) Help(context.Context, []string) (Response, error) {
	return Response{Lines: []string{
		"register <username> <password> <display name>",
		"login <username> <password>",
		"logout",
		"users",
		"chats",
		"open <chat> | close",
		"new direct <username>",
		"new group <name> <username...>",
		"send <chat> <text>",
		"reply <chat> <message> <text>",
		"read <chat>",
		"pin|unpin|mute|unmute <chat>",
		"typing <chat>",
		"thread <chat>",
		"search <query>",
		"theme [light|dark]",
		"quit",
	}}, nil
}

// resolveChat accepts a full chat id or an unambiguous prefix of one.
func (c *ChatServer) resolveChat(ctx context.Context, ref string) (string, error) {
	chats, err := c.chats.ListChats(ctx)
	if err != nil {
		return "", err
	}
	ids := make([]string, len(chats))
	for i, chat := range chats {
		ids[i] = chat.ID
	}
	return resolveRef(ref, ids, usecase.ErrEmptyChat)
}

func (c *ChatServer) resolveMessage(ctx context.Context, chatId, ref string) (string, error) {
	messages, err := c.messages.Messages(ctx, chatId)
	if err != nil {
		return "", err
	}
	ids := make([]string, len(messages))
	for i, msg := range messages {
		ids[i] = msg.ID
	}
	return resolveRef(ref, ids, usecase.ErrMessageNotFound)
}

var errAmbiguousRef = errors.New("ambiguous id prefix")

func resolveRef(ref string, ids []string, notFound error) (string, error) {
	var match string
	for _, id := range ids {
		if id == ref {
			return id, nil
		}
		if strings.HasPrefix(id, ref) {
			if match != "" {
				return "", fmt.Errorf("%w: %s", errAmbiguousRef, ref)
			}
			match = id
		}
	}
	if match == "" {
		return "", fmt.Errorf("%w: %s", notFound, ref)
	}
	return match, nil
}

func usage(text string) (Response, error) {
	return Response{}, fmt.Errorf("%w: usage: %s", errUsage, text)
}

var errUsage = errors.New("wrong arguments")

func writeResponse(w io.Writer, resp Response) error {
	prefix := "ok"
	if !resp.OK {
		prefix = "error"
	}
	if resp.Message != "" {
		if _, err := fmt.Fprintf(w, "%s: %s\n", prefix, resp.Message); err != nil {
			return err
		}
	}
	for _, line := range resp.Lines {
		if _, err := fmt.Fprintln(w, "  "+line); err != nil {
			return err
		}
	}
	return nil
}

func wrapError(err error) string {
	errorMapper := []struct {
		from error
		to   string
	}{
		{usecase.ErrInvalidCredentials, "wrong username or password"},
		{usecase.ErrUsernameTaken, "this username is already taken"},
		{usecase.ErrEmptyParticipants, "a chat needs at least one other participant or a name"},
		{usecase.ErrEmptyChat, "no such chat"},
		{usecase.ErrInvalidTransition, "message status cannot go back"},
		{usecase.ErrMessageNotFound, "no such message"},
		{usecase.ErrUserNotFound, "no such user"},
		{usecase.ErrAuthenticationRequired, "please log in first"},
		{usecase.ErrUserIsNotAChatMember, "you are not a member of this chat"},
		{usecase.ErrNotMessageSender, "you can only change your own messages"},
		{usecase.ErrBusinessLogicViolation, "this action is not allowed"},
		{storage.ErrAlreadySeeded, "demo data can only be loaded into an empty store"},
		{storage.ErrStorageCorrupt, "stored data is damaged"},
		{state.ErrStoreClosed, "the engine is shutting down"},
	}

	if err == nil {
		return ""
	}

	// These already carry a readable text.
	if errors.Is(err, errUsage) || errors.Is(err, errAmbiguousRef) || errors.Is(err, usecase.ErrInvalidInput) {
		return err.Error()
	}

	for _, mapping := range errorMapper {
		if errors.Is(err, mapping.from) {
			return mapping.to
		}
	}
	return "internal error"
}
