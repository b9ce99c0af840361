package server

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/practice-sem-2/chat-sync-service/internal/models"
	"github.com/practice-sem-2/chat-sync-service/internal/state"
)

// Follow prints what changed in the open chat each time a new snapshot
// arrives, until ctx is done or the channel is closed. Snapshots skipped by
// a slow reader are folded into the next one.
func (c *ChatServer) Follow(ctx context.Context, snapshots <-chan state.Snapshot, w io.Writer) error {
	var prev *state.State
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case snap, ok := <-snapshots:
			if !ok {
				return nil
			}
			if prev != nil {
				if err := c.notify(w, Changes(prev, snap.State, c.location)); err != nil {
					return err
				}
			}
			prev = snap.State
		}
	}
}

func (c *ChatServer) notify(w io.Writer, lines []string) error {
	c.out.Lock()
	defer c.out.Unlock()
	for _, line := range lines {
		if _, err := fmt.Fprintln(w, "* "+line); err != nil {
			return err
		}
	}
	return nil
}

// Changes lists what the principal should notice in the open chat between
// two versions: peers starting or stopping to type, new inbound messages and
// status changes of the principal's own messages.
func Changes(prev, next *state.State, loc *time.Location) []string {
	viewer := next.ViewerID()
	active := next.ActiveChat
	if viewer == "" || active == "" || prev.ViewerID() != viewer || prev.ActiveChat != active {
		return nil
	}
	before, ok := prev.Chats[active]
	if !ok {
		return nil
	}
	after, ok := next.Chats[active]
	if !ok {
		return nil
	}

	var lines []string
	for _, userId := range after.IsTyping {
		if userId != viewer && !before.IsUserTyping(userId) {
			lines = append(lines, displayName(next, userId)+" is typing...")
		}
	}
	for _, userId := range before.IsTyping {
		if userId != viewer && !after.IsUserTyping(userId) {
			lines = append(lines, displayName(next, userId)+" stopped typing")
		}
	}

	known := map[string]*models.Message{}
	for _, msg := range prev.Messages[active] {
		known[msg.ID] = msg
	}
	for _, msg := range next.Messages[active] {
		old, seen := known[msg.ID]
		switch {
		case !seen && msg.SenderID != viewer:
			lines = append(lines, "new "+MessageToLine(*msg, loc))
		case seen && msg.SenderID == viewer && old.Status != msg.Status:
			lines = append(lines, fmt.Sprintf("%s is now %s", shortID(msg.ID), msg.Status))
		}
	}
	return lines
}

func displayName(st *state.State, userId string) string {
	if entry, ok := st.Users[userId]; ok {
		return entry.DisplayName
	}
	return shortID(userId)
}
