package gateway

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/samber/lo"

	"github.com/stellarlinkco/keepsake/internal/bus"
	"github.com/stellarlinkco/keepsake/internal/channel"
	"github.com/stellarlinkco/keepsake/internal/chat"
	"github.com/stellarlinkco/keepsake/internal/companion"
)

const (
	retryReply = "Sorry, I lost my train of thought for a second. Could you say that again?"
	errorReply = "Sorry, something went wrong on my side. Try again in a moment."
	helpReply  = "Commands:\n/start greets you\n/scene <name> changes the scene\n/vibe <0-100> sets your energy\n/facts shows what I remember\n/balance shows your coins"
)

// chatSession is the per-chat context a chat app would keep client side.
type chatSession struct {
	scene companion.Scene
	vibe  int
	// open is false until the first turn after a (re)start.
	open bool
}

type sessions struct {
	mu   sync.Mutex
	byID map[string]*chatSession
}

func newSessions() *sessions {
	return &sessions{byID: make(map[string]*chatSession)}
}

// update runs fn on the session for key, creating it on first use.
func (s *sessions) update(key string, fn func(*chatSession)) chatSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.byID[key]
	if !ok {
		sess = &chatSession{scene: companion.SceneLounge, vibe: chat.DefaultVibe}
		s.byID[key] = sess
	}
	if fn != nil {
		fn(sess)
	}
	return *sess
}

func metaString(msg bus.InboundMessage, key string) string {
	v, _ := msg.Metadata[key].(string)
	return v
}

// handleInbound turns a channel message into a reply. Commands steer the session;
// everything else is a conversation turn.
func (g *Gateway) handleInbound(ctx context.Context, msg bus.InboundMessage) string {
	userID := msg.UserID()
	key := msg.SessionKey()
	svc := g.core.Service

	switch cmd := metaString(msg, channel.MetaCommand); cmd {
	case "":
	case "start":
		sess := g.sessions.update(key, func(s *chatSession) { s.open = false })
		res, err := svc.Greeting(ctx, userID, sess.vibe)
		if err != nil {
			return g.replyForError(userID, err)
		}
		return res.Greeting
	case "scene":
		return g.setScene(ctx, userID, key, metaString(msg, channel.MetaArgs))
	case "vibe":
		return g.setVibe(key, metaString(msg, channel.MetaArgs))
	case "facts":
		return formatFacts(svc.Facts(ctx, userID))
	case "balance":
		b := svc.Balance(ctx, userID)
		return fmt.Sprintf("You have %d coins. Tier: %s.", b.Balance, b.Tier.Config().Name)
	default:
		return helpReply
	}

	var first bool
	sess := g.sessions.update(key, func(s *chatSession) {
		first = !s.open
		s.open = true
	})
	res, err := svc.Send(ctx, chat.TurnRequest{
		UserID:       userID,
		Message:      msg.Content,
		Scene:        string(sess.scene),
		Vibe:         sess.vibe,
		SessionStart: first,
	})
	if err != nil {
		if first {
			g.sessions.update(key, func(s *chatSession) { s.open = false })
		}
		return g.replyForError(userID, err)
	}
	return res.Reply
}

func (g *Gateway) setScene(ctx context.Context, userID, key, arg string) string {
	svc := g.core.Service
	if arg == "" {
		view := svc.Scenes(ctx, userID)
		lines := lo.Map(view.Scenes, func(s companion.SceneInfo, _ int) string {
			mark := "locked"
			if s.Available {
				mark = "available"
			}
			return fmt.Sprintf("%s (%s)", s.Name, mark)
		})
		return "Scenes:\n" + strings.Join(lines, "\n")
	}

	info, ok := svc.Scene(ctx, userID, arg)
	if !ok {
		return "I don't know that scene. Send /scene to see the list."
	}
	if !info.Available {
		return info.UnlockMessage
	}
	scene, _ := companion.ParseScene(info.Name)
	g.sessions.update(key, func(s *chatSession) { s.scene = scene })
	return fmt.Sprintf("Scene set to %s. %s", info.Name, info.Description)
}

func (g *Gateway) setVibe(key, arg string) string {
	v, err := strconv.Atoi(strings.TrimSpace(arg))
	if err != nil || v < 0 || v > 100 {
		return "Send /vibe with a number from 0 (drained) to 100 (buzzing)."
	}
	g.sessions.update(key, func(s *chatSession) { s.vibe = v })
	return fmt.Sprintf("Vibe set to %d.", v)
}

func formatFacts(sum chat.FactsSummary) string {
	if len(sum.Facts) == 0 {
		return "I don't have anything saved about you yet."
	}
	var b strings.Builder
	b.WriteString("What I remember:\n")
	b.WriteString(strings.Join(sum.Facts, "\n"))
	if sum.ExpiredCount > 0 {
		fmt.Fprintf(&b, "\n(%d older memories have faded.)", sum.ExpiredCount)
	}
	return b.String()
}

func (g *Gateway) replyForError(userID string, err error) string {
	if d, ok := chat.AsDenial(err); ok {
		return strings.TrimSpace(d.Reason + " " + d.Unlock)
	}
	if errors.Is(err, chat.ErrTryAgain) {
		return retryReply
	}
	if errors.Is(err, chat.ErrEmptyMessage) || errors.Is(err, context.Canceled) {
		return ""
	}
	g.logger.Error("handle message", "user", userID, "err", err)
	return errorReply
}
