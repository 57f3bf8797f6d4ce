// Package chat runs the interactive turn loop: retrieve remembered
// context, stream the reply, persist the exchange, and hand the turn to
// the learning pipeline.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"localmind/internal/config"
	"localmind/internal/extract"
	"localmind/internal/learn"
	"localmind/internal/llm"
	"localmind/internal/memory"
	"localmind/internal/storage"
)

const (
	chatTemperature = 0.7
	leaseRenewEvery = time.Minute
)

// Turn is one incoming user message. An empty ChatID starts a session.
type Turn struct {
	UserID  string `json:"user_id"`
	ChatID  string `json:"chat_id"`
	Message string `json:"message"`
}

// Deps wires the orchestrator. Spawner may be nil when the worker is
// managed externally.
type Deps struct {
	DB      *storage.Storage
	Store   *memory.Store
	Router  *memory.Router
	Engine  llm.Engine
	Flag    *learn.UIFlag
	Spawner *learn.Spawner
	Config  *config.ConfigManager
	Log     *slog.Logger
}

// Orchestrator owns the chat turn lifecycle. One instance serves every
// session; the stop flag is global so a stop request halts whatever is
// generating.
type Orchestrator struct {
	db      *storage.Storage
	store   *memory.Store
	router  *memory.Router
	engine  llm.Engine
	flag    *learn.UIFlag
	spawner *learn.Spawner
	cfg     *config.ConfigManager
	log     *slog.Logger

	stop atomic.Bool
}

func NewOrchestrator(d Deps) *Orchestrator {
	return &Orchestrator{
		db:      d.DB,
		store:   d.Store,
		router:  d.Router,
		engine:  d.Engine,
		flag:    d.Flag,
		spawner: d.Spawner,
		cfg:     d.Config,
		log:     d.Log,
	}
}

// RequestStop halts every in-flight generation at its next chunk. The
// flag rearms when the next turn starts.
func (o *Orchestrator) RequestStop() {
	o.stop.Store(true)
}

// Stream runs one turn. The returned channel carries content events and
// exactly one terminal; the session id is resolved before any token flows
// so the caller can announce it immediately.
func (o *Orchestrator) Stream(ctx context.Context, turn Turn) (string, <-chan llm.TokenEvent, error) {
	turn.Message = strings.TrimSpace(turn.Message)
	if turn.Message == "" {
		return "", nil, fmt.Errorf("empty message")
	}
	if turn.UserID == "" {
		return "", nil, fmt.Errorf("missing user id")
	}

	sess, err := o.resolveSession(turn)
	if err != nil {
		return "", nil, err
	}
	if sess.Title == "" {
		if err := o.db.SetSessionTitle(sess.ID, Title(turn.Message)); err != nil {
			o.log.Warn("Title update failed", "session", sess.ID, "error", err)
		}
	}

	o.stop.Store(false)
	if err := o.flag.Mark(); err != nil {
		o.log.Warn("UI lease renewal failed", "error", err)
	}

	prompt := buildPrompt(o.retrieve(ctx, turn), o.window(sess.ID), turn.Message)

	genCtx, cancel := context.WithCancel(ctx)
	events, err := o.engine.Stream(genCtx, prompt, llm.Options{Temperature: chatTemperature})
	if err != nil {
		cancel()
		return "", nil, fmt.Errorf("engine unavailable: %w", err)
	}

	out := make(chan llm.TokenEvent, 32)
	go o.pump(ctx, cancel, sess, turn, events, out)
	return sess.ID, out, nil
}

// pump forwards engine events to the caller, watching the stop flag per
// chunk, then finishes the turn with whatever reply accumulated.
func (o *Orchestrator) pump(ctx context.Context, cancel context.CancelFunc, sess storage.ChatSession, turn Turn, events <-chan llm.TokenEvent, out chan<- llm.TokenEvent) {
	defer close(out)
	defer cancel()

	var reply strings.Builder
	var streamErr error
	lastMark := time.Now()

	for ev := range events {
		if ev.Err != nil {
			streamErr = ev.Err
			break
		}
		if ev.Done {
			break
		}
		if o.stop.Load() || ctx.Err() != nil {
			cancel()
			drainEvents(events)
			break
		}
		if time.Since(lastMark) > leaseRenewEvery {
			lastMark = time.Now()
			if err := o.flag.Mark(); err != nil {
				o.log.Warn("UI lease renewal failed", "error", err)
			}
		}
		reply.WriteString(ev.Content)
		if !send(ctx, out, ev) {
			cancel()
			drainEvents(events)
			break
		}
	}

	o.finishTurn(sess, turn, reply.String())

	terminal := llm.TokenEvent{Done: true}
	if streamErr != nil {
		terminal = llm.TokenEvent{Err: streamErr}
	}
	send(ctx, out, terminal)
}

// finishTurn persists the exchange and feeds the learning pipeline. Runs
// after streaming, so failures only log; the user already has the reply.
func (o *Orchestrator) finishTurn(sess storage.ChatSession, turn Turn, reply string) {
	ctx := context.Background()

	err := o.db.AppendMessage(&storage.ChatMessage{SessionID: sess.ID, Role: "user", Content: turn.Message})
	if err != nil {
		o.log.Error("Persist user message failed", "session", sess.ID, "error", err)
	}
	if reply == "" {
		return
	}
	err = o.db.AppendMessage(&storage.ChatMessage{SessionID: sess.ID, Role: "assistant", Content: reply})
	if err != nil {
		o.log.Error("Persist assistant reply failed", "session", sess.ID, "error", err)
	}
	if err := o.db.TouchSession(sess.ID); err != nil {
		o.log.Warn("Session touch failed", "session", sess.ID, "error", err)
	}

	for _, draft := range extract.FastFacts(turn.UserID, turn.Message+"\n"+reply) {
		if _, _, err := o.store.Remember(ctx, draft); err != nil {
			o.log.Warn("Fast-path store failed", "error", err)
		}
	}

	msgs, err := json.Marshal([]llm.Message{
		{Role: "user", Content: turn.Message},
		{Role: "assistant", Content: reply},
	})
	if err != nil {
		o.log.Error("Turn encode failed", "session", sess.ID, "error", err)
		return
	}
	if err := o.db.EnqueueLearning(turn.UserID, sess.ID, string(msgs)); err != nil {
		o.log.Error("Learning enqueue failed", "session", sess.ID, "error", err)
		return
	}
	if o.spawner != nil {
		o.spawner.EnsureRunning()
	}
}

// resolveSession loads the session or creates one. A caller-supplied id
// is honored so clients can pre-generate.
func (o *Orchestrator) resolveSession(turn Turn) (storage.ChatSession, error) {
	if turn.ChatID != "" {
		sess, err := o.db.GetSession(turn.ChatID)
		if err == nil {
			if sess.UserID != turn.UserID {
				return storage.ChatSession{}, fmt.Errorf("session %s belongs to another user", turn.ChatID)
			}
			return sess, nil
		}
		if !storage.IsNotFound(err) {
			return storage.ChatSession{}, err
		}
	}

	sess := storage.ChatSession{ID: turn.ChatID, UserID: turn.UserID}
	if sess.ID == "" {
		sess.ID = uuid.New().String()
	}
	if err := o.db.CreateSession(&sess); err != nil {
		return storage.ChatSession{}, err
	}
	return sess, nil
}

func (o *Orchestrator) retrieve(ctx context.Context, turn Turn) []storage.Memory {
	res, err := o.router.Retrieve(ctx, memory.Request{
		UserID:  turn.UserID,
		Query:   turn.Message,
		Urgency: o.cfg.GetRetrievalUrgency(),
		Limit:   contextMemoryLimit,
	})
	if err != nil {
		o.log.Warn("Context retrieval failed", "error", err)
		return nil
	}
	return res.Memories
}

func (o *Orchestrator) window(sessionID string) []storage.ChatMessage {
	msgs, err := o.db.RecentMessages(sessionID, transcriptWindow)
	if err != nil {
		o.log.Warn("Transcript window load failed", "session", sessionID, "error", err)
		return nil
	}
	return msgs
}

func send(ctx context.Context, out chan<- llm.TokenEvent, ev llm.TokenEvent) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func drainEvents(events <-chan llm.TokenEvent) {
	for range events {
	}
}
