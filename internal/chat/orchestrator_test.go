package chat

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"localmind/internal/config"
	"localmind/internal/learn"
	"localmind/internal/llm"
	"localmind/internal/logger"
	"localmind/internal/memory"
	"localmind/internal/storage"
	"localmind/internal/vector"
)

// stubEmbedder always fails, pushing retrieval down to the SQL strategy.
type stubEmbedder struct{}

func (stubEmbedder) Embed(context.Context, []string) ([][]float32, error) {
	return nil, fmt.Errorf("embedder offline")
}

// scriptEngine streams canned chunks and records every prompt it saw.
type scriptEngine struct {
	chunks  []string
	failErr error
	onChunk func(i int)

	mu      sync.Mutex
	prompts [][]llm.Message
}

func (e *scriptEngine) Stream(ctx context.Context, messages []llm.Message, _ llm.Options) (<-chan llm.TokenEvent, error) {
	if e.failErr != nil {
		return nil, e.failErr
	}
	e.mu.Lock()
	e.prompts = append(e.prompts, messages)
	e.mu.Unlock()

	events := make(chan llm.TokenEvent, 4)
	go func() {
		defer close(events)
		for i, c := range e.chunks {
			if e.onChunk != nil {
				e.onChunk(i)
			}
			select {
			case events <- llm.TokenEvent{Content: c}:
			case <-ctx.Done():
				events <- llm.TokenEvent{Err: ctx.Err()}
				return
			}
		}
		events <- llm.TokenEvent{Done: true}
	}()
	return events, nil
}

func (e *scriptEngine) Complete(context.Context, []llm.Message, llm.Options) (string, error) {
	return "", nil
}

func (e *scriptEngine) lastPrompt() []llm.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.prompts) == 0 {
		return nil
	}
	return e.prompts[len(e.prompts)-1]
}

func newTestOrchestrator(t *testing.T, engine llm.Engine) (*Orchestrator, *storage.Storage, *memory.Store) {
	t.Helper()
	db, err := storage.NewStorage(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	idx, err := vector.NewTieredIndex(32, "", logger.Discard())
	require.NoError(t, err)
	cfg := config.NewConfigManager(db)
	store := memory.NewStore(db, idx, stubEmbedder{}, cfg, logger.Discard())
	router := memory.NewRouter(db, idx, stubEmbedder{}, logger.Discard())
	store.SetInvalidator(router.InvalidateUser)

	o := NewOrchestrator(Deps{
		DB:     db,
		Store:  store,
		Router: router,
		Engine: engine,
		Flag:   learn.NewUIFlag(cfg),
		Config: cfg,
		Log:    logger.Discard(),
	})
	return o, db, store
}

// collect drains the event stream. Persistence finishes before the
// terminal event, so callers may assert on the database right after.
func collect(t *testing.T, events <-chan llm.TokenEvent) string {
	t.Helper()
	var b strings.Builder
	for ev := range events {
		require.NoError(t, ev.Err)
		if ev.Done {
			break
		}
		b.WriteString(ev.Content)
	}
	return b.String()
}

func TestStreamPersistsAndEnqueues(t *testing.T) {
	engine := &scriptEngine{chunks: []string{"Hello ", "there!"}}
	o, db, _ := newTestOrchestrator(t, engine)

	sessID, events, err := o.Stream(context.Background(), Turn{UserID: "u1", Message: "Hi, how are you?"})
	require.NoError(t, err)
	require.NotEmpty(t, sessID)
	require.Equal(t, "Hello there!", collect(t, events))

	msgs, err := db.RecentMessages(sessID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "user", msgs[0].Role)
	require.Equal(t, "Hi, how are you?", msgs[0].Content)
	require.Equal(t, "assistant", msgs[1].Role)
	require.Equal(t, "Hello there!", msgs[1].Content)

	backlog, err := db.CountUnprocessedLearning()
	require.NoError(t, err)
	require.EqualValues(t, 1, backlog)

	sess, err := db.GetSession(sessID)
	require.NoError(t, err)
	require.Equal(t, "Hi, how are you?", sess.Title)
}

func TestStreamContinuesSession(t *testing.T) {
	engine := &scriptEngine{chunks: []string{"ok"}}
	o, db, _ := newTestOrchestrator(t, engine)
	ctx := context.Background()

	sessID, ev1, err := o.Stream(ctx, Turn{UserID: "u1", Message: "First question here"})
	require.NoError(t, err)
	collect(t, ev1)

	sameID, ev2, err := o.Stream(ctx, Turn{UserID: "u1", ChatID: sessID, Message: "Second question"})
	require.NoError(t, err)
	require.Equal(t, sessID, sameID)
	collect(t, ev2)

	n, err := db.SessionMessageCount(sessID)
	require.NoError(t, err)
	require.EqualValues(t, 4, n)

	sess, err := db.GetSession(sessID)
	require.NoError(t, err)
	require.Equal(t, "First question here", sess.Title, "title set once")

	prompt := engine.lastPrompt()
	require.Len(t, prompt, 4, "system + prior exchange + new message")
	require.Equal(t, "system", prompt[0].Role)
	require.Equal(t, "First question here", prompt[1].Content)
	require.Equal(t, "ok", prompt[2].Content)
	require.Equal(t, "Second question", prompt[3].Content)
}

func TestStreamRejectsBadTurns(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, &scriptEngine{chunks: []string{"ok"}})
	ctx := context.Background()

	_, _, err := o.Stream(ctx, Turn{UserID: "u1", Message: "   "})
	require.Error(t, err)

	_, _, err = o.Stream(ctx, Turn{Message: "hello"})
	require.Error(t, err)
}

func TestStreamRejectsForeignSession(t *testing.T) {
	engine := &scriptEngine{chunks: []string{"ok"}}
	o, _, _ := newTestOrchestrator(t, engine)
	ctx := context.Background()

	sessID, ev, err := o.Stream(ctx, Turn{UserID: "u1", Message: "mine"})
	require.NoError(t, err)
	collect(t, ev)

	_, _, err = o.Stream(ctx, Turn{UserID: "u2", ChatID: sessID, Message: "theirs"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "another user")
}

func TestStreamEngineDown(t *testing.T) {
	engine := &scriptEngine{failErr: errors.New("connection refused")}
	o, db, _ := newTestOrchestrator(t, engine)

	_, _, err := o.Stream(context.Background(), Turn{UserID: "u1", Message: "hello"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "engine unavailable")

	backlog, err := db.CountUnprocessedLearning()
	require.NoError(t, err)
	require.Zero(t, backlog, "failed turns are not enqueued")
}

func TestStreamStopsMidGeneration(t *testing.T) {
	chunks := make([]string, 100)
	for i := range chunks {
		chunks[i] = fmt.Sprintf("tok%d ", i)
	}
	full := strings.Join(chunks, "")
	engine := &scriptEngine{chunks: chunks}
	o, db, _ := newTestOrchestrator(t, engine)

	sessID, events, err := o.Stream(context.Background(), Turn{UserID: "u1", Message: "tell me a story"})
	require.NoError(t, err)

	received := 0
	for ev := range events {
		require.NoError(t, ev.Err)
		if ev.Done {
			break
		}
		received++
		if received == 3 {
			o.RequestStop()
		}
	}
	require.GreaterOrEqual(t, received, 3)

	msgs, err := db.RecentMessages(sessID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2, "partial reply still persisted")
	partial := msgs[1].Content
	require.NotEmpty(t, partial)
	require.Less(t, len(partial), len(full))
	require.True(t, strings.HasPrefix(full, partial))

	backlog, err := db.CountUnprocessedLearning()
	require.NoError(t, err)
	require.EqualValues(t, 1, backlog, "partial turns still feed learning")
}

func TestStreamFastPathFacts(t *testing.T) {
	engine := &scriptEngine{chunks: []string{"Nice to meet you!"}}
	o, db, _ := newTestOrchestrator(t, engine)

	_, events, err := o.Stream(context.Background(),
		Turn{UserID: "u1", Message: "My name is Marcus and I live in Berlin."})
	require.NoError(t, err)
	collect(t, events)

	var rows []storage.Memory
	require.NoError(t, db.DB.Where("user_id = ?", "u1").Find(&rows).Error)
	contents := make([]string, len(rows))
	for i, m := range rows {
		contents[i] = m.Content
	}
	require.Contains(t, contents, "User's name is Marcus")
	require.Contains(t, contents, "User lives in Berlin")
}

func TestStreamInjectsRememberedContext(t *testing.T) {
	engine := &scriptEngine{chunks: []string{"You prefer dark roast."}}
	o, _, store := newTestOrchestrator(t, engine)
	ctx := context.Background()

	res, _, err := store.Remember(ctx, memory.Draft{
		UserID:     "u1",
		Content:    "User prefers dark roast coffee",
		MemoryType: storage.MemoryTypePreference,
		Importance: 0.8,
	})
	require.NoError(t, err)
	require.Equal(t, memory.Stored, res)

	_, events, err := o.Stream(ctx, Turn{UserID: "u1", Message: "what coffee do I prefer"})
	require.NoError(t, err)
	collect(t, events)

	prompt := engine.lastPrompt()
	require.NotEmpty(t, prompt)
	require.Contains(t, prompt[0].Content, "dark roast coffee")
	require.Contains(t, prompt[0].Content, "[preference]")
}

func TestStreamMarksUILease(t *testing.T) {
	engine := &scriptEngine{chunks: []string{"ok"}}
	o, db, _ := newTestOrchestrator(t, engine)

	_, events, err := o.Stream(context.Background(), Turn{UserID: "u1", Message: "hello there"})
	require.NoError(t, err)
	collect(t, events)

	require.True(t, config.NewConfigManager(db).IsUIActive(), "chat holds the lease")
}

func TestTitle(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"  hello\n  world  ", "hello world"},
		{strings.Repeat("a", 60), strings.Repeat("a", 50)},
		{
			"What's the weather like today in Berlin, and will it rain tomorrow?",
			"What's the weather like today in Berlin, and will",
		},
	}
	for _, c := range cases {
		if got := Title(c.in); got != c.want {
			t.Errorf("Title(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
