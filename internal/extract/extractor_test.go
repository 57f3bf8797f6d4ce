package extract

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"localmind/internal/llm"
	"localmind/internal/logger"
	"localmind/internal/memory"
	"localmind/internal/storage"
)

// scriptedEngine answers each aspect prompt from a canned table, split
// into chunks so per-chunk behavior is observable.
type scriptedEngine struct {
	responses map[string]string
	errOn     map[string]error
	chunkSize int
	onChunk   func(aspect string, i int)
}

func (e *scriptedEngine) resolveAspect(messages []llm.Message) string {
	prompt := messages[len(messages)-1].Content
	for _, a := range Aspects {
		if strings.Contains(prompt, a.Focus) {
			return a.Name
		}
	}
	return ""
}

func (e *scriptedEngine) Stream(ctx context.Context, messages []llm.Message, _ llm.Options) (<-chan llm.TokenEvent, error) {
	aspect := e.resolveAspect(messages)
	events := make(chan llm.TokenEvent, 4)
	go func() {
		defer close(events)
		if err := e.errOn[aspect]; err != nil {
			events <- llm.TokenEvent{Err: err}
			return
		}
		resp, ok := e.responses[aspect]
		if !ok {
			resp = "[]"
		}
		size := e.chunkSize
		if size <= 0 {
			size = len(resp)
		}
		for i := 0; i < len(resp); i += size {
			end := i + size
			if end > len(resp) {
				end = len(resp)
			}
			if e.onChunk != nil {
				e.onChunk(aspect, i/size)
			}
			select {
			case events <- llm.TokenEvent{Content: resp[i:end]}:
			case <-ctx.Done():
				events <- llm.TokenEvent{Err: ctx.Err()}
				return
			}
		}
		events <- llm.TokenEvent{Done: true}
	}()
	return events, nil
}

func (e *scriptedEngine) Complete(_ context.Context, messages []llm.Message, _ llm.Options) (string, error) {
	if resp, ok := e.responses[e.resolveAspect(messages)]; ok {
		return resp, nil
	}
	return "[]", nil
}

type captureSink struct {
	drafts  []memory.Draft
	onStore func(d memory.Draft)
}

func (s *captureSink) Remember(_ context.Context, d memory.Draft) (memory.StoreResult, *storage.Memory, error) {
	s.drafts = append(s.drafts, d)
	if s.onStore != nil {
		s.onStore(d)
	}
	return memory.Stored, nil, nil
}

func testContext() ExtractionContext {
	return ExtractionContext{
		UserID: "u1",
		ChatID: "chat-1",
		Messages: []llm.Message{
			{Role: "user", Content: "I have two kids and I prefer tea over coffee"},
			{Role: "assistant", Content: "Noted!"},
		},
	}
}

func TestRunStoresParsedItems(t *testing.T) {
	engine := &scriptedEngine{responses: map[string]string{
		"fact":       `[{"content":"has two kids","importance":0.8,"keywords":["kids"]}]`,
		"preference": "```json\n[{'content': 'prefers tea over coffee'}]\n```",
	}}
	sink := &captureSink{}
	x := NewExtractor(engine, sink, nil, logger.Discard())

	stored, err := x.Run(context.Background(), testContext())
	require.NoError(t, err)
	require.Equal(t, 2, stored)
	require.Len(t, sink.drafts, 2)

	byType := map[string]memory.Draft{}
	for _, d := range sink.drafts {
		byType[d.MemoryType] = d
	}
	fact := byType[storage.MemoryTypeFact]
	require.Equal(t, "has two kids", fact.Content)
	require.Equal(t, 0.8, fact.Importance)
	require.Contains(t, fact.Metadata, `"chat_id":"chat-1"`)

	pref := byType[storage.MemoryTypePreference]
	require.Equal(t, "prefers tea over coffee", pref.Content)
	require.Equal(t, defaultImportance, pref.Importance)
}

func TestRunSkipsUnparseableAspect(t *testing.T) {
	engine := &scriptedEngine{responses: map[string]string{
		"fact": "I could not find anything worth extracting here.",
		"goal": `[{"content":"wants to learn spanish","importance":0.7}]`,
	}}
	sink := &captureSink{}
	x := NewExtractor(engine, sink, nil, logger.Discard())

	stored, err := x.Run(context.Background(), testContext())
	require.NoError(t, err, "one bad aspect must not fail the row")
	require.Equal(t, 1, stored)
	require.Equal(t, "wants to learn spanish", sink.drafts[0].Content)
}

func TestRunAbortsBetweenAspects(t *testing.T) {
	var uiActive atomic.Bool
	engine := &scriptedEngine{
		responses: map[string]string{
			"fact": `[{"content":"has two kids","importance":0.8}]`,
		},
	}
	// UI comes up right after the first stored memory
	sink := &captureSink{onStore: func(memory.Draft) { uiActive.Store(true) }}
	x := NewExtractor(engine, sink, uiActive.Load, logger.Discard())

	stored, err := x.Run(context.Background(), testContext())
	require.ErrorIs(t, err, ErrPreempted)
	require.Equal(t, 1, stored, "work done before the signal is kept")
}

func TestRunAbortsMidStream(t *testing.T) {
	var uiActive atomic.Bool
	engine := &scriptedEngine{
		responses: map[string]string{"fact": strings.Repeat("x", 2000)},
		chunkSize: 10,
	}
	engine.onChunk = func(aspect string, i int) {
		if i == 3 {
			uiActive.Store(true)
		}
	}
	sink := &captureSink{}
	x := NewExtractor(engine, sink, uiActive.Load, logger.Discard())

	stored, err := x.Run(context.Background(), testContext())
	require.ErrorIs(t, err, ErrPreempted)
	require.Zero(t, stored)
}

func TestRunEngineFailureAbortsRow(t *testing.T) {
	boom := errors.New("engine gone")
	engine := &scriptedEngine{errOn: map[string]error{"fact": boom}}
	sink := &captureSink{}
	x := NewExtractor(engine, sink, nil, logger.Discard())

	stored, err := x.Run(context.Background(), testContext())
	require.ErrorIs(t, err, boom)
	require.Zero(t, stored)
}

func TestGenerateStopsAtChunkCap(t *testing.T) {
	engine := &scriptedEngine{
		responses: map[string]string{"fact": strings.Repeat("y", maxResponseChunks+100)},
		chunkSize: 1,
	}
	x := NewExtractor(engine, &captureSink{}, nil, logger.Discard())

	got, err := x.generate(context.Background(), BuildPrompt(Aspects[0], "User: hi"))
	require.NoError(t, err)
	require.Equal(t, maxResponseChunks, len(got))
}

func TestRunEmptyTranscript(t *testing.T) {
	x := NewExtractor(&scriptedEngine{}, &captureSink{}, nil, logger.Discard())
	stored, err := x.Run(context.Background(), ExtractionContext{UserID: "u1"})
	require.NoError(t, err)
	require.Zero(t, stored)
}
