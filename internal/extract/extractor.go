package extract

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"localmind/internal/llm"
	"localmind/internal/memory"
	"localmind/internal/storage"
)

// ErrPreempted reports that the UI went active mid-extraction. The caller
// unwinds the row; content-hash dedup makes the retry idempotent for
// memories already written.
var ErrPreempted = errors.New("extraction preempted by active ui")

const (
	// per-aspect generation bounds
	aspectTimeout     = 2 * time.Minute
	maxResponseChunks = 1024
)

// MemorySink is where extracted drafts land. *memory.Store satisfies it.
type MemorySink interface {
	Remember(ctx context.Context, d memory.Draft) (memory.StoreResult, *storage.Memory, error)
}

// Extractor runs the aspect passes for one pending chat against the
// engine, yielding to the UI between chunks and between aspects.
type Extractor struct {
	engine   llm.Engine
	sink     MemorySink
	uiActive func() bool
	log      *slog.Logger
}

func NewExtractor(engine llm.Engine, sink MemorySink, uiActive func() bool, log *slog.Logger) *Extractor {
	if uiActive == nil {
		uiActive = func() bool { return false }
	}
	return &Extractor{engine: engine, sink: sink, uiActive: uiActive, log: log}
}

// Run executes every aspect pass over the chat and stores what parses.
// Engine failures abort the row; unparseable aspect output is logged and
// skipped. Returns how many memories were stored.
func (x *Extractor) Run(ctx context.Context, ectx ExtractionContext) (int, error) {
	transcript := ectx.Transcript()
	if transcript == "" {
		return 0, nil
	}

	stored := 0
	for _, aspect := range Aspects {
		if x.uiActive() {
			return stored, ErrPreempted
		}
		if err := ctx.Err(); err != nil {
			return stored, err
		}

		raw, err := x.generate(ctx, BuildPrompt(aspect, transcript))
		if err != nil {
			return stored, err
		}
		if cut, truncated := TruncateRunaway(raw); truncated {
			x.log.Warn("Runaway generation truncated", "aspect", aspect.Name,
				"kept", len(cut), "dropped", len(raw)-len(cut))
			raw = cut
		}

		items, err := DecodeItems(raw)
		if err != nil {
			x.log.Warn("Aspect output unparseable", "aspect", aspect.Name, "error", err)
			continue
		}
		for _, it := range items {
			draft, ok := aspect.Draft(ectx.UserID, ectx.ChatID, it)
			if !ok {
				continue
			}
			res, _, err := x.sink.Remember(ctx, draft)
			if err != nil {
				x.log.Warn("Store failed for extracted memory", "aspect", aspect.Name, "error", err)
				continue
			}
			if res == memory.Stored {
				stored++
			}
		}
	}
	return stored, nil
}

// generate streams one aspect completion, checking the UI flag per chunk.
func (x *Extractor) generate(ctx context.Context, messages []llm.Message) (string, error) {
	genCtx, cancel := context.WithTimeout(ctx, aspectTimeout)
	defer cancel()

	events, err := x.engine.Stream(genCtx, messages, llm.Options{Temperature: 0.2})
	if err != nil {
		return "", err
	}

	var b strings.Builder
	chunks := 0
	for ev := range events {
		if ev.Err != nil {
			return "", ev.Err
		}
		if ev.Done {
			return b.String(), nil
		}
		if x.uiActive() {
			cancel()
			drain(events)
			return "", ErrPreempted
		}
		chunks++
		if chunks > maxResponseChunks {
			cancel()
			drain(events)
			// keep what arrived; the repair pass closes the JSON
			return b.String(), nil
		}
		b.WriteString(ev.Content)
	}
	return b.String(), nil
}

// drain consumes leftover events so the producer can close the channel.
func drain(events <-chan llm.TokenEvent) {
	for range events {
	}
}
