// Package logs implements the in-memory, offset-paginated LogRecord ring
// buffer of §3/§6.2, with a best-effort token estimate attached the same
// way codex_executor.go's countCodexInputTokens feeds usage accounting —
// here repurposed for observability rather than billing.
package logs

import (
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tiktoken-go/tokenizer"
)

// Record is one externally observable call recorded by the engine.
type Record struct {
	Timestamp    time.Time `json:"timestamp"`
	SessionID    string    `json:"sessionId"`
	Model        string    `json:"model"`
	StatusCode   int       `json:"statusCode"`
	StatusText   string    `json:"statusText"`
	AccountID    string    `json:"accountId,omitempty"`
	CompatMode   string    `json:"compatMode,omitempty"`
	FallbackMode string    `json:"fallbackMode,omitempty"`
	ApproxTokens int64     `json:"approxTokens,omitempty"`
}

// Capacity bounds the ring buffer; the oldest record is evicted once full.
const Capacity = 2000

// Buffer is a fixed-capacity, offset-addressable ring buffer of Record,
// safe for concurrent writers and readers.
type Buffer struct {
	mu      sync.RWMutex
	records []Record
	start   int64 // global offset of records[0]
}

// New constructs an empty ring buffer.
func New() *Buffer {
	return &Buffer{records: make([]Record, 0, Capacity)}
}

// Append records one call, estimating its token cost from reqBody before
// storing it. The estimate runs synchronously inside Append; the engine
// calls Append from its own goroutine so the response path does not wait.
func (b *Buffer) Append(rec Record, model string, reqBody []byte) {
	if len(reqBody) > 0 {
		rec.ApproxTokens = EstimateTokens(model, reqBody)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.records) >= Capacity {
		b.records = b.records[1:]
		b.start++
	}
	b.records = append(b.records, rec)
}

// Page returns up to limit records starting at the given global offset,
// plus the buffer's current total count (for pagination metadata). An
// offset that has already been evicted is moved up to the oldest retained
// record.
func (b *Buffer) Page(offset, limit int64) ([]Record, int64) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	total := b.start + int64(len(b.records))
	if offset < b.start {
		offset = b.start
	}
	if offset >= total || limit <= 0 {
		return nil, total
	}
	startIdx := offset - b.start
	endIdx := startIdx + limit
	if endIdx > int64(len(b.records)) {
		endIdx = int64(len(b.records))
	}
	out := make([]Record, endIdx-startIdx)
	copy(out, b.records[startIdx:endIdx])
	return out, total
}

// EstimateTokens returns a best-effort token count for reqBody under the
// tokenizer appropriate for model, never erroring — a failed estimate logs
// a debug line and returns 0, since the estimate is purely informational.
func EstimateTokens(model string, reqBody []byte) int64 {
	enc, err := tokenizerForModel(model)
	if err != nil {
		log.Debugf("logs: no tokenizer for model %q: %v", model, err)
		return 0
	}
	ids, _, err := enc.Encode(string(reqBody))
	if err != nil {
		log.Debugf("logs: token estimation failed: %v", err)
		return 0
	}
	return int64(len(ids))
}

func tokenizerForModel(model string) (tokenizer.Codec, error) {
	sanitized := strings.ToLower(strings.TrimSpace(model))
	switch {
	case strings.Contains(sanitized, "gpt-4o"):
		return tokenizer.ForModel(tokenizer.GPT4o)
	case strings.Contains(sanitized, "gpt-4"):
		return tokenizer.ForModel(tokenizer.GPT4)
	default:
		return tokenizer.Get(tokenizer.Cl100kBase)
	}
}
