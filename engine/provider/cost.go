package provider

import (
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"
	"github.com/shopspring/decimal"

	"github.com/reqforge/reqforge/engine/core"
)

// Outcome records how a provider attempt ended.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeTimeout Outcome = "timeout"
)

// CostRecord is the append-only accounting entry for one provider attempt.
type CostRecord struct {
	ID         core.ID         `json:"id"`
	Provider   string          `json:"provider"`
	Model      string          `json:"model"`
	Capability Capability      `json:"capability"`
	TokensIn   int             `json:"tokens_in"`
	TokensOut  int             `json:"tokens_out"`
	Cost       decimal.Decimal `json:"cost"`
	Latency    time.Duration   `json:"latency"`
	Outcome    Outcome         `json:"outcome"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Ledger accumulates cost records. Records are never mutated or removed;
// aggregation for reporting happens outside the core.
type Ledger struct {
	mu      sync.Mutex
	records []CostRecord
}

func NewLedger() *Ledger {
	return &Ledger{}
}

func (l *Ledger) Append(record CostRecord) {
	l.mu.Lock()
	l.records = append(l.records, record)
	l.mu.Unlock()
}

// Records returns a copy of all recorded attempts.
func (l *Ledger) Records() []CostRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]CostRecord, len(l.records))
	copy(out, l.records)
	return out
}

// Len returns the number of recorded attempts.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// attemptCost prices one attempt. Failed attempts carry zero output tokens;
// the input side is billed only when the provider charges failed calls.
func attemptCost(cfg *Config, tokensIn, tokensOut int, failed bool) decimal.Decimal {
	if failed && !cfg.ChargesFailures {
		return decimal.Zero
	}
	thousand := decimal.NewFromInt(1000)
	in := cfg.InputCostPer1K.Mul(decimal.NewFromInt(int64(tokensIn))).Div(thousand)
	if failed {
		return in
	}
	out := cfg.OutputCostPer1K.Mul(decimal.NewFromInt(int64(tokensOut))).Div(thousand)
	return in.Add(out)
}

// TokenEstimator counts tokens for cost accounting when a provider response
// does not report usage.
type TokenEstimator interface {
	EstimateTokens(model, text string) int
}

type tiktokenEstimator struct {
	mu       sync.Mutex
	encoders map[string]*tiktoken.Tiktoken
}

// NewTokenEstimator returns a tiktoken-backed estimator with a rune-count
// fallback for models without a published encoding.
func NewTokenEstimator() TokenEstimator {
	return &tiktokenEstimator{encoders: make(map[string]*tiktoken.Tiktoken)}
}

func (e *tiktokenEstimator) EstimateTokens(model, text string) int {
	if text == "" {
		return 0
	}
	if enc := e.encoderFor(model); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	tokens := len([]rune(text)) / 4
	if tokens == 0 {
		tokens = 1
	}
	return tokens
}

func (e *tiktokenEstimator) encoderFor(model string) *tiktoken.Tiktoken {
	e.mu.Lock()
	defer e.mu.Unlock()
	if enc, ok := e.encoders[model]; ok {
		return enc
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			e.encoders[model] = nil
			return nil
		}
	}
	e.encoders[model] = enc
	return enc
}
