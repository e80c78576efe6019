package pricing

import (
	"errors"
	"fmt"
)

// ErrUnknownPricingKey is returned when an operation references a model or
// service missing from the pricing table. This is a configuration defect,
// not a user error.
var ErrUnknownPricingKey = errors.New("unknown pricing key")

const tokensPerUnit = 1_000_000

// Operation kinds.
const (
	OpLLMCall       = "llm_call"
	OpCallMinutes   = "call_minutes"
	OpChatMessages  = "chat_messages"
	OpTranscription = "transcription"
)

// Operation describes one planned metered operation.
type Operation struct {
	Kind string `json:"kind"`

	// LLM operations
	Model        string `json:"model,omitempty"`
	InputTokens  int64  `json:"input_tokens,omitempty"`
	OutputTokens int64  `json:"output_tokens,omitempty"`

	// Metered-service operations
	Service  string `json:"service,omitempty"`
	Quantity int64  `json:"quantity,omitempty"`
}

// ModelPrice holds per-token prices expressed in micro-credits per million
// tokens, so all arithmetic stays in integer space.
type ModelPrice struct {
	InputPerMillion  int64
	OutputPerMillion int64
}

// Table is a versioned pricing table. Tables are immutable for the process
// lifetime; historical transactions record the version they were priced
// under so they stay interpretable after price changes.
type Table struct {
	Version  string
	Models   map[string]ModelPrice
	Services map[string]int64 // credits per unit
}

// Estimator maps planned operations to credit costs. Pure: no I/O, no
// internal state beyond the injected table.
type Estimator struct {
	table Table
}

// NewEstimator creates an estimator over a pricing table.
func NewEstimator(table Table) *Estimator {
	return &Estimator{table: table}
}

// Version reports the pricing table version in use.
func (e *Estimator) Version() string {
	return e.table.Version
}

// Estimate returns the total credit cost for the planned operations.
// Rounding is always upward so the platform never undercharges.
func (e *Estimator) Estimate(operations []Operation) (int64, error) {
	var total int64
	for _, op := range operations {
		cost, err := e.estimateOne(op)
		if err != nil {
			return 0, err
		}
		total += cost
	}
	return total, nil
}

func (e *Estimator) estimateOne(op Operation) (int64, error) {
	switch op.Kind {
	case OpLLMCall:
		price, ok := e.table.Models[op.Model]
		if !ok {
			return 0, fmt.Errorf("%w: model %q", ErrUnknownPricingKey, op.Model)
		}
		micro := op.InputTokens*price.InputPerMillion + op.OutputTokens*price.OutputPerMillion
		return ceilDiv(micro, tokensPerUnit), nil

	case OpCallMinutes, OpChatMessages, OpTranscription:
		unitPrice, ok := e.table.Services[op.Kind]
		if !ok {
			return 0, fmt.Errorf("%w: service %q", ErrUnknownPricingKey, op.Kind)
		}
		return op.Quantity * unitPrice, nil

	default:
		// Arbitrary named services are priced by the table as well.
		if op.Service != "" {
			unitPrice, ok := e.table.Services[op.Service]
			if !ok {
				return 0, fmt.Errorf("%w: service %q", ErrUnknownPricingKey, op.Service)
			}
			return op.Quantity * unitPrice, nil
		}
		return 0, fmt.Errorf("%w: operation kind %q", ErrUnknownPricingKey, op.Kind)
	}
}

// ceilDiv divides a by b rounding up. Inputs are non-negative.
func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}

// DefaultTable returns the pricing table shipped with this build.
func DefaultTable() Table {
	return Table{
		Version: "2025-08",
		Models: map[string]ModelPrice{
			"gpt-4o":           {InputPerMillion: 5_000_000, OutputPerMillion: 15_000_000},
			"gpt-4o-mini":      {InputPerMillion: 150_000, OutputPerMillion: 600_000},
			"claude-sonnet":    {InputPerMillion: 3_000_000, OutputPerMillion: 15_000_000},
			"claude-haiku":     {InputPerMillion: 800_000, OutputPerMillion: 4_000_000},
			"gemini-2.0-flash": {InputPerMillion: 100_000, OutputPerMillion: 400_000},
			"whisper-large-v3": {InputPerMillion: 60_000, OutputPerMillion: 0},
		},
		Services: map[string]int64{
			OpCallMinutes:   10, // credits per video/voice minute
			OpChatMessages:  1,  // credits per chat message
			OpTranscription: 4,  // credits per transcribed minute
		},
	}
}
