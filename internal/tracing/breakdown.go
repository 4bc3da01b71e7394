package tracing

import (
	"fmt"
	"strconv"

	"github.com/hasura/evalset/internal/models"
)

// Default span names used to carve up a PromptQL request trace. Overridable
// per suite because span naming has changed across backend releases.
const (
	DefaultRootSpanName = "promptql_request"
	DefaultSQLSpanName  = "execute_sql"
	DefaultLLMSpanName  = "llm_streaming"
	DefaultStepSpanName = "execute_code_step"
)

// SpanNames identifies the spans of interest within a request trace.
type SpanNames struct {
	Root string
	SQL  string
	LLM  string
	Step string
}

// DefaultSpanNames returns the current backend's span naming.
func DefaultSpanNames() SpanNames {
	return SpanNames{
		Root: DefaultRootSpanName,
		SQL:  DefaultSQLSpanName,
		LLM:  DefaultLLMSpanName,
		Step: DefaultStepSpanName,
	}
}

// Merge overlays non-empty overrides onto the defaults.
func (n SpanNames) Merge(o models.SpanNames) SpanNames {
	if o.Root != "" {
		n.Root = o.Root
	}
	if o.SQL != "" {
		n.SQL = o.SQL
	}
	if o.LLM != "" {
		n.LLM = o.LLM
	}
	if o.Step != "" {
		n.Step = o.Step
	}
	return n
}

// Breakdown is the per-component latency split derived from one trace.
//
// CodeSeconds is total minus SQL minus LLM (absent spans contribute zero).
// It is derived, not measured: when child spans overlap or overcount it can
// go negative, and that is preserved rather than clamped.
type Breakdown struct {
	TotalSeconds float64
	SQLSeconds   *float64
	LLMSeconds   *float64
	CodeSeconds  float64
	Iterations   int
}

// ComputeBreakdown derives the latency split from a found span set. The
// root span must be present (WaitForTrace guarantees it).
func ComputeBreakdown(spans []Span, names SpanNames) (*Breakdown, error) {
	var total *float64
	var sqlSum, llmSum float64
	var sqlSeen, llmSeen bool
	iterations := 0

	for _, s := range spans {
		switch s.SpanName {
		case names.Root:
			secs, err := spanSeconds(s)
			if err != nil {
				return nil, err
			}
			total = &secs
		case names.SQL:
			secs, err := spanSeconds(s)
			if err != nil {
				return nil, err
			}
			sqlSum += secs
			sqlSeen = true
		case names.LLM:
			secs, err := spanSeconds(s)
			if err != nil {
				return nil, err
			}
			llmSum += secs
			llmSeen = true
		case names.Step:
			iterations++
		}
	}

	if total == nil {
		return nil, fmt.Errorf("root span %q not present in %d spans", names.Root, len(spans))
	}

	b := &Breakdown{
		TotalSeconds: *total,
		Iterations:   iterations,
	}
	code := *total
	if sqlSeen {
		b.SQLSeconds = &sqlSum
		code -= sqlSum
	}
	if llmSeen {
		b.LLMSeconds = &llmSum
		code -= llmSum
	}
	b.CodeSeconds = code

	return b, nil
}

// spanSeconds converts a span's string-encoded nanosecond duration to
// seconds.
func spanSeconds(s Span) (float64, error) {
	ns, err := strconv.ParseInt(s.Duration, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("span %q: bad duration %q: %w", s.SpanName, s.Duration, err)
	}
	return float64(ns) / 1e9, nil
}
