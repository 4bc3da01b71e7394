package judge

import (
	"encoding/json"

	"github.com/go-viper/mapstructure/v2"
)

// PayloadKind discriminates the recognized source shapes for a judge
// submission. Unrecognized inputs map to KindUnparseable rather than
// erroring — a malformed answer should be judged (and fail), not crash the
// run.
type PayloadKind string

const (
	KindPlainText   PayloadKind = "plain_text"
	KindQAResponse  PayloadKind = "qa_response"
	KindGoldAnswer  PayloadKind = "gold_answer"
	KindUnparseable PayloadKind = "unparseable"
)

const unparseablePlaceholder = "<unparseable answer payload>"

// Payload is the canonical shape submitted to the judge for both the model
// answer and the gold answer.
type Payload struct {
	FinalMessage string `json:"final_message" mapstructure:"final_message"`
	Artifacts    []any  `json:"artifacts" mapstructure:"artifacts"`
	Conversation []Turn `json:"conversation" mapstructure:"conversation"`
}

// Turn is one conversation entry in a normalized payload.
type Turn struct {
	Role    string `json:"role" mapstructure:"role"`
	Content string `json:"content" mapstructure:"content"`
}

// qaShape mirrors the QA backend response fields the normalizer cares
// about.
type qaShape struct {
	AssistantActions []struct {
		Message string `mapstructure:"message"`
		Plan    string `mapstructure:"plan"`
	} `mapstructure:"assistant_actions"`
	ModifiedArtifacts []any `mapstructure:"modified_artifacts"`
}

// Normalize converts an answer or gold answer into the canonical Payload.
// Three source shapes are recognized: a plain string, a QA backend response
// object (keyed by assistant_actions), and a gold-answer object (keyed by
// final_message). Anything else becomes an explicit unparseable
// placeholder.
func Normalize(v any) (Payload, PayloadKind) {
	switch val := v.(type) {
	case string:
		return Payload{
			FinalMessage: val,
			Artifacts:    []any{},
			Conversation: []Turn{},
		}, KindPlainText
	case map[string]any:
		if _, ok := val["assistant_actions"]; ok {
			var shape qaShape
			if err := mapstructure.Decode(val, &shape); err == nil {
				return fromQAShape(shape), KindQAResponse
			}
		}
		if _, ok := val["final_message"]; ok {
			var p Payload
			if err := mapstructure.Decode(val, &p); err == nil {
				if p.Artifacts == nil {
					p.Artifacts = []any{}
				}
				if p.Conversation == nil {
					p.Conversation = []Turn{}
				}
				return p, KindGoldAnswer
			}
		}
	}

	return Payload{
		FinalMessage: unparseablePlaceholder,
		Artifacts:    []any{},
		Conversation: []Turn{},
	}, KindUnparseable
}

func fromQAShape(shape qaShape) Payload {
	p := Payload{
		Artifacts:    shape.ModifiedArtifacts,
		Conversation: []Turn{},
	}
	if p.Artifacts == nil {
		p.Artifacts = []any{}
	}
	for _, action := range shape.AssistantActions {
		if action.Message == "" {
			continue
		}
		p.FinalMessage = action.Message
		p.Conversation = append(p.Conversation, Turn{Role: "assistant", Content: action.Message})
	}
	return p
}

// ParseSource prepares a raw value for Normalize. Strings holding a JSON
// object (gold answers are stored that way in the dataset) are decoded so
// the shape sniffing sees the object; everything else passes through.
func ParseSource(s string) any {
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err == nil {
		return m
	}
	return s
}
