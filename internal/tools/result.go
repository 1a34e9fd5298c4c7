package tools

import (
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// ResultKind tags the variant held by Result.
type ResultKind int

const (
	// ResultText is a literal string passed to the model as is.
	ResultText ResultKind = iota
	// ResultParts is a list of content parts; only text parts reach the model.
	ResultParts
	// ResultValue is any other value, serialized as JSON.
	ResultValue
)

func (k ResultKind) String() string {
	switch k {
	case ResultText:
		return "text"
	case ResultParts:
		return "parts"
	case ResultValue:
		return "value"
	default:
		return "unknown"
	}
}

// Result is the content a tool returns for the model.
type Result struct {
	kind  ResultKind
	text  string
	parts []*genai.Part
	value any
}

// TextResult wraps a literal string.
func TextResult(text string) Result {
	return Result{kind: ResultText, text: text}
}

// PartsResult wraps a list of parts.
func PartsResult(parts ...*genai.Part) Result {
	return Result{kind: ResultParts, parts: parts}
}

// ValueResult wraps an arbitrary value.
func ValueResult(v any) Result {
	return Result{kind: ResultValue, value: v}
}

// ResultFrom picks the variant matching v's dynamic type. Use it at
// boundaries where the shape is only known at run time.
func ResultFrom(v any) Result {
	switch x := v.(type) {
	case string:
		return TextResult(x)
	case []*genai.Part:
		return PartsResult(x...)
	case Result:
		return x
	default:
		return ValueResult(v)
	}
}

// Kind returns the variant tag.
func (r Result) Kind() ResultKind {
	return r.kind
}

// Parts returns the parts of a ResultParts value.
func (r Result) Parts() []*genai.Part {
	return r.parts
}

// Output normalizes the result into the single string sent back to the model.
// Parts contribute their text only; a parts list without any text falls back
// to its JSON form.
func (r Result) Output() string {
	switch r.kind {
	case ResultText:
		return r.text
	case ResultParts:
		var sb strings.Builder
		for _, p := range r.parts {
			if p != nil && p.Text != "" && !p.Thought {
				sb.WriteString(p.Text)
			}
		}
		if sb.Len() > 0 {
			return sb.String()
		}
		return marshal(r.parts)
	case ResultValue:
		return marshal(r.value)
	default:
		panic(fmt.Sprintf("tools: unhandled result kind %d", r.kind))
	}
}

func marshal(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
