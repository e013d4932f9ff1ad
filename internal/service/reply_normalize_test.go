package service

import (
	"encoding/json"
	"reflect"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/chatterlinx/clientsvia-backend-sub002/internal/domain"
)

func TestNormalizeRepliesIdempotent(t *testing.T) {
	inputs := []any{
		[]string{"We open at 8.", "  ", "Call us anytime."},
		[]any{"Hi there", map[string]any{"text": "Hello!", "weight": 7.0}},
		[]domain.ReplyVariant{{Text: "Already normal", Weight: 2}},
		"single reply",
	}
	for _, in := range inputs {
		once := NormalizeReplies(in)
		twice := NormalizeReplies(once)
		if !reflect.DeepEqual(once, twice) {
			t.Fatalf("not idempotent for %#v: %#v vs %#v", in, once, twice)
		}
	}
}

func TestNormalizeRepliesLegacyEquivalence(t *testing.T) {
	legacy := NormalizeReplies([]string{"We open at 8.", "Call us anytime."})
	weighted := NormalizeReplies([]any{
		map[string]any{"text": "We open at 8.", "weight": 3},
		map[string]any{"text": "Call us anytime."},
	})
	if !reflect.DeepEqual(legacy, weighted) {
		t.Fatalf("legacy and weighted forms differ: %#v vs %#v", legacy, weighted)
	}
	want := []domain.ReplyVariant{
		{Text: "We open at 8.", Weight: 3},
		{Text: "Call us anytime.", Weight: 3},
	}
	if !reflect.DeepEqual(legacy, want) {
		t.Fatalf("got %#v, want %#v", legacy, want)
	}
}

func TestNormalizeRepliesDecodedDocuments(t *testing.T) {
	var fromJSON any
	if err := json.Unmarshal([]byte(`[{"text":"a","weight":1},{"reply":"b","weight":0},{"text":"","weight":9},"c"]`), &fromJSON); err != nil {
		t.Fatalf("unmarshal json: %v", err)
	}
	var fromYAML any
	if err := yaml.Unmarshal([]byte("- text: a\n  weight: 1\n- reply: b\n  weight: 0\n- text: ''\n  weight: 9\n- c\n"), &fromYAML); err != nil {
		t.Fatalf("unmarshal yaml: %v", err)
	}

	want := []domain.ReplyVariant{
		{Text: "a", Weight: 1},
		{Text: "b", Weight: 3},
		{Text: "c", Weight: 3},
	}
	if got := NormalizeReplies(fromJSON); !reflect.DeepEqual(got, want) {
		t.Fatalf("json: got %#v, want %#v", got, want)
	}
	if got := NormalizeReplies(fromYAML); !reflect.DeepEqual(got, want) {
		t.Fatalf("yaml: got %#v, want %#v", got, want)
	}
}

func TestNormalizeRepliesUnknownShape(t *testing.T) {
	if got := NormalizeReplies(42); got != nil {
		t.Fatalf("expected nil for unsupported shape, got %#v", got)
	}
	if got := NormalizeReplies(nil); got != nil {
		t.Fatalf("expected nil, got %#v", got)
	}
}

func TestNormalizeRepliesClampsOversizedWeights(t *testing.T) {
	var raw any
	if err := json.Unmarshal([]byte(`[{"text":"a","weight":5e18},{"text":"b","weight":5e18},{"text":"c","weight":"1e300"},{"text":"d","weight":9223372036854775807}]`), &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	got := NormalizeReplies(raw)
	if len(got) != 4 {
		t.Fatalf("expected 4 variants, got %#v", got)
	}
	for _, v := range got {
		if v.Weight != domain.MaxReplyWeight {
			t.Fatalf("weight of %q = %d, want %d", v.Text, v.Weight, domain.MaxReplyWeight)
		}
	}
}
