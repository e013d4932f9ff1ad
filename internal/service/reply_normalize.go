package service

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/chatterlinx/clientsvia-backend-sub002/internal/domain"
)

// NormalizeReplies convierte cualquier forma de campo de respuesta (lista de strings legacy,
// lista de objetos {text, weight}, o ya normalizada) en []domain.ReplyVariant.
// Es idempotente: NormalizeReplies(NormalizeReplies(x)) == NormalizeReplies(x).
func NormalizeReplies(raw any) []domain.ReplyVariant {
	var out []domain.ReplyVariant
	add := func(text string, weight int) {
		text = strings.TrimSpace(text)
		if text == "" {
			return
		}
		if weight <= 0 {
			weight = domain.DefaultReplyWeight
		}
		if weight > domain.MaxReplyWeight {
			weight = domain.MaxReplyWeight
		}
		out = append(out, domain.ReplyVariant{Text: text, Weight: weight})
	}

	switch v := raw.(type) {
	case nil:
		return nil
	case string:
		add(v, 0)
	case []string:
		for _, s := range v {
			add(s, 0)
		}
	case domain.ReplyVariant:
		add(v.Text, v.Weight)
	case []domain.ReplyVariant:
		for _, rv := range v {
			add(rv.Text, rv.Weight)
		}
	case map[string]any:
		text, weight := variantFromMap(v)
		add(text, weight)
	case []map[string]any:
		for _, m := range v {
			text, weight := variantFromMap(m)
			add(text, weight)
		}
	case []any:
		for _, item := range v {
			switch it := item.(type) {
			case string:
				add(it, 0)
			case map[string]any:
				text, weight := variantFromMap(it)
				add(text, weight)
			case domain.ReplyVariant:
				add(it.Text, it.Weight)
			}
		}
	}
	return out
}

func variantFromMap(m map[string]any) (string, int) {
	text, _ := m["text"].(string)
	if text == "" {
		// Algunos documentos viejos usan "reply".
		text, _ = m["reply"].(string)
	}
	return text, weightOf(m["weight"])
}

func weightOf(v any) int {
	switch w := v.(type) {
	case int:
		return clampWeight(float64(w))
	case int64:
		return clampWeight(float64(w))
	case uint64:
		return clampWeight(float64(w))
	case float64:
		return clampWeight(w)
	case json.Number:
		f, err := w.Float64()
		if err != nil {
			return 0
		}
		return clampWeight(f)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(w), 64)
		if err != nil {
			return 0
		}
		return clampWeight(f)
	}
	return 0
}

// clampWeight acota antes de convertir: int(f) con f fuera de rango no esta definido.
func clampWeight(f float64) int {
	switch {
	case math.IsNaN(f) || f <= 0:
		return 0
	case f >= domain.MaxReplyWeight:
		return domain.MaxReplyWeight
	}
	return int(math.Round(f))
}
