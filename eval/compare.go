package eval

import (
	"encoding/json"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// CompareJSON scores every top-level field of the manual record against the
// machine record. Strings are compared case-insensitively with Ratio. Lists
// of equal length are compared item by item, objects by the manual item's
// keys, and score the mean (an empty list scores 1). Lists of different
// length score 0. Anything else scores 1 on exact equality and 0 otherwise.
func CompareJSON(manual, llm map[string]any) map[string]float64 {
	out := make(map[string]float64, len(manual))
	for key, want := range manual {
		out[key] = compareField(want, llm[key])
	}
	return out
}

func compareField(want, got any) float64 {
	switch w := want.(type) {
	case string:
		if g, ok := got.(string); ok {
			return Ratio(strings.ToLower(w), strings.ToLower(g))
		}
	case []any:
		g, ok := got.([]any)
		if !ok {
			break
		}
		if len(w) != len(g) {
			return 0
		}
		var scores []float64
		for i := range w {
			wm, wok := w[i].(map[string]any)
			gm, gok := g[i].(map[string]any)
			if wok && gok {
				for _, k := range sortedKeys(wm) {
					scores = append(scores, Ratio(strings.ToLower(text(wm[k])), strings.ToLower(text(gm[k]))))
				}
				continue
			}
			scores = append(scores, Ratio(strings.ToLower(text(w[i])), strings.ToLower(text(g[i]))))
		}
		if len(scores) == 0 {
			return 1
		}
		return mean(scores)
	}
	if reflect.DeepEqual(want, got) {
		return 1
	}
	return 0
}

// Aggregate averages CompareJSON over pairs. A field is averaged over the
// pairs whose manual record has it.
func Aggregate(pairs []Pair) map[string]float64 {
	scores := map[string][]float64{}
	for _, p := range pairs {
		for k, v := range CompareJSON(p.Manual, p.LLM) {
			scores[k] = append(scores[k], v)
		}
	}
	out := make(map[string]float64, len(scores))
	for k, s := range scores {
		out[k] = mean(s)
	}
	return out
}

// Average is the mean of the field scores, 0 for none.
func Average(fields map[string]float64) float64 {
	if len(fields) == 0 {
		return 0
	}
	var sum float64
	for _, v := range fields {
		sum += v
	}
	return sum / float64(len(fields))
}

func text(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
