package orchestrator

import (
	"fmt"
	"strings"

	"github.com/ImCalebP/ai-employee/pkg/types"
)

// substitute returns a copy of v with step and mention references replaced.
// A string that is exactly one reference takes the referenced value as is, so
// maps and numbers survive; references embedded in longer text are formatted.
func substitute(v any, outputs map[string]map[string]any, mentions map[string]any) (any, error) {
	switch t := v.(type) {
	case string:
		return substituteString(t, outputs, mentions)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			s, err := substitute(item, outputs, mentions)
			if err != nil {
				return nil, err
			}
			out[k] = s
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			s, err := substitute(item, outputs, mentions)
			if err != nil {
				return nil, err
			}
			out[i] = s
		}
		return out, nil
	case []string:
		out := make([]any, len(t))
		for i, item := range t {
			s, err := substituteString(item, outputs, mentions)
			if err != nil {
				return nil, err
			}
			out[i] = s
		}
		return out, nil
	default:
		return v, nil
	}
}

func substituteString(s string, outputs map[string]map[string]any, mentions map[string]any) (any, error) {
	trimmed := strings.TrimSpace(s)

	if v, ok := mentions[trimmed]; ok {
		return v, nil
	}
	stepRefs := types.FindStepRefs(s)
	if len(stepRefs) == 1 && stepRefs[0].Raw == trimmed {
		return lookupOutput(stepRefs[0], outputs)
	}

	out := s
	for raw, v := range mentions {
		out = strings.ReplaceAll(out, raw, fmt.Sprint(v))
	}
	for _, ref := range stepRefs {
		v, err := lookupOutput(ref, outputs)
		if err != nil {
			return nil, err
		}
		out = strings.Replace(out, ref.Raw, fmt.Sprint(v), 1)
	}
	return out, nil
}

// lookupOutput resolves {{step:id}} or {{step:id.a.b}} against dependency
// payloads.
func lookupOutput(ref types.StepRef, outputs map[string]map[string]any) (any, error) {
	payload, ok := outputs[ref.StepID]
	if !ok {
		return nil, fmt.Errorf("reference %s: step %q is not a dependency", ref.Raw, ref.StepID)
	}
	if ref.Field == "" {
		return payload, nil
	}

	var cur any = payload
	for _, part := range strings.Split(ref.Field, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("reference %s: %q is not an object", ref.Raw, part)
		}
		cur, ok = m[part]
		if !ok {
			return nil, fmt.Errorf("reference %s: step %q has no field %q", ref.Raw, ref.StepID, ref.Field)
		}
	}
	return cur, nil
}
