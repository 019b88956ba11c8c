package command

import (
	"fmt"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/grovetools/paramhub/errors"
	"github.com/grovetools/paramhub/internal/protocol"
)

// ParseReply extracts a name to number object from a model reply. Fenced code
// blocks are tried first, then the whole text, then the outermost braces.
// Entries whose value is not numeric are returned in rejected.
func ParseReply(reply string) (changes map[string]float64, rejected []string, err error) {
	text := strings.TrimSpace(reply)
	if text == "" {
		return nil, nil, errors.LLMMalformed(fmt.Errorf("empty reply"))
	}

	for _, candidate := range candidates(text) {
		obj, ok := decodeObject(candidate)
		if !ok {
			continue
		}
		changes, rejected = protocol.CoerceValues(obj)
		return changes, rejected, nil
	}
	return nil, nil, errors.LLMMalformed(fmt.Errorf("no JSON object in reply")).
		WithDetail("reply", truncate(text, 200))
}

func candidates(text string) []string {
	var out []string
	if strings.Contains(text, "```") {
		parts := strings.Split(text, "```")
		for i := 1; i < len(parts); i += 2 {
			block := strings.TrimSpace(parts[i])
			block = strings.TrimSpace(strings.TrimPrefix(block, "json"))
			out = append(out, block)
		}
	}
	out = append(out, text)
	if start, end := strings.Index(text, "{"), strings.LastIndex(text, "}"); start >= 0 && end > start {
		out = append(out, text[start:end+1])
	}
	return out
}

func decodeObject(s string) (map[string]interface{}, bool) {
	if !strings.HasPrefix(s, "{") {
		return nil, false
	}
	var obj map[string]interface{}
	if err := sonic.ConfigStd.UnmarshalFromString(s, &obj); err != nil {
		return nil, false
	}
	return obj, obj != nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
