package command

import (
	"strconv"
	"strings"

	"github.com/grovetools/paramhub/internal/params"
)

// Summarize describes applied changes for the chat transcript, in registration
// order and by label.
func Summarize(applied map[string]float64, snap params.Snapshot) string {
	if len(applied) == 0 {
		return "No parameter changes."
	}
	parts := make([]string, 0, len(applied))
	for _, p := range snap.Params {
		v, ok := applied[p.Name]
		if !ok {
			continue
		}
		parts = append(parts, p.Label+" to "+strconv.FormatFloat(v, 'g', 6, 64))
	}
	if len(parts) == 0 {
		return "No parameter changes."
	}
	return "Set " + strings.Join(parts, ", ") + "."
}
