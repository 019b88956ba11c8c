package command

import (
	"context"

	"github.com/bytedance/sonic"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"
	"github.com/grovetools/paramhub/internal/params"
)

// systemTemplate is an FString template; literal braces are doubled.
const systemTemplate = `You control a parametric 3D model.

AVAILABLE PARAMETERS:
{params}

INTERPRETATION:
- "slightly" = 10-20% change
- "more/increase" = 25-50% change
- "much/significantly" = 50-100% change

Keep every value within its min and max.
Return ONLY a JSON object with parameter names and new values.
Use {{}} if no changes apply.
`

var chatTemplate = prompt.FromMessages(schema.FString,
	schema.SystemMessage(systemTemplate),
	schema.UserMessage("{prompt}"),
)

// promptParam is the per-parameter view given to the model.
type promptParam struct {
	Name        string  `json:"name"`
	Label       string  `json:"label"`
	Value       float64 `json:"value"`
	Min         float64 `json:"min"`
	Max         float64 `json:"max"`
	Description string  `json:"description,omitempty"`
}

// BuildMessages renders the system and user messages for text against snap.
func BuildMessages(ctx context.Context, text string, snap params.Snapshot) ([]*schema.Message, error) {
	view := make([]promptParam, len(snap.Params))
	for i, p := range snap.Params {
		view[i] = promptParam(p)
	}
	listing, err := sonic.ConfigStd.MarshalIndent(view, "", "  ")
	if err != nil {
		return nil, err
	}
	return chatTemplate.Format(ctx, map[string]any{
		"params": string(listing),
		"prompt": text,
	})
}
