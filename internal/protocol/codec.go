package protocol

import (
	"bytes"
	"encoding/json"
	"math"
	"sort"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/grovetools/paramhub/errors"
	"github.com/grovetools/paramhub/internal/params"
	"github.com/mitchellh/mapstructure"
)

var api = sonic.ConfigStd

// Frame is the envelope of every WebSocket text message.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outFrame struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// Encode builds a frame for event carrying data.
func Encode(event string, data interface{}) ([]byte, error) {
	b, err := api.Marshal(outFrame{Event: event, Data: data})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to encode frame").
			WithDetail("event", event)
	}
	return b, nil
}

// Decode parses the envelope.
func Decode(raw []byte) (Frame, error) {
	var f Frame
	if err := api.Unmarshal(raw, &f); err != nil {
		return Frame{}, errors.MalformedPayload("", err)
	}
	if f.Event == "" {
		return Frame{}, errors.New(errors.ErrCodeMalformedPayload, "frame has no event name")
	}
	return f, nil
}

// DecodeData unmarshals the frame payload into v. A missing or null payload
// leaves v untouched.
func (f Frame) DecodeData(v interface{}) error {
	data := bytes.TrimSpace(f.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if err := api.Unmarshal(data, v); err != nil {
		return errors.MalformedPayload(f.Event, err)
	}
	return nil
}

// CoerceValues converts a name to value object into numbers. Numeric strings
// and booleans are accepted; entries that cannot be read as a finite number are
// returned in rejected, sorted.
func CoerceValues(raw map[string]interface{}) (values map[string]float64, rejected []string) {
	values = make(map[string]float64, len(raw))
	for name, v := range raw {
		f, ok := coerceNumber(v)
		if !ok {
			rejected = append(rejected, name)
			continue
		}
		values[name] = f
	}
	sort.Strings(rejected)
	return values, rejected
}

func coerceNumber(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case nil:
		return 0, false
	case string:
		if strings.TrimSpace(t) == "" {
			return 0, false
		}
	}
	var f float64
	if err := mapstructure.WeakDecode(v, &f); err != nil {
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// decodeParameter reads one scanned definition. Numeric fields may be numbers
// or numeric strings.
func decodeParameter(raw map[string]interface{}) (params.Parameter, error) {
	var p params.Parameter
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &p,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return p, err
	}
	if err := decoder.Decode(raw); err != nil {
		return p, err
	}
	return p, nil
}

// DecodeParameters reads a CAD scan. Entries that fail to decode are skipped
// and their positions returned.
func DecodeParameters(raw []map[string]interface{}) ([]params.Parameter, []int) {
	out := make([]params.Parameter, 0, len(raw))
	var skipped []int
	for i, entry := range raw {
		p, err := decodeParameter(entry)
		if err != nil {
			skipped = append(skipped, i)
			continue
		}
		out = append(out, p)
	}
	return out, skipped
}

// SyncValues interprets a CAD params_sync payload, which is either a name to
// value object or a list of definitions with values.
func SyncValues(in ParamsSyncIn) (map[string]float64, []string, error) {
	return ReportedValues(EventParamsSync, in.Params)
}

// ReportedValues reads the values in a CAD-sent params field of event. The
// field is either a name to value object or a list of definitions with values.
func ReportedValues(event string, params interface{}) (map[string]float64, []string, error) {
	switch p := params.(type) {
	case map[string]interface{}:
		values, rejected := CoerceValues(p)
		return values, rejected, nil
	case []interface{}:
		values := make(map[string]float64, len(p))
		var rejected []string
		for _, item := range p {
			entry, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			def, err := decodeParameter(entry)
			if err != nil || def.Name == "" {
				if name, ok := entry["name"].(string); ok {
					rejected = append(rejected, name)
				}
				continue
			}
			if math.IsNaN(def.Value) || math.IsInf(def.Value, 0) {
				rejected = append(rejected, def.Name)
				continue
			}
			values[def.Name] = def.Value
		}
		sort.Strings(rejected)
		return values, rejected, nil
	case nil:
		return map[string]float64{}, nil, nil
	default:
		return nil, nil, errors.New(errors.ErrCodeMalformedPayload, "params must be an object or a list").
			WithDetail("event", event)
	}
}

// MeshCount reports how many meshes a geometry document holds: the length of
// a top-level array, the length of a "meshes" array, or 1 for any other
// non-null value.
func MeshCount(geometry json.RawMessage) int {
	data := bytes.TrimSpace(geometry)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return 0
	}
	var list []json.RawMessage
	if err := api.Unmarshal(data, &list); err == nil {
		return len(list)
	}
	var doc struct {
		Meshes []json.RawMessage `json:"meshes"`
	}
	if err := api.Unmarshal(data, &doc); err == nil && doc.Meshes != nil {
		return len(doc.Meshes)
	}
	return 1
}
