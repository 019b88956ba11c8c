package protocol

import (
	"encoding/json"

	"github.com/grovetools/paramhub/internal/params"
)

// ParamsInit is the first frame every new client receives.
type ParamsInit struct {
	Params  []params.Parameter `json:"params"`
	Version uint64             `json:"version"`
}

// ParamsUpdate is a client edit. Values are coerced with CoerceValues.
type ParamsUpdate struct {
	Params map[string]interface{} `json:"params"`
}

// ParamsSync announces the CAD engine's parameter set to clients.
type ParamsSync struct {
	Source  string             `json:"source"`
	Params  []params.Parameter `json:"params"`
	Origin  string             `json:"origin"`
	Version uint64             `json:"version"`
}

// ParamsSyncIn is a CAD value push; params is either a name to value object
// or a list of parameter definitions.
type ParamsSyncIn struct {
	Params interface{} `json:"params"`
}

// ParamsBroadcast relays client or LLM edits to every client.
type ParamsBroadcast struct {
	Source          string             `json:"source"`
	Params          map[string]float64 `json:"params"`
	Origin          string             `json:"origin"`
	OriginSessionID string             `json:"origin_session_id"`
	Version         uint64             `json:"version"`
}

// ParamsAck tells an originator what was actually stored.
type ParamsAck struct {
	Params  map[string]float64 `json:"params"`
	Version uint64             `json:"version"`
	Unknown []string           `json:"unknown,omitempty"`
}

// ChatRequest is a natural-language command. Params sent by the client are
// ignored; the hub's snapshot is authoritative.
type ChatRequest struct {
	Prompt   string      `json:"prompt"`
	Params   interface{} `json:"params,omitempty"`
	Username string      `json:"username"`
}

// ChatMessage is a chat transcript line.
type ChatMessage struct {
	Type     string `json:"type"`
	Content  string `json:"content"`
	Username string `json:"username"`
	FromSelf bool   `json:"from_self"`
}

// ChatStatus is the payload of chat_processing and chat_done.
type ChatStatus struct {
	Username string `json:"username"`
}

// ChatLLMResponse carries the changes a chat command applied.
type ChatLLMResponse struct {
	Params          map[string]float64 `json:"params"`
	OriginSessionID string             `json:"origin_session_id"`
	Version         uint64             `json:"version"`
}

// GeometryResult relays CAD geometry. The geometry document is opaque.
type GeometryResult struct {
	Geometry  json.RawMessage `json:"geometry"`
	RequestID string          `json:"request_id,omitempty"`
}

// GeometryLoading toggles the clients' recompute indicator.
type GeometryLoading struct {
	Loading   bool   `json:"loading"`
	RequestID string `json:"request_id,omitempty"`
}

// Error reports a failure to the affected sessions.
type Error struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// GHConnect promotes the sender to the CAD role.
type GHConnect struct {
	ClientType string `json:"client_type"`
}

// GHConnectAck answers GHConnect.
type GHConnectAck struct {
	Status string `json:"status"`
}

// GHParamsRegister is the CAD handshake carrying its parameter scan.
type GHParamsRegister struct {
	Params []map[string]interface{} `json:"params"`
}

// ParamsToGH asks the CAD engine to recompute.
type ParamsToGH struct {
	Params    map[string]float64 `json:"params"`
	RequestID string             `json:"request_id"`
	Version   uint64             `json:"version"`
}

// GHGeometry is a computed result. Params, when present, are the values the
// engine used, as a name to value object or as the scanned definition list.
type GHGeometry struct {
	RequestID string          `json:"request_id"`
	Geometry  json.RawMessage `json:"geometry"`
	Params    interface{}     `json:"params,omitempty"`
}

// GeometryAck answers GHGeometry.
type GeometryAck struct {
	Status    string `json:"status"`
	MeshCount int    `json:"mesh_count"`
}

// GHError reports a failed recompute.
type GHError struct {
	RequestID string `json:"request_id"`
	Message   string `json:"message"`
}
