// Package protocol defines the WebSocket frame format shared by web clients,
// the CAD engine and the hub.
package protocol

// Inbound from web clients.
const (
	EventParamsUpdate = "params_update"
	EventChatRequest  = "chat_request"
)

// Inbound from the CAD engine. params_sync is also sent outbound.
const (
	EventGHConnect        = "gh_connect"
	EventGHParamsRegister = "gh_params_register"
	EventParamsSync       = "params_sync"
	EventGHGeometry       = "gh_geometry"
	EventGHError          = "gh_error"
)

// Outbound.
const (
	EventParamsInit      = "params_init"
	EventParamsBroadcast = "params_broadcast"
	EventParamsAck       = "params_ack"
	EventChatMessage     = "chat_message"
	EventChatProcessing  = "chat_processing"
	EventChatDone        = "chat_done"
	EventChatLLMResponse = "chat_llm_response"
	EventGeometryResult  = "geometry_result"
	EventGeometryLoading = "geometry_loading"
	EventError           = "error"
	EventGHConnectAck    = "gh_connect_ack"
	EventParamsToGH      = "params_to_gh"
	EventGeometryAck     = "geometry_ack"
)

// Source labels used by the web client.
const (
	SourceGrasshopper = "grasshopper"
	SourceOtherClient = "other_client"
)

// Chat message types.
const (
	ChatUser      = "user"
	ChatAssistant = "assistant"
	ChatError     = "error"
)
