package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonSTTConnect ReasonCode = "stt_connect"
	ReasonSTTSend    ReasonCode = "stt_send"
	ReasonSTTStream  ReasonCode = "stt_stream"

	ReasonTTSConnect ReasonCode = "tts_connect"
	ReasonTTSSend    ReasonCode = "tts_send"
	ReasonTTSClosed  ReasonCode = "tts_closed"

	ReasonLLMStream    ReasonCode = "llm_stream"
	ReasonLLMRateLimit ReasonCode = "llm_rate_limit"

	ReasonToolArgs    ReasonCode = "tool_args"
	ReasonToolSchema  ReasonCode = "tool_schema"
	ReasonToolTimeout ReasonCode = "tool_timeout"
	ReasonToolHandler ReasonCode = "tool_handler"

	ReasonTransportInvalidSignature ReasonCode = "webhook_invalid_signature"
	ReasonTransportSend             ReasonCode = "transport_send"
	ReasonFramePanic                ReasonCode = "frame_panic"
)
