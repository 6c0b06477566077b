package frames

// Metadata keys carried on frames.
const (
	MetaStreamID      = "stream_id"
	MetaCallSID       = "call_sid"
	MetaTraceID       = "trace_id"
	MetaSource        = "source"
	MetaEncoding      = "encoding"
	MetaCodec         = "codec"
	MetaFormat        = "format"
	MetaFromNumber    = "from_number"
	MetaCallEndReason = "call_end_reason"
	MetaMarkName      = "mark_name"
	MetaSequence      = "sequence"
	MetaSegmentIndex  = "segment_index"
	MetaInteraction   = "interaction"
)
