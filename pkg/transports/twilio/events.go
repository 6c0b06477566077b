package twilio

// StreamEvent is one inbound media-stream message.
type StreamEvent struct {
	Event          string       `json:"event"`
	SequenceNumber string       `json:"sequenceNumber,omitempty"`
	StreamSID      string       `json:"streamSid,omitempty"`
	Start          *StreamStart `json:"start,omitempty"`
	Media          *StreamMedia `json:"media,omitempty"`
	Mark           *StreamMark  `json:"mark,omitempty"`
	Stop           *StreamStop  `json:"stop,omitempty"`
}

type StreamStart struct {
	StreamSID        string            `json:"streamSid"`
	CallSID          string            `json:"callSid"`
	AccountSID       string            `json:"accountSid"`
	Tracks           []string          `json:"tracks,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
	MediaFormat      MediaFormat       `json:"mediaFormat"`
}

type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type StreamMedia struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type StreamMark struct {
	Name string `json:"name"`
}

type StreamStop struct {
	AccountSID string `json:"accountSid"`
	CallSID    string `json:"callSid"`
}

type outboundMessage struct {
	Event     string         `json:"event"`
	StreamSID string         `json:"streamSid"`
	Media     *outboundMedia `json:"media,omitempty"`
	Mark      *outboundMark  `json:"mark,omitempty"`
}

type outboundMedia struct {
	Payload string `json:"payload"`
}

type outboundMark struct {
	Name string `json:"name"`
}
