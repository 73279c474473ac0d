package adapter

// WireFormat names one of the two supported wire formats.
type WireFormat string

const (
	ChatCompletions WireFormat = "chat_completions"
	MessagesFormat  WireFormat = "messages"
)

// For selects the adapter for a given wire format tag.
func For(format WireFormat) (Adapter, bool) {
	switch format {
	case ChatCompletions:
		return Chat{}, true
	case MessagesFormat:
		return Messages{}, true
	default:
		return nil, false
	}
}
