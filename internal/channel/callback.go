package channel

import (
	"fmt"
	"strings"

	"github.com/atlasbridge/atlasbridge/internal/types"
)

// Callback data format: "ans:<prompt8>:<nonce16>:<value>". The prompt
// segment is the first 8 hex characters of the prompt id, the nonce
// segment the first 16 hex characters of the prompt nonce. The whole
// string stays within Telegram's 64-byte callback_data limit.
const (
	callbackPrefix  = "ans"
	shortPromptLen  = 8
	noncePrefixLen  = 16
	maxCallbackSize = 64
)

// Callback is the decoded form of a button press payload.
type Callback struct {
	ShortPrompt string
	NoncePrefix string
	Value       string
}

// EncodeCallback builds the callback data for one answer button.
func EncodeCallback(ev types.PromptEvent, value string) string {
	short := ev.ShortID()
	nonce := ev.Nonce
	if len(nonce) > noncePrefixLen {
		nonce = nonce[:noncePrefixLen]
	}
	data := callbackPrefix + ":" + short + ":" + nonce + ":" + value
	if len(data) > maxCallbackSize {
		data = data[:maxCallbackSize]
	}
	return data
}

// DecodeCallback parses button payload data. Failures are expected input
// noise the router records as invalid_callback and drops; the value is
// validated downstream against the prompt's type.
func DecodeCallback(data string) (Callback, error) {
	if len(data) > maxCallbackSize {
		return Callback{}, fmt.Errorf("callback data exceeds %d bytes", maxCallbackSize)
	}
	parts := strings.SplitN(data, ":", 4)
	if len(parts) != 4 || parts[0] != callbackPrefix {
		return Callback{}, fmt.Errorf("malformed callback data %q", data)
	}
	cb := Callback{ShortPrompt: parts[1], NoncePrefix: parts[2], Value: parts[3]}
	if len(cb.ShortPrompt) != shortPromptLen || !isHex(cb.ShortPrompt) {
		return Callback{}, fmt.Errorf("bad prompt segment %q", cb.ShortPrompt)
	}
	if len(cb.NoncePrefix) != noncePrefixLen || !isHex(cb.NoncePrefix) {
		return Callback{}, fmt.Errorf("bad nonce segment %q", cb.NoncePrefix)
	}
	if cb.Value == "" {
		return Callback{}, fmt.Errorf("empty callback value")
	}
	return cb, nil
}

func isHex(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		default:
			return false
		}
	}
	return true
}
