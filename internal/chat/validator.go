package chat

import (
	"fmt"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 4096 // 4KB max frame size
	MaxTextChars    = 2000 // max character count
	MaxMediaURLLen  = 2048
)

// ValidateMessage checks that message text meets content requirements.
func ValidateMessage(text string) error {
	if len(text) == 0 {
		return fmt.Errorf("message content is empty")
	}
	if len(text) > MaxMessageBytes {
		return fmt.Errorf("message exceeds %d byte limit", MaxMessageBytes)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("message contains invalid UTF-8")
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("message exceeds %d character limit", MaxTextChars)
	}
	return nil
}

// validatePost checks a message of any type. Text messages need content;
// media and location messages need a media URL and may carry a caption.
func validatePost(msgType MessageType, content, mediaURL string) error {
	if !msgType.Valid() {
		return fmt.Errorf("unknown message type %q", msgType)
	}
	if msgType == MessageText {
		return ValidateMessage(content)
	}
	if mediaURL == "" && (msgType != MessageLocation || content == "") {
		return fmt.Errorf("%s message needs a media url", msgType)
	}
	if len(mediaURL) > MaxMediaURLLen {
		return fmt.Errorf("media url exceeds %d byte limit", MaxMediaURLLen)
	}
	if content != "" {
		return ValidateMessage(content)
	}
	return nil
}
