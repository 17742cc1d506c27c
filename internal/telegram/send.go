package telegram

import (
	"strings"
	"unicode/utf8"
)

// maxMessageLen is Telegram's limit for a single text message.
const maxMessageLen = 4096

// chunkMessage splits text into pieces of at most maxLen bytes. A piece ends
// after the last newline of its second half when there is one, and never
// inside a UTF-8 sequence.
func chunkMessage(text string, maxLen int) []string {
	var chunks []string
	for len(text) > maxLen {
		cut := maxLen
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		if idx := strings.LastIndexByte(text[:cut], '\n'); idx > maxLen/2 {
			cut = idx + 1
		}
		if cut == 0 {
			cut = maxLen
		}
		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	return append(chunks, text)
}
