package gateway

import (
	"context"
	"time"
	"unicode/utf8"
)

// Transports cap message size around 4096 characters; anything longer is
// split into smaller chunks and sent sequentially. Limits count characters,
// not bytes, so multi-byte text never gets cut mid-rune.
const (
	replyLimit      = 4096
	chunkSize       = 4000
	interChunkDelay = 500 * time.Millisecond
)

// SplitReply returns the reply as transport-sized chunks. Replies within
// the limit pass through as a single chunk; empty replies produce none.
func SplitReply(text string) []string {
	if text == "" {
		return nil
	}
	if utf8.RuneCountInString(text) <= replyLimit {
		return []string{text}
	}

	runes := []rune(text)
	chunks := make([]string, 0, len(runes)/chunkSize+1)
	for len(runes) > chunkSize {
		chunks = append(chunks, string(runes[:chunkSize]))
		runes = runes[chunkSize:]
	}
	return append(chunks, string(runes))
}

// Deliver sends each chunk through send, pausing briefly between chunks so
// transports with ordering or flood limits keep up. The first send error
// aborts delivery.
func Deliver(ctx context.Context, text string, send func(chunk string) error) error {
	chunks := SplitReply(text)
	for i, chunk := range chunks {
		if err := send(chunk); err != nil {
			return err
		}
		if i < len(chunks)-1 {
			select {
			case <-time.After(interChunkDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}
