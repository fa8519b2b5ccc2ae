package coach

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/coachpad/pkg/stream"
)

// transcriptMessage is the ingest payload for one utterance.
type transcriptMessage struct {
	Speaker     string `json:"speaker"`
	Text        string `json:"text"`
	TimestampMS int64  `json:"timestamp_ms"`
}

// TranscriptSender posts debug transcript lines to the backend's ingest
// endpoint, one short-lived connection per line.
type TranscriptSender struct {
	// Now stamps messages. Defaults to time.Now.
	Now func() time.Time
}

// Send writes text as a "rep" utterance to ws://host/ws/ingest. Blank text
// is ignored.
func (s *TranscriptSender) Send(ctx context.Context, host, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	now := time.Now
	if s != nil && s.Now != nil {
		now = s.Now
	}

	payload, err := json.Marshal(transcriptMessage{
		Speaker:     "rep",
		Text:        text,
		TimestampMS: now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("coach: encode transcript: %w", err)
	}

	url := stream.URL(host, stream.IngestPath)
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return &stream.TransportError{Op: "connect", Endpoint: url, Err: err}
	}
	defer conn.CloseNow()

	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		return &stream.TransportError{Op: "send", Endpoint: url, Err: err}
	}
	_ = conn.Close(websocket.StatusNormalClosure, "")
	return nil
}
