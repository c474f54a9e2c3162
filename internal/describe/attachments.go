package describe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/LordLuceus/letta-bot/internal/bus"
)

const (
	transcribeEndpoint       = "/transcribe_audio"
	defaultTranscribeTimeout = 30 * time.Second
)

// transcribeResponse is the JSON body returned by the transcription
// proxy.
type transcribeResponse struct {
	Transcript string `json:"transcript"`
}

// AttachmentDescriber renders attachment references as text. Audio
// attachments are transcribed through an optional HTTP proxy; anything
// else is described by filename and content type.
type AttachmentDescriber struct {
	proxyURL string
	client   *http.Client
}

// NewAttachmentDescriber creates a describer. proxyURL may be empty,
// in which case audio falls back to a name/type description like every
// other attachment kind.
func NewAttachmentDescriber(proxyURL string) *AttachmentDescriber {
	return &AttachmentDescriber{
		proxyURL: strings.TrimRight(proxyURL, "/"),
		client:   &http.Client{Timeout: defaultTranscribeTimeout},
	}
}

// DescribeAttachments returns one clause per attachment, joined with
// semicolons. Transcription failures degrade to the plain description.
func (d *AttachmentDescriber) DescribeAttachments(ctx context.Context, atts []bus.Attachment) (string, error) {
	parts := make([]string, 0, len(atts))
	for _, att := range atts {
		if strings.HasPrefix(att.ContentType, "audio/") && d.proxyURL != "" {
			transcript, err := d.transcribe(ctx, att.URL)
			if err != nil {
				slog.Warn("describe: transcription failed", "file", att.Filename, "error", err)
			} else if transcript != "" {
				parts = append(parts, fmt.Sprintf("audio %s, transcript: %q", att.Filename, transcript))
				continue
			}
		}
		parts = append(parts, plainDescription(att))
	}
	return strings.Join(parts, "; "), nil
}

// transcribe posts the attachment URL to the proxy and returns the
// transcript text.
func (d *AttachmentDescriber) transcribe(ctx context.Context, fileURL string) (string, error) {
	body, err := json.Marshal(map[string]string{"url": fileURL})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.proxyURL+transcribeEndpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("transcribe request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("transcribe status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var parsed transcribeResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("transcribe decode: %w", err)
	}
	return strings.TrimSpace(parsed.Transcript), nil
}

func plainDescription(att bus.Attachment) string {
	name := att.Filename
	if name == "" {
		name = att.URL
	}
	if att.ContentType == "" {
		return name
	}
	return fmt.Sprintf("%s (%s)", name, att.ContentType)
}
