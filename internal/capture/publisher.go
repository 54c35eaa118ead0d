package capture

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Publisher posts captured chunks to a relay ingestion endpoint.
type Publisher struct {
	client    *http.Client
	ingestURL string
}

// NewPublisher creates a Publisher targeting ingestURL. A nil client uses
// a default with a 10 second timeout.
func NewPublisher(ingestURL string, client *http.Client) *Publisher {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Publisher{client: client, ingestURL: ingestURL}
}

type chunkUpload struct {
	SessionID  string `json:"sessionId"`
	AudioData  string `json:"audioData"`
	Format     string `json:"format,omitempty"`
	SampleRate int    `json:"sampleRate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
}

// Publish uploads one chunk under sessionID. A non-2xx response is an
// error; the caller decides whether to keep going.
func (p *Publisher) Publish(ctx context.Context, sessionID string, c Chunk) error {
	body, err := json.Marshal(chunkUpload{
		SessionID:  sessionID,
		AudioData:  base64.StdEncoding.EncodeToString(c.Data),
		Format:     c.Format,
		SampleRate: c.SampleRate,
		Channels:   c.Channels,
	})
	if err != nil {
		return fmt.Errorf("capture publish: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.ingestURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("capture publish: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("capture publish: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("capture publish: ingest answered %s", resp.Status)
	}
	return nil
}
