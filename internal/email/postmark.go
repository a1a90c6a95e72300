package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const postmarkEndpoint = "https://api.postmarkapp.com/email"

// PostmarkSender delivers through the Postmark transactional API.
type PostmarkSender struct {
	apiToken string
	from     string
	client   *http.Client
}

func NewPostmarkSender(apiToken, from string) *PostmarkSender {
	return &PostmarkSender{
		apiToken: apiToken,
		from:     from,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

type postmarkEmail struct {
	From     string `json:"From"`
	To       string `json:"To"`
	Subject  string `json:"Subject"`
	TextBody string `json:"TextBody,omitempty"`
	HTMLBody string `json:"HtmlBody,omitempty"`
}

type postmarkResponse struct {
	ErrorCode int    `json:"ErrorCode"`
	Message   string `json:"Message"`
}

func (s *PostmarkSender) Send(ctx context.Context, m *Message) error {
	body, err := json.Marshal(postmarkEmail{
		From:     s.from,
		To:       m.To,
		Subject:  m.Subject,
		TextBody: m.TextBody,
		HTMLBody: m.HTMLBody,
	})
	if err != nil {
		return fmt.Errorf("encode postmark request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, postmarkEndpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build postmark request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Postmark-Server-Token", s.apiToken)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("postmark request: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("postmark returned %d: %s", resp.StatusCode, raw)
	}
	var pr postmarkResponse
	if err := json.Unmarshal(raw, &pr); err == nil && pr.ErrorCode != 0 {
		return fmt.Errorf("postmark error %d: %s", pr.ErrorCode, pr.Message)
	}
	return nil
}
