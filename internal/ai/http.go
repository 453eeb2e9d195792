package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// HTTPAdapter calls a dedicated assistant service: POST {BaseURL}/ask with
// {prompt, language}, answered by {text}.
type HTTPAdapter struct {
	BaseURL string
	Client  *http.Client
}

type askRequest struct {
	Prompt   string `json:"prompt"`
	Language string `json:"language"`
}

type askResponse struct {
	Text string `json:"text"`
}

func (h HTTPAdapter) Ask(ctx context.Context, prompt, language string) (string, error) {
	if h.Client == nil {
		h.Client = &http.Client{Timeout: 15 * time.Second}
	}

	b, _ := json.Marshal(askRequest{Prompt: prompt, Language: language})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(h.BaseURL, "/")+"/ask", bytes.NewBuffer(b))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", RateLimitError{}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("ai service error: %s", resp.Status)
	}

	var r askResponse
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return "", err
	}
	if strings.TrimSpace(r.Text) == "" {
		return "", fmt.Errorf("empty ai response")
	}
	return r.Text, nil
}
