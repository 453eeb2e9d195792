package service

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/dztow/backend/internal/ai"
	"github.com/dztow/backend/internal/apperr"
	"github.com/dztow/backend/internal/metrics"
	"github.com/dztow/backend/internal/ratelimit"
)

const MaxPromptLength = 1000

type SupportInput struct {
	Prompt   string `json:"prompt" validate:"required,max=1000"`
	Language string `json:"language" validate:"omitempty,oneof=ar fr en"`
}

// Support fronts the assistant for the in-app help chat. Assistant failures
// never reach the caller: they get the unavailable text instead.
type Support struct {
	Assistant ai.Assistant
	Limiter   ratelimit.Limiter
	Timeout   time.Duration
	Logger    zerolog.Logger
}

func (s *Support) Chat(ctx context.Context, callerID string, in SupportInput) (string, error) {
	prompt := strings.TrimSpace(in.Prompt)
	if prompt == "" {
		return "", fmt.Errorf("empty prompt: %w", apperr.ErrValidation)
	}
	if utf8.RuneCountInString(prompt) > MaxPromptLength {
		return "", fmt.Errorf("prompt longer than %d characters: %w", MaxPromptLength, apperr.ErrValidation)
	}
	if s.Limiter != nil && !s.Limiter.Allow(ctx, "support:"+callerID) {
		metrics.Rejections.WithLabelValues("support_chat", apperr.Code(apperr.ErrRateLimited)).Inc()
		return "", fmt.Errorf("support chat for %s: %w", callerID, apperr.ErrRateLimited)
	}
	if s.Assistant == nil {
		return ai.Unavailable, nil
	}

	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	text, err := s.Assistant.Ask(ctx, prompt, in.Language)
	if err != nil {
		s.Logger.Warn().Err(err).Str("caller_id", callerID).Msg("assistant failed")
		return ai.Unavailable, nil
	}
	return text, nil
}
