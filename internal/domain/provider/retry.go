package provider

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"pal-server/router-api/internal/infrastructure/httpclients/chat"
	"pal-server/router-api/internal/infrastructure/logger"
	"pal-server/router-api/internal/infrastructure/metrics"
	"pal-server/router-api/internal/utils/platformerrors"
)

// Transient failures retry on a fixed progressive schedule; everything else
// is terminal on the first occurrence.
var defaultRetryDelays = []time.Duration{
	1 * time.Second,
	3 * time.Second,
	5 * time.Second,
	8 * time.Second,
}

// failureClass is the retry decision for one error.
type failureClass int

const (
	classTransient failureClass = iota
	classValidation
	classStalled
	classInternal
)

var transientIndicators = []string{
	"timeout",
	"connection",
	"network",
	"temporary",
	"unavailable",
	"retry",
	"408",
	"500",
	"502",
	"503",
	"504",
	"ssl",
	"handshake",
}

var permanent429Markers = []string{
	`"type":"tokens"`,
	`'type': 'tokens'`,
	"context_length_exceeded",
	"invalid_request_error",
}

// classifyFailure decides retryability from structured status codes first,
// falling back to substring indicators for transport-level errors that carry
// no status.
func classifyFailure(err error) failureClass {
	if err == nil {
		return classInternal
	}
	if errors.Is(err, chat.ErrStreamStalled) {
		return classStalled
	}

	var statusErr *chat.StatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.Code == 429:
			// Token-class 429s mean the request itself is too large and will
			// never succeed on retry; rate-limit 429s will.
			body := strings.ToLower(statusErr.Body)
			for _, marker := range permanent429Markers {
				if strings.Contains(body, marker) {
					return classValidation
				}
			}
			return classTransient
		case statusErr.Code == 408 || statusErr.Code >= 500:
			return classTransient
		case statusErr.Code >= 400:
			return classValidation
		}
	}

	lowered := strings.ToLower(err.Error())
	for _, indicator := range transientIndicators {
		if strings.Contains(lowered, indicator) {
			return classTransient
		}
	}
	return classInternal
}

// runWithRetries executes op up to len(delays) attempts, sleeping
// delays[i-1] after failed attempt i. Only transient failures re-enter the
// loop; the attempt count is reported either way.
func runWithRetries(ctx context.Context, kind ProviderKind, model string, delays []time.Duration, op func() (*openai.ChatCompletionResponse, error)) (*openai.ChatCompletionResponse, int, error) {
	log := logger.GetLogger()
	maxAttempts := len(delays)
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		resp, err := op()
		if err == nil {
			if attempt > 1 {
				log.Info().
					Str("provider", string(kind)).
					Str("model", model).
					Int("attempt", attempt).
					Msg("model call succeeded after retry")
			}
			return resp, attempt, nil
		}

		lastErr = err
		class := classifyFailure(err)
		if class != classTransient {
			return nil, attempt, err
		}
		if attempt == maxAttempts {
			break
		}

		metrics.ProviderRetriesTotal.WithLabelValues(string(kind)).Inc()
		log.Warn().
			Err(err).
			Str("provider", string(kind)).
			Str("model", model).
			Int("attempt", attempt).
			Int("max_attempts", maxAttempts).
			Dur("retry_delay", delays[attempt-1]).
			Msg("retrying model call after transient failure")

		select {
		case <-ctx.Done():
			return nil, attempt, ctx.Err()
		case <-time.After(delays[attempt-1]):
		}
	}

	return nil, maxAttempts, platformerrors.New(
		platformerrors.KindTransientTransport,
		platformerrors.PhaseCall,
		string(kind),
		model,
		"transient failures exhausted retry budget",
		lastErr,
	).WithAttempts(maxAttempts)
}
