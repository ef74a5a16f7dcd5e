package assistant

import (
	"context"
	"log/slog"
)

// FallbackObserver is notified each time the fallback provider serves a
// request the primary could not.
type FallbackObserver interface {
	ObserveLLMFallback()
}

// FallbackLLMClient wraps a primary LLM client with a fallback provider.
// If the primary fails, it automatically retries with the fallback.
type FallbackLLMClient struct {
	primary       StreamingLLMClient
	fallback      StreamingLLMClient
	fallbackModel string
	observer      FallbackObserver
	logger        *slog.Logger
}

// NewFallbackLLMClient creates a new fallback-enabled LLM client. The
// fallback provider may use a different model id; when fallbackModel is set
// it replaces req.Model on the fallback attempt. fallback may be nil, in
// which case only the primary is used.
func NewFallbackLLMClient(primary, fallback StreamingLLMClient, fallbackModel string, logger *slog.Logger) *FallbackLLMClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &FallbackLLMClient{
		primary:       primary,
		fallback:      fallback,
		fallbackModel: fallbackModel,
		logger:        logger,
	}
}

// SetObserver registers the fallback observer. Call before serving traffic;
// a nil observer disables notification.
func (c *FallbackLLMClient) SetObserver(observer FallbackObserver) {
	c.observer = observer
}

func (c *FallbackLLMClient) observeFallback() {
	if c.observer != nil {
		c.observer.ObserveLLMFallback()
	}
}

func (c *FallbackLLMClient) fallbackRequest(req LLMRequest) LLMRequest {
	if c.fallbackModel != "" {
		req.Model = c.fallbackModel
	}
	return req
}

// Complete sends a completion request to the primary LLM.
// If it fails and a fallback is configured, retries with the fallback.
func (c *FallbackLLMClient) Complete(ctx context.Context, req LLMRequest) (LLMResponse, error) {
	resp, err := c.primary.Complete(ctx, req)
	if err == nil {
		return resp, nil
	}

	c.logger.Warn("primary LLM failed, attempting fallback",
		"error", err.Error(),
		"fallback_available", c.fallback != nil,
	)

	if c.fallback == nil {
		return LLMResponse{}, err
	}

	fallbackResp, fallbackErr := c.fallback.Complete(ctx, c.fallbackRequest(req))
	if fallbackErr != nil {
		c.logger.Error("fallback LLM also failed",
			"primary_error", err.Error(),
			"fallback_error", fallbackErr.Error(),
		)
		return LLMResponse{}, fallbackErr
	}

	c.observeFallback()
	c.logger.Info("fallback LLM succeeded after primary failure")
	return fallbackResp, nil
}

// CompleteStream opens a stream on the primary provider, falling back only
// when the primary fails to establish the stream. A failure after fragments
// have already been emitted is surfaced to the consumer as the stream's
// terminal error instead of being retried, so the user never sees two
// partial answers stitched together.
func (c *FallbackLLMClient) CompleteStream(ctx context.Context, req LLMRequest) (<-chan StreamChunk, error) {
	chunks, err := c.primary.CompleteStream(ctx, req)
	if err == nil {
		return chunks, nil
	}

	c.logger.Warn("primary LLM stream failed to open, attempting fallback",
		"error", err.Error(),
		"fallback_available", c.fallback != nil,
	)

	if c.fallback == nil {
		return nil, err
	}

	fallbackChunks, fallbackErr := c.fallback.CompleteStream(ctx, c.fallbackRequest(req))
	if fallbackErr != nil {
		c.logger.Error("fallback LLM stream also failed",
			"primary_error", err.Error(),
			"fallback_error", fallbackErr.Error(),
		)
		return nil, fallbackErr
	}

	c.observeFallback()
	c.logger.Info("fallback LLM stream opened after primary failure")
	return fallbackChunks, nil
}
