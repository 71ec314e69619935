package speaker

import "context"

// TextProcessor rewrites text before it is sent for synthesis, for example
// to add markup.
type TextProcessor interface {
	Process(ctx context.Context, text string) (string, error)
}

// NopProcessor returns text unchanged.
type NopProcessor struct{}

func (NopProcessor) Process(_ context.Context, text string) (string, error) { return text, nil }

// ProcessorFunc adapts a function to TextProcessor.
type ProcessorFunc func(ctx context.Context, text string) (string, error)

func (f ProcessorFunc) Process(ctx context.Context, text string) (string, error) { return f(ctx, text) }
