// ABOUTME: Pull-based chunk sources for streamed replies
// ABOUTME: io.EOF ends a stream; channel and slice adapters cover the common producers

package stream

import (
	"context"
	"io"
)

// Source yields text chunks until it returns io.EOF.
type Source interface {
	Next(ctx context.Context) (string, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (string, error)

func (f SourceFunc) Next(ctx context.Context) (string, error) { return f(ctx) }

// FromChannel reads chunks from ch until it is closed.
func FromChannel(ch <-chan string) Source {
	return SourceFunc(func(ctx context.Context) (string, error) {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case chunk, ok := <-ch:
			if !ok {
				return "", io.EOF
			}
			return chunk, nil
		}
	})
}

// FromSlice yields each chunk in order.
func FromSlice(chunks ...string) Source {
	i := 0
	return SourceFunc(func(ctx context.Context) (string, error) {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if i >= len(chunks) {
			return "", io.EOF
		}
		chunk := chunks[i]
		i++
		return chunk, nil
	})
}
