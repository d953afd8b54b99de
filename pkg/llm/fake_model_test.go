package llm_test

import (
	"context"
	"errors"

	"github.com/tmc/langchaingo/llms"
)

// fakeModel records prompts and replies with canned answers.
type fakeModel struct {
	replies  []string
	err      error
	calls    [][]llms.MessageContent
	options  []llms.CallOptions
	streamed []string
}

func (m *fakeModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	m.calls = append(m.calls, messages)

	var opts llms.CallOptions
	for _, opt := range options {
		opt(&opts)
	}
	m.options = append(m.options, opts)

	if m.err != nil {
		return nil, m.err
	}
	if len(m.replies) == 0 {
		return nil, errors.New("no reply queued")
	}
	reply := m.replies[0]
	m.replies = m.replies[1:]

	if opts.StreamingFunc != nil {
		for _, part := range []string{reply[:len(reply)/2], reply[len(reply)/2:]} {
			m.streamed = append(m.streamed, part)
			if err := opts.StreamingFunc(ctx, []byte(part)); err != nil {
				return nil, err
			}
		}
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: reply}}}, nil
}

func (m *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

func text(msg llms.MessageContent) string {
	for _, part := range msg.Parts {
		if t, ok := part.(llms.TextContent); ok {
			return t.Text
		}
	}
	return ""
}
