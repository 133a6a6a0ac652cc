package llm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// MockChatModel is an offline chat model. Without a fixed Reply it echoes the last user message.
type MockChatModel struct {
	Reply string
	Delay time.Duration
	Err   error

	mu    sync.Mutex
	calls [][]*schema.Message
	opts  []*model.Options
}

var _ model.BaseChatModel = (*MockChatModel)(nil)

func NewMockChatModel() *MockChatModel {
	return &MockChatModel{}
}

// Generate waits Delay (honouring ctx) and answers
func (m *MockChatModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	m.mu.Lock()
	m.calls = append(m.calls, input)
	m.opts = append(m.opts, model.GetCommonOptions(&model.Options{}, opts...))
	m.mu.Unlock()

	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.Err != nil {
		return nil, m.Err
	}
	if m.Reply != "" {
		return schema.AssistantMessage(m.Reply, nil), nil
	}

	last := ""
	for i := len(input) - 1; i >= 0; i-- {
		if input[i].Role == schema.User {
			last = input[i].Content
			break
		}
	}
	return schema.AssistantMessage(fmt.Sprintf("(mock) %s", last), nil), nil
}

// Stream returns the Generate result as a single-chunk stream
func (m *MockChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	msg, err := m.Generate(ctx, input, opts...)
	if err != nil {
		return nil, err
	}
	return schema.StreamReaderFromArray([]*schema.Message{msg}), nil
}

// Calls returns the message lists the model was invoked with
func (m *MockChatModel) Calls() [][]*schema.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]*schema.Message(nil), m.calls...)
}

// LastOptions returns the common options of the most recent call
func (m *MockChatModel) LastOptions() *model.Options {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.opts) == 0 {
		return nil
	}
	return m.opts[len(m.opts)-1]
}
