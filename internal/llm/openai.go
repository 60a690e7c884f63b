package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/ssestream"
	"github.com/tamago-labs/asetta-agentd/internal/config"
)

// OpenAIClient implements Client against any OpenAI-compatible chat
// completions endpoint.
type OpenAIClient struct {
	client    openai.Client
	model     string
	maxTokens int
}

func NewOpenAIClient(cfg config.ModelConfig) (*OpenAIClient, error) {
	apiKey := os.Getenv(cfg.APIKeyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("environment variable %s is not set", cfg.APIKeyEnv)
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAIClient{
		client:    openai.NewClient(opts...),
		model:     cfg.Name,
		maxTokens: cfg.MaxTokens,
	}, nil
}

func (c *OpenAIClient) OpenStream(ctx context.Context, req Request) (Stream, error) {
	params := openai.ChatCompletionNewParams{
		Model:    c.model,
		Messages: buildMessages(req),
	}
	if c.maxTokens > 0 {
		params.MaxTokens = openai.Int(int64(c.maxTokens))
	}
	for _, tool := range req.Tools {
		params.Tools = append(params.Tools, openai.ChatCompletionFunctionTool(openai.FunctionDefinitionParam{
			Name:        tool.Name,
			Description: openai.String(tool.Description),
			Parameters:  openai.FunctionParameters(tool.InputSchema),
		}))
	}
	stream := c.client.Chat.Completions.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		_ = stream.Close()
		return nil, err
	}
	return &openaiStream{stream: stream, toolIDs: map[int64]string{}}, nil
}

func buildMessages(req Request) []openai.ChatCompletionMessageParamUnion {
	out := []openai.ChatCompletionMessageParamUnion{}
	if req.System != "" {
		out = append(out, openai.SystemMessage(req.System))
	}
	for _, msg := range req.Messages {
		out = append(out, convertMessage(msg)...)
	}
	return out
}

func convertMessage(msg Message) []openai.ChatCompletionMessageParamUnion {
	text := ""
	toolCalls := []openai.ChatCompletionMessageToolCallUnionParam{}
	results := []openai.ChatCompletionMessageParamUnion{}
	for _, block := range msg.Blocks {
		switch block.Type {
		case BlockText:
			if text != "" {
				text += "\n"
			}
			text += block.Text
		case BlockToolUse:
			args, err := json.Marshal(block.Input)
			if err != nil {
				args = []byte("{}")
			}
			toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCallUnionParam{
				OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
					ID: block.ID,
					Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
						Name:      block.Name,
						Arguments: string(args),
					},
				},
			})
		case BlockToolResult:
			content := block.Text
			if block.IsError {
				content = "Error: " + content
			}
			results = append(results, openai.ToolMessage(content, block.ID))
		}
	}

	out := []openai.ChatCompletionMessageParamUnion{}
	switch {
	case msg.Role == RoleAssistant && len(toolCalls) > 0:
		assistant := openai.ChatCompletionAssistantMessageParam{ToolCalls: toolCalls}
		if text != "" {
			assistant.Content = openai.ChatCompletionAssistantMessageParamContentUnion{OfString: openai.String(text)}
		}
		out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
	case msg.Role == RoleAssistant:
		out = append(out, openai.AssistantMessage(text))
	case len(results) > 0:
		out = append(out, results...)
		if text != "" {
			out = append(out, openai.UserMessage(text))
		}
	default:
		out = append(out, openai.UserMessage(text))
	}
	return out
}

// openaiStream translates completion chunks into the engine's event
// taxonomy. Tool-call fragments are matched up by chunk index because only
// the first fragment of a call carries its id and name.
type openaiStream struct {
	stream    *ssestream.Stream[openai.ChatCompletionChunk]
	pending   []Event
	toolIDs   map[int64]string
	toolOrder []int64
	sawTool   bool
	finish    string
	drained   bool
	done      bool
}

func (s *openaiStream) Recv() (Event, error) {
	for {
		if len(s.pending) > 0 {
			ev := s.pending[0]
			s.pending = s.pending[1:]
			return ev, nil
		}
		if s.done {
			return Event{}, io.EOF
		}
		if s.drained {
			s.queueFinal()
			continue
		}
		if !s.stream.Next() {
			if err := s.stream.Err(); err != nil {
				return Event{}, err
			}
			s.drained = true
			continue
		}
		s.translate(s.stream.Current())
	}
}

func (s *openaiStream) translate(chunk openai.ChatCompletionChunk) {
	if len(chunk.Choices) == 0 {
		return
	}
	choice := chunk.Choices[0]
	if choice.Delta.Content != "" {
		s.pending = append(s.pending, Event{Type: EventText, Text: choice.Delta.Content})
	}
	for _, tc := range choice.Delta.ToolCalls {
		if _, open := s.toolIDs[tc.Index]; !open && tc.ID != "" {
			s.toolIDs[tc.Index] = tc.ID
			s.toolOrder = append(s.toolOrder, tc.Index)
			s.sawTool = true
			s.pending = append(s.pending, Event{
				Type:     EventToolUseStart,
				ToolID:   tc.ID,
				ToolName: tc.Function.Name,
			})
		}
		if tc.Function.Arguments != "" {
			s.pending = append(s.pending, Event{
				Type:        EventToolInputDelta,
				ToolID:      s.toolIDs[tc.Index],
				PartialJSON: tc.Function.Arguments,
			})
		}
	}
	if choice.FinishReason != "" {
		s.finish = choice.FinishReason
	}
}

func (s *openaiStream) queueFinal() {
	for _, idx := range s.toolOrder {
		s.pending = append(s.pending, Event{Type: EventBlockStop, ToolID: s.toolIDs[idx]})
	}
	reason := StopEndTurn
	if s.finish == "tool_calls" || s.sawTool {
		reason = StopToolUse
	}
	s.pending = append(s.pending, Event{Type: EventTurnStop, StopReason: reason})
	s.done = true
}

func (s *openaiStream) Close() error {
	return s.stream.Close()
}
