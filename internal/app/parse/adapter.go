package parse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/famplan/organizer/internal/contracts"
	"github.com/tmc/langchaingo/llms"
)

const (
	KindText  = "text"
	KindVoice = "voice"
	KindImage = "image"
)

var (
	ErrEmptyInput          = errors.New("input is empty")
	ErrUnsupportedKind     = errors.New("unsupported input kind")
	ErrMalformedResponse   = errors.New("malformed extraction response")
	ErrNoResponseChoices   = errors.New("extraction returned no choices")
	ErrMissingMediaPayload = errors.New("media payload is required")
)

// Request is one submission to the parsing adapter, tagged by modality.
// Text carries the utterance for KindText; Media carries the encoded audio
// or image bytes for KindVoice/KindImage.
type Request struct {
	Kind      string
	Text      string
	Media     []byte
	MediaMIME string
}

type GenerateFunc func(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error)

// Adapter turns unstructured input into a ParseResult with exactly one model
// call per invocation. It never retries; transport failures and malformed
// model output both surface as errors.
type Adapter struct {
	Generate  GenerateFunc
	ModelName string
	Now       func() time.Time
}

func NewAdapter(model llms.Model, modelName string) *Adapter {
	return &Adapter{
		Generate:  model.GenerateContent,
		ModelName: modelName,
		Now:       func() time.Time { return time.Now().UTC() },
	}
}

const systemPromptFormat = `You extract calendar events from family-organizer input.
The current date and time is %s.

Respond with a single JSON object and nothing else:
{"events": [{"title": string, "description": string, "start_time": RFC3339 timestamp, "end_time": RFC3339 timestamp or null, "location": string}], "summary": string}

Guidelines:
- Resolve relative expressions ("tomorrow noon", "next Friday") against the current date.
- Omit end_time when the input gives no duration or end.
- An input may describe several events; keep them in the order mentioned.
- If no concrete event can be extracted, return {"events": [], "summary": ""}.
- summary is a one-sentence gloss of what was understood, for user review.`

func (a *Adapter) Parse(ctx context.Context, req Request) (contracts.ParseResult, error) {
	messages, err := a.buildMessages(req)
	if err != nil {
		return contracts.ParseResult{}, err
	}

	var options []llms.CallOption
	if a.ModelName != "" {
		options = append(options, llms.WithModel(a.ModelName))
	}
	response, err := a.Generate(ctx, messages, options...)
	if err != nil {
		return contracts.ParseResult{}, fmt.Errorf("extraction call: %w", err)
	}
	if len(response.Choices) == 0 {
		return contracts.ParseResult{}, ErrNoResponseChoices
	}

	result, err := decodePayload(response.Choices[0].Content)
	if err != nil {
		return contracts.ParseResult{}, err
	}
	if req.Kind == KindText {
		result.RawUserInput = strings.TrimSpace(req.Text)
	}
	return result, nil
}

func (a *Adapter) buildMessages(req Request) ([]llms.MessageContent, error) {
	system := llms.TextParts(llms.ChatMessageTypeSystem, fmt.Sprintf(systemPromptFormat, a.Now().Format(time.RFC3339)))

	switch req.Kind {
	case KindText:
		text := strings.TrimSpace(req.Text)
		if text == "" {
			return nil, ErrEmptyInput
		}
		return []llms.MessageContent{
			system,
			llms.TextParts(llms.ChatMessageTypeHuman, text),
		}, nil

	case KindVoice:
		if len(req.Media) == 0 {
			return nil, ErrMissingMediaPayload
		}
		return []llms.MessageContent{
			system,
			{
				Role: llms.ChatMessageTypeHuman,
				Parts: []llms.ContentPart{
					llms.BinaryPart(req.MediaMIME, req.Media),
					llms.TextPart("Transcribe this voice note and extract the calendar events it describes."),
				},
			},
		}, nil

	case KindImage:
		if len(req.Media) == 0 {
			return nil, ErrMissingMediaPayload
		}
		return []llms.MessageContent{
			system,
			{
				Role: llms.ChatMessageTypeHuman,
				Parts: []llms.ContentPart{
					llms.BinaryPart(req.MediaMIME, req.Media),
					llms.TextPart("Read this photo (flyer, invitation, schedule, ...) and extract the calendar events it describes."),
				},
			},
		}, nil

	default:
		return nil, ErrUnsupportedKind
	}
}

type modelPayload struct {
	Events  []contracts.ParsedEvent `json:"events"`
	Summary string                  `json:"summary"`
}

// decodePayload parses the model answer. Markdown code fences are tolerated;
// anything else that does not decode to the expected shape is malformed.
func decodePayload(raw string) (contracts.ParseResult, error) {
	cleaned := stripCodeFence(raw)
	if cleaned == "" {
		return contracts.ParseResult{}, ErrMalformedResponse
	}

	var payload modelPayload
	if err := json.Unmarshal([]byte(cleaned), &payload); err != nil {
		return contracts.ParseResult{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	events := make([]contracts.ParsedEvent, 0, len(payload.Events))
	for _, event := range payload.Events {
		event.Title = strings.TrimSpace(event.Title)
		if event.Title == "" || event.StartTime.IsZero() {
			return contracts.ParseResult{}, ErrMalformedResponse
		}
		events = append(events, event)
	}

	return contracts.ParseResult{
		Events:  events,
		Summary: strings.TrimSpace(payload.Summary),
	}, nil
}

func stripCodeFence(raw string) string {
	cleaned := strings.TrimSpace(raw)
	if !strings.HasPrefix(cleaned, "```") {
		return cleaned
	}
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	return strings.TrimSpace(cleaned)
}
