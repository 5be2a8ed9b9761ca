package reasoner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"jeeprep/internal/config"
	"jeeprep/internal/logging"
	"jeeprep/internal/types"

	"google.golang.org/genai"
)

// GenAIReasoner calls the Gemini API with JSON response mode.
type GenAIReasoner struct {
	client     *genai.Client
	model      string
	timeout    time.Duration
	maxRetries int
}

// NewGenAIReasoner builds the reasoner from config.
func NewGenAIReasoner(cfg config.ReasonerConfig) (*GenAIReasoner, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("reasoner API key is required")
	}
	model := cfg.Model
	if model == "" {
		model = "gemini-2.0-flash"
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{APIKey: cfg.APIKey})
	if err != nil {
		return nil, fmt.Errorf("failed to create reasoner client: %w", err)
	}

	timeout := 60 * time.Second
	if cfg.Timeout != "" {
		timeout, err = time.ParseDuration(cfg.Timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid reasoner timeout %q: %w", cfg.Timeout, err)
		}
	}
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = 2
	}
	return &GenAIReasoner{client: client, model: model, timeout: timeout, maxRetries: retries}, nil
}

// Invoke sends one structured request. Malformed output is retried with
// the validation error quoted back to the model; a context deadline is
// reported as ErrReasonerTimeout so callers can degrade instead of
// failing the turn.
func (r *GenAIReasoner) Invoke(ctx context.Context, role, payload string, schema *Schema) (json.RawMessage, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	system := role
	if schema != nil {
		system = role + "\n\n" + schema.PromptFragment()
	}

	prompt := payload
	var lastErr error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		timer := logging.StartTimer(logging.CategoryReasoner, schemaName(schema))
		raw, err := r.generate(ctx, system, prompt)
		timer.Stop()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
				return nil, types.ErrReasonerTimeout
			}
			return nil, err
		}

		cleaned := stripFences(raw)
		if schema == nil {
			return json.RawMessage(cleaned), nil
		}
		if err := schema.Validate(json.RawMessage(cleaned)); err != nil {
			lastErr = err
			logging.Reasoner("attempt %d: %v", attempt+1, err)
			// Quote the violation back so the retry can self-correct.
			prompt = payload + "\n\nYour previous response was rejected: " + err.Error() +
				"\nRespond again following the schema exactly."
			continue
		}
		return json.RawMessage(cleaned), nil
	}
	return nil, fmt.Errorf("reasoner produced no valid %s output after %d attempts: %w",
		schemaName(schema), r.maxRetries+1, lastErr)
}

func (r *GenAIReasoner) generate(ctx context.Context, system, prompt string) (string, error) {
	contents := []*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)}
	resp, err := r.client.Models.GenerateContent(ctx, r.model, contents, &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(system, genai.RoleUser),
		ResponseMIMEType:  "application/json",
	})
	if err != nil {
		return "", fmt.Errorf("reasoner call failed: %w", err)
	}
	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("reasoner returned an empty response")
	}
	return text, nil
}

// stripFences removes a markdown code fence wrapper if the model added
// one despite JSON mode.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}

func schemaName(s *Schema) string {
	if s == nil {
		return "freeform"
	}
	return s.Name
}
