package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"
	"google.golang.org/genai"
)

const (
	defaultOllamaModel = "llama3.2"
	defaultOllamaHost  = "http://localhost:11434"
	defaultGenAIModel  = "gemini-2.0-flash"
)

// OllamaGenerator calls the generate endpoint of an Ollama server.
type OllamaGenerator struct {
	client      *api.Client
	model       string
	temperature float64
	maxTokens   int
}

func NewOllamaGenerator(host, model string, temperature float64, maxTokens int) (*OllamaGenerator, error) {
	var client *api.Client
	if strings.TrimSpace(host) == "" {
		c, err := api.ClientFromEnvironment()
		if err != nil {
			host = defaultOllamaHost
		} else {
			client = c
		}
	}
	if client == nil {
		u, err := url.Parse(host)
		if err != nil {
			return nil, fmt.Errorf("ollama: bad host %q: %w", host, err)
		}
		client = api.NewClient(u, http.DefaultClient)
	}
	if strings.TrimSpace(model) == "" {
		model = defaultOllamaModel
	}
	return &OllamaGenerator{client: client, model: model, temperature: temperature, maxTokens: maxTokens}, nil
}

func (o *OllamaGenerator) Name() string { return "ollama:" + o.model }

func (o *OllamaGenerator) Generate(ctx context.Context, req Request) (Response, error) {
	started := time.Now()
	options := map[string]any{}
	if t := firstPositive(req.Temperature, o.temperature); t > 0 {
		options["temperature"] = t
	}
	if n := int(firstPositive(float64(req.MaxTokens), float64(o.maxTokens))); n > 0 {
		options["num_predict"] = n
	}
	stream := false

	var b strings.Builder
	var tokens int
	err := o.client.Generate(ctx, &api.GenerateRequest{
		Model:   o.model,
		System:  req.System,
		Prompt:  req.Prompt,
		Stream:  &stream,
		Options: options,
	}, func(resp api.GenerateResponse) error {
		b.WriteString(resp.Response)
		if resp.Done {
			tokens = resp.PromptEvalCount + resp.EvalCount
		}
		return nil
	})
	if err != nil {
		return Response{}, fmt.Errorf("ollama generate: %w", err)
	}
	return Response{
		Content:    b.String(),
		Provider:   "ollama",
		Model:      o.model,
		TokensUsed: tokens,
		Elapsed:    time.Since(started),
	}, nil
}

// GenAIGenerator calls the Gemini content generation API.
type GenAIGenerator struct {
	client      *genai.Client
	model       string
	temperature float64
	maxTokens   int
}

func NewGenAIGenerator(ctx context.Context, apiKey, model string, temperature float64, maxTokens int) (*GenAIGenerator, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("genai: api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("genai: create client: %w", err)
	}
	if strings.TrimSpace(model) == "" {
		model = defaultGenAIModel
	}
	return &GenAIGenerator{client: client, model: model, temperature: temperature, maxTokens: maxTokens}, nil
}

func (g *GenAIGenerator) Name() string { return "genai:" + g.model }

func (g *GenAIGenerator) Generate(ctx context.Context, req Request) (Response, error) {
	started := time.Now()
	cfg := &genai.GenerateContentConfig{}
	if strings.TrimSpace(req.System) != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if t := firstPositive(req.Temperature, g.temperature); t > 0 {
		cfg.Temperature = genai.Ptr(float32(t))
	}
	if n := int(firstPositive(float64(req.MaxTokens), float64(g.maxTokens))); n > 0 {
		cfg.MaxOutputTokens = int32(n)
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(req.Prompt), cfg)
	if err != nil {
		return Response{}, fmt.Errorf("genai generate: %w", err)
	}
	var tokens int
	if resp.UsageMetadata != nil {
		tokens = int(resp.UsageMetadata.TotalTokenCount)
	}
	return Response{
		Content:    resp.Text(),
		Provider:   "genai",
		Model:      g.model,
		TokensUsed: tokens,
		Elapsed:    time.Since(started),
	}, nil
}
