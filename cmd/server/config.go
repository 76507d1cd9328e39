package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/rcitrin/gem-web/internal/chat"
	"github.com/rcitrin/gem-web/internal/services"
	"gopkg.in/yaml.v3"
)

const (
	defaultSystemPrompt = `You are "Gem", a sophisticated, crystalline AI assistant embedded in the Citrin: TBA Computer Science homepage.
Your personality is helpful, precise, polite, and slightly futuristic.
You are knowledgeable about computer science, technology, and general information.
Keep responses concise and easy to read in a chat bubble format.
If asked about yourself, describe yourself as a digital facet of the user's interface, designed to illuminate answers.`

	defaultWelcomeMessage = "Greetings. I am Gem. How may I illuminate your path today?"
	defaultEditorURL      = "https://rcitrin.github.io/editor/"
	defaultOllamaHost     = "http://localhost:11434"
	defaultMaxTokens      = 1024
)

type llmConfig interface {
	llm(ctx context.Context, systemPrompt string, logger *slog.Logger) (chat.LLM, error)
	modelName() string
	applyEnv(e envConfig)
}

// BaseLLMConfig contains the common fields for all LLM configurations.
type BaseLLMConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

type config struct {
	Port               string        `yaml:"port"`
	SystemPrompt       string        `yaml:"systemPrompt"`
	WelcomeMessage     string        `yaml:"welcomeMessage"`
	EditorURL          string        `yaml:"editorURL"`
	SessionIdleTimeout time.Duration `yaml:"sessionIdleTimeout"`
	Log                logConfig     `yaml:"log"`
	LLM                llmConfig     `yaml:"llm"`
}

type logConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// envConfig holds the settings the hosting environment may provide. Every variable that is set wins over
// the config file, and they are the expected place for credentials.
type envConfig struct {
	Port            string `env:"GEM_PORT"`
	LogLevel        string `env:"GEM_LOG_LEVEL"`
	LogFile         string `env:"GEM_LOG_FILE"`
	APIKey          string `env:"API_KEY"`
	GeminiAPIKey    string `env:"GEMINI_API_KEY"`
	OpenAIAPIKey    string `env:"OPENAI_API_KEY"`
	AnthropicAPIKey string `env:"ANTHROPIC_API_KEY"`
	OllamaHost      string `env:"OLLAMA_HOST"`
}

type geminiConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
}

type ollamaConfig struct {
	BaseLLMConfig `yaml:",inline"`
	Host          string `yaml:"host"`
}

type openAIConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
	BaseURL       string `yaml:"baseURL"`
}

type anthropicConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
	MaxTokens     int    `yaml:"maxTokens"`
}

func defaultConfig() config {
	return config{
		Port:               "8080",
		SystemPrompt:       defaultSystemPrompt,
		WelcomeMessage:     defaultWelcomeMessage,
		EditorURL:          defaultEditorURL,
		SessionIdleTimeout: 30 * time.Minute,
		Log: logConfig{
			Level:  "info",
			Format: "json",
		},
		LLM: &geminiConfig{
			BaseLLMConfig: BaseLLMConfig{
				Provider: "gemini",
				Model:    services.GeminiDefaultModel,
			},
		},
	}
}

// loadConfig reads the YAML config at path on top of the defaults, then applies the environment. A
// missing file is only an error when required is set. A nil environ means the process environment.
func loadConfig(path string, required bool, environ map[string]string) (config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return config{}, fmt.Errorf("error decoding config file: %w", err)
		}
	case errors.Is(err, fs.ErrNotExist) && !required:
	default:
		return config{}, fmt.Errorf("error reading config file: %w", err)
	}

	var e envConfig
	opts := env.Options{}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&e, opts); err != nil {
		return config{}, fmt.Errorf("error parsing environment: %w", err)
	}
	cfg.applyEnv(e)

	if err := cfg.validate(); err != nil {
		return config{}, err
	}

	return cfg, nil
}

func (c *config) validate() error {
	if c.SessionIdleTimeout <= 0 {
		return fmt.Errorf("sessionIdleTimeout must be positive, got %s", c.SessionIdleTimeout)
	}
	return nil
}

func (c *config) applyEnv(e envConfig) {
	if e.Port != "" {
		c.Port = e.Port
	}
	if e.LogLevel != "" {
		c.Log.Level = e.LogLevel
	}
	if e.LogFile != "" {
		c.Log.File = e.LogFile
	}
	c.LLM.applyEnv(e)
}

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	rawConfig := struct {
		Port               string         `yaml:"port"`
		SystemPrompt       string         `yaml:"systemPrompt"`
		WelcomeMessage     string         `yaml:"welcomeMessage"`
		EditorURL          string         `yaml:"editorURL"`
		SessionIdleTimeout time.Duration  `yaml:"sessionIdleTimeout"`
		Log                logConfig      `yaml:"log"`
		LLM                map[string]any `yaml:"llm"`
	}{
		Port:               c.Port,
		SystemPrompt:       c.SystemPrompt,
		WelcomeMessage:     c.WelcomeMessage,
		EditorURL:          c.EditorURL,
		SessionIdleTimeout: c.SessionIdleTimeout,
		Log:                c.Log,
	}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	c.Port = rawConfig.Port
	c.SystemPrompt = rawConfig.SystemPrompt
	c.WelcomeMessage = rawConfig.WelcomeMessage
	c.EditorURL = rawConfig.EditorURL
	c.SessionIdleTimeout = rawConfig.SessionIdleTimeout
	c.Log = rawConfig.Log

	if rawConfig.LLM == nil {
		return nil
	}

	llmProvider, ok := rawConfig.LLM["provider"].(string)
	if !ok {
		return fmt.Errorf("llm provider is required")
	}

	llmRawYAML, err := yaml.Marshal(rawConfig.LLM)
	if err != nil {
		return err
	}

	var llm llmConfig
	switch llmProvider {
	case "gemini":
		llm = &geminiConfig{}
	case "ollama":
		llm = &ollamaConfig{}
	case "openai":
		llm = &openAIConfig{}
	case "anthropic":
		llm = &anthropicConfig{}
	default:
		return fmt.Errorf("unknown llm provider: %s", llmProvider)
	}

	if err := yaml.Unmarshal(llmRawYAML, llm); err != nil {
		return err
	}

	c.LLM = llm

	return nil
}

func (g *geminiConfig) applyEnv(e envConfig) {
	switch {
	case e.GeminiAPIKey != "":
		g.APIKey = e.GeminiAPIKey
	case e.APIKey != "":
		g.APIKey = e.APIKey
	}
}

func (g *geminiConfig) modelName() string {
	if g.Model == "" {
		return services.GeminiDefaultModel
	}
	return g.Model
}

func (g *geminiConfig) llm(ctx context.Context, systemPrompt string, logger *slog.Logger) (chat.LLM, error) {
	return services.NewGemini(ctx, g.APIKey, g.Model, systemPrompt, logger)
}

func (o *ollamaConfig) applyEnv(e envConfig) {
	if e.OllamaHost != "" {
		o.Host = e.OllamaHost
	}
	if o.Host == "" {
		o.Host = defaultOllamaHost
	}
}

func (o *ollamaConfig) modelName() string {
	return o.Model
}

func (o *ollamaConfig) llm(_ context.Context, systemPrompt string, logger *slog.Logger) (chat.LLM, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	return services.NewOllama(o.Host, o.Model, systemPrompt, logger)
}

func (o *openAIConfig) applyEnv(e envConfig) {
	if e.OpenAIAPIKey != "" {
		o.APIKey = e.OpenAIAPIKey
	}
}

func (o *openAIConfig) modelName() string {
	return o.Model
}

func (o *openAIConfig) llm(_ context.Context, systemPrompt string, logger *slog.Logger) (chat.LLM, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	if o.APIKey == "" {
		return nil, fmt.Errorf("openai api key is required")
	}
	return services.NewOpenAI(o.APIKey, o.BaseURL, o.Model, systemPrompt, logger), nil
}

func (a *anthropicConfig) applyEnv(e envConfig) {
	if e.AnthropicAPIKey != "" {
		a.APIKey = e.AnthropicAPIKey
	}
	if a.MaxTokens == 0 {
		a.MaxTokens = defaultMaxTokens
	}
}

func (a *anthropicConfig) modelName() string {
	return a.Model
}

func (a *anthropicConfig) llm(_ context.Context, systemPrompt string, logger *slog.Logger) (chat.LLM, error) {
	if a.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	if a.APIKey == "" {
		return nil, fmt.Errorf("anthropic api key is required")
	}
	return services.NewAnthropic(a.APIKey, a.Model, systemPrompt, a.MaxTokens, logger), nil
}
