package openai

import "fmt"

// Config holds the connection settings for one OpenAI-compatible model.
// Built by the registry from the model and provider definitions.
type Config struct {
	APIKey      string   // API key for authentication
	BaseURL     string   // endpoint base URL (default: https://api.openai.com/v1)
	Model       string   // model name sent upstream
	Temperature *float32 // response creativity 0.0-2.0 (nil = API default)
	MaxTokens   int      // max tokens in response, 0 = no limit
	MaxRetries  int      // HTTP-level retry for transient errors only (default: 1)
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("api key is required")
	}
	if c.Model == "" {
		return fmt.Errorf("model cannot be empty")
	}
	if c.Temperature != nil && (*c.Temperature < 0.0 || *c.Temperature > 2.0) {
		return fmt.Errorf("temperature must be between 0.0 and 2.0, got %f", *c.Temperature)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative, got %d", c.MaxRetries)
	}
	return nil
}
