package config

import "testing"

func TestDetectSDKFamily(t *testing.T) {
	cases := []struct {
		id   string
		want string
	}{
		{"claude-sonnet-4-5", SDKNativeMCP},
		{"claude-3-7-sonnet-latest", SDKNativeMCP},
		{"bedrock/anthropic.claude-sonnet-4", SDKNativeMCP},
		{"deepseek-chat", SDKFunctionCall},
		{"gpt-4o-mini", SDKFunctionCall},
		{"qwen-max", SDKFunctionCall},
		{"", SDKFunctionCall},
	}
	for _, tc := range cases {
		if got := DetectSDKFamily(tc.id); got != tc.want {
			t.Errorf("DetectSDKFamily(%q) = %q, want %q", tc.id, got, tc.want)
		}
	}
}

func TestValidate_DefaultsEmptySDKFamily(t *testing.T) {
	cfg := &Config{
		Models: []ModelDef{
			{ID: "claude-sonnet-4-5"},
			{ID: "deepseek-chat"},
		},
		App: AppConfig{Store: StoreConfig{Backend: "sqlite", Path: "tasks.db"}},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Models[0].SDKFamily != SDKNativeMCP {
		t.Errorf("claude family = %q, want %q", cfg.Models[0].SDKFamily, SDKNativeMCP)
	}
	if cfg.Models[1].SDKFamily != SDKFunctionCall {
		t.Errorf("deepseek family = %q, want %q", cfg.Models[1].SDKFamily, SDKFunctionCall)
	}
}
