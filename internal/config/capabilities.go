package config

import "strings"

// DetectSDKFamily infers a model's SDK family from its id when the
// configuration leaves sdk_family empty.
//
// Detection strategy (priority order):
//  1. Known model list — exact prefix matches for confirmed native-MCP models
//  2. Keyword matching — vendor markers in the model id
//  3. Default — assume a plain function-call endpoint
func DetectSDKFamily(modelID string) string {
	lower := strings.ToLower(modelID)

	// Strip gateway prefixes (e.g. "bedrock/anthropic.claude-sonnet-4").
	parts := strings.Split(lower, "/")
	baseName := parts[len(parts)-1]

	// 1. Models confirmed to run tool loops over native MCP sessions.
	knownNativeModels := []string{
		"claude-sonnet-4",
		"claude-opus-4",
		"claude-haiku-4",
		"claude-3-7-sonnet",
		"claude-3-5-sonnet",
	}
	for _, known := range knownNativeModels {
		if strings.HasPrefix(baseName, known) {
			return SDKNativeMCP
		}
	}

	// 2. Vendor markers for unknown/new models.
	nativeKeywords := []string{"claude", "anthropic."}
	for _, kw := range nativeKeywords {
		if strings.Contains(baseName, kw) {
			return SDKNativeMCP
		}
	}

	// 3. Default: any OpenAI-compatible endpoint.
	return SDKFunctionCall
}
