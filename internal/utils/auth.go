package utils

import "github.com/samber/lo"

// IsValidAPIKey checks if the provided API key is valid against the list of allowed keys.
func IsValidAPIKey(apiKey string, allowedKeys []string) bool {
	return apiKey != "" && lo.Contains(allowedKeys, apiKey)
}
