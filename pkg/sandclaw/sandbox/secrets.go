package sandbox

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/zalando/go-keyring"
)

// keyringService is the service name used in the OS keyring.
const keyringService = "sandclaw"

// ReadSecrets collects the runtime credentials named in keys. Lookup order
// per key: project .env file, OS keyring, process environment. Values go to
// sandbox stdin only — never to disk or mounted paths.
//
// When no Claude credential is found, falls back to the OAuth token in
// ~/.claude/.credentials.json, which Claude Code keeps refreshed.
func ReadSecrets(projectRoot string, keys []string) map[string]string {
	secrets := make(map[string]string)

	envValues, err := godotenv.Read(filepath.Join(projectRoot, ".env"))
	if err != nil {
		envValues = map[string]string{}
	}

	for _, key := range keys {
		if v := envValues[key]; v != "" {
			secrets[key] = v
			continue
		}
		if v, err := keyring.Get(keyringService, key); err == nil && v != "" {
			secrets[key] = v
			continue
		}
		if v := os.Getenv(key); v != "" {
			secrets[key] = v
		}
	}

	if secrets["CLAUDE_CODE_OAUTH_TOKEN"] == "" && secrets["ANTHROPIC_API_KEY"] == "" {
		if token := readClaudeOAuthToken(); token != "" {
			secrets["CLAUDE_CODE_OAUTH_TOKEN"] = token
		}
	}

	return secrets
}

// StoreSecret saves a credential to the OS keyring.
func StoreSecret(key, value string) error {
	return keyring.Set(keyringService, key, value)
}

// readClaudeOAuthToken reads the access token from ~/.claude/.credentials.json.
func readClaudeOAuthToken() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	content, err := os.ReadFile(filepath.Join(home, ".claude", ".credentials.json"))
	if err != nil {
		return ""
	}
	var data struct {
		ClaudeAiOauth struct {
			AccessToken string `json:"accessToken"`
		} `json:"claudeAiOauth"`
	}
	if err := json.Unmarshal(content, &data); err != nil {
		return ""
	}
	return data.ClaudeAiOauth.AccessToken
}
