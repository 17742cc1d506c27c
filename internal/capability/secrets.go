package capability

import (
	"fmt"
	"strings"

	"github.com/mtzanidakis/scriptcrew/internal/store"
	"github.com/mtzanidakis/scriptcrew/internal/vault"
)

const secretRefPrefix = "secret:"

// minRedactLen avoids redacting short values that would match ordinary text.
const minRedactLen = 8

// SecretResolver returns the plaintext of a secret visible to a crew.
type SecretResolver interface {
	Resolve(crewID int64, name string) (string, error)
}

type secretStore interface {
	GetCrewSecret(crewID int64, name string) (*store.Secret, error)
}

// VaultSecrets opens crew secrets kept encrypted in the store.
type VaultSecrets struct {
	store secretStore
	vault *vault.Vault
}

func NewVaultSecrets(s secretStore, v *vault.Vault) *VaultSecrets {
	return &VaultSecrets{store: s, vault: v}
}

func (v *VaultSecrets) Resolve(crewID int64, name string) (string, error) {
	sec, err := v.store.GetCrewSecret(crewID, name)
	if err != nil {
		return "", err
	}
	if sec == nil {
		return "", fmt.Errorf("secret %q not found for crew %d", name, crewID)
	}
	plaintext, err := v.vault.Open(sec.Name, sec.Value, sec.Nonce)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// resolveSecrets returns a copy of cfg with every "secret:<name>" string
// replaced by the secret's plaintext, along with the plaintexts used.
func resolveSecrets(r SecretResolver, crewID int64, cfg map[string]any) (map[string]any, []string, error) {
	var used []string
	var walk func(v any) (any, error)
	walk = func(v any) (any, error) {
		switch val := v.(type) {
		case string:
			if !strings.HasPrefix(val, secretRefPrefix) {
				return val, nil
			}
			name := strings.TrimPrefix(val, secretRefPrefix)
			if r == nil {
				return nil, fmt.Errorf("secret %q referenced but no vault is configured", name)
			}
			plain, err := r.Resolve(crewID, name)
			if err != nil {
				return nil, fmt.Errorf("resolve secret %q: %w", name, err)
			}
			used = append(used, plain)
			return plain, nil
		case map[string]any:
			out := make(map[string]any, len(val))
			for k, item := range val {
				resolved, err := walk(item)
				if err != nil {
					return nil, err
				}
				out[k] = resolved
			}
			return out, nil
		case []any:
			out := make([]any, len(val))
			for i, item := range val {
				resolved, err := walk(item)
				if err != nil {
					return nil, err
				}
				out[i] = resolved
			}
			return out, nil
		}
		return v, nil
	}

	resolved, err := walk(cfg)
	if err != nil {
		return nil, nil, err
	}
	out, _ := resolved.(map[string]any)
	return out, used, nil
}

// redact replaces secret plaintexts found in content with [REDACTED], so a
// backend echoing its settings cannot leak them into task output.
func redact(content string, secrets []string) string {
	for _, s := range secrets {
		if len(s) < minRedactLen {
			continue
		}
		content = strings.ReplaceAll(content, s, "[REDACTED]")
	}
	return content
}
