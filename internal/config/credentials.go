package config

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
)

type credentialsFile struct {
	URL       string `toml:"url"`
	AppID     string `toml:"app_id"`
	APIKey    string `toml:"api_key"`
	APISecret string `toml:"api_secret"`
	AvatarID  string `toml:"avatar_id"`
	VCN       string `toml:"vcn"`
}

// LoadCredentialsFile overlays the keys present in a TOML credentials file
// onto cfg. Keys missing from the file leave cfg untouched.
func LoadCredentialsFile(path string, cfg *Config) error {
	var raw credentialsFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load credentials file: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return fmt.Errorf("credentials file %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}

	overlay := []struct {
		key string
		src string
		dst *string
	}{
		{"url", raw.URL, &cfg.AvatarWSURL},
		{"app_id", raw.AppID, &cfg.AppID},
		{"api_key", raw.APIKey, &cfg.APIKey},
		{"api_secret", raw.APISecret, &cfg.APISecret},
		{"avatar_id", raw.AvatarID, &cfg.AvatarID},
		{"vcn", raw.VCN, &cfg.VCN},
	}
	for _, o := range overlay {
		if !meta.IsDefined(o.key) {
			continue
		}
		if v := strings.TrimSpace(o.src); v != "" {
			*o.dst = v
		}
	}
	return nil
}
