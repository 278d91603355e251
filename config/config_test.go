package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfigFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadRequireEmailVerification(t *testing.T) {
	tests := []struct {
		name string
		file string
		env  string
		want bool
	}{
		{"no file defaults on", "", "", true},
		{"file omits key", `{"auth":{"jwt_secret":"s"}}`, "", true},
		{"file turns it off", `{"auth":{"require_email_verification":false}}`, "", false},
		{"env beats file", `{"auth":{"require_email_verification":false}}`, "true", true},
		{"env turns it off", "", "false", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "missing.json")
			if tt.file != "" {
				path = writeConfigFile(t, tt.file)
			}
			t.Setenv("CONFIG_FILE", path)
			t.Setenv("AUTH_REQUIRE_EMAIL_VERIFICATION", tt.env)

			cfg, err := Load()
			if err != nil {
				t.Fatal(err)
			}
			if cfg.AuthConfig.RequireEmailVerification != tt.want {
				t.Errorf("RequireEmailVerification = %v, want %v", cfg.AuthConfig.RequireEmailVerification, tt.want)
			}
		})
	}
}
