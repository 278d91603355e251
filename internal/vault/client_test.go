package vault

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"profitpilot/config"
)

// fakeKV serves the subset of the KV v2 HTTP API the client uses
type fakeKV struct {
	mu      sync.Mutex
	secrets map[string]map[string]interface{}
	token   string
}

func (f *fakeKV) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("X-Vault-Token") != f.token {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"errors":["permission denied"]}`))
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	path := strings.TrimPrefix(r.URL.Path, "/v1/")

	switch r.Method {
	case http.MethodPut, http.MethodPost:
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		data, _ := body["data"].(map[string]interface{})
		f.secrets[path] = data
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{"version":1}}`))
	case http.MethodGet:
		data, ok := f.secrets[path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"errors":[]}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{"data": data, "metadata": map[string]interface{}{"version": 1}},
		})
	case http.MethodDelete:
		delete(f.secrets, strings.Replace(path, "/metadata/", "/data/", 1))
		w.WriteHeader(http.StatusNoContent)
	}
}

func TestMemoryClient(t *testing.T) {
	c := NewMemoryClient()
	ctx := context.Background()

	if _, err := c.GetBotToken(ctx, "u1"); err != ErrNotFound {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
	if err := c.StoreBotToken(ctx, "u1", BotToken{Token: "abc123xyz", Provider: "deriv"}); err != nil {
		t.Fatal(err)
	}
	tok, err := c.GetBotToken(ctx, "u1")
	if err != nil || tok.Token != "abc123xyz" || tok.UpdatedAt.IsZero() {
		t.Fatalf("token = %+v, err = %v", tok, err)
	}
	if err := c.DeleteBotToken(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.GetBotToken(ctx, "u1"); err != ErrNotFound {
		t.Errorf("after delete: %v", err)
	}
	if c.Health(ctx) != nil || c.IsEnabled() {
		t.Error("memory client should be healthy and disabled")
	}
}

func TestVaultRoundTrip(t *testing.T) {
	kv := &fakeKV{secrets: map[string]map[string]interface{}{}, token: "root"}
	server := httptest.NewServer(kv)
	defer server.Close()

	c, err := NewClient(config.VaultConfig{Enabled: true, Address: server.URL, Token: "root"})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if err := c.StoreBotToken(ctx, "u2", BotToken{Token: "secret-token", Provider: "deriv"}); err != nil {
		t.Fatal(err)
	}
	if _, ok := kv.secrets["secret/data/profitpilot/bot-tokens/u2"]; !ok {
		t.Fatalf("secret not written, have %v", kv.secrets)
	}

	// A fresh client has an empty cache and must read from Vault
	fresh, _ := NewClient(config.VaultConfig{Enabled: true, Address: server.URL, Token: "root"})
	tok, err := fresh.GetBotToken(ctx, "u2")
	if err != nil {
		t.Fatal(err)
	}
	if tok.Token != "secret-token" || tok.Provider != "deriv" {
		t.Errorf("token = %+v", tok)
	}

	if err := fresh.DeleteBotToken(ctx, "u2"); err != nil {
		t.Fatal(err)
	}
	if _, err := fresh.GetBotToken(ctx, "u2"); err != ErrNotFound {
		t.Errorf("after delete: %v", err)
	}
}

func TestMaskToken(t *testing.T) {
	tests := map[string]string{
		"":             "",
		"abc":          "***",
		"abcdefghwxyz": "****wxyz",
	}
	for in, want := range tests {
		if got := MaskToken(in); got != want {
			t.Errorf("MaskToken(%q) = %q, want %q", in, got, want)
		}
	}
}
