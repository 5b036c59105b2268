package config

import (
	"path/filepath"
	"testing"
)

func TestLoad_DefaultsAndEnvOverride(t *testing.T) {
	t.Setenv("SCAFFOLD_LLM_API_KEY", "sk-test")
	t.Setenv("SCAFFOLD_LLM_MODEL", "claude-sonnet-4-5")
	t.Setenv("SCAFFOLD_CHUNK_SIZE", "3")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ChunkSize != 3 {
		t.Fatalf("ChunkSize=%d, want env override 3", cfg.ChunkSize)
	}
	if cfg.LLMRetries != DefaultLLMRetries {
		t.Fatalf("LLMRetries=%d, want default %d", cfg.LLMRetries, DefaultLLMRetries)
	}
	if cfg.StreamChunkBytes != DefaultStreamChunkBytes {
		t.Fatalf("StreamChunkBytes=%d, want %d", cfg.StreamChunkBytes, DefaultStreamChunkBytes)
	}
	if cfg.RegistryURL != DefaultRegistryURL {
		t.Fatalf("RegistryURL=%q", cfg.RegistryURL)
	}
}

func TestLoad_MissingAPIKey(t *testing.T) {
	t.Setenv("SCAFFOLD_LLM_API_KEY", "")
	t.Setenv("SCAFFOLD_LLM_MODEL", "gpt-5")

	if _, err := Load(""); err == nil {
		t.Fatal("Load accepted a config without an api key")
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg", "config.json")
	in := &Config{LLMAPIKey: "sk-file", LLMModel: "gpt-5", LLMProvider: "openai"}
	if err := Save(path, in); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// File values survive; env is empty so nothing is overridden.
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LLMAPIKey != "sk-file" || cfg.LLMModel != "gpt-5" {
		t.Fatalf("round trip lost fields: %+v", cfg)
	}
}
