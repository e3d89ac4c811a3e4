package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per adapter kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"asr":        {"whisper-native", "mock"},
	"embeddings": {"openai", "ollama", "mock"},
	"llm":        {"openai", "ollama", "anthropic", "llamacpp", "mock"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}
	if cfg.Server.Auth != nil && cfg.Server.Auth.Token == "" && !cfg.Server.Auth.AllowLoopback {
		errs = append(errs, errors.New("server.auth.token is empty and allow_loopback is false; no request could ever authenticate"))
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("asr", cfg.Providers.ASR.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)
	validateProviderName("llm", cfg.Providers.LLM.Name)

	// Provider availability warnings. The engine starts without adapters,
	// but the corresponding pipeline stages will degrade.
	if cfg.Providers.ASR.Name == "" {
		slog.Warn("no ASR provider configured; device audio cannot be transcribed")
	}
	if cfg.Providers.LLM.Name == "" {
		slog.Warn("no LLM provider configured; claim extraction falls back to rules and verdicts degrade to uncertain")
	}
	if cfg.Providers.Embeddings.Name == "" {
		slog.Warn("no embeddings provider configured; document ingestion and retrieval will not be available")
	}
	if cfg.Providers.ASR.Name == "whisper-native" && cfg.Providers.ASR.Model == "" {
		errs = append(errs, errors.New("providers.asr.model is required for whisper-native (path to the ggml model file)"))
	}

	// Embeddings ↔ knowledge dimensions
	if cfg.Providers.Embeddings.Name != "" && cfg.Knowledge.EmbeddingDimensions <= 0 {
		slog.Warn("providers.embeddings is configured but knowledge.embedding_dimensions is not set; defaulting to 768")
	}
	if cfg.Knowledge.PostgresDSN == "" && cfg.Providers.Embeddings.Name != "" {
		slog.Warn("knowledge.postgres_dsn is empty; the knowledge base will not be available")
	}

	// Transcription
	if sr := cfg.Transcription.SampleRate; sr != 0 && (sr < 8000 || sr > 48000) {
		errs = append(errs, fmt.Errorf("transcription.sample_rate %d is out of range [8000, 48000]", sr))
	}
	if cfg.Transcription.RealtimeFactorCap < 0 {
		errs = append(errs, fmt.Errorf("transcription.realtime_factor_cap %d must not be negative", cfg.Transcription.RealtimeFactorCap))
	}

	// Queue
	if cfg.Queue.TotalSlots < 0 || cfg.Queue.GPUSlots < 0 || cfg.Queue.LLMSlots < 0 {
		errs = append(errs, errors.New("queue slot counts must not be negative"))
	}
	if cfg.Queue.TotalSlots > 0 {
		if cfg.Queue.GPUSlots > cfg.Queue.TotalSlots {
			errs = append(errs, fmt.Errorf("queue.gpu_slots %d exceeds queue.total_slots %d", cfg.Queue.GPUSlots, cfg.Queue.TotalSlots))
		}
		if cfg.Queue.LLMSlots > cfg.Queue.TotalSlots {
			errs = append(errs, fmt.Errorf("queue.llm_slots %d exceeds queue.total_slots %d", cfg.Queue.LLMSlots, cfg.Queue.TotalSlots))
		}
	}
	if cfg.Queue.Capacity < 0 {
		errs = append(errs, fmt.Errorf("queue.capacity %d must not be negative", cfg.Queue.Capacity))
	}

	// Knowledge
	if cfg.Knowledge.ChunkSize < 0 || cfg.Knowledge.ChunkOverlap < 0 {
		errs = append(errs, errors.New("knowledge.chunk_size and knowledge.chunk_overlap must not be negative"))
	}
	if cfg.Knowledge.ChunkSize > 0 && cfg.Knowledge.ChunkOverlap >= cfg.Knowledge.ChunkSize {
		errs = append(errs, fmt.Errorf("knowledge.chunk_overlap %d must be smaller than knowledge.chunk_size %d", cfg.Knowledge.ChunkOverlap, cfg.Knowledge.ChunkSize))
	}
	if s := cfg.Knowledge.MinScore; s < 0 || s > 1 {
		errs = append(errs, fmt.Errorf("knowledge.min_score %.2f is out of range [0, 1]", s))
	}
	if s := cfg.Knowledge.NoDataThreshold; s < 0 || s > 1 {
		errs = append(errs, fmt.Errorf("knowledge.no_data_threshold %.2f is out of range [0, 1]", s))
	}
	if cfg.Knowledge.MinScore > 0 && cfg.Knowledge.NoDataThreshold > cfg.Knowledge.MinScore {
		slog.Warn("knowledge.no_data_threshold exceeds knowledge.min_score; every retrieval below min_score will be declared no_data",
			"no_data_threshold", cfg.Knowledge.NoDataThreshold,
			"min_score", cfg.Knowledge.MinScore,
		)
	}

	// Validator
	if b := cfg.Validator.LinkBonus; b < 0 || b > 1 {
		errs = append(errs, fmt.Errorf("validator.link_bonus %.2f is out of range [0, 1]", b))
	}
	if cfg.Validator.LLMContextBudget < 0 {
		errs = append(errs, fmt.Errorf("validator.llm_context_budget %d must not be negative", cfg.Validator.LLMContextBudget))
	}

	// Devices
	if j := cfg.Devices.MaxJitterMS; j < 0 {
		errs = append(errs, fmt.Errorf("devices.max_jitter_ms %d must not be negative", j))
	}
	if s := cfg.Devices.SessionMaxSeconds; s < 0 {
		errs = append(errs, fmt.Errorf("devices.session_max_seconds %d must not be negative", s))
	}
	if s := cfg.Devices.RingBufferSeconds; s < 0 {
		errs = append(errs, fmt.Errorf("devices.ring_buffer_seconds %d must not be negative", s))
	}

	// Retention
	if cfg.Retention.SessionsDays < 0 || cfg.Retention.ReportsDays < 0 {
		errs = append(errs, errors.New("retention days must not be negative (zero disables the sweep)"))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
