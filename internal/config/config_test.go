package config_test

import (
	"strings"
	"testing"

	"github.com/credo-hq/credo/internal/config"
)

const fullYAML = `
server:
  listen_addr: ":8420"
  log_level: info
  auth:
    token: secret
    allow_loopback: true
providers:
  asr:
    name: whisper-native
    model: /models/ggml-base.en.bin
  embeddings:
    name: ollama
    base_url: http://localhost:11434
    model: nomic-embed-text
  llm:
    name: ollama
    model: llama3.1
transcription:
  sample_rate: 16000
  realtime_factor_cap: 10
queue:
  total_slots: 4
  gpu_slots: 1
  llm_slots: 2
  capacity: 1024
  min_gpu_free_gb: 0.5
  max_wait_boost_ms: 30000
  per_device_cap: 4
knowledge:
  postgres_dsn: "postgres://localhost/credo"
  embedding_dimensions: 768
  chunk_size: 800
  chunk_overlap: 120
  topk: 5
  min_score: 0.70
  no_data_threshold: 0.60
validator:
  link_bonus: 0.05
  llm_context_budget: 6
devices:
  stream_listen: ":7700"
  chunked_listen: ":7701"
  max_jitter_ms: 500
  session_max_seconds: 60
  ring_buffer_seconds: 60
storage:
  data_dir: /var/lib/credo
retention:
  sessions_days: 30
  reports_days: 90
`

func TestLoadFromReader_FullConfig(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(fullYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.ListenAddr != ":8420" {
		t.Errorf("listen_addr: got %q, want %q", cfg.Server.ListenAddr, ":8420")
	}
	if cfg.Server.Auth == nil || cfg.Server.Auth.Token != "secret" || !cfg.Server.Auth.AllowLoopback {
		t.Errorf("auth block not decoded: %+v", cfg.Server.Auth)
	}
	if cfg.Providers.ASR.Name != "whisper-native" {
		t.Errorf("asr provider: got %q", cfg.Providers.ASR.Name)
	}
	if cfg.Providers.Embeddings.BaseURL != "http://localhost:11434" {
		t.Errorf("embeddings base_url: got %q", cfg.Providers.Embeddings.BaseURL)
	}
	if cfg.Queue.LLMSlots != 2 || cfg.Queue.Capacity != 1024 {
		t.Errorf("queue block not decoded: %+v", cfg.Queue)
	}
	if cfg.Knowledge.ChunkSize != 800 || cfg.Knowledge.ChunkOverlap != 120 {
		t.Errorf("knowledge chunking: got %d/%d", cfg.Knowledge.ChunkSize, cfg.Knowledge.ChunkOverlap)
	}
	if cfg.Knowledge.MinScore != 0.70 || cfg.Knowledge.NoDataThreshold != 0.60 {
		t.Errorf("knowledge thresholds: got %v/%v", cfg.Knowledge.MinScore, cfg.Knowledge.NoDataThreshold)
	}
	if cfg.Devices.MaxJitterMS != 500 || cfg.Devices.SessionMaxSeconds != 60 {
		t.Errorf("devices block not decoded: %+v", cfg.Devices)
	}
	if cfg.Retention.SessionsDays != 30 || cfg.Retention.ReportsDays != 90 {
		t.Errorf("retention block not decoded: %+v", cfg.Retention)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  listen_addr: ":8420"
  log_levle: info
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

func TestLoadFromReader_EmptyConfigIsValid(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.LogLevel != "" {
		t.Errorf("expected empty log level, got %q", cfg.Server.LogLevel)
	}
}

func TestLogLevel_IsValid(t *testing.T) {
	t.Parallel()
	for _, l := range []config.LogLevel{config.LogDebug, config.LogInfo, config.LogWarn, config.LogError} {
		if !l.IsValid() {
			t.Errorf("%q should be valid", l)
		}
	}
	if config.LogLevel("verbose").IsValid() {
		t.Error("\"verbose\" should not be valid")
	}
}
