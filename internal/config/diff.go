package config

import (
	"fmt"
	"reflect"
	"sort"
)

// ConfigDiff describes what changed between two configs. The log level is
// the only setting applied live; everything else listed in
// RestartRequired keeps its old value until the process restarts.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// QueueChanged is true when any queue admission limit changed.
	QueueChanged bool

	// RetrievalChanged is true when a retrieval or adjudication threshold
	// changed (knowledge.topk, min_score, no_data_threshold, validator.*).
	RetrievalChanged bool

	// RestartRequired lists the dotted config paths whose new values only
	// take effect after a restart.
	RestartRequired []string
}

// Diff compares old and new configs and returns what changed. Sections
// whose fields are all equal contribute nothing.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	restart := func(path string) {
		d.RestartRequired = append(d.RestartRequired, path)
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		restart("server.listen_addr")
	}
	// ProviderEntry carries an Options map, so deep equality is needed.
	if !reflect.DeepEqual(old.Providers, new.Providers) {
		restart("providers")
	}
	if old.Transcription != new.Transcription {
		restart("transcription")
	}

	if old.Queue != new.Queue {
		d.QueueChanged = true
		diffFields(restart, "queue", map[string][2]any{
			"total_slots":       {old.Queue.TotalSlots, new.Queue.TotalSlots},
			"gpu_slots":         {old.Queue.GPUSlots, new.Queue.GPUSlots},
			"llm_slots":         {old.Queue.LLMSlots, new.Queue.LLMSlots},
			"capacity":          {old.Queue.Capacity, new.Queue.Capacity},
			"min_gpu_free_gb":   {old.Queue.MinGPUFreeGB, new.Queue.MinGPUFreeGB},
			"max_wait_boost_ms": {old.Queue.MaxWaitBoostMS, new.Queue.MaxWaitBoostMS},
			"per_device_cap":    {old.Queue.PerDeviceCap, new.Queue.PerDeviceCap},
		})
	}

	if old.Knowledge != new.Knowledge || old.Validator != new.Validator {
		d.RetrievalChanged = true
		diffFields(restart, "knowledge", map[string][2]any{
			"postgres_dsn":         {old.Knowledge.PostgresDSN, new.Knowledge.PostgresDSN},
			"embedding_dimensions": {old.Knowledge.EmbeddingDimensions, new.Knowledge.EmbeddingDimensions},
			"chunk_size":           {old.Knowledge.ChunkSize, new.Knowledge.ChunkSize},
			"chunk_overlap":        {old.Knowledge.ChunkOverlap, new.Knowledge.ChunkOverlap},
			"topk":                 {old.Knowledge.TopK, new.Knowledge.TopK},
			"min_score":            {old.Knowledge.MinScore, new.Knowledge.MinScore},
			"no_data_threshold":    {old.Knowledge.NoDataThreshold, new.Knowledge.NoDataThreshold},
		})
		diffFields(restart, "validator", map[string][2]any{
			"link_bonus":         {old.Validator.LinkBonus, new.Validator.LinkBonus},
			"llm_context_budget": {old.Validator.LLMContextBudget, new.Validator.LLMContextBudget},
		})
	}

	if old.Devices != new.Devices {
		restart("devices")
	}
	if old.Storage != new.Storage {
		restart("storage.data_dir")
	}
	if old.Retention != new.Retention {
		restart("retention")
	}

	sort.Strings(d.RestartRequired)
	return d
}

// diffFields records "section.field" for every pair whose values differ.
func diffFields(restart func(string), section string, fields map[string][2]any) {
	for name, pair := range fields {
		if pair[0] != pair[1] {
			restart(fmt.Sprintf("%s.%s", section, name))
		}
	}
}
