package config

import (
	"encoding/json"
	"hash/fnv"
)

// fingerprint hashes the JSON form of v. Zero means "no fingerprint".
func fingerprint(v any) uint64 {
	if v == nil {
		return 0
	}
	b, err := json.Marshal(v)
	if err != nil || len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// normalizedFingerprint ignores whitespace and key order. Blocks that are
// not valid JSON fall back to their raw bytes.
func normalizedFingerprint(raw json.RawMessage) uint64 {
	if len(raw) == 0 {
		return 0
	}
	var v any
	if json.Unmarshal(raw, &v) == nil {
		return fingerprint(v)
	}
	h := fnv.New64a()
	_, _ = h.Write(raw)
	return h.Sum64()
}

// Hash changes whenever the plugin block or its enabled flag does.
func (p PluginConfigRaw) Hash() uint64 {
	h := normalizedFingerprint(p.Config)
	if p.Enabled {
		h ^= 0x9e3779b97f4a7c15
	}
	return h
}
