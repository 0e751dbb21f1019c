// Package settings persists the model configuration as a flat key/value
// document and keeps it in sync with the file on disk.
package settings

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// ModelConfiguration holds the tunables used to load and sample the model.
type ModelConfiguration struct {
	ContextSize   int     `json:"context_size" yaml:"context_size" toml:"context_size"`
	OutputTokens  int     `json:"output_tokens" yaml:"output_tokens" toml:"output_tokens"`
	BatchSize     int     `json:"batch_size" yaml:"batch_size" toml:"batch_size"`
	NThreads      int     `json:"n_threads" yaml:"n_threads" toml:"n_threads"`
	Temperature   float64 `json:"temperature" yaml:"temperature" toml:"temperature"`
	TopP          float64 `json:"top_p" yaml:"top_p" toml:"top_p"`
	RepeatPenalty float64 `json:"repeat_penalty" yaml:"repeat_penalty" toml:"repeat_penalty"`
	UseGPU        bool    `json:"use_gpu" yaml:"use_gpu" toml:"use_gpu"`
	UseMMap       bool    `json:"use_mmap" yaml:"use_mmap" toml:"use_mmap"`
	UseMLock      bool    `json:"use_mlock" yaml:"use_mlock" toml:"use_mlock"`
	Streaming     bool    `json:"streaming" yaml:"streaming" toml:"streaming"`
	// LegacyAPI forces the compatibility loader.
	LegacyAPI bool `json:"legacy_api" yaml:"legacy_api" toml:"legacy_api"`
}

// Defaults returns the factory configuration.
func Defaults() ModelConfiguration {
	return ModelConfiguration{
		ContextSize:   8192,
		OutputTokens:  1024,
		BatchSize:     512,
		NThreads:      12,
		Temperature:   0.7,
		TopP:          0.95,
		RepeatPenalty: 1.05,
		UseGPU:        true,
		UseMMap:       true,
		UseMLock:      false,
		Streaming:     true,
		LegacyAPI:     false,
	}
}

// field describes one key of the flat document.
type field struct {
	key string
	max float64 // zero for booleans
	get func(*ModelConfiguration) any
	set func(*ModelConfiguration, any) error
}

func intField(key string, max int, ptr func(*ModelConfiguration) *int) field {
	return field{
		key: key,
		max: float64(max),
		get: func(c *ModelConfiguration) any { return *ptr(c) },
		set: func(c *ModelConfiguration, v any) error {
			f, err := toFloat(v)
			if err != nil {
				return err
			}
			if f != math.Trunc(f) {
				return fmt.Errorf("expected an integer, got %v", v)
			}
			*ptr(c) = int(clamp(f, 1, float64(max)))
			return nil
		},
	}
}

func floatField(key string, max float64, ptr func(*ModelConfiguration) *float64) field {
	return field{
		key: key,
		max: max,
		get: func(c *ModelConfiguration) any { return *ptr(c) },
		set: func(c *ModelConfiguration, v any) error {
			f, err := toFloat(v)
			if err != nil {
				return err
			}
			*ptr(c) = clamp(f, 0, max)
			return nil
		},
	}
}

func boolField(key string, ptr func(*ModelConfiguration) *bool) field {
	return field{
		key: key,
		get: func(c *ModelConfiguration) any { return *ptr(c) },
		set: func(c *ModelConfiguration, v any) error {
			switch b := v.(type) {
			case bool:
				*ptr(c) = b
			case string:
				pb, err := strconv.ParseBool(strings.TrimSpace(b))
				if err != nil {
					return fmt.Errorf("expected a boolean, got %q", b)
				}
				*ptr(c) = pb
			default:
				return fmt.Errorf("expected a boolean, got %T", v)
			}
			return nil
		},
	}
}

var fields = []field{
	intField("context_size", 32768, func(c *ModelConfiguration) *int { return &c.ContextSize }),
	intField("output_tokens", 8192, func(c *ModelConfiguration) *int { return &c.OutputTokens }),
	intField("batch_size", 2048, func(c *ModelConfiguration) *int { return &c.BatchSize }),
	intField("n_threads", 24, func(c *ModelConfiguration) *int { return &c.NThreads }),
	floatField("temperature", 2.0, func(c *ModelConfiguration) *float64 { return &c.Temperature }),
	floatField("top_p", 1.0, func(c *ModelConfiguration) *float64 { return &c.TopP }),
	floatField("repeat_penalty", 2.0, func(c *ModelConfiguration) *float64 { return &c.RepeatPenalty }),
	boolField("use_gpu", func(c *ModelConfiguration) *bool { return &c.UseGPU }),
	boolField("use_mmap", func(c *ModelConfiguration) *bool { return &c.UseMMap }),
	boolField("use_mlock", func(c *ModelConfiguration) *bool { return &c.UseMLock }),
	boolField("streaming", func(c *ModelConfiguration) *bool { return &c.Streaming }),
	boolField("legacy_api", func(c *ModelConfiguration) *bool { return &c.LegacyAPI }),
}

var fieldIndex = func() map[string]field {
	m := make(map[string]field, len(fields))
	for _, f := range fields {
		m[f.key] = f
	}
	return m
}()

// Keys returns every known settings key in sorted order.
func Keys() []string {
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		out = append(out, f.key)
	}
	sort.Strings(out)
	return out
}

// MaxValues returns the upper bound of every numeric key.
func MaxValues() map[string]float64 {
	out := make(map[string]float64)
	for _, f := range fields {
		if f.max > 0 {
			out[f.key] = f.max
		}
	}
	return out
}

// ToMap flattens c into the persisted key/value form.
func (c ModelConfiguration) ToMap() map[string]any {
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		out[f.key] = f.get(&c)
	}
	return out
}

// Apply sets key to v on c, coercing and clamping the value.
func (c *ModelConfiguration) Apply(key string, v any) error {
	f, ok := fieldIndex[key]
	if !ok {
		return &UnknownKeyError{Key: key}
	}
	if err := f.set(c, v); err != nil {
		return fmt.Errorf("settings: %s: %w", key, err)
	}
	return nil
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case float32:
		return float64(n), nil
	case float64:
		return n, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, fmt.Errorf("expected a number, got %q", n)
		}
		return f, nil
	case interface{ Float64() (float64, error) }:
		return n.Float64()
	}
	return 0, fmt.Errorf("expected a number, got %T", v)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
