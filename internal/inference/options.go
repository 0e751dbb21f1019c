package inference

import (
	"memoaid/internal/manager"
	"memoaid/internal/settings"
)

// Fallback parameters used when the first attempt produced no text.
const (
	FallbackMaxTokens   = 256
	FallbackTemperature = 0.5
)

// Options are the sampling parameters of one generation.
type Options struct {
	MaxTokens     int
	Temperature   float32
	TopP          float32
	TopK          int
	RepeatPenalty float32
	Seed          int
	// Stop overrides StopSequences when non-nil. An empty non-nil slice
	// disables stop sequences.
	Stop []string
}

// OptionsFromConfig derives generation options from the model settings.
func OptionsFromConfig(c settings.ModelConfiguration) Options {
	return Options{
		MaxTokens:     c.OutputTokens,
		Temperature:   float32(c.Temperature),
		TopP:          float32(c.TopP),
		RepeatPenalty: float32(c.RepeatPenalty),
	}
}

func (o Options) predictParams() manager.PredictParams {
	stop := o.Stop
	if stop == nil {
		stop = StopSequences
	}
	return manager.PredictParams{
		MaxTokens:     o.MaxTokens,
		Temperature:   o.Temperature,
		TopP:          o.TopP,
		TopK:          o.TopK,
		RepeatPenalty: o.RepeatPenalty,
		Seed:          o.Seed,
		Stop:          stop,
	}
}

// fallback drops the stop sequences: the retry prompt has no chat markup.
func (o Options) fallback() Options {
	o.MaxTokens = FallbackMaxTokens
	o.Temperature = FallbackTemperature
	o.Stop = []string{}
	return o
}
