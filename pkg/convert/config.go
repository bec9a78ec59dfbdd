// Copyright 2023-2026 Cerebras Systems, Inc. SPDX-License-Identifier: Apache-2.0

package convert

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"k8s.io/klog/v2"
)

// Defaults holds, for each side, values injected into a config for the keys it doesn't set.
type Defaults = Pair[Config]

// ConfigHook is passed to ConfigConverter hooks.
type ConfigHook struct {
	// Original is the full source config, with all its sections.
	Original Config

	// Old is the source model config, after the pre-conversion defaults were applied.
	// Pre-conversion hooks may modify it.
	Old Config

	// New is the converted model config. It is empty in pre-conversion hooks.
	New Config

	Direction Direction
}

// ConfigHookFunc is the signature of ConfigConverter hooks.
type ConfigHookFunc func(h *ConfigHook) error

// ConfigConverter converts model configs between two formats.
type ConfigConverter struct {
	Name    string
	Formats Pair[FormatVersions]
	Rules   *RuleSet[any]

	// Sections holds, for each side, the top-level key holding the model config, or "" if the config is flat.
	// Cerebras configs keep the model under "model".
	Sections Pair[string]

	// PreDefaults are applied to the source config before the rules, using the source side table.
	// PostDefaults are applied to the converted config after the rules, using the target side table.
	PreDefaults, PostDefaults Defaults

	// PreConvert runs after the pre-conversion defaults. PostConvert runs last, and usually derives values that
	// depend on more than one key, or validates the source config.
	PreConvert, PostConvert ConfigHookFunc
}

// ConvertConfig converts config in the given direction.
//
// The model section of the source config (see ConfigConverter.Sections) is extracted and completed with
// PreDefaults, then each key is converted by the first matching rule; the result is completed with PostDefaults and
// wrapped into the target model section. When both sides are sectioned, the other sections are copied as is.
//
// The source config is not modified.
func ConvertConfig(ctx context.Context, conv *ConfigConverter, config Config, direction Direction, opts *Options) (
	Config, error) {
	if opts == nil {
		opts = &Options{}
	}
	ctx, span := tracer.Start(ctx, "convert.ConvertConfig")
	defer span.End()
	span.SetAttributes(attribute.String("converter", conv.Name), attribute.String("direction", direction.String()))

	source, target := direction.Source(), direction.Target()
	old := config.Clone()
	if section := conv.Sections.Get(source); section != "" {
		value, found := config[section]
		if !found {
			return nil, errors.WithStack(&ConfigConversionError{
				Reason: fmt.Sprintf("%s: source config has no %q section", conv.Name, section)})
		}
		var err error
		if old, err = mustBeConfig(cloneValue(value), fmt.Sprintf("config section %q", section)); err != nil {
			return nil, err
		}
	}
	applyDefaults(old, conv.PreDefaults.Get(source))

	hook := &ConfigHook{Original: config, Old: old, New: Config{}, Direction: direction}
	if conv.PreConvert != nil {
		if err := conv.PreConvert(hook); err != nil {
			return nil, errors.WithMessagef(err, "%s", conv.Name)
		}
	}
	p := &pass[any]{
		name:      conv.Name,
		rules:     conv.Rules,
		from:      hook.Old,
		to:        hook.New,
		direction: direction,
		opts:      opts,
	}
	if err := p.run(ctx); err != nil {
		return nil, err
	}
	applyDefaults(hook.New, conv.PostDefaults.Get(target))
	if conv.PostConvert != nil {
		if err := conv.PostConvert(hook); err != nil {
			return nil, errors.WithMessagef(err, "%s", conv.Name)
		}
	}
	// Defaults and hooks may add keys too.
	if err := p.checkExists(); err != nil {
		return nil, err
	}

	section := conv.Sections.Get(target)
	if section == "" {
		return hook.New, nil
	}
	result := Config{section: hook.New}
	if conv.Sections.Get(source) != "" {
		for key, value := range config {
			if key != conv.Sections.Get(source) && key != section {
				result[key] = cloneValue(value)
			}
		}
	}
	klog.V(1).Infof("%s: converted config with %d model keys", conv.Name, len(hook.New))
	return result, nil
}

func applyDefaults(config, defaults Config) {
	for key, value := range defaults {
		if _, found := config[key]; !found {
			config[key] = cloneValue(value)
		}
	}
}

// ConvertNonlinearity is the config action mapping Hugging Face activations to the Cerebras gated (GLU)
// activations: silu <-> swiglu, relu <-> reglu, gelu <-> geglu. The Hugging Face side must be Left.
func ConvertNonlinearity(c *Call[any]) error {
	value, err := c.Value()
	if err != nil {
		return err
	}
	activation, _ := value.(string)
	mapping := map[string]string{"silu": "swiglu", "relu": "reglu", "gelu": "geglu"}
	if c.FromSource(Right) {
		mapping = map[string]string{"swiglu": "silu", "reglu": "relu", "geglu": "gelu"}
	}
	converted, found := mapping[activation]
	if !found {
		return ConfigErrorf(c.OldKey, "activation %v has no gated (GLU) counterpart", value)
	}
	return c.New.Set(c.NewKey, converted)
}

// ConvertRMSNorm is the config action for Equiv("use_rms_norm", "norm_type"): the boolean flag of older
// formats becomes the norm_type name ("rmsnorm" or "layernorm") and back.
func ConvertRMSNorm(c *Call[any]) error {
	value, err := c.Value()
	if err != nil {
		return err
	}
	if c.FromSource(Left) {
		useRMSNorm, ok := value.(bool)
		if !ok {
			return ConfigErrorf(c.OldKey, "expected a bool, got %v (%T)", value, value)
		}
		normType := "layernorm"
		if useRMSNorm {
			normType = "rmsnorm"
		}
		return c.New.Set(c.NewKey, normType)
	}
	switch value {
	case "rmsnorm":
		return c.New.Set(c.NewKey, true)
	case "layernorm":
		return c.New.Set(c.NewKey, false)
	}
	return ConfigErrorf(c.OldKey, "norm type %v can't be expressed with use_rms_norm", value)
}

// CheckRotaryDim validates that the rotary dimension of the config equals the attention head dimension
// (hidden size divided by the number of heads).
func CheckRotaryDim(config Config, rotaryKey, hiddenKey, headsKey string) error {
	rotaryDim, err := config.Int(rotaryKey)
	if err != nil {
		return err
	}
	headDim, err := HeadDim(config, hiddenKey, headsKey)
	if err != nil {
		return err
	}
	if rotaryDim != headDim {
		return ConfigErrorf(rotaryKey, "%s=%d must be %s / %s = %d", rotaryKey, rotaryDim, hiddenKey, headsKey, headDim)
	}
	return nil
}

// HeadDim returns the attention head dimension of config: hidden size divided by the number of heads.
func HeadDim(config Config, hiddenKey, headsKey string) (int, error) {
	hidden, err := config.Int(hiddenKey)
	if err != nil {
		return 0, err
	}
	heads, err := config.Int(headsKey)
	if err != nil {
		return 0, err
	}
	if heads <= 0 || hidden%heads != 0 {
		return 0, ConfigErrorf(hiddenKey, "%s=%d is not divisible by %s=%d", hiddenKey, hidden, headsKey, heads)
	}
	return hidden / heads, nil
}
