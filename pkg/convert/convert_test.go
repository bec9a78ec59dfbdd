package convert

import (
	"context"
	"testing"

	"github.com/ankitj-cerebras/modelzoo/pkg/checkpoints/statedict"
	"github.com/ankitj-cerebras/modelzoo/pkg/core/tensors"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type T = *tensors.Tensor

func vec(values ...float32) T { return tensors.FromFlatDataAndDimensions(values, len(values)) }

func stateDict(t *testing.T, keys ...string) *statedict.Map {
	m := statedict.NewMap()
	for ii, key := range keys {
		require.NoError(t, m.Set(key, vec(float32(ii))))
	}
	return m
}

func TestMatcher(t *testing.T) {
	pattern := []Segment{Equiv("layers", "transformer_decoder.layers"), Re(`\.\d+\.`),
		Equiv("input_layernorm", "norm1"), Re(`\.(?:weight|bias)`)}
	forward, err := compile(pattern, Forward)
	require.NoError(t, err)
	backward, err := compile(pattern, Backward)
	require.NoError(t, err)

	got, ok := forward.match("layers.3.input_layernorm.weight")
	require.True(t, ok)
	assert.Equal(t, "transformer_decoder.layers.3.norm1.weight", got)
	got, ok = backward.match(got)
	require.True(t, ok)
	assert.Equal(t, "layers.3.input_layernorm.weight", got)

	// Anchored at both ends.
	_, ok = forward.match("model.layers.3.input_layernorm.weight")
	assert.False(t, ok)
	_, ok = forward.match("layers.3.input_layernorm.weight_extra")
	assert.False(t, ok)
	// Literal text is escaped.
	lit, err := compile([]Segment{Lit("a.b")}, Forward)
	require.NoError(t, err)
	_, ok = lit.match("aXb")
	assert.False(t, ok)

	_, err = compile([]Segment{Re(`(`)}, Forward)
	require.Error(t, err)
}

func TestNestedAndCatchPrefixes(t *testing.T) {
	attention := NewRuleSet(
		Rule[T]{Pattern: []Segment{Equiv("q_proj", "proj_q"), Re(`\.weight`)}, Action: Copy[T]()},
		Rule[T]{Pattern: []Segment{Re(`rotary\.inv_freq`)}, Exists: Left},
	)
	model := NewRuleSet(
		Rule[T]{Pattern: []Segment{Equiv("layers", "decoder"), Re(`\.\d+\.`), Equiv("attn.", "self_attn."),
			Nested(attention)}},
	)
	rs := CatchPrefixes(model, Equiv("", "model."))
	assert.Equal(t, 4, rs.Len())

	old := stateDict(t, "layers.0.attn.q_proj.weight", "layers.1.attn.rotary.inv_freq")
	converted := statedict.NewMap()
	conv := &CheckpointConverter{Name: "test", Rules: rs}
	require.NoError(t, ConvertCheckpoint(context.Background(), conv, old, converted, Configs{}, Forward, nil))
	assert.Equal(t, []string{"decoder.0.self_attn.proj_q.weight"}, converted.Keys())

	// Backward, from keys saved with the older "model." prefix.
	var keyPrefix string
	conv.PostConvert = func(h *Hook) error {
		keyPrefix = h.KeyPrefix
		return nil
	}
	old = stateDict(t, "model.decoder.0.self_attn.proj_q.weight")
	converted = statedict.NewMap()
	require.NoError(t, ConvertCheckpoint(context.Background(), conv, old, converted, Configs{}, Backward, nil))
	assert.Equal(t, []string{"layers.0.attn.q_proj.weight"}, converted.Keys())
	assert.Equal(t, "", keyPrefix)

	old = stateDict(t, "layers.0.attn.q_proj.weight")
	converted = statedict.NewMap()
	conv.Rules = NewRuleSet(Rule[T]{Pattern: []Segment{catchPrefix{Equiv("", "model.")}, Nested(model)}})
	require.NoError(t, ConvertCheckpoint(context.Background(), conv, old, converted, Configs{}, Forward, nil))
	assert.Equal(t, []string{"model.decoder.0.self_attn.proj_q.weight"}, converted.Keys())
	assert.Equal(t, "model.", keyPrefix)
}

func TestUnmatchedKeys(t *testing.T) {
	conv := &CheckpointConverter{
		Name:  "test",
		Rules: NewRuleSet(Rule[T]{Pattern: []Segment{Equiv("a", "b")}, Action: Copy[T]()}),
	}
	old := stateDict(t, "a", "c")
	err := ConvertCheckpoint(context.Background(), conv, old, statedict.NewMap(), Configs{}, Forward, nil)
	var mismatch *SchemaMismatchError
	require.True(t, errors.As(err, &mismatch))
	assert.Equal(t, "c", mismatch.Key)

	converted := statedict.NewMap()
	var progress []int
	opts := &Options{DropUnmatchedKeys: true, Progress: func(done, total int) {
		assert.Equal(t, 2, total)
		progress = append(progress, done)
	}}
	require.NoError(t, ConvertCheckpoint(context.Background(), conv, old, converted, Configs{}, Forward, opts))
	assert.Equal(t, []string{"b"}, converted.Keys())
	assert.Equal(t, []int{1, 2}, progress)
}

func TestFirstMatchAndStrictMatching(t *testing.T) {
	conv := &CheckpointConverter{
		Name: "test",
		Rules: NewRuleSet(
			Rule[T]{Pattern: []Segment{Equiv("x", "first")}, Action: Copy[T]()},
			Rule[T]{Pattern: []Segment{Re(`.*`)}, Action: Copy[T]()},
		),
	}
	old := stateDict(t, "x", "y")
	converted := statedict.NewMap()
	require.NoError(t, ConvertCheckpoint(context.Background(), conv, old, converted, Configs{}, Forward, nil))
	assert.Equal(t, []string{"first", "y"}, converted.Keys())

	err := ConvertCheckpoint(context.Background(), conv, old, statedict.NewMap(), Configs{}, Forward,
		&Options{StrictMatching: true})
	assert.True(t, errors.Is(err, ErrAmbiguousRule))

	// The same rule reached through two version alternatives is not ambiguous.
	conv.Rules = CatchPrefixes(NewRuleSet(Rule[T]{Pattern: []Segment{Re(`w`)}, Action: Copy[T]()}),
		Equiv("", "model."))
	converted = statedict.NewMap()
	require.NoError(t, ConvertCheckpoint(context.Background(), conv, stateDict(t, "w"), converted, Configs{},
		Forward, &Options{StrictMatching: true}))
	assert.Equal(t, []string{"w"}, converted.Keys())
}

func TestExistsConstraints(t *testing.T) {
	rules := NewRuleSet(
		Rule[T]{Pattern: []Segment{Re(`shared`)}, Action: Copy[T]()},
		Rule[T]{Pattern: []Segment{Re(`lm_head\.weight`)}, Exists: Right},
	)
	conv := &CheckpointConverter{Name: "test", Rules: rules}

	// Converting from the side where the key exists drops it.
	converted := statedict.NewMap()
	require.NoError(t, ConvertCheckpoint(context.Background(), conv, stateDict(t, "shared", "lm_head.weight"),
		converted, Configs{}, Backward, nil))
	assert.Equal(t, []string{"shared"}, converted.Keys())

	// Finding it on the other side is an error.
	err := ConvertCheckpoint(context.Background(), conv, stateDict(t, "lm_head.weight"), statedict.NewMap(),
		Configs{}, Forward, nil)
	assert.True(t, errors.Is(err, ErrExistsViolation))

	// And so is synthesizing it when converting away from its side.
	conv.PostConvert = func(h *Hook) error { return h.New.Set("lm_head.weight", vec(1)) }
	err = ConvertCheckpoint(context.Background(), conv, stateDict(t, "shared"), statedict.NewMap(), Configs{},
		Backward, nil)
	assert.True(t, errors.Is(err, ErrExistsViolation))

	// A converted key claimed first by an unconstrained rule is fine, even if a later constrained rule matches it:
	// e.g. a final norm named "ln_f" on one side and a copy of it under the same name on the other side.
	conv = &CheckpointConverter{Name: "test", Rules: NewRuleSet(
		Rule[T]{Pattern: []Segment{Equiv("ln_f", "decoder.norm")}, Action: Copy[T]()},
		Rule[T]{Pattern: []Segment{Lit("ln_f")}, Exists: Right},
	)}
	converted = statedict.NewMap()
	require.NoError(t, ConvertCheckpoint(context.Background(), conv, stateDict(t, "decoder.norm", "ln_f"),
		converted, Configs{}, Backward, nil))
	assert.Equal(t, []string{"ln_f"}, converted.Keys())
}

func TestCustomActionErrors(t *testing.T) {
	conv := &CheckpointConverter{
		Name: "test",
		Rules: NewRuleSet(Rule[T]{Pattern: []Segment{Re(`.*`)}, Action: Custom[T](func(c *Call[T]) error {
			if c.OldKey == "boom" {
				panic(errors.New("exploded"))
			}
			return c.Copy()
		})}),
	}
	err := ConvertCheckpoint(context.Background(), conv, stateDict(t, "ok", "boom"), statedict.NewMap(),
		Configs{}, Forward, nil)
	var convErr *ConversionError
	require.True(t, errors.As(err, &convErr))
	assert.Equal(t, "boom", convErr.OldKey)
	assert.Contains(t, err.Error(), "exploded")
}

func TestPreConvertOverlay(t *testing.T) {
	rules := NewRuleSet(
		Rule[T]{Pattern: []Segment{Equiv("emb", "embedding")}, Action: Copy[T]()},
		Rule[T]{Pattern: []Segment{Re(`head`)}, Action: Copy[T]()},
	)
	conv := &CheckpointConverter{Name: "test", Rules: rules}
	conv.PreConvert = func(h *Hook) error {
		if h.Old.Has("emb") {
			return nil
		}
		overlay := statedict.NewOverlay(h.Old)
		head, err := h.Old.Get("head")
		if err != nil {
			return err
		}
		h.Old = overlay
		return overlay.Set("emb", head)
	}
	old := stateDict(t, "head")
	converted := statedict.NewMap()
	require.NoError(t, ConvertCheckpoint(context.Background(), conv, old, converted, Configs{}, Forward, nil))
	assert.Equal(t, []string{"head", "embedding"}, converted.Keys())
	assert.False(t, old.Has("emb"), "source store is not modified")
}

func TestSynthesizeLMHead(t *testing.T) {
	emb := tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4, 5, 6}, 3, 2)
	old := statedict.NewMap()
	require.NoError(t, old.Set("embed.weight", emb))

	converted := statedict.NewMap()
	h := &Hook{Old: old, New: converted, KeyPrefix: "model.", Seed: 42}
	require.NoError(t, SynthesizeLMHead(h, LMHead{EmbeddingKey: "embed.weight", WeightKey: "lm_head.weight",
		BiasKey: "lm_head.bias", Tied: true, UseBias: true}))
	weight, err := converted.Get("model.lm_head.weight")
	require.NoError(t, err)
	assert.True(t, weight.Equal(emb))
	bias, err := converted.Get("model.lm_head.bias")
	require.NoError(t, err)
	assert.Equal(t, []int{3}, bias.Dimensions())

	converted = statedict.NewMap()
	h = &Hook{Old: old, New: converted, Seed: 42}
	head := LMHead{EmbeddingKey: "embed.weight", WeightKey: "lm_head.weight", VocabSize: 3, HiddenSize: 2}
	require.NoError(t, SynthesizeLMHead(h, head))
	weight, err = converted.Get("lm_head.weight")
	require.NoError(t, err)
	assert.Equal(t, []int{3, 2}, weight.Dimensions())
	assert.False(t, converted.Has("lm_head.bias"))

	// Same seed, same head.
	again := statedict.NewMap()
	require.NoError(t, SynthesizeLMHead(&Hook{Old: old, New: again, Seed: 42}, head))
	weight2, err := again.Get("lm_head.weight")
	require.NoError(t, err)
	assert.True(t, weight.Equal(weight2))
}

func TestRegistry(t *testing.T) {
	r := &Registry{}
	conv := &CheckpointConverter{
		Name:    "test-hf-cs",
		Family:  "test",
		Formats: Pair[FormatVersions]{Left: Formats("hf"), Right: Formats("cs-2.0", "cs-2.1")},
		Rules:   NewRuleSet(Rule[T]{Pattern: []Segment{Re(`.*`)}, Action: Copy[T]()}),
	}
	r.Register(conv)
	assert.Equal(t, []string{"test"}, r.Families())
	assert.Len(t, r.List("test"), 1)

	got, direction, err := r.Lookup("test", "cs-2.1", "hf")
	require.NoError(t, err)
	assert.Same(t, conv, got)
	assert.Equal(t, Backward, direction)

	_, _, err = r.Lookup("test", "hf", "cs-1.9")
	assert.True(t, errors.Is(err, ErrNoConverter))
	_, _, err = r.Lookup("gpt", "hf", "cs-2.0")
	assert.True(t, errors.Is(err, ErrNoConverter))

	assert.Panics(t, func() {
		r.Register(&CheckpointConverter{Name: "bad", Family: "test", Rules: NewRuleSet(Rule[T]{Pattern: []Segment{Re(`(`)}})})
	})
}
