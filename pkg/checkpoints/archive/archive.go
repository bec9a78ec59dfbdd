// Copyright 2023-2026 Cerebras Systems, Inc. SPDX-License-Identifier: Apache-2.0

// Package archive implements the hierarchical checkpoint: a single file holding nested dict/list shaped state
// (e.g. {"model": {...}, "optimizer": {...}, "global_step": 10}) on top of a flat tensor Store.
//
// Every leaf of the structure is stored as an individual record named by its dotted path ("model.fc.weight",
// "optimizer.state.0.exp_avg"), and the structure itself -- with Leaf markers at leaf positions -- is stored as a
// separate "spec" record by Writer.Save. Only the spec is needed to navigate the checkpoint, so reading or writing a
// leaf never touches unrelated tensors.
//
// A file without a spec (Writer.Save was never called) is incomplete and Load refuses it.
package archive

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/ankitj-cerebras/modelzoo/pkg/checkpoints/statedict"
	"github.com/ankitj-cerebras/modelzoo/pkg/core/tensors"
	"github.com/ankitj-cerebras/modelzoo/pkg/support/nest"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"k8s.io/klog/v2"
)

var (
	// ErrStructuralConflict is returned when trying to rebind a structural key, or to rebind a leaf to a structure.
	ErrStructuralConflict = errors.New("the structure of a checkpoint can't be changed once set")

	// ErrNoSpec is returned when loading a checkpoint that was never saved.
	ErrNoSpec = errors.New("checkpoint has no structure spec, it is incomplete or corrupt")

	// ErrReadOnly is returned when setting values on a loaded checkpoint.
	ErrReadOnly = errors.New("checkpoint is read-only")
)

// Leaf marks the position of a stored tensor or value in the structure tree.
type Leaf struct{}

// String implements fmt.Stringer.
func (Leaf) String() string { return "*" }

// View is a sub-tree of a hierarchical checkpoint: either a dict (string keys) or a list (keys are the
// decimal indices). Views share the tree, so changes through a View are seen by the Writer.
//
// A View implements the state dict method set (Keys, Has, Get, Set) over its tensor leaves, so a converter can read
// from or write to, say, the "model" sub-tree of a checkpoint.
type View struct {
	store    *Store
	node     any // map[string]any or []any
	prefix   []string
	readOnly bool
}

// Writer is the root View of a new hierarchical checkpoint file.
type Writer struct {
	*View
}

// Create creates a new hierarchical checkpoint at path. It fails if path already exists.
func Create(path string) (*Writer, error) {
	store, err := CreateStore(path)
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("archive.Create(%q): id %s", path, store.ID())
	return &Writer{View: &View{store: store, node: map[string]any{}}}, nil
}

// Save persists the structure spec. Leaves were already written when they were set.
func (w *Writer) Save() error {
	_, spec := nest.Flatten(w.node)
	if err := w.store.SaveSpec(spec); err != nil {
		return errors.WithMessage(err, "archive.Writer.Save")
	}
	return nil
}

// Close the underlying file. It doesn't call Save.
func (w *Writer) Close() error { return w.store.Close() }

// Load opens an existing hierarchical checkpoint for reading, and returns its root View.
// The caller should Close the View when done.
func Load(path string) (*View, error) {
	store, err := OpenStore(path)
	if err != nil {
		return nil, err
	}
	spec := &nest.Spec{}
	if err = store.LoadSpec(spec); err != nil {
		_ = store.Close()
		return nil, err
	}
	markers := make([]any, spec.NumLeaves())
	for ii := range markers {
		markers[ii] = Leaf{}
	}
	root, err := nest.Unflatten(spec, markers)
	if err != nil {
		_ = store.Close()
		return nil, errors.WithMessagef(err, "%s: invalid spec", store)
	}
	if !nest.IsContainer(root) {
		_ = store.Close()
		return nil, errors.Errorf("%s: root of the checkpoint is not a dict or list", store)
	}
	return &View{store: store, node: root, readOnly: true}, nil
}

// Close the underlying file. Only needed for the root View.
func (v *View) Close() error { return v.store.Close() }

// String implements fmt.Stringer.
func (v *View) String() string {
	return fmt.Sprintf("archive.View(%q, %q)", v.store.path, v.name(""))
}

func (v *View) name(key string) string {
	if key == "" {
		return strings.Join(v.prefix, ".")
	}
	return strings.Join(append(slices.Clone(v.prefix), key), ".")
}

// Keys returns the keys of a dict view in sorted order, or the indices of a list view.
func (v *View) Keys() []string {
	switch node := v.node.(type) {
	case map[string]any:
		keys := lo.Keys(node)
		slices.Sort(keys)
		return keys
	case []any:
		return lo.Times(len(node), strconv.Itoa)
	}
	return nil
}

// Len returns the number of entries of the view.
func (v *View) Len() int {
	switch node := v.node.(type) {
	case map[string]any:
		return len(node)
	case []any:
		return len(node)
	}
	return 0
}

func (v *View) lookup(key string) (any, bool) {
	switch node := v.node.(type) {
	case map[string]any:
		value, found := node[key]
		return value, found
	case []any:
		idx, err := strconv.Atoi(key)
		if err != nil || idx < 0 || idx >= len(node) {
			return nil, false
		}
		return node[idx], true
	}
	return nil, false
}

func (v *View) bind(key string, value any) error {
	switch node := v.node.(type) {
	case map[string]any:
		node[key] = value
		return nil
	case []any:
		idx, err := strconv.Atoi(key)
		if err != nil || idx < 0 || idx >= len(node) {
			return errors.Errorf("%s: list index %q out of range", v, key)
		}
		node[idx] = value
		return nil
	}
	return errors.Errorf("%s: invalid view", v)
}

// Has returns whether key is bound in the view, as a leaf or as a structure.
func (v *View) Has(key string) bool {
	_, found := v.lookup(key)
	return found
}

// IsLeaf returns whether key is bound to a leaf (tensor or value).
func (v *View) IsLeaf(key string) bool {
	value, found := v.lookup(key)
	_, isLeaf := value.(Leaf)
	return found && isLeaf
}

// Sub returns the View of the structural entry key.
func (v *View) Sub(key string) (*View, error) {
	value, found := v.lookup(key)
	if !found {
		return nil, statedict.MissingKey(v.name(key))
	}
	if !nest.IsContainer(value) {
		return nil, errors.Errorf("%s: %q is a leaf, not a structure", v, key)
	}
	return &View{store: v.store, node: value, prefix: append(slices.Clone(v.prefix), key), readOnly: v.readOnly}, nil
}

// Get returns the tensor stored at key.
func (v *View) Get(key string) (*tensors.Tensor, error) {
	if !v.IsLeaf(key) {
		if v.Has(key) {
			return nil, errors.Errorf("%s: %q is a structure, not a tensor", v, key)
		}
		return nil, statedict.MissingKey(v.name(key))
	}
	return v.store.LoadTensor(v.name(key))
}

// Value returns the entry at key: a *View for structures, a *tensors.Tensor for tensor leaves or the
// stored value for other leaves.
func (v *View) Value(key string) (any, error) {
	value, found := v.lookup(key)
	if !found {
		return nil, statedict.MissingKey(v.name(key))
	}
	if nest.IsContainer(value) {
		return v.Sub(key)
	}
	name := v.name(key)
	if v.store.Kind(name) == KindTensor {
		return v.store.LoadTensor(name)
	}
	return v.store.LoadValue(name)
}

// Set stores the tensor at key.
func (v *View) Set(key string, value *tensors.Tensor) error {
	if value == nil {
		return errors.Errorf("%s: cannot set nil tensor for %q", v, key)
	}
	return v.SetValue(key, value)
}

// SetValue stores value at key. Dicts and lists (at any depth) are flattened into individual leaves named by their
// dotted paths. Tensors are stored as tensors, anything else must be CBOR encodable.
//
// Rebinding a key that holds a structure, or binding a structure to a key that holds a leaf, fails with
// ErrStructuralConflict.
func (v *View) SetValue(key string, value any) error {
	if v.readOnly {
		return errors.Wrapf(ErrReadOnly, "%s", v)
	}
	if current, found := v.lookup(key); found {
		if nest.IsContainer(current) {
			return errors.Wrapf(ErrStructuralConflict, "%s: %q is already bound to a structure", v, key)
		}
		if nest.IsContainer(value) {
			return errors.Wrapf(ErrStructuralConflict, "%s: %q is already bound to a leaf", v, key)
		}
	} else if _, isList := v.node.([]any); isList {
		return errors.Errorf("%s: list index %q out of range", v, key)
	}

	if !nest.IsContainer(value) {
		if err := v.saveLeaf(v.name(key), value); err != nil {
			return err
		}
		return v.bind(key, Leaf{})
	}

	base := v.name(key)
	err := nest.EnumerateWithPath(value, func(path []string, leaf any) error {
		return v.saveLeaf(base+"."+strings.Join(path, "."), leaf)
	})
	if err != nil {
		return err
	}
	_, spec := nest.Flatten(value)
	markers := make([]any, spec.NumLeaves())
	for ii := range markers {
		markers[ii] = Leaf{}
	}
	skeleton, err := nest.Unflatten(spec, markers)
	if err != nil {
		return errors.WithMessagef(err, "%s: key %q", v, key)
	}
	return v.bind(key, skeleton)
}

func (v *View) saveLeaf(name string, value any) error {
	if t, ok := value.(*tensors.Tensor); ok {
		return v.store.SaveTensor(name, t)
	}
	return v.store.SaveValue(name, value)
}

// TensorKeys returns the keys of the view bound to tensor leaves, in Keys order.
func (v *View) TensorKeys() []string {
	return lo.Filter(v.Keys(), func(key string, _ int) bool {
		return v.IsLeaf(key) && v.store.Kind(v.name(key)) == KindTensor
	})
}
