// Copyright 2023-2026 Cerebras Systems, Inc. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"bytes"
	"fmt"
	"strings"
)

// summaryEdge is the number of leading and trailing elements printed for axes longer than 2*summaryEdge.
const summaryEdge = 3

// Summary returns a multi-line summary of the content of a float Tensor, numpy style: long axes are shortened
// with ellipsis. For other dtypes, and tensors with no elements, it returns only the shape.
func (t *Tensor) Summary(precision int) string {
	if t.Size() == 0 || !t.shape.DType.IsFloat() {
		return t.shape.String()
	}
	values, err := t.Floats()
	if err != nil {
		return t.shape.String()
	}

	var buf bytes.Buffer
	w := func(format string, args ...any) { _, _ = fmt.Fprintf(&buf, format, args...) }
	wValue := func(idx int) { w("%.*g", precision, values[idx]) }

	dims := t.shape.Dimensions
	w("%s", t.shape)
	if len(dims) == 0 {
		w("(")
		wValue(0)
		w(")")
		return buf.String()
	}

	var printElements func(index, indent int, dims []int)
	printElements = func(index, indent int, dims []int) {
		if len(dims) == 1 {
			w("{")
			for ii := range dims[0] {
				if dims[0] > 2*summaryEdge && ii == summaryEdge {
					w(", ...")
				}
				if dims[0] > 2*summaryEdge && ii >= summaryEdge && ii < dims[0]-summaryEdge {
					continue
				}
				if ii > 0 {
					w(", ")
				}
				wValue(index + ii)
			}
			w("}")
			return
		}

		stride := 1
		for _, dim := range dims[1:] {
			stride *= dim
		}
		if indent == -1 {
			w("{\n ")
			indent = 1
		} else {
			w("{")
		}
		indentStr := strings.Repeat(" ", indent)
		for ii := range dims[0] {
			if dims[0] > 2*summaryEdge && ii >= summaryEdge && ii < dims[0]-summaryEdge {
				if ii == summaryEdge {
					w(",\n%s...", indentStr)
				}
				continue
			}
			if ii > 0 {
				w(",\n%s", indentStr)
			}
			printElements(index+ii*stride, indent+1, dims[1:])
		}
		w("}")
	}
	printElements(0, -1, dims)
	return buf.String()
}
