// Copyright 2023-2026 Cerebras Systems, Inc. SPDX-License-Identifier: Apache-2.0

// Package models registers all the model converters in convert.DefaultRegistry.
//
// Import it for its side effect:
//
//	import _ "github.com/ankitj-cerebras/modelzoo/pkg/convert/models"
package models

import (
	// Model families.
	_ "github.com/ankitj-cerebras/modelzoo/pkg/convert/models/falcon"
	_ "github.com/ankitj-cerebras/modelzoo/pkg/convert/models/llama"
)
