// Copyright 2023-2026 Cerebras Systems, Inc. SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"os"

	"github.com/ankitj-cerebras/modelzoo/pkg/convert"
	"github.com/ankitj-cerebras/modelzoo/pkg/support/fsutil"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Names of the converted config files.
const (
	hfConfigName = "config.json"
	csConfigName = "params.yaml"
)

// readConfig reads a Hugging Face JSON config (if hf) or a Cerebras YAML params file.
func readConfig(path string, hf bool) (convert.Config, error) {
	path, err := fsutil.ReplaceTildeInDir(path)
	if err != nil {
		return nil, err
	}
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read config %q", path)
	}
	config := convert.Config{}
	if hf {
		err = json.Unmarshal(contents, &config)
	} else {
		err = yaml.Unmarshal(contents, &config)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse config %q", path)
	}
	return config, nil
}

// writeConfig writes config as indented JSON (if hf) or YAML to the new file path.
func writeConfig(path string, config convert.Config, hf bool) error {
	var (
		contents []byte
		err      error
	)
	if hf {
		contents, err = json.MarshalIndent(config, "", "  ")
	} else {
		contents, err = yaml.Marshal(map[string]any(config))
	}
	if err != nil {
		return errors.Wrapf(err, "failed to encode config for %q", path)
	}
	f, err := fsutil.CreateNewFile(path)
	if err != nil {
		return err
	}
	if _, err = f.Write(contents); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to write config %q", path)
	}
	return errors.Wrapf(f.Close(), "failed to write config %q", path)
}
