// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Settings is the optional operator settings file. Command-line flags
// left at their defaults fall back to these values.
type Settings struct {
	Root         string `toml:"root,omitempty"`
	Addr         string `toml:"addr,omitempty"`
	MaxBodyBytes int64  `toml:"max_body_bytes,omitempty"`
}

func loadSettings(path string) (*Settings, error) {
	var cfg Settings
	if path == "" {
		return &cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("settings file %s does not exist", path)
		}
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if cfg.MaxBodyBytes < 0 {
		return nil, fmt.Errorf("max_body_bytes must be positive, got %d", cfg.MaxBodyBytes)
	}
	return &cfg, nil
}
