// Copyright (C) 2025 Harborlight Labs (oss@harborlight.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var validate = validator.New()

// Store holds the current configuration snapshot and supports hot-reload.
//
// Snapshot() returns an immutable *Config; a reload swaps the pointer, so
// a pipeline run that captured a snapshot keeps seeing it unchanged for
// the whole run.
type Store struct {
	path    string
	current atomic.Pointer[Config]
	watcher *fsnotify.Watcher
}

// Load reads, defaults, and validates the config file at path, creating
// it with defaults on first run.
func Load(path string) (*Store, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		slog.Info("First run detected, writing default config", "path", path)
		if err := writeDefault(path); err != nil {
			return nil, err
		}
	}

	cfg, err := parseFile(path)
	if err != nil {
		return nil, err
	}

	s := &Store{path: path}
	s.current.Store(cfg)
	return s, nil
}

// Snapshot returns the current immutable configuration.
func (s *Store) Snapshot() *Config {
	return s.current.Load()
}

// Watch reloads the config when the file changes. Only the reloadable
// sections (namespaces, routing, retrieval, safety, generation) take
// effect on running services; collaborator endpoints need a restart.
// Returns a stop function.
func (s *Store) Watch() (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create config watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch config directory: %w", err)
	}
	s.watcher = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(s.path) {
					continue
				}
				if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) {
					continue
				}
				cfg, err := parseFile(s.path)
				if err != nil {
					slog.Error("Config reload failed, keeping previous snapshot", "error", err)
					continue
				}
				s.current.Store(cfg)
				slog.Info("Config reloaded", "path", s.path, "namespaces", len(cfg.Namespaces))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("Config watcher error", "error", err)
			}
		}
	}()

	return func() { watcher.Close() }, nil
}

func parseFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	applyDefaults(&cfg)

	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	if err := checkCrossFields(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// checkCrossFields enforces constraints the tag validator cannot express.
func checkCrossFields(c *Config) error {
	seen := make(map[string]bool, len(c.Namespaces))
	for _, ns := range c.Namespaces {
		if seen[ns.Name] {
			return fmt.Errorf("duplicate namespace %q", ns.Name)
		}
		seen[ns.Name] = true
	}
	if !seen[c.Routing.FallbackNamespace] {
		return fmt.Errorf("fallback namespace %q is not a configured namespace", c.Routing.FallbackNamespace)
	}
	for _, r := range c.Safety.Rules {
		if r.Severity == SeverityAdvisory && r.Disclaimer == "" {
			return fmt.Errorf("advisory safety rule %q has no disclaimer", r.Category)
		}
	}
	return nil
}

func writeDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	cfg := DefaultConfig()
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
