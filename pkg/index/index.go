// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package index implements the on-disk crate index: per-crate entry
// files of newline-delimited JSON version records, the registry
// config.json, and the artifact tree.
package index

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/yeetrun/cratecatch/pkg/regerr"
)

const (
	configName = "config.json"
	indexDir   = "index"
	cratesDir  = "crates"
)

// Config is the registry configuration consumed by the client. It is
// derived from the server's bound address and persisted at the registry
// root. The dl value has no substitution markers, so clients append
// /{crate}/{version}/download to it.
type Config struct {
	DL  string `json:"dl"`
	API string `json:"api"`
}

// Record is one published version of a crate as stored in its index
// entry file, one JSON object per line.
type Record struct {
	Name     string              `json:"name"`
	Vers     string              `json:"vers"`
	Deps     []Dependency        `json:"deps"`
	Cksum    string              `json:"cksum"`
	Features map[string][]string `json:"features"`
	Yanked   bool                `json:"yanked"`
	Links    string              `json:"links,omitempty"`
}

// Dependency is one dependency entry of a Record.
type Dependency struct {
	Name            string   `json:"name"`
	Req             string   `json:"req"`
	Features        []string `json:"features"`
	Optional        bool     `json:"optional"`
	DefaultFeatures bool     `json:"default_features"`
	Target          string   `json:"target,omitempty"`
	Kind            string   `json:"kind,omitempty"`
}

// Index owns a registry root directory. It is constructed from the
// resolved listen address, so an Index can only exist once the server
// knows where it is reachable.
type Index struct {
	root string
}

// New ensures root exists with an index tree, an artifact tree, and a
// config derived from addr, and returns an Index over it. An existing
// config that already matches addr is left untouched; a differing one
// is rewritten.
func New(root string, addr net.Addr) (*Index, error) {
	for _, dir := range []string{root, filepath.Join(root, indexDir), filepath.Join(root, cratesDir)} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, regerr.Wrap(regerr.KindIndexInit, fmt.Sprintf("failed to create %s", dir), err)
		}
	}
	idx := &Index{root: root}
	cfg := configFor(addr)
	if existing, err := readConfig(root); err != nil || existing != cfg {
		if err := writeConfig(root, cfg); err != nil {
			return nil, regerr.Wrap(regerr.KindIndexInit, "failed to write registry config", err)
		}
	}
	return idx, nil
}

// Root returns the registry root directory.
func (idx *Index) Root() string { return idx.root }

func configFor(addr net.Addr) Config {
	return Config{
		DL:  fmt.Sprintf("http://%s/api/v1/crates", addr),
		API: fmt.Sprintf("http://%s", addr),
	}
}

func readConfig(root string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(filepath.Join(root, configName))
	if err != nil {
		return cfg, err
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse %s: %w", configName, err)
	}
	return cfg, nil
}

// writeConfig writes cfg atomically via a temp file rename so a crash
// never leaves a partial config behind.
func writeConfig(root string, cfg Config) error {
	tmp, err := os.CreateTemp(root, configName)
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(cfg); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(root, configName))
}

// TryReadPort recovers the port recorded in an existing config at root.
// It exists so a restart with an ephemeral port request can keep the
// externally visible address stable. Any failure is non-fatal to the
// caller, which falls back to a fresh kernel-assigned port.
func TryReadPort(root string) (uint16, error) {
	cfg, err := readConfig(root)
	if err != nil {
		return 0, err
	}
	u, err := url.Parse(cfg.API)
	if err != nil {
		return 0, fmt.Errorf("failed to parse api URL %q: %w", cfg.API, err)
	}
	port, err := strconv.ParseUint(u.Port(), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("failed to parse port in api URL %q: %w", cfg.API, err)
	}
	return uint16(port), nil
}

// EntryPath returns the index entry file for a crate name. Names are
// compared case-insensitively, so the path is computed from the
// lowercased name: one- and two-character names live under fixed "1"
// and "2" directories, three-character names under "3/<first char>",
// and longer names two levels deep keyed by their first four
// characters.
func (idx *Index) EntryPath(name string) string {
	name = strings.ToLower(name)
	var parts []string
	switch len(name) {
	case 0:
		parts = []string{"0"}
	case 1:
		parts = []string{"1", name}
	case 2:
		parts = []string{"2", name}
	case 3:
		parts = []string{"3", name[:1], name}
	default:
		parts = []string{name[:2], name[2:4], name}
	}
	return filepath.Join(append([]string{idx.root, indexDir}, parts...)...)
}

// CratePath returns the artifact storage path for a crate version. The
// layout matches the download URL shape recorded in the config, so a
// static file server rooted at the registry root can satisfy downloads.
func (idx *Index) CratePath(name, version string) string {
	return filepath.Join(idx.root, cratesDir, name, version, "download")
}

// Lookup returns the records published for name, in file order. A name
// that has never been published yields an empty slice.
func (idx *Index) Lookup(name string) ([]Record, error) {
	f, err := os.Open(idx.EntryPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open index entry for %s: %w", name, err)
	}
	defer f.Close()

	var records []Record
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("failed to parse index entry for %s: %w", name, err)
		}
		records = append(records, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read index entry for %s: %w", name, err)
	}
	return records, nil
}

// AppendVersion appends rec to its crate's entry file. The version must
// not already be present and must be strictly greater than every
// version already recorded, so entry files are always in ascending
// version order. The append is synced to disk before success is
// reported.
func (idx *Index) AppendVersion(rec Record) error {
	vers, err := semver.StrictNewVersion(rec.Vers)
	if err != nil {
		return regerr.Wrap(regerr.KindValidation, fmt.Sprintf("invalid version %q", rec.Vers), err)
	}
	existing, err := idx.Lookup(rec.Name)
	if err != nil {
		return regerr.Wrap(regerr.KindPersist, "failed to read index entry", err)
	}
	for _, old := range existing {
		if old.Vers == rec.Vers {
			return regerr.Newf(regerr.KindValidation, "version %s of crate %s is already present", rec.Vers, rec.Name)
		}
		oldVers, err := semver.StrictNewVersion(old.Vers)
		if err != nil {
			return regerr.Wrap(regerr.KindPersist, fmt.Sprintf("corrupt index entry for %s", rec.Name), err)
		}
		if !vers.GreaterThan(oldVers) {
			return regerr.Newf(regerr.KindValidation, "version %s of crate %s is not greater than already published %s", rec.Vers, rec.Name, old.Vers)
		}
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return regerr.Wrap(regerr.KindPersist, "failed to encode index record", err)
	}
	path := idx.EntryPath(rec.Name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return regerr.Wrap(regerr.KindPersist, "failed to create index entry directory", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return regerr.Wrap(regerr.KindPersist, "failed to open index entry", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return regerr.Wrap(regerr.KindPersist, "failed to append index record", err)
	}
	// A success response must never be followed by data loss on crash.
	if err := f.Sync(); err != nil {
		f.Close()
		return regerr.Wrap(regerr.KindPersist, "failed to sync index entry", err)
	}
	if err := f.Close(); err != nil {
		return regerr.Wrap(regerr.KindPersist, "failed to close index entry", err)
	}
	return nil
}

// Yank marks a published version as yanked. The yanked flag is the only
// field that ever changes after a record is written; the rewrite is
// atomic via temp file rename. Yanking an already yanked version is a
// no-op.
func (idx *Index) Yank(name, version string) error {
	records, err := idx.Lookup(name)
	if err != nil {
		return regerr.Wrap(regerr.KindPersist, "failed to read index entry", err)
	}
	found := false
	for i := range records {
		if records[i].Vers != version {
			continue
		}
		if records[i].Yanked {
			return nil
		}
		records[i].Yanked = true
		found = true
		break
	}
	if !found {
		return regerr.Newf(regerr.KindValidation, "version %s of crate %s is not published", version, name)
	}

	path := idx.EntryPath(name)
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path))
	if err != nil {
		return regerr.Wrap(regerr.KindPersist, "failed to create temp index entry", err)
	}
	defer os.Remove(tmp.Name())
	for _, rec := range records {
		line, err := json.Marshal(rec)
		if err != nil {
			tmp.Close()
			return regerr.Wrap(regerr.KindPersist, "failed to encode index record", err)
		}
		if _, err := tmp.Write(append(line, '\n')); err != nil {
			tmp.Close()
			return regerr.Wrap(regerr.KindPersist, "failed to write index entry", err)
		}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return regerr.Wrap(regerr.KindPersist, "failed to sync index entry", err)
	}
	if err := tmp.Close(); err != nil {
		return regerr.Wrap(regerr.KindPersist, "failed to close index entry", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return regerr.Wrap(regerr.KindPersist, "failed to replace index entry", err)
	}
	return nil
}
