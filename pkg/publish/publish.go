// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package publish implements the crate publish pipeline: decode the
// upload wire format, validate the metadata, checksum and persist the
// archive, and append the version record to the index.
package publish

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"

	"github.com/yeetrun/cratecatch/pkg/index"
	"github.com/yeetrun/cratecatch/pkg/regerr"
)

// Metadata is the structured first segment of an upload body, in the
// format the cargo client sends to the publish endpoint. Descriptive
// fields beyond the ones recorded in the index are accepted and
// ignored.
type Metadata struct {
	Name          string              `json:"name"`
	Vers          string              `json:"vers"`
	Deps          []Dependency        `json:"deps"`
	Features      map[string][]string `json:"features"`
	Authors       []string            `json:"authors"`
	Description   string              `json:"description"`
	Documentation string              `json:"documentation"`
	Homepage      string              `json:"homepage"`
	Readme        string              `json:"readme"`
	Keywords      []string            `json:"keywords"`
	Categories    []string            `json:"categories"`
	License       string              `json:"license"`
	LicenseFile   string              `json:"license_file"`
	Repository    string              `json:"repository"`
	Links         string              `json:"links"`
}

// Dependency is one dependency entry of upload metadata.
type Dependency struct {
	Name            string   `json:"name"`
	VersionReq      string   `json:"version_req"`
	Features        []string `json:"features"`
	Optional        bool     `json:"optional"`
	DefaultFeatures bool     `json:"default_features"`
	Target          string   `json:"target"`
	Kind            string   `json:"kind"`
	Registry        string   `json:"registry"`
}

// Publish runs the pipeline for one upload body against idx. Steps run
// in a fixed order and the first failure is terminal: a validation
// failure leaves no artifact behind, and a failed index append leaves
// at worst an orphaned artifact, never an index entry pointing at a
// missing one.
func Publish(body []byte, idx *index.Index) error {
	meta, data, err := decode(body)
	if err != nil {
		return err
	}
	if err := validate(meta); err != nil {
		return err
	}

	sum := sha256.Sum256(data)
	cksum := hex.EncodeToString(sum[:])

	if err := persistArtifact(idx.CratePath(meta.Name, meta.Vers), data); err != nil {
		return err
	}

	rec := index.Record{
		Name:     meta.Name,
		Vers:     meta.Vers,
		Deps:     indexDeps(meta.Deps),
		Cksum:    cksum,
		Features: meta.Features,
		Links:    meta.Links,
	}
	if rec.Features == nil {
		rec.Features = map[string][]string{}
	}
	return idx.AppendVersion(rec)
}

// decode splits the two length-prefixed segments of an upload body: a
// 4-byte little-endian length followed by that many bytes of JSON
// metadata, then the same for the raw archive. Trailing bytes beyond
// the second segment are ignored for forward compatibility.
func decode(body []byte) (Metadata, []byte, error) {
	var meta Metadata
	metaRaw, rest, err := segment(body)
	if err != nil {
		return meta, nil, regerr.Wrap(regerr.KindDecode, "failed to read metadata segment", err)
	}
	data, _, err := segment(rest)
	if err != nil {
		return meta, nil, regerr.Wrap(regerr.KindDecode, "failed to read archive segment", err)
	}
	if err := json.Unmarshal(metaRaw, &meta); err != nil {
		return meta, nil, regerr.Wrap(regerr.KindDecode, "failed to parse crate metadata", err)
	}
	return meta, data, nil
}

func segment(b []byte) (seg, rest []byte, err error) {
	if len(b) < 4 {
		return nil, nil, fmt.Errorf("truncated length prefix: have %d bytes", len(b))
	}
	n := binary.LittleEndian.Uint32(b)
	if uint64(len(b)-4) < uint64(n) {
		return nil, nil, fmt.Errorf("truncated segment: length prefix %d but %d bytes remain", n, len(b)-4)
	}
	return b[4 : 4+n], b[4+n:], nil
}

func validate(meta Metadata) error {
	if !validName(meta.Name) {
		return regerr.Newf(regerr.KindValidation, "invalid crate name %q", meta.Name)
	}
	if _, err := semver.StrictNewVersion(meta.Vers); err != nil {
		return regerr.Wrap(regerr.KindValidation, fmt.Sprintf("invalid version %q", meta.Vers), err)
	}
	for _, dep := range meta.Deps {
		if !validName(dep.Name) {
			return regerr.Newf(regerr.KindValidation, "invalid dependency name %q", dep.Name)
		}
		// Dependencies need not exist in this registry, but their
		// version requirements must at least parse.
		if _, err := semver.NewConstraint(dep.VersionReq); err != nil {
			return regerr.Wrap(regerr.KindValidation, fmt.Sprintf("invalid version requirement %q for dependency %s", dep.VersionReq, dep.Name), err)
		}
	}
	return nil
}

// validName reports whether name is non-empty and restricted to
// alphanumerics, hyphens, and underscores.
func validName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return false
		}
	}
	return true
}

// persistArtifact writes data to path via a uniquely named temp file
// and a rename. Artifacts are immutable once written: if path already
// exists it is left byte-for-byte untouched, which keeps a rejected
// duplicate publish from clobbering the original upload.
func persistArtifact(path string, data []byte) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return regerr.Wrap(regerr.KindPersist, "failed to create artifact directory", err)
	}
	tmp := filepath.Join(dir, "."+uuid.NewString()+".tmp")
	f, err := os.Create(tmp)
	if err != nil {
		return regerr.Wrap(regerr.KindPersist, "failed to create artifact file", err)
	}
	defer os.Remove(tmp)
	if _, err := f.Write(data); err != nil {
		f.Close()
		return regerr.Wrap(regerr.KindPersist, "failed to write artifact", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return regerr.Wrap(regerr.KindPersist, "failed to sync artifact", err)
	}
	if err := f.Close(); err != nil {
		return regerr.Wrap(regerr.KindPersist, "failed to close artifact", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return regerr.Wrap(regerr.KindPersist, "failed to move artifact into place", err)
	}
	return nil
}

func indexDeps(deps []Dependency) []index.Dependency {
	out := make([]index.Dependency, len(deps))
	for i, d := range deps {
		features := d.Features
		if features == nil {
			features = []string{}
		}
		out[i] = index.Dependency{
			Name:            d.Name,
			Req:             d.VersionReq,
			Features:        features,
			Optional:        d.Optional,
			DefaultFeatures: d.DefaultFeatures,
			Target:          d.Target,
			Kind:            d.Kind,
		}
	}
	return out
}
