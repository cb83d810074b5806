// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package publish

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"net"
	"os"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/yeetrun/cratecatch/pkg/index"
	"github.com/yeetrun/cratecatch/pkg/regerr"
)

func newTestIndex(t *testing.T) *index.Index {
	t.Helper()
	addr := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 8080}
	idx, err := index.New(t.TempDir(), addr)
	if err != nil {
		t.Fatalf("index.New: %v", err)
	}
	return idx
}

// buildBody frames metadata and archive bytes the way the cargo client
// does: a 4-byte little-endian length before each segment.
func buildBody(t *testing.T, meta any, archive []byte) []byte {
	t.Helper()
	metaRaw, err := json.Marshal(meta)
	if err != nil {
		t.Fatalf("json.Marshal: %v", err)
	}
	var body []byte
	body = binary.LittleEndian.AppendUint32(body, uint32(len(metaRaw)))
	body = append(body, metaRaw...)
	body = binary.LittleEndian.AppendUint32(body, uint32(len(archive)))
	body = append(body, archive...)
	return body
}

func TestPublish(t *testing.T) {
	idx := newTestIndex(t)
	archive := []byte("crate archive bytes")
	meta := Metadata{
		Name: "foo",
		Vers: "0.1.0",
		Deps: []Dependency{
			{Name: "serde", VersionReq: "^1.0", DefaultFeatures: true},
			{Name: "libc", VersionReq: ">=0.2, <0.3", Kind: "dev"},
		},
		Features:    map[string][]string{"default": {"std"}},
		Description: "test crate",
	}

	if err := Publish(buildBody(t, meta, archive), idx); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	stored, err := os.ReadFile(idx.CratePath("foo", "0.1.0"))
	if err != nil {
		t.Fatalf("ReadFile artifact: %v", err)
	}
	if string(stored) != string(archive) {
		t.Fatalf("stored artifact = %q, want %q", stored, archive)
	}

	sum := sha256.Sum256(archive)
	records, err := idx.Lookup("foo")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	want := []index.Record{{
		Name: "foo",
		Vers: "0.1.0",
		Deps: []index.Dependency{
			{Name: "serde", Req: "^1.0", Features: []string{}, DefaultFeatures: true},
			{Name: "libc", Req: ">=0.2, <0.3", Features: []string{}, Kind: "dev"},
		},
		Cksum:    hex.EncodeToString(sum[:]),
		Features: map[string][]string{"default": {"std"}},
	}}
	if diff := cmp.Diff(want, records); diff != "" {
		t.Fatalf("record mismatch (-want +got):\n%s", diff)
	}
}

func TestPublishTrailingBytesIgnored(t *testing.T) {
	idx := newTestIndex(t)
	body := buildBody(t, Metadata{Name: "foo", Vers: "0.1.0"}, []byte("data"))
	body = append(body, "future extension"...)
	if err := Publish(body, idx); err != nil {
		t.Fatalf("Publish with trailing bytes: %v", err)
	}
}

func TestPublishTruncated(t *testing.T) {
	idx := newTestIndex(t)
	full := buildBody(t, Metadata{Name: "foo", Vers: "0.1.0"}, []byte("archive"))
	tests := []struct {
		name string
		body []byte
	}{
		{"empty", nil},
		{"short prefix", full[:2]},
		{"cut metadata", full[:8]},
		{"missing archive length", full[:len(full)-12]},
		{"cut archive", full[:len(full)-2]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Publish(tt.body, idx)
			if !regerr.Is(err, regerr.KindDecode) {
				t.Fatalf("Publish = %v, want decode error", err)
			}
		})
	}
}

func TestPublishUnparsableMetadata(t *testing.T) {
	idx := newTestIndex(t)
	metaRaw := []byte("{not json")
	var body []byte
	body = binary.LittleEndian.AppendUint32(body, uint32(len(metaRaw)))
	body = append(body, metaRaw...)
	body = binary.LittleEndian.AppendUint32(body, 0)
	err := Publish(body, idx)
	if !regerr.Is(err, regerr.KindDecode) {
		t.Fatalf("Publish = %v, want decode error", err)
	}
}

func TestPublishValidation(t *testing.T) {
	idx := newTestIndex(t)
	tests := []struct {
		name string
		meta Metadata
	}{
		{"empty name", Metadata{Name: "", Vers: "1.0.0"}},
		{"bad name charset", Metadata{Name: "foo/bar", Vers: "1.0.0"}},
		{"bad version", Metadata{Name: "foo", Vers: "one"}},
		{"partial version", Metadata{Name: "foo", Vers: "1.0"}},
		{"bad dependency name", Metadata{Name: "foo", Vers: "1.0.0", Deps: []Dependency{{Name: "no spaces", VersionReq: "^1"}}}},
		{"bad dependency req", Metadata{Name: "foo", Vers: "1.0.0", Deps: []Dependency{{Name: "serde", VersionReq: "not a req"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Publish(buildBody(t, tt.meta, []byte("data")), idx)
			if !regerr.Is(err, regerr.KindValidation) {
				t.Fatalf("Publish = %v, want validation error", err)
			}
			// A failed validation leaves no artifact behind.
			if _, err := os.Stat(idx.CratePath(tt.meta.Name, tt.meta.Vers)); err == nil {
				t.Fatal("artifact written despite validation failure")
			}
		})
	}
}

func TestPublishDuplicateLeavesFilesUnchanged(t *testing.T) {
	idx := newTestIndex(t)
	original := []byte("original archive")
	if err := Publish(buildBody(t, Metadata{Name: "foo", Vers: "1.0.0"}, original), idx); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	entryBefore, err := os.ReadFile(idx.EntryPath("foo"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	err = Publish(buildBody(t, Metadata{Name: "foo", Vers: "1.0.0"}, []byte("different bytes")), idx)
	if !regerr.Is(err, regerr.KindValidation) {
		t.Fatalf("duplicate Publish = %v, want validation error", err)
	}

	entryAfter, err := os.ReadFile(idx.EntryPath("foo"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(entryBefore) != string(entryAfter) {
		t.Fatal("index entry changed by rejected duplicate")
	}
	artifact, err := os.ReadFile(idx.CratePath("foo", "1.0.0"))
	if err != nil {
		t.Fatalf("ReadFile artifact: %v", err)
	}
	if string(artifact) != string(original) {
		t.Fatalf("artifact = %q, want original bytes %q", artifact, original)
	}
}

func TestPublishNonMonotonicLeavesOrphanArtifact(t *testing.T) {
	idx := newTestIndex(t)
	if err := Publish(buildBody(t, Metadata{Name: "foo", Vers: "1.0.0"}, []byte("v1")), idx); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	err := Publish(buildBody(t, Metadata{Name: "foo", Vers: "0.5.0"}, []byte("v0.5")), idx)
	if !regerr.Is(err, regerr.KindValidation) {
		t.Fatalf("Publish = %v, want validation error", err)
	}
	// The artifact write precedes the index append, so the rejected
	// version leaves an orphaned artifact but no index record.
	if _, err := os.Stat(idx.CratePath("foo", "0.5.0")); err != nil {
		t.Fatalf("orphan artifact missing: %v", err)
	}
	records, err := idx.Lookup("foo")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if len(records) != 1 || records[0].Vers != "1.0.0" {
		t.Fatalf("Lookup = %+v, want only 1.0.0", records)
	}
}

func TestValidName(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"foo", true},
		{"foo-bar_baz2", true},
		{"F00", true},
		{"", false},
		{"foo bar", false},
		{"foo/bar", false},
		{"foö", false},
	}
	for _, tt := range tests {
		if got := validName(tt.name); got != tt.want {
			t.Errorf("validName(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}
