// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package compress

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/klauspost/compress/zstd"
)

func TestDecompressRequest(t *testing.T) {
	testData := []byte("crate upload payload")

	tests := []struct {
		name     string
		encoding string
		compress func([]byte) ([]byte, error)
	}{
		{
			name:     "gzip",
			encoding: "gzip",
			compress: func(data []byte) ([]byte, error) {
				var buf bytes.Buffer
				w := gzip.NewWriter(&buf)
				if _, err := w.Write(data); err != nil {
					return nil, err
				}
				if err := w.Close(); err != nil {
					return nil, err
				}
				return buf.Bytes(), nil
			},
		},
		{
			name:     "deflate",
			encoding: "deflate",
			compress: func(data []byte) ([]byte, error) {
				var buf bytes.Buffer
				w, _ := flate.NewWriter(&buf, flate.DefaultCompression)
				if _, err := w.Write(data); err != nil {
					return nil, err
				}
				if err := w.Close(); err != nil {
					return nil, err
				}
				return buf.Bytes(), nil
			},
		},
		{
			name:     "zstd",
			encoding: "zstd",
			compress: func(data []byte) ([]byte, error) {
				var buf bytes.Buffer
				w, err := zstd.NewWriter(&buf)
				if err != nil {
					return nil, err
				}
				if _, err := w.Write(data); err != nil {
					return nil, err
				}
				if err := w.Close(); err != nil {
					return nil, err
				}
				return buf.Bytes(), nil
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			compressed, err := tt.compress(testData)
			if err != nil {
				t.Fatalf("failed to compress: %v", err)
			}

			req := httptest.NewRequest(http.MethodPut, "/api/v1/crates/new", bytes.NewReader(compressed))
			req.Header.Set("Content-Encoding", tt.encoding)

			if err := DecompressRequest(req); err != nil {
				t.Fatalf("DecompressRequest: %v", err)
			}

			decompressed, err := io.ReadAll(req.Body)
			if err != nil {
				t.Fatalf("failed to read decompressed body: %v", err)
			}
			if !bytes.Equal(decompressed, testData) {
				t.Errorf("decompressed data = %q, want %q", decompressed, testData)
			}
			if got := req.Header.Get("Content-Encoding"); got != "" {
				t.Errorf("Content-Encoding should be removed, got %q", got)
			}
		})
	}
}

func TestDecompressRequestPassthrough(t *testing.T) {
	testData := []byte("uncompressed data")
	for _, encoding := range []string{"", "identity", "br"} {
		req := httptest.NewRequest(http.MethodPut, "/api/v1/crates/new", bytes.NewReader(testData))
		if encoding != "" {
			req.Header.Set("Content-Encoding", encoding)
		}

		if err := DecompressRequest(req); err != nil {
			t.Fatalf("DecompressRequest(%q): %v", encoding, err)
		}
		body, err := io.ReadAll(req.Body)
		if err != nil {
			t.Fatalf("failed to read body: %v", err)
		}
		if !bytes.Equal(body, testData) {
			t.Errorf("body = %q, want %q", body, testData)
		}
	}
}
