// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package compress transparently decompresses HTTP request bodies for
// the zstd, gzip, and deflate encodings.
package compress

import (
	"compress/flate"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/klauspost/compress/zstd"
)

// DecompressRequest wraps the request body with a decompressing reader
// when the Content-Encoding header names a supported encoding. Unknown
// encodings leave the body untouched.
func DecompressRequest(r *http.Request) error {
	contentEncoding := r.Header.Get("Content-Encoding")

	var reader io.ReadCloser
	var err error
	switch contentEncoding {
	case "", "identity":
		return nil
	case "gzip":
		reader, err = gzip.NewReader(r.Body)
	case "deflate":
		reader = flate.NewReader(r.Body)
	case "zstd":
		var zr *zstd.Decoder
		zr, err = zstd.NewReader(r.Body)
		if err == nil {
			reader = io.NopCloser(zr.IOReadCloser())
		}
	default:
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to create decompressor for %s: %w", contentEncoding, err)
	}

	// Closing the wrapped body must close both the decompressor and
	// the original body.
	r.Body = &closeWrapper{ReadCloser: reader, onClose: r.Body.Close}

	// The body no longer matches these headers once decompressed.
	r.Header.Del("Content-Encoding")
	r.Header.Del("Content-Length")
	return nil
}

type closeWrapper struct {
	io.ReadCloser
	onClose func() error
}

func (cw *closeWrapper) Close() error {
	return errors.Join(cw.ReadCloser.Close(), cw.onClose())
}
