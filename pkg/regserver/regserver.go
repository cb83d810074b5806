// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package regserver is the HTTP boundary of the registry: it routes
// publish and yank requests, caps upload sizes, serializes index
// mutations, and converts pipeline results into the always-200 JSON
// error-array responses the cargo client expects.
package regserver

import (
	"io"
	"log"
	"net/http"
	"sync"

	"github.com/yeetrun/cratecatch/pkg/compress"
	"github.com/yeetrun/cratecatch/pkg/index"
	"github.com/yeetrun/cratecatch/pkg/publish"
	"github.com/yeetrun/cratecatch/pkg/regerr"
)

// DefaultMaxBodyBytes caps upload bodies at 2 MiB, which is what
// crates.io allows as well.
const DefaultMaxBodyBytes int64 = 2 << 20

// Server handles registry requests against a constructed Index. It can
// only be built from an existing Index, which in turn can only be built
// from a resolved listen address, so the bind-address/index ordering is
// enforced by construction rather than checked per request.
type Server struct {
	idx       *index.Index
	mux       *http.ServeMux
	maxBody   int64
	verbosity int

	// mu serializes all index mutations. Publishes are globally
	// serialized regardless of crate name, which makes the
	// check-then-append sequence in the index atomic without any
	// locking protocol of its own.
	mu sync.Mutex
}

// Option configures a Server.
type Option func(*Server)

// WithMaxBodyBytes overrides the upload body size cap.
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) { s.maxBody = n }
}

// WithVerbosity sets the logging verbosity: 0 logs errors only, 1 adds
// per-request status lines, 2 and up adds handler detail.
func WithVerbosity(v int) Option {
	return func(s *Server) { s.verbosity = v }
}

// New returns a Server over idx.
func New(idx *index.Index, opts ...Option) *Server {
	s := &Server{
		idx:     idx,
		mux:     http.NewServeMux(),
		maxBody: DefaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.mux.HandleFunc("PUT /api/v1/crates/new", s.handlePublish)
	s.mux.HandleFunc("DELETE /api/v1/crates/{crate}/{version}/yank", s.handleYank)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	s.mux.ServeHTTP(w, req)
}

func (s *Server) vlog(level int, format string, args ...any) {
	if s.verbosity >= level {
		log.Printf(format, args...)
	}
}

// handlePublish accepts a crate upload. The body is read in full before
// the index lock is taken, so an oversized request is rejected without
// any index mutation. The size cap applies to the bytes the pipeline
// actually sees, so a compressed request is bounded after decompression
// as well as on the wire.
func (s *Server) handlePublish(w http.ResponseWriter, req *http.Request) {
	s.vlog(2, "publish request from %s", req.RemoteAddr)
	req.Body = http.MaxBytesReader(w, req.Body, s.maxBody)
	if err := compress.DecompressRequest(req); err != nil {
		s.writeResult(w, regerr.Wrap(regerr.KindDecode, "failed to decompress request body", err))
		return
	}
	body, err := io.ReadAll(io.LimitReader(req.Body, s.maxBody+1))
	if err != nil {
		s.writeResult(w, regerr.Wrap(regerr.KindDecode, "failed to read request body", err))
		return
	}
	if int64(len(body)) > s.maxBody {
		s.writeResult(w, regerr.Newf(regerr.KindDecode, "request body exceeds %d bytes", s.maxBody))
		return
	}

	s.mu.Lock()
	err = publish.Publish(body, s.idx)
	s.mu.Unlock()
	s.writeResult(w, err)
}

// handleYank marks a published version as yanked. Yanks share the
// publish lock since they go through the same index write path.
func (s *Server) handleYank(w http.ResponseWriter, req *http.Request) {
	crate := req.PathValue("crate")
	version := req.PathValue("version")
	s.vlog(2, "yank request for %s@%s from %s", crate, version, req.RemoteAddr)

	s.mu.Lock()
	err := s.idx.Yank(crate, version)
	s.mu.Unlock()
	s.writeResult(w, err)
}

// writeResult converts a pipeline result into the wire response.
// Registries always respond with 200 OK and use the JSON error array
// to indicate problems.
func (s *Server) writeResult(w http.ResponseWriter, err error) {
	var body string
	if err == nil {
		s.vlog(1, "request status: success")
	} else {
		log.Printf("request status: error: %v", err)
		body = encodeErrors(err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, body)
}
