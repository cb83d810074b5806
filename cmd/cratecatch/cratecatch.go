// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command cratecatch serves a minimal cargo registry over HTTP for
// trusted contexts: no auth, publish and yank only. The index and
// crate archives live under a single registry root directory that a
// static file server can expose for downloads.
package main

import (
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"

	"github.com/yeetrun/cratecatch/pkg/index"
	"github.com/yeetrun/cratecatch/pkg/regserver"
)

const defaultAddr = "127.0.0.1:0"

var (
	addr      = flag.String("addr", defaultAddr, "address to serve on; port 0 picks an ephemeral port")
	settings  = flag.String("settings", "", "optional path to a cratecatch.toml settings file")
	verbosity countFlag
)

func init() {
	flag.Var(&verbosity, "v", "increase verbosity (can be supplied multiple times)")
}

// countFlag counts how many times a boolean flag was supplied.
type countFlag int

func (c *countFlag) String() string   { return strconv.Itoa(int(*c)) }
func (c *countFlag) Set(string) error { *c++; return nil }
func (c *countFlag) IsBoolFlag() bool { return true }

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s [flags] REGISTRY_ROOT\n", os.Args[0])
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	cfg, err := loadSettings(*settings)
	if err != nil {
		log.Fatalf("failed to load settings: %v", err)
	}
	bindAddr := *addr
	if bindAddr == defaultAddr && cfg.Addr != "" {
		bindAddr = cfg.Addr
	}
	root := flag.Arg(0)
	if root == "" {
		root = cfg.Root
	}
	if root == "" || flag.NArg() > 1 {
		usage()
		os.Exit(2)
	}

	ln, err := listen(bindAddr, root)
	if err != nil {
		log.Fatalf("failed to bind to %s: %v", bindAddr, err)
	}

	// The index needs the resolved address for its config, and the
	// server needs the index, so construction is strictly staged:
	// bind, build the index, build the server, then accept.
	idx, err := index.New(root, ln.Addr())
	if err != nil {
		log.Fatalf("failed to create/instantiate crate index at %s: %v", root, err)
	}

	opts := []regserver.Option{regserver.WithVerbosity(int(verbosity))}
	if cfg.MaxBodyBytes > 0 {
		opts = append(opts, regserver.WithMaxBodyBytes(cfg.MaxBodyBytes))
	}
	srv := regserver.New(idx, opts...)

	log.Printf("serving registry %s on http://%s", root, ln.Addr())
	if err := http.Serve(ln, srv); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

// listen binds the serve address. When an ephemeral port is requested
// and a previous run's port can be recovered from the registry config,
// that port is tried first so the externally visible address stays
// stable across restarts; if it is taken, the originally requested
// address is retried instead of failing startup.
func listen(addr, root string) (net.Listener, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", addr, err)
	}
	originalPort := tcpAddr.Port
	if originalPort == 0 {
		if port, err := index.TryReadPort(root); err == nil {
			tcpAddr.Port = int(port)
		}
	}
	ln, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil && tcpAddr.Port != originalPort {
		tcpAddr.Port = originalPort
		ln, err = net.ListenTCP("tcp", tcpAddr)
	}
	if err != nil {
		return nil, err
	}
	return ln, nil
}
