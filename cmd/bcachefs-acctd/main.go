// Copyright 2024 The Erigon Authors
// This file is part of Erigon.
//
// Erigon is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Erigon is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Erigon. If not, see <http://www.gnu.org/licenses/>.

// Command bcachefs-acctd is the ambient "serve this thing" wrapper
// every repo in this family carries: a mount-replay simulation, an
// on-demand GC/fsck runner, and a Prometheus /metrics endpoint, all
// driven off one in-process FsHandle.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/anacrolix/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/coldtrie/bcachefs-go/config"
)

type cli struct {
	ConfigFile string `help:"Path to a TOML tunables file; defaults carry if omitted." name:"config" type:"path"`

	Mount struct {
		Path        string `arg:"" help:"Mount-point directory the advisory lock is taken under." type:"path"`
		MetricsAddr string `help:"Address to serve /metrics on, e.g. :9100. Empty disables it." default:""`
	} `cmd:"" help:"Replay accounting state and hold the mount lock until interrupted."`

	Fsck struct {
		Path string `arg:"" help:"Mount-point directory the advisory lock is taken under." type:"path"`
	} `cmd:"" help:"Run one GC pass and verify_clean against a mounted state, report and exit."`
}

func main() {
	var c cli
	kctx := kong.Parse(&c, kong.Name("bcachefs-acctd"),
		kong.Description("Disk-accounting ledger and namespace-transaction engine mount helper."))

	cfg := config.Default()
	if c.ConfigFile != "" {
		loaded, err := config.Load(c.ConfigFile)
		kctx.FatalIfErrorf(err)
		cfg = loaded
	}

	switch kctx.Command() {
	case "mount <path>":
		kctx.FatalIfErrorf(runMount(cfg, c.Mount.Path, c.Mount.MetricsAddr))
	case "fsck <path>":
		kctx.FatalIfErrorf(runFsck(cfg, c.Fsck.Path))
	default:
		kctx.Fatalf("unknown command %q", kctx.Command())
	}
}

func runMount(cfg config.Tunables, path, metricsAddr string) error {
	reg := prometheus.NewRegistry()
	h := NewFsHandle(cfg, log.Default, reg)

	ctx := context.Background()
	lockPath := filepath.Join(path, ".bcachefs-acctd.lock")
	if err := h.Mount(ctx, lockPath); err != nil {
		return err
	}
	defer h.Unmount()

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Default.Levelf(log.Error, "bcachefs-acctd: metrics server: %v", err)
			}
		}()
		log.Default.Levelf(log.Info, "bcachefs-acctd: serving metrics on %s", metricsAddr)
	}

	// A real mount blocks serving VFS requests (out of scope here);
	// this stands in for that by waiting on SIGINT/SIGTERM.
	waitForSignal()
	return nil
}

func runFsck(cfg config.Tunables, path string) error {
	h := NewFsHandle(cfg, log.Default, nil)

	ctx := context.Background()
	lockPath := filepath.Join(path, ".bcachefs-acctd.lock")
	if err := h.Mount(ctx, lockPath); err != nil {
		return err
	}
	defer h.Unmount()

	stats, err := h.RunGC(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("gc: scanned=%d corrected=%d\n", stats.Scanned, stats.Corrected)

	if err := h.VerifyClean(); err != nil {
		fmt.Fprintf(os.Stderr, "verify_clean: %v\n", err)
		return err
	}
	fmt.Println("verify_clean: ok")
	return nil
}

func waitForSignal() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	<-ch
}
