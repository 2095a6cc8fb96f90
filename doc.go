// Package postbox exposes the Go APIs behind a minimal message-submission
// service. A small HTTP front door serves a handful of pages and accepts form
// posts; every decoded submission is handed over a loopback datagram socket to
// an ingest receiver, which appends it to a JSON document keyed by the local
// time of arrival. Both halves run as peers under one supervisor.
//
// Copyright (C) 2026 Michel Blomgren <https://pkt.systems>
//
// # Running a server
//
// The front door listens on `Config.Listen` (default ":3000") and serves files
// from `Config.Root`. The ingest receiver binds `Config.IngestListen` (default
// "127.0.0.1:5000"). The document lives at `<Root>/storage/data.json` unless
// `Config.Store` selects another backend.
//
//	cfg := postbox.Config{Root: "/srv/postbox"}
//	srv, err := postbox.NewServer(cfg)
//	if err != nil { log.Fatal(err) }
//	go func() {
//	    if err := srv.Start(); err != nil {
//	        log.Fatalf("postbox: %v", err)
//	    }
//	}()
//	defer func() {
//	    if err := srv.Shutdown(context.Background()); err != nil {
//	        log.Printf("postbox shutdown: %v", err)
//	    }
//	}()
//
// StartServer wraps the same sequence and returns once the listener is bound:
//
//	srv, stop, err := postbox.StartServer(ctx, cfg)
//	if err != nil { log.Fatal(err) }
//	defer stop(context.Background())
//
// # Storage
//
// The store URL picks the backend holding `data.json`:
//
//   - `disk:///var/lib/postbox` (default `disk://<Root>/storage`)
//   - `mem://` for tests and throwaway instances
//   - `s3://host:9000/bucket/prefix` for MinIO and other S3-compatible services
//   - `aws://bucket/prefix?region=eu-north-1` for AWS S3
//   - `azure://account/container/prefix` for Azure Blob Storage
//
// Every append rereads and rewrites the whole document, serialized behind a
// single lock (plus an advisory file lock on disk), so the document is meant
// for modest volumes.
//
// # Ingest transport
//
// `Config.IngestTransport` selects "udp" (default) or "local". The UDP
// transport caps an encoded record at 1024 bytes and the front door answers
// 413 for larger submissions. The local transport is a bounded in-process
// queue that answers 503 when full.
//
// # Telemetry
//
// `Config.OTLPEndpoint` enables OpenTelemetry tracing, `Config.MetricsListen`
// exposes a Prometheus scrape endpoint and `Config.PprofListen` serves
// net/http/pprof.
package postbox
