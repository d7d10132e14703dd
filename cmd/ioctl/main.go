// Command ioctl is a thin CLI exerciser for the object I/O engine: it
// uploads a local file through the full split/encode/erasure/dedup
// pipeline and reads it back, against the in-memory/Redis-backed fakes
// (no external metadata service or block-store cluster required),
// printing the same summary line the teacher's load-test runner prints
// after a run.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kenchrcum/ioengine/engine"
	"github.com/kenchrcum/ioengine/internal/fakes"
	"github.com/kenchrcum/ioengine/internal/ioconfig"
	"github.com/kenchrcum/ioengine/internal/middleware"
	"github.com/kenchrcum/ioengine/internal/model"
	"github.com/kenchrcum/ioengine/internal/pipeline"
	"github.com/kenchrcum/ioengine/internal/telemetry"
)

func main() {
	var (
		uploadPath   = flag.String("upload", "", "path to a local file to upload and read back")
		objID        = flag.String("object-id", "ioctl-object", "object id to upload/read under")
		configPath   = flag.String("config", "", "path to an engine YAML config file")
		verify       = flag.Bool("verify", false, "enable read-path verification mode for the read-back")
		serveMetrics = flag.String("metrics-addr", "", "if set, serve /metrics on this address after the run (e.g. :9090)")
		verbose      = flag.Bool("verbose", false, "enable debug logging")
		traceExport  = flag.String("trace-exporter", "", "span exporter to install: \"stdout\" or \"\" for none")
	)
	flag.Parse()

	logger := logrus.New()
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}

	shutdownTracing, err := telemetry.InstallExporter(telemetry.ExporterConfig{Kind: *traceExport})
	if err != nil {
		log.Fatalf("ioctl: install trace exporter: %v", err)
	}
	defer shutdownTracing(context.Background())

	if *uploadPath == "" {
		log.Fatal("ioctl: -upload is required")
	}

	cfg, err := ioconfig.Load(*configPath)
	if err != nil {
		log.Fatalf("ioctl: load config: %v", err)
	}

	ctx := context.Background()
	rdb, mr, err := fakes.NewMiniredisClient()
	if err != nil {
		log.Fatalf("ioctl: start fake metadata store: %v", err)
	}
	defer mr.Close()
	defer rdb.Close()

	metadata := fakes.New(rdb, fakes.Options{})
	blocks := fakes.NewBlockAgent()

	eng, err := engine.New(engine.Options{
		Config:            cfg,
		Metadata:          metadata,
		Blocks:            blocks,
		Logger:            logger,
		ReadErrorReporter: &fakes.ReadErrorReporter{Service: metadata},
	})
	if err != nil {
		log.Fatalf("ioctl: construct engine: %v", err)
	}

	f, err := os.Open(*uploadPath)
	if err != nil {
		log.Fatalf("ioctl: open %s: %v", *uploadPath, err)
	}
	defer f.Close()
	stat, err := f.Stat()
	if err != nil {
		log.Fatalf("ioctl: stat %s: %v", *uploadPath, err)
	}

	fmt.Println("=== ioengine CLI exerciser ===")
	fmt.Printf("File: %s (%d bytes)\n", *uploadPath, stat.Size())
	fmt.Printf("Object ID: %s\n", *objID)

	uploadStart := time.Now()
	result, err := eng.UploadObject(ctx, engine.UploadParams{
		ObjID:        *objID,
		DeclaredSize: stat.Size(),
		ContentType:  contentTypeFor(*uploadPath),
		Reader:       f,
		Split:        model.ChunkSplitConfig{},
		CheckDups:    true,
	})
	if err != nil {
		log.Fatalf("ioctl: upload failed: %v", err)
	}
	uploadElapsed := time.Since(uploadStart)
	fmt.Printf("Upload: %d chunks, %d parts, %v\n", len(result.Chunks), len(result.Parts), uploadElapsed)

	if *verify {
		eng.SetVerificationMode()
		defer eng.ClearVerificationMode()
	}

	readStart := time.Now()
	data, err := eng.ReadEntireObject(ctx, *objID)
	if err != nil {
		log.Fatalf("ioctl: read failed: %v", err)
	}
	readElapsed := time.Since(readStart)
	fmt.Printf("Read: %d bytes, %v\n", len(data), readElapsed)

	if int64(len(data)) != stat.Size() {
		log.Fatalf("ioctl: read-back size %d does not match uploaded size %d", len(data), stat.Size())
	}

	copyDest := *objID + "-copy"
	if _, err := eng.CopyObject(ctx, pipeline.CopyParams{SourceObjID: *objID, DestObjID: copyDest}); err != nil {
		log.Fatalf("ioctl: copy failed: %v", err)
	}
	fmt.Printf("Copy: %s -> %s ok\n", *objID, copyDest)

	if *serveMetrics != "" {
		fmt.Printf("Serving metrics and health endpoints on %s (Ctrl+C to exit)\n", *serveMetrics)
		wrap := func(h http.Handler) http.Handler {
			return middleware.RecoveryMiddleware(logger)(middleware.LoggingMiddleware(logger)(h))
		}
		http.Handle("/metrics", wrap(eng.MetricsHandler()))
		http.Handle("/healthz", wrap(eng.HealthHandler()))
		http.Handle("/readyz", wrap(eng.ReadinessHandler()))
		http.Handle("/livez", wrap(eng.LivenessHandler()))
		log.Fatal(http.ListenAndServe(*serveMetrics, nil))
	}
}

func contentTypeFor(path string) string {
	for _, ext := range []string{".mp4", ".mov", ".mkv"} {
		if len(path) >= len(ext) && path[len(path)-len(ext):] == ext {
			return "video/mp4"
		}
	}
	return "application/octet-stream"
}
