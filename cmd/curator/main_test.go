package main

import (
	"bytes"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/withObsrvr/obsrvr-curator/internal/config"
	"github.com/withObsrvr/obsrvr-curator/internal/keys"
	"github.com/withObsrvr/obsrvr-curator/internal/pipeline"
)

func TestPipelineOptionsFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Run.Mode = "replace"
	cfg.Keys.Canonical = "int64"

	opts, err := pipelineOptions(cfg)
	if err != nil {
		t.Fatalf("pipelineOptions failed: %v", err)
	}
	if opts.Mode != pipeline.ModeReplace || opts.Canonical != keys.CanonicalInt64 {
		t.Errorf("opts = %+v", opts)
	}
	if opts.Dimensions.Users != cfg.Landing.UsersPrefix || opts.EventsPrefix != cfg.Landing.EventsPrefix {
		t.Errorf("prefixes not carried over: %+v", opts)
	}

	cfg.Run.Mode = "append"
	if _, err := pipelineOptions(cfg); err == nil {
		t.Error("unknown mode should be rejected")
	}
}

func TestBucketRouting(t *testing.T) {
	lc := landingConfig(config.LandingConfig{Backend: "s3", Bucket: "raw"})
	if lc.S3Bucket != "raw" || lc.GCSBucket != "" {
		t.Errorf("landing = %+v", lc)
	}
	sc := storageConfig(config.StorageConfig{Backend: "gcs", Bucket: "curated", Prefix: "p/"})
	if sc.GCSBucket != "curated" || sc.S3Bucket != "" || sc.Prefix != "p/" {
		t.Errorf("storage = %+v", sc)
	}
}

func TestVersionCommand(t *testing.T) {
	cmd := versionCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs(nil)
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !strings.HasPrefix(out.String(), "curator "+pipeline.Version) {
		t.Errorf("output = %q", out.String())
	}
}

func TestSignalContextCancelsOnSignal(t *testing.T) {
	ctx, stop := signalContext()
	defer stop()

	if err := syscall.Kill(syscall.Getpid(), syscall.SIGTERM); err != nil {
		t.Fatalf("Kill failed: %v", err)
	}
	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("context not canceled after SIGTERM")
	}
}

func TestSignalContextStop(t *testing.T) {
	ctx, stop := signalContext()
	stop()
	if ctx.Err() == nil {
		t.Error("stop should cancel the context")
	}
}
