package postbox

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"pkt.systems/postbox/internal/storage"
)

func TestBuildDiskConfig(t *testing.T) {
	root := t.TempDir()
	cases := []struct {
		store string
		want  string
	}{
		{"disk:///var/lib/postbox", "/var/lib/postbox"},
		{"disk://data", filepath.Join(root, "data")},
		{"disk://data/nested", filepath.Join(root, "data", "nested")},
	}
	for _, tc := range cases {
		got, err := BuildDiskConfig(Config{Root: root, Store: tc.store})
		if err != nil {
			t.Fatalf("%s: %v", tc.store, err)
		}
		if got.Root != tc.want {
			t.Fatalf("%s: root %q, want %q", tc.store, got.Root, tc.want)
		}
	}
	if _, err := BuildDiskConfig(Config{Root: root, Store: "disk://"}); err == nil {
		t.Fatalf("expected error for empty disk path")
	}
}

func TestBuildGenericS3Config(t *testing.T) {
	cfg := Config{
		Store:             "s3://localhost:9000/mail/box/inbox?insecure=true&path-style=true",
		S3AccessKeyID:     "AKIA",
		S3SecretAccessKey: "secret",
	}
	got, summary, err := BuildGenericS3Config(cfg)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if got.Endpoint != "localhost:9000" || got.Bucket != "mail" || got.Prefix != "box/inbox" {
		t.Fatalf("unexpected config %+v", got)
	}
	if !got.Insecure || !got.ForcePathStyle {
		t.Fatalf("query flags not applied: %+v", got)
	}
	if got.CustomCreds == nil || summary.Source != "config" || !summary.HasSecret {
		t.Fatalf("credentials not resolved: %+v", summary)
	}

	_, _, err = BuildGenericS3Config(Config{Store: "s3://localhost:9000/mail", S3AccessKeyID: "only-key"})
	if err == nil || !strings.Contains(err.Error(), "incomplete") {
		t.Fatalf("expected incomplete credentials error, got %v", err)
	}
	if _, _, err := BuildGenericS3Config(Config{Store: "s3://localhost:9000"}); err == nil {
		t.Fatalf("expected missing bucket error")
	}
}

func TestBuildAWSConfig(t *testing.T) {
	t.Setenv("AWS_REGION", "")
	t.Setenv("AWS_DEFAULT_REGION", "")
	if _, err := BuildAWSConfig(Config{Store: "aws://bucket/prefix"}); err == nil {
		t.Fatalf("expected region error")
	}
	got, err := BuildAWSConfig(Config{Store: "aws://bucket/pre/fix?region=eu-north-1&path-style=true"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if got.Bucket != "bucket" || got.Prefix != "pre/fix" || got.Region != "eu-north-1" || !got.PathStyle {
		t.Fatalf("unexpected config %+v", got)
	}
}

func TestBuildAzureConfig(t *testing.T) {
	t.Setenv("AZURE_STORAGE_ACCOUNT_KEY", "")
	got, err := BuildAzureConfig(Config{Store: "azure://acct/container/pre", AzureAccountKey: "a2V5"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if got.Account != "acct" || got.Container != "container" || got.Prefix != "pre" || got.AccountKey != "a2V5" {
		t.Fatalf("unexpected config %+v", got)
	}
	if _, err := BuildAzureConfig(Config{Store: "azure://acct"}); err == nil {
		t.Fatalf("expected missing container error")
	}
}

func TestOpenBackendDiskRoundTrip(t *testing.T) {
	cfg := Config{Root: t.TempDir()}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	backend, err := OpenBackend(cfg, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer backend.Close()
	if _, ok := storage.AsLocker(backend); !ok {
		t.Fatalf("decorated disk backend should expose its lock")
	}
	if desc := storage.Describe(backend); !strings.HasPrefix(desc, "disk://") {
		t.Fatalf("describe %q", desc)
	}
	ctx := context.Background()
	if _, err := backend.ReadDocument(ctx); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := backend.WriteDocument(ctx, []byte("{}")); err != nil {
		t.Fatalf("write: %v", err)
	}
	data, err := backend.ReadDocument(ctx)
	if err != nil || string(data) != "{}" {
		t.Fatalf("read %q %v", data, err)
	}
}

func TestOpenBackendUnknownScheme(t *testing.T) {
	if _, err := OpenBackend(Config{Store: "ftp://example"}, nil); err == nil {
		t.Fatalf("expected unsupported scheme error")
	}
}
