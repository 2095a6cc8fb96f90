package azure

import (
	"errors"
	"net/http"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"

	"pkt.systems/postbox/internal/storage"
)

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{name: "missing account", cfg: Config{Container: "c", AccountKey: "k"}},
		{name: "missing container", cfg: Config{Account: "a", AccountKey: "k"}},
		{name: "missing credentials", cfg: Config{Account: "a", Container: "c"}},
		{name: "shared key", cfg: Config{Account: "a", Container: "c", AccountKey: "k"}, ok: true},
		{name: "sas", cfg: Config{Account: "a", Container: "c", SASToken: "sv=1"}, ok: true},
	}
	for _, tc := range cases {
		err := tc.cfg.validate()
		if (err == nil) != tc.ok {
			t.Fatalf("%s: validate() = %v, ok=%v", tc.name, err, tc.ok)
		}
	}
}

func TestEndpointDefaults(t *testing.T) {
	if got := (Config{Account: "acct"}).endpoint(); got != "https://acct.blob.core.windows.net" {
		t.Fatalf("unexpected default endpoint %q", got)
	}
	if got := (Config{Account: "acct", Endpoint: "http://127.0.0.1:10000/acct/"}).endpoint(); got != "http://127.0.0.1:10000/acct" {
		t.Fatalf("unexpected custom endpoint %q", got)
	}
}

func TestAppendSASToken(t *testing.T) {
	got, err := appendSASToken("https://acct.blob.core.windows.net", "?sv=2024&sig=abc")
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if got != "https://acct.blob.core.windows.net?sv=2024&sig=abc" {
		t.Fatalf("unexpected url %q", got)
	}
	got, err = appendSASToken("https://acct.blob.core.windows.net/?a=1", "sv=2024")
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if got != "https://acct.blob.core.windows.net/?a=1&sv=2024" {
		t.Fatalf("unexpected url %q", got)
	}
}

func TestErrorClassification(t *testing.T) {
	notFound := &azcore.ResponseError{StatusCode: http.StatusNotFound, ErrorCode: "BlobNotFound"}
	if !isNotFound(notFound) {
		t.Fatal("404 should be not found")
	}
	exists := &azcore.ResponseError{StatusCode: http.StatusConflict, ErrorCode: "ContainerAlreadyExists"}
	if !isContainerExists(exists) {
		t.Fatal("expected container exists")
	}
	busy := &azcore.ResponseError{StatusCode: http.StatusServiceUnavailable}
	if !storage.IsTransient(wrapError(busy, "azure: test")) {
		t.Fatal("503 should be transient")
	}
	if storage.IsTransient(wrapError(errors.New("denied"), "azure: test")) {
		t.Fatal("plain error should not be transient")
	}
}
