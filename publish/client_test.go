package publish

import (
	"context"
	"testing"
	"time"
)

func TestExtractBlobIDPrecedence(t *testing.T) {
	cases := []struct {
		body string
		want string
	}{
		{`{"newlyCreated":{"blobObject":{"blobId":"a"}}}`, "a"},
		{`{"alreadyCertified":{"blobId":"b"}}`, "b"},
		{`{"blobObject":{"blobId":"c"}}`, "c"},
		{`{}`, ""},
	}
	for _, c := range cases {
		if got := extractBlobID(c.body); got != c.want {
			t.Errorf("extractBlobID(%q) = %q, want %q", c.body, got, c.want)
		}
	}
}

func TestPublishRejectsNonPositiveEpochs(t *testing.T) {
	c := New(Config{PublisherURL: "http://example.invalid", Network: "testnet", Timeout: time.Second})
	_, err := c.Publish(context.Background(), Request{Epochs: 0})
	if err == nil {
		t.Fatalf("expected error for epochs <= 0")
	}
}

func TestClassifyErrorMapping(t *testing.T) {
	cases := []struct {
		status int
		want   string
	}{
		{401, "auth_failed"},
		{403, "auth_failed"},
		{429, "rate_limited"},
		{404, "client_error"},
		{500, "server_error"},
		{503, "server_error"},
	}
	for _, c := range cases {
		err := &PublishError{Status: c.status, Body: "x"}
		if got := ClassifyError(err, 0); got != c.want {
			t.Errorf("ClassifyError(status=%d) = %q, want %q", c.status, got, c.want)
		}
	}
	if got := ClassifyError(ErrMissingBlobID, 200); got != "invalid_response" {
		t.Errorf("expected invalid_response for missing blob id, got %q", got)
	}
	if got := ClassifyError(nil, 0); got != "success" {
		t.Errorf("expected success for nil error, got %q", got)
	}
}
