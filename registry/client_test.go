package registry

import (
	"testing"

	"github.com/tidwall/gjson"
)

func TestNormalizeFieldsHappyPath(t *testing.T) {
	raw := `{"blob_id":"  abc123  ","size_bytes":2048,"mime":"image/png","created_at":1700000000,"owner":"0xabc"}`
	fields, err := NormalizeFields(gjson.Parse(raw))
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if fields.BlobID != "abc123" {
		t.Fatalf("expected trimmed blob id, got %q", fields.BlobID)
	}
	if fields.SizeBytes != 2048 {
		t.Fatalf("expected size 2048, got %d", fields.SizeBytes)
	}
}

func TestNormalizeFieldsDefaultsMime(t *testing.T) {
	raw := `{"blob_id":"abc","size_bytes":10}`
	fields, err := NormalizeFields(gjson.Parse(raw))
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if fields.Mime != "application/octet-stream" {
		t.Fatalf("expected default mime, got %q", fields.Mime)
	}
}

func TestNormalizeFieldsRejectsNonPositiveSize(t *testing.T) {
	raw := `{"blob_id":"abc","size_bytes":0}`
	if _, err := NormalizeFields(gjson.Parse(raw)); err == nil {
		t.Fatalf("expected error for non-positive size_bytes")
	}
}

func TestNormalizeFieldsRejectsMissingBlobID(t *testing.T) {
	raw := `{"size_bytes":10}`
	if _, err := NormalizeFields(gjson.Parse(raw)); err == nil {
		t.Fatalf("expected error for missing blob_id")
	}
}

func TestMarshalUnmarshalCacheRoundTrip(t *testing.T) {
	fields := &AssetFields{BlobID: "abc", SizeBytes: 10, Mime: "text/plain"}
	data, err := fields.MarshalCache()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := UnmarshalCache(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.BlobID != fields.BlobID || got.SizeBytes != fields.SizeBytes {
		t.Fatalf("round-trip mismatch: %+v vs %+v", got, fields)
	}
}
