package kv

import "fmt"

// prefix is the canonical namespace every floe key lives under, per
// spec.md §6's KV keyspace table.
const prefix = "floe:v1"

// SessionKey is the hash holding a live upload session's control-plane
// fields.
func SessionKey(uploadID string) string {
	return fmt.Sprintf("%s:upload:%s:session", prefix, uploadID)
}

// MetaKey is the hash holding the durable sibling record that outlives the
// session.
func MetaKey(uploadID string) string {
	return fmt.Sprintf("%s:upload:%s:meta", prefix, uploadID)
}

// ChunksKey is the set of received chunk indices for a session.
func ChunksKey(uploadID string) string {
	return fmt.Sprintf("%s:upload:%s:chunks", prefix, uploadID)
}

// LockKey is the finalize lock lease for a session.
func LockKey(uploadID string) string {
	return fmt.Sprintf("%s:upload:%s:meta:lock", prefix, uploadID)
}

// GCIndexKey is the process-wide set of upload IDs the reaper considers.
func GCIndexKey() string {
	return fmt.Sprintf("%s:upload:gc:active", prefix)
}

// FileFieldsKey is the asset-fields cache for a minted file.
func FileFieldsKey(fileID string) string {
	return fmt.Sprintf("%s:file:%s:fields", prefix, fileID)
}
