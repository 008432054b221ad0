package tools

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"

	"github.com/haasonsaas/amon/internal/store"
)

// AuditRecord is one redacted line in the tool audit log. Raw arguments and
// results are never written; only their SHA-256 digests.
type AuditRecord struct {
	TS           string `json:"ts"`
	Tool         string `json:"tool"`
	Caller       string `json:"caller,omitempty"`
	ProjectID    string `json:"project_id,omitempty"`
	SessionID    string `json:"session_id,omitempty"`
	Decision     string `json:"decision"`
	IsError      bool   `json:"is_error"`
	Status       string `json:"status"`
	DurationMS   int64  `json:"duration_ms"`
	Source       string `json:"source"`
	ArgsSHA256   string `json:"args_sha256"`
	ResultSHA256 string `json:"result_sha256"`
}

// AuditSink records tool call outcomes.
type AuditSink interface {
	Record(record AuditRecord)
}

// NullAuditSink discards every record.
type NullAuditSink struct{}

// Record implements AuditSink.
func (NullAuditSink) Record(AuditRecord) {}

// FileAuditSink appends records to a JSONL file. Write failures degrade to
// diagnostics and never propagate to the tool call.
type FileAuditSink struct {
	Path   string
	Logger *slog.Logger
}

// Record implements AuditSink.
func (s FileAuditSink) Record(record AuditRecord) {
	if err := store.AppendJSONL(s.Path, record); err != nil {
		logger := s.Logger
		if logger == nil {
			logger = slog.Default()
		}
		logger.Error("append audit record failed", "error", err, "tool", record.Tool)
	}
}

// hashPayload digests the canonical JSON form of v. Map keys marshal in
// sorted order, so equal payloads hash equal.
func hashPayload(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		data = []byte("unserializable")
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
