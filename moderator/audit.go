package moderator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/discernus/discernus/artifact"
)

// AuditMetadata 链接两份对话记录的元数据制品
type AuditMetadata struct {
	RunID        string    `json:"run_id"`
	JSONLHash    string    `json:"jsonl_hash"`
	MarkdownHash string    `json:"markdown_hash"`
	TurnCount    int       `json:"turn_count"`
	Participants []string  `json:"participants"`
	CreatedAt    time.Time `json:"created_at"`
}

// AuditTrail 写入结果，Hash 即 audit_trail_hash
type AuditTrail struct {
	Hash     string
	Metadata AuditMetadata
}

// writeAuditTrail 依次写入 JSONL、Markdown 与元数据，共三次 Put
func writeAuditTrail(ctx context.Context, store artifact.Store, runID, title string, log *ConversationLog) (*AuditTrail, error) {
	jsonl, err := log.JSONL()
	if err != nil {
		return nil, err
	}
	jsonlHash, err := store.Put(ctx, jsonl)
	if err != nil {
		return nil, fmt.Errorf("failed to store conversation jsonl: %w", err)
	}

	mdHash, err := store.Put(ctx, log.Markdown(title))
	if err != nil {
		return nil, fmt.Errorf("failed to store conversation transcript: %w", err)
	}

	meta := AuditMetadata{
		RunID:        runID,
		JSONLHash:    jsonlHash,
		MarkdownHash: mdHash,
		TurnCount:    log.Len(),
		Participants: log.Participants(),
		CreatedAt:    time.Now().UTC(),
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	hash, err := store.Put(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("failed to store audit metadata: %w", err)
	}
	return &AuditTrail{Hash: hash, Metadata: meta}, nil
}
