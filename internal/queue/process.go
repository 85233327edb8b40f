package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/oriel-ai/trellis/pkg/common"
	"github.com/oriel-ai/trellis/pkg/index"
	"github.com/oriel-ai/trellis/pkg/logger"
)

// IndexMsg wraps one pre-extracted document for the index queue.
type IndexMsg struct {
	Message string               `json:"message,omitempty"`
	Payload common.IngestPayload `json:"payload"`
}

// DeleteMsg requests a full purge of one tenant's graph data.
type DeleteMsg struct {
	Message string `json:"message,omitempty"`
	GroupID string `json:"group_id"`
}

func ProcessIndexMessage(
	ctx context.Context,
	indexer *index.Indexer,
	msg string,
) error {
	data := new(IndexMsg)
	if err := json.Unmarshal([]byte(msg), data); err != nil {
		return fmt.Errorf("failed to unmarshal index message: %w", err)
	}

	logger.Info("[Queue] Indexing document",
		"group_id", data.Payload.Document.GroupID,
		"title", data.Payload.Document.Title,
		"chunks", len(data.Payload.Chunks),
	)

	if err := indexer.IndexPayload(ctx, data.Payload); err != nil {
		return fmt.Errorf("failed to index document: %w", err)
	}

	return nil
}

func ProcessDeleteMessage(
	ctx context.Context,
	indexer *index.Indexer,
	msg string,
) error {
	data := new(DeleteMsg)
	if err := json.Unmarshal([]byte(msg), data); err != nil {
		return fmt.Errorf("failed to unmarshal delete message: %w", err)
	}

	logger.Info("[Queue] Purging group", "group_id", data.GroupID)

	if err := indexer.DeleteGroup(ctx, data.GroupID); err != nil {
		return fmt.Errorf("failed to purge group: %w", err)
	}

	return nil
}
