package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/agentdeck/agentdeck/pkg/types"
)

// Record layout under the base path:
//
//	sessions/<id>.json   session metadata (types.SessionMeta)
//	messages/<id>.json   full conversation history ([]types.Message)
//	queue/<id>.json      queued cross-session messages ([]types.QueuedMessage)
//	settings/global.json process-wide settings (types.GlobalSettings)

// GetSession loads a session's durable metadata.
func (s *Store) GetSession(ctx context.Context, id string) (*types.SessionMeta, error) {
	var meta types.SessionMeta
	if err := s.get([]string{"sessions", id}, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// ListSessions loads the metadata of every stored session, newest first.
func (s *Store) ListSessions(ctx context.Context) ([]*types.SessionMeta, error) {
	entries, err := os.ReadDir(filepath.Join(s.basePath, "sessions"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var metas []*types.SessionMeta
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		meta, err := s.GetSession(ctx, strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		metas = append(metas, meta)
	}
	sort.Slice(metas, func(i, j int) bool {
		return metas[i].Time.Updated > metas[j].Time.Updated
	})
	return metas, nil
}

// PutSession writes a session's durable metadata.
func (s *Store) PutSession(ctx context.Context, meta *types.SessionMeta) error {
	meta.Time.Updated = time.Now().UnixMilli()
	if meta.Time.Created == 0 {
		meta.Time.Created = meta.Time.Updated
	}
	return s.put([]string{"sessions", meta.ID}, meta)
}

// UpdateSession applies a partial update to a session's metadata, creating
// the record if it does not exist yet.
func (s *Store) UpdateSession(ctx context.Context, id string, apply func(*types.SessionMeta)) error {
	var meta types.SessionMeta
	return s.update([]string{"sessions", id}, &meta, func() {
		meta.ID = id
		apply(&meta)
		meta.Time.Updated = time.Now().UnixMilli()
		if meta.Time.Created == 0 {
			meta.Time.Created = meta.Time.Updated
		}
	})
}

// DeleteSession removes a session's metadata, history and queue.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	if err := s.delete([]string{"sessions", id}); err != nil {
		return err
	}
	if err := s.delete([]string{"messages", id}); err != nil {
		return err
	}
	return s.delete([]string{"queue", id})
}

// GetMessages loads a session's full persisted history.
func (s *Store) GetMessages(ctx context.Context, id string) ([]types.Message, error) {
	var msgs []types.Message
	if err := s.get([]string{"messages", id}, &msgs); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return msgs, nil
}

// AppendMessages appends to a session's persisted history and keeps the
// stored history length in the session metadata current.
func (s *Store) AppendMessages(ctx context.Context, id string, msgs ...types.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	var all []types.Message
	if err := s.update([]string{"messages", id}, &all, func() {
		all = append(all, msgs...)
	}); err != nil {
		return err
	}
	return s.UpdateSession(ctx, id, func(meta *types.SessionMeta) {
		meta.HistoryLen = len(all)
	})
}

// GetGlobalSettings loads process-wide settings, returning defaults when
// none have been written yet.
func (s *Store) GetGlobalSettings(ctx context.Context) (*types.GlobalSettings, error) {
	var settings types.GlobalSettings
	if err := s.get([]string{"settings", "global"}, &settings); err != nil {
		if errors.Is(err, ErrNotFound) {
			return &types.GlobalSettings{}, nil
		}
		return nil, err
	}
	return &settings, nil
}

// SetGlobalSettings writes process-wide settings.
func (s *Store) SetGlobalSettings(ctx context.Context, settings *types.GlobalSettings) error {
	return s.put([]string{"settings", "global"}, settings)
}

// GlobalSettingsPath is the on-disk location of the global settings record,
// exposed so a watcher can pick up out-of-band edits.
func (s *Store) GlobalSettingsPath() string {
	return filepath.Join(s.basePath, "settings", "global") + ".json"
}

// QueueMessage durably enqueues a cross-session message for a session.
func (s *Store) QueueMessage(ctx context.Context, id, text string) error {
	var queue []types.QueuedMessage
	return s.update([]string{"queue", id}, &queue, func() {
		queue = append(queue, types.QueuedMessage{
			ID:   ulid.Make().String(),
			Text: text,
			Time: time.Now().UnixMilli(),
		})
	})
}

// RequeueMessage puts a message back at the head of a session's queue after
// a failed delivery, preserving original order ahead of newer entries.
func (s *Store) RequeueMessage(ctx context.Context, id string, msg types.QueuedMessage) error {
	var queue []types.QueuedMessage
	return s.update([]string{"queue", id}, &queue, func() {
		queue = append([]types.QueuedMessage{msg}, queue...)
	})
}

// GetPendingMessages returns and clears a session's queued messages in
// enqueue order.
func (s *Store) GetPendingMessages(ctx context.Context, id string) ([]types.QueuedMessage, error) {
	var queue []types.QueuedMessage
	if err := s.get([]string{"queue", id}, &queue); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if len(queue) == 0 {
		return nil, nil
	}
	if err := s.delete([]string{"queue", id}); err != nil {
		return nil, err
	}
	return queue, nil
}
