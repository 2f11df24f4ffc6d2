package state

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image/png"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/user/cua/internal/types"
)

// ArtifactStore stores binary artifacts as files next to a JSON sidecar.
// Files are located at sessions/<sessionID>/artifacts/<artifactID>.{bin,json}.
type ArtifactStore struct {
	root string
}

// NewArtifactStore creates a new file-backed ArtifactStore rooted at the given directory.
func NewArtifactStore(root string) *ArtifactStore {
	return &ArtifactStore{root: root}
}

func (a *ArtifactStore) artifactsDir(sessionID types.SessionID) string {
	return filepath.Join(a.root, "sessions", string(sessionID), "artifacts")
}

// findMeta locates an artifact sidecar by ID across all sessions.
func (a *ArtifactStore) findMeta(id types.ArtifactID) (string, error) {
	if strings.ContainsAny(string(id), `/\*?[`) {
		return "", fmt.Errorf("invalid artifact id: %s", id)
	}
	pattern := filepath.Join(a.root, "sessions", "*", "artifacts", string(id)+".json")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return "", fmt.Errorf("glob artifact: %w", err)
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("artifact %s: %w", id, os.ErrNotExist)
	}
	return matches[0], nil
}

// Put stores data under a new ID. meta.SessionID is required; ID,
// CreatedAt and Size are filled in.
func (a *ArtifactStore) Put(_ context.Context, meta *types.ArtifactMeta, data []byte) (types.ArtifactID, error) {
	if meta == nil || meta.SessionID == "" {
		return "", fmt.Errorf("artifact needs a session")
	}
	m := *meta
	m.ID = types.NewArtifactID()
	m.CreatedAt = time.Now()
	m.Size = int64(len(data))

	sidecar, err := json.MarshalIndent(&m, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal artifact meta: %w", err)
	}

	dir := a.artifactsDir(m.SessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create artifacts dir: %w", err)
	}
	// Data first, so a visible sidecar always has its data.
	if err := writeAtomic(filepath.Join(dir, string(m.ID)+".bin"), data); err != nil {
		return "", err
	}
	if err := writeAtomic(filepath.Join(dir, string(m.ID)+".json"), sidecar); err != nil {
		return "", err
	}
	return m.ID, nil
}

func readMeta(path string) (*types.ArtifactMeta, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read artifact meta: %w", err)
	}
	var meta types.ArtifactMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("unmarshal artifact meta: %w", err)
	}
	return &meta, nil
}

// Get returns the data and metadata of the given artifact.
func (a *ArtifactStore) Get(_ context.Context, id types.ArtifactID) ([]byte, *types.ArtifactMeta, error) {
	metaPath, err := a.findMeta(id)
	if err != nil {
		return nil, nil, err
	}
	meta, err := readMeta(metaPath)
	if err != nil {
		return nil, nil, err
	}
	data, err := os.ReadFile(strings.TrimSuffix(metaPath, ".json") + ".bin")
	if err != nil {
		return nil, nil, fmt.Errorf("read artifact: %w", err)
	}
	return data, meta, nil
}

// List returns the session's artifacts, oldest first.
func (a *ArtifactStore) List(_ context.Context, sessionID types.SessionID) ([]*types.ArtifactMeta, error) {
	matches, err := filepath.Glob(filepath.Join(a.artifactsDir(sessionID), "*.json"))
	if err != nil {
		return nil, fmt.Errorf("glob artifacts: %w", err)
	}
	out := make([]*types.ArtifactMeta, 0, len(matches))
	for _, path := range matches {
		meta, err := readMeta(path)
		if err != nil {
			return nil, err
		}
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// PutScreenshot decodes a base64 PNG observation and stores it as an
// image/png artifact with its dimensions.
func PutScreenshot(ctx context.Context, store types.ArtifactStore, sessionID types.SessionID, runID types.RunID, callID, image string) (types.ArtifactID, error) {
	data, err := base64.StdEncoding.DecodeString(image)
	if err != nil {
		return "", fmt.Errorf("decode screenshot: %w", err)
	}
	cfg, err := png.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("screenshot is not a png: %w", err)
	}
	return store.Put(ctx, &types.ArtifactMeta{
		SessionID: sessionID,
		RunID:     runID,
		CallID:    callID,
		Kind:      "screenshot",
		MimeType:  "image/png",
		Width:     cfg.Width,
		Height:    cfg.Height,
	}, data)
}
