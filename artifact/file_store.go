package artifact

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// FileStore 使用本地文件系统实现 Store。
// 布局: {root}/{hash[0:2]}/{hash}，写入先落临时文件再原子重命名。
type FileStore struct {
	root   string
	logger *zap.Logger
}

// NewFileStore 创建基于文件的制品存储。
func NewFileStore(root string, logger *zap.Logger) (*FileStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create artifact root: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileStore{
		root:   root,
		logger: logger.With(zap.String("component", "artifact_store"), zap.String("backend", "file")),
	}, nil
}

func (s *FileStore) path(hash string) string {
	return filepath.Join(s.root, hash[:2], hash)
}

func (s *FileStore) Put(_ context.Context, data []byte) (string, error) {
	hash := Hash(data)
	dst := s.path(hash)

	if _, err := os.Stat(dst); err == nil {
		return hash, nil
	}

	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create shard dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, hash+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to close artifact: %w", err)
	}

	// 同内容并发写入时，重命名覆盖的是相同字节
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to commit artifact: %w", err)
	}

	s.logger.Debug("artifact stored", zap.String("hash", hash), zap.Int("size", len(data)))
	return hash, nil
}

func (s *FileStore) Get(_ context.Context, hash string) ([]byte, error) {
	h, err := normalize(hash)
	if err != nil {
		return nil, &NotFoundError{Hash: hash}
	}

	data, err := os.ReadFile(s.path(h))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, &NotFoundError{Hash: h}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact %s: %w", h, err)
	}

	if err := verify(h, data); err != nil {
		s.logger.Error("artifact corrupt", zap.String("hash", h), zap.Error(err))
		return nil, err
	}
	return data, nil
}

func (s *FileStore) Exists(_ context.Context, hash string) bool {
	h, err := normalize(hash)
	if err != nil {
		return false
	}
	_, err = os.Stat(s.path(h))
	return err == nil
}

var _ Store = (*FileStore)(nil)
