package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

var ErrInvalidImagePath = errors.New("invalid image path")

// ImageStore saves images and returns their public URL.
type ImageStore interface {
	Save(ctx context.Context, path string, data []byte) (string, error)
	Delete(ctx context.Context, url string) error
}

func InputImagePath(userID, adID string, index int) string {
	return fmt.Sprintf("user-ad-generation/%s/inputs/input_%s_%d.png", userID, adID, index)
}

func ResultImagePath(userID, adID string, index int) string {
	return fmt.Sprintf("user-ad-generation/%s/result/result_%s_%d.png", userID, adID, index)
}

// LocalImageStore writes images under root. middleware.StaticFileServer serves
// root at publicBaseURL.
type LocalImageStore struct {
	root          string
	publicBaseURL string
}

func NewLocalImageStore(root, publicBaseURL string) *LocalImageStore {
	return &LocalImageStore{root: root, publicBaseURL: strings.TrimRight(publicBaseURL, "/")}
}

func (s *LocalImageStore) Save(ctx context.Context, path string, data []byte) (string, error) {
	full, err := s.resolve(path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("create image dir: %w", err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return "", fmt.Errorf("write image: %w", err)
	}

	logrus.WithFields(logrus.Fields{"path": path, "bytes": len(data)}).Debug("[STORAGE] Image saved")
	return s.publicBaseURL + "/" + filepath.ToSlash(filepath.Clean(path)), nil
}

func (s *LocalImageStore) Delete(ctx context.Context, url string) error {
	rel, ok := strings.CutPrefix(url, s.publicBaseURL+"/")
	if !ok {
		return fmt.Errorf("%w: %s is not served by this store", ErrInvalidImagePath, url)
	}
	full, err := s.resolve(rel)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove image: %w", err)
	}
	return nil
}

func (s *LocalImageStore) resolve(path string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(path))
	if clean == "." || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrInvalidImagePath, path)
	}
	return filepath.Join(s.root, clean), nil
}
