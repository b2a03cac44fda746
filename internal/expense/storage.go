package expense

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Storage defines the interface for the blob store collaborator. Paths
// follow the convention {ownerID}/{receiptID}_original.{ext}.
type Storage interface {
	// Put stores a blob at the given path
	Put(path string, data []byte, contentType string) error

	// Get retrieves a blob by path
	Get(path string) ([]byte, error)

	// Delete removes a blob
	Delete(path string) error

	// SignedURL issues a time-limited read URL for a blob
	SignedURL(path string, ttl time.Duration) (string, error)
}

// LocalStorage implements the Storage interface on the local filesystem,
// with HMAC-signed time-limited download URLs served by the HTTP layer.
type LocalStorage struct {
	basePath string
	baseURL  string
	secret   []byte
}

// NewLocalStorage creates a new LocalStorage instance. baseURL is the public
// prefix signed URLs are issued under; secret signs them.
func NewLocalStorage(basePath, baseURL string, secret []byte) (*LocalStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}
	if len(secret) == 0 {
		return nil, fmt.Errorf("signing secret is required")
	}

	return &LocalStorage{
		basePath: basePath,
		baseURL:  baseURL,
		secret:   secret,
	}, nil
}

// Put stores a blob at the given path, creating owner subdirectories as
// needed. The content type is implied by the path extension on disk.
func (l *LocalStorage) Put(path string, data []byte, contentType string) error {
	fullPath := filepath.Join(l.basePath, filepath.FromSlash(path))
	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return fmt.Errorf("creating blob directory: %w", err)
	}
	if err := os.WriteFile(fullPath, data, 0644); err != nil {
		return fmt.Errorf("writing blob: %w", err)
	}
	return nil
}

// Get retrieves a blob by path.
func (l *LocalStorage) Get(path string) ([]byte, error) {
	fullPath := filepath.Join(l.basePath, filepath.FromSlash(path))
	data, err := os.ReadFile(fullPath)
	if err != nil {
		return nil, fmt.Errorf("reading blob: %w", err)
	}
	return data, nil
}

// Delete removes a blob.
func (l *LocalStorage) Delete(path string) error {
	fullPath := filepath.Join(l.basePath, filepath.FromSlash(path))
	if err := os.Remove(fullPath); err != nil {
		return fmt.Errorf("deleting blob: %w", err)
	}
	return nil
}

// SignedURL issues a time-limited read URL for a blob.
func (l *LocalStorage) SignedURL(path string, ttl time.Duration) (string, error) {
	exp := time.Now().Add(ttl).Unix()
	sig := l.sign(path, exp)
	return fmt.Sprintf("%s/files/%s?exp=%d&sig=%s", l.baseURL, url.PathEscape(path), exp, sig), nil
}

// VerifySignedPath checks the expiry and signature of a download request.
func (l *LocalStorage) VerifySignedPath(path, expStr, sig string) bool {
	exp, err := strconv.ParseInt(expStr, 10, 64)
	if err != nil {
		return false
	}
	if time.Now().Unix() > exp {
		return false
	}
	expected := l.sign(path, exp)
	return hmac.Equal([]byte(expected), []byte(sig))
}

func (l *LocalStorage) sign(path string, exp int64) string {
	mac := hmac.New(sha256.New, l.secret)
	fmt.Fprintf(mac, "%s|%d", path, exp)
	return hex.EncodeToString(mac.Sum(nil))
}
