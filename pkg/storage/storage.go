package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// SubmissionPrefix is the only key prefix submission pages may live under.
const SubmissionPrefix = "submissions/"

// ErrPathOutsidePrefix is returned for object keys outside SubmissionPrefix.
var ErrPathOutsidePrefix = errors.New("object path outside submission prefix")

// Object describes a stored file.
type Object struct {
	Path     string
	URL      string
	Size     int64
	Checksum string
}

// Storage is the object store used for submission pages.
type Storage interface {
	PresignGet(ctx context.Context, path string, ttl time.Duration) (string, error)
	PresignPut(ctx context.Context, path, contentType string, ttl time.Duration) (string, error)
	UploadBytes(ctx context.Context, path, contentType string, data []byte) (Object, error)
}

// ValidatePath rejects keys outside the submission prefix or containing traversal segments.
func ValidatePath(key string) error {
	if !strings.HasPrefix(key, SubmissionPrefix) {
		return fmt.Errorf("%w: %q", ErrPathOutsidePrefix, key)
	}
	if path.Clean(key) != key || strings.Contains(key, "..") {
		return fmt.Errorf("%w: %q", ErrPathOutsidePrefix, key)
	}
	return nil
}

// SubmissionObjectPath builds the key for one uploaded page.
func SubmissionObjectPath(courseID, submissionID uint, order int, filename string) string {
	return fmt.Sprintf("%s%d/%d/%d_%s", SubmissionPrefix, courseID, submissionID, order, safeName(filename))
}

// Checksum returns the hex sha256 of data.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func safeName(name string) string {
	base := filepath.Base(strings.TrimSpace(name))
	ext := strings.ToLower(filepath.Ext(base))
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	stem = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			return r
		}
		return '-'
	}, stem)
	stem = strings.Trim(stem, "-")
	if stem == "" || stem == "." {
		stem = "page"
	}
	ext = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '.' {
			return r
		}
		return -1
	}, ext)
	return stem + ext
}
