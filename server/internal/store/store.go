package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
)

// File names inside the data directory.
const (
	ArtifactName = "qrank.csv.gz"
	MetadataName = "qrank_metadata.json"
)

var (
	// ErrStore is wrapped by failures to persist the artifact. Nothing on disk
	// has changed when it is returned.
	ErrStore = errors.New("store: artifact write failed")

	// ErrMetadata is wrapped when the artifact was replaced but its metadata
	// could not be persisted.
	ErrMetadata = errors.New("store: metadata write failed")
)

// Metadata is the JSON document stored next to the artifact.
type Metadata struct {
	ETag      string `json:"etag"`
	Size      int64  `json:"size,omitempty"`
	XXHash    string `json:"xxhash,omitempty"`
	FetchedAt string `json:"fetched_at,omitempty"` // RFC3339
}

// Written describes an artifact persisted by Write.
type Written struct {
	Size   int64
	Digest string
}

// Store reads and writes the artifact/metadata pair in one directory.
type Store struct {
	dir string
	now func() time.Time // injectable for deterministic tests
}

// New returns a Store rooted at dir, creating the directory if needed.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create data dir %q: %w", dir, err)
	}
	return &Store{dir: dir, now: time.Now}, nil
}

// Dir returns the data directory.
func (s *Store) Dir() string { return s.dir }

// ArtifactPath returns the path of the artifact file.
func (s *Store) ArtifactPath() string { return filepath.Join(s.dir, ArtifactName) }

// MetadataPath returns the path of the metadata file.
func (s *Store) MetadataPath() string { return filepath.Join(s.dir, MetadataName) }

// Write persists the contents of r as the new artifact and then records token
// as its validation token.
//
// Errors produced by r are returned wrapped but otherwise untouched so that
// callers can classify them; disk failures wrap ErrStore or ErrMetadata.
func (s *Store) Write(r io.Reader, token string) (Written, error) {
	tmp, err := os.CreateTemp(s.dir, "."+ArtifactName+".*.tmp")
	if err != nil {
		return Written{}, fmt.Errorf("%w: create temp file: %v", ErrStore, err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	src := &trackedReader{r: r}
	digest := xxhash.New()
	n, err := io.Copy(io.MultiWriter(tmp, digest), src)
	if err != nil {
		if src.err != nil {
			return Written{}, fmt.Errorf("store: read artifact stream: %w", src.err)
		}
		return Written{}, fmt.Errorf("%w: write temp file: %v", ErrStore, err)
	}
	if err := tmp.Sync(); err != nil {
		return Written{}, fmt.Errorf("%w: sync temp file: %v", ErrStore, err)
	}
	if err := tmp.Close(); err != nil {
		return Written{}, fmt.Errorf("%w: close temp file: %v", ErrStore, err)
	}
	if err := os.Rename(tmpPath, s.ArtifactPath()); err != nil {
		return Written{}, fmt.Errorf("%w: replace artifact: %v", ErrStore, err)
	}
	committed = true
	syncDir(s.dir)

	w := Written{Size: n, Digest: strconv.FormatUint(digest.Sum64(), 16)}
	meta := Metadata{
		ETag:      token,
		Size:      w.Size,
		XXHash:    w.Digest,
		FetchedAt: s.now().UTC().Format(time.RFC3339),
	}
	if err := s.writeMetadata(meta); err != nil {
		slog.Error("store: artifact replaced but metadata not written; next refresh will fetch in full",
			"path", s.MetadataPath(), "err", err)
		return w, fmt.Errorf("%w: %v", ErrMetadata, err)
	}

	slog.Info("store: artifact written", "path", s.ArtifactPath(), "bytes", w.Size, "etag", token)
	return w, nil
}

// ReadToken returns the validation token paired with the artifact currently
// on disk. It returns "" when there is no metadata, when the metadata cannot
// be decoded, or when it describes a different artifact than the one present.
func (s *Store) ReadToken() (string, error) {
	meta, ok, err := s.Metadata()
	if err != nil || !ok {
		return "", err
	}

	fi, err := os.Stat(s.ArtifactPath())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("store: stat artifact: %w", err)
	}

	// Metadata written before size/digest were recorded only carries the etag.
	if meta.Size == 0 && meta.XXHash == "" {
		return meta.ETag, nil
	}
	if meta.Size != fi.Size() {
		slog.Warn("store: metadata does not match artifact size; ignoring token",
			"metadata_size", meta.Size, "artifact_size", fi.Size())
		return "", nil
	}
	if meta.XXHash != "" {
		sum, err := fileDigest(s.ArtifactPath())
		if err != nil {
			return "", fmt.Errorf("store: hash artifact: %w", err)
		}
		if sum != meta.XXHash {
			slog.Warn("store: metadata does not match artifact digest; ignoring token",
				"metadata_xxhash", meta.XXHash, "artifact_xxhash", sum)
			return "", nil
		}
	}
	return meta.ETag, nil
}

// Metadata returns the decoded metadata file. ok is false when the file does
// not exist or does not contain valid JSON.
func (s *Store) Metadata() (meta Metadata, ok bool, err error) {
	data, err := os.ReadFile(s.MetadataPath())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Metadata{}, false, nil
		}
		return Metadata{}, false, fmt.Errorf("store: read metadata: %w", err)
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		slog.Warn("store: metadata is not valid JSON; ignoring", "path", s.MetadataPath(), "err", err)
		return Metadata{}, false, nil
	}
	return meta, true, nil
}

func (s *Store) writeMetadata(meta Metadata) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.dir, "."+MetadataName+".*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, s.MetadataPath()); err != nil {
		os.Remove(tmpPath)
		return err
	}
	syncDir(s.dir)
	return nil
}

// trackedReader remembers the error returned by the underlying reader so
// Write can tell a failed download from a failed disk write.
type trackedReader struct {
	r   io.Reader
	err error
}

func (t *trackedReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil && err != io.EOF {
		t.err = err
	}
	return n, err
}

func fileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := xxhash.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return strconv.FormatUint(h.Sum64(), 16), nil
}

// syncDir flushes directory entries after a rename. Best effort: not every
// platform supports fsync on directories.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	d.Sync() //nolint:errcheck
	d.Close()
}
