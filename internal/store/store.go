package store

import (
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/noctislabs/noctis-pacs/internal/errs"
)

const stagingDir = ".staging"

// ObjectStore owns the raw DICOM instance files on disk. The canonical
// handle is the opaque storage key returned by Finalize; callers never
// build paths themselves.
type ObjectStore struct {
	root         string
	verifyDigest bool
}

// PathHint carries the identifiers that determine the canonical layout of
// a finalized instance file.
type PathHint struct {
	PatientID string
	StudyUID  string
	SeriesUID string
	SOPUID    string
}

// New opens (creating if needed) an object store rooted at root.
func New(root string, verifyDigestOnRead bool) (*ObjectStore, error) {
	if err := os.MkdirAll(filepath.Join(root, stagingDir), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create store root: %w", err)
	}
	return &ObjectStore{root: root, verifyDigest: verifyDigestOnRead}, nil
}

// Stage is an open staging sink. Incoming bytes are streamed straight to
// disk; the sha256 is accumulated as they pass through.
type Stage struct {
	TempKey string
	file    *os.File
	hash    io.Writer
	hasher  interface{ Sum([]byte) []byte }
	size    int64
}

// StageNew returns a sink for a new incoming instance under the staging
// directory.
func (s *ObjectStore) StageNew() (*Stage, error) {
	key := uuid.NewString()
	f, err := os.OpenFile(filepath.Join(s.root, stagingDir, key), os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o640)
	if err != nil {
		return nil, fmt.Errorf("failed to create staging file: %w", err)
	}
	h := sha256.New()
	return &Stage{TempKey: key, file: f, hash: h, hasher: h}, nil
}

// Write streams bytes into the staging file.
func (st *Stage) Write(p []byte) (int, error) {
	n, err := st.file.Write(p)
	if n > 0 {
		st.hash.Write(p[:n])
		st.size += int64(n)
	}
	return n, err
}

// Close flushes and closes the staging file.
func (st *Stage) Close() error {
	if err := st.file.Sync(); err != nil {
		st.file.Close()
		return err
	}
	return st.file.Close()
}

// Digest returns the hex sha256 of everything written so far.
func (st *Stage) Digest() string {
	return hex.EncodeToString(st.hasher.Sum(nil))
}

// Size returns the number of bytes written.
func (st *Stage) Size() int64 { return st.size }

// Finalize atomically places a staged file at its canonical path and
// returns the opaque storage key. The rename is atomic on the same
// filesystem; the staging directory lives under the store root so the
// cross-device fallback is exceptional.
func (s *ObjectStore) Finalize(tempKey string, hint PathHint) (string, error) {
	rel := canonicalPath(hint)
	final := filepath.Join(s.root, rel)
	if err := os.MkdirAll(filepath.Dir(final), 0o750); err != nil {
		return "", fmt.Errorf("failed to create instance directory: %w", err)
	}

	staged := filepath.Join(s.root, stagingDir, tempKey)
	if err := os.Rename(staged, final); err != nil {
		if crossErr := copyAndSwap(staged, final); crossErr != nil {
			return "", fmt.Errorf("failed to finalize staged file: %w", crossErr)
		}
	}
	return rel, nil
}

// StagePath returns the on-disk path of a staged file so it can be parsed
// in place before finalization.
func (s *ObjectStore) StagePath(tempKey string) string {
	return filepath.Join(s.root, stagingDir, tempKey)
}

// DiscardStage removes a staged file; missing files are not an error.
func (s *ObjectStore) DiscardStage(tempKey string) error {
	err := os.Remove(filepath.Join(s.root, stagingDir, tempKey))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to discard staged file: %w", err)
	}
	return nil
}

// Open opens a finalized instance for reading. With digest verification
// enabled and a non-empty wantDigest, the whole file is hashed before the
// reader is returned; a mismatch is a CorruptArtifact.
func (s *ObjectStore) Open(storageKey, wantDigest string) (io.ReadSeekCloser, error) {
	f, err := os.Open(filepath.Join(s.root, filepath.FromSlash(storageKey)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.Ef(errs.KindCorruptArtifact, "stored object %s is missing", storageKey)
		}
		return nil, fmt.Errorf("failed to open stored object: %w", err)
	}

	if s.verifyDigest && wantDigest != "" {
		h := sha256.New()
		if _, err := io.Copy(h, f); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to hash stored object: %w", err)
		}
		if got := hex.EncodeToString(h.Sum(nil)); got != wantDigest {
			f.Close()
			return nil, errs.Ef(errs.KindCorruptArtifact, "digest mismatch for %s", storageKey).
				WithDetail("expected", wantDigest).
				WithDetail("actual", got)
		}
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to rewind stored object: %w", err)
		}
	}
	return f, nil
}

// Remove deletes a finalized object. Missing objects are not an error.
func (s *ObjectStore) Remove(storageKey string) error {
	err := os.Remove(filepath.Join(s.root, filepath.FromSlash(storageKey)))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove stored object: %w", err)
	}
	return nil
}

// canonicalPath is <patientIdHash>/<studyUid>/<seriesUid>/<sopUid>.dcm where
// patientIdHash is the first two hex chars of sha1(patient_id), limiting
// directory fan-out.
func canonicalPath(hint PathHint) string {
	sum := sha1.Sum([]byte(hint.PatientID))
	prefix := hex.EncodeToString(sum[:1])
	return filepath.ToSlash(filepath.Join(prefix, hint.StudyUID, hint.SeriesUID, hint.SOPUID+".dcm"))
}

// copyAndSwap handles the cross-device case: copy, fsync, rename within the
// target directory, then unlink the source.
func copyAndSwap(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Remove(src)
}
