package filesystem

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nppfnppf20/markup/core"
	"github.com/sirupsen/logrus"
)

// fsStore keeps one JSON file per document under documents/ and one per save
// point under versions/{document id}/.
type fsStore struct {
	basePath string
	// mu serializes read-compare-write of document files.
	mu sync.Mutex
}

// NewStore creates a new filesystem-based store.
func NewStore(basePath string) (*fsStore, error) {
	for _, dir := range []string{"documents", "versions"} {
		if err := os.MkdirAll(filepath.Join(basePath, dir), 0755); err != nil {
			return nil, fmt.Errorf("failed to create base directory: %w", err)
		}
	}
	return &fsStore{basePath: basePath}, nil
}

// validID rejects ids that would escape the store directory.
func validID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("invalid id %q", id)
	}
	return nil
}

func (s *fsStore) documentPath(id string) string {
	return filepath.Join(s.basePath, "documents", id+".json")
}

func (s *fsStore) versionsPath(id string) string {
	return filepath.Join(s.basePath, "versions", id)
}

func (s *fsStore) GetDocument(ctx context.Context, id string) (*core.Document, error) {
	if err := validID(id); err != nil {
		return nil, err
	}
	log := logrus.WithField("document_id", id)

	doc, err := s.read(id)
	if err != nil {
		if os.IsNotExist(err) {
			log.Debug("Document with specified ID not found")
			return nil, core.NotFoundError(id)
		}
		log.WithError(err).Error("Failed to retrieve document")
		return nil, err
	}

	log.WithField("version", doc.Version).Debug("Document retrieved successfully")
	return doc, nil
}

func (s *fsStore) read(id string) (*core.Document, error) {
	data, err := os.ReadFile(s.documentPath(id))
	if err != nil {
		return nil, err
	}
	var doc core.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal document %s: %w", id, err)
	}
	return &doc, nil
}

func (s *fsStore) SaveDocument(ctx context.Context, id string, doc *core.Document, baseVersion int64) (int64, error) {
	if err := validID(id); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	log := logrus.WithFields(logrus.Fields{"document_id": id, "base_version": baseVersion})
	stored, err := s.read(id)
	if err != nil && !os.IsNotExist(err) {
		log.WithError(err).Error("Failed to read stored document")
		return 0, err
	}

	next, err := core.NextRevision(id, stored, doc, baseVersion, time.Now())
	if err != nil {
		log.WithError(err).Warn("Rejected stale document save")
		return 0, err
	}
	data, err := json.Marshal(next)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal document: %w", err)
	}
	if err := writeFile(s.documentPath(id), data); err != nil {
		log.WithError(err).Error("Failed to write document file")
		return 0, err
	}

	log.WithField("version", next.Version).Info("Document saved successfully")
	return next.Version, nil
}

func (s *fsStore) ListVersions(ctx context.Context, id string) ([]*core.VersionSnapshot, error) {
	if err := validID(id); err != nil {
		return nil, err
	}
	dir := s.versionsPath(id)
	log := logrus.WithFields(logrus.Fields{"document_id": id, "path": dir})

	files, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*core.VersionSnapshot{}, nil
		}
		log.WithError(err).Error("Failed to read versions directory")
		return nil, err
	}

	versions := make([]*core.VersionSnapshot, 0, len(files))
	for _, file := range files {
		if file.IsDir() || filepath.Ext(file.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, file.Name()))
		if err != nil {
			log.WithError(err).Warnf("Failed to read version file %s, skipping", file.Name())
			continue
		}
		var v core.VersionSnapshot
		if err := json.Unmarshal(data, &v); err != nil {
			log.WithError(err).Warnf("Failed to unmarshal version file %s, skipping", file.Name())
			continue
		}
		versions = append(versions, &v)
	}
	sort.SliceStable(versions, func(i, j int) bool {
		return versions[i].CreatedAt.After(versions[j].CreatedAt)
	})

	log.Debugf("Listed %d versions", len(versions))
	return versions, nil
}

func (s *fsStore) SaveVersion(ctx context.Context, id string, snapshot *core.VersionSnapshot) (string, error) {
	if err := validID(id); err != nil {
		return "", err
	}
	v := *snapshot
	if v.ID == "" {
		v.ID = core.NewID()
	}
	if err := validID(v.ID); err != nil {
		return "", err
	}
	v.DocumentID = id
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now()
	}

	dir := s.versionsPath(id)
	log := logrus.WithFields(logrus.Fields{"document_id": id, "version_id": v.ID})
	if err := os.MkdirAll(dir, 0755); err != nil {
		log.WithError(err).Error("Failed to create versions directory")
		return "", err
	}
	data, err := json.Marshal(&v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal version: %w", err)
	}
	if err := writeFile(filepath.Join(dir, v.ID+".json"), data); err != nil {
		log.WithError(err).Error("Failed to write version file")
		return "", err
	}

	log.Info("Version saved successfully")
	return v.ID, nil
}

// writeFile replaces path atomically so readers never see a partial file.
func writeFile(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
