package aws

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/nppfnppf20/markup/core"
	"github.com/sirupsen/logrus"
)

// S3API is the subset of the S3 client used by the store.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// s3Store keeps documents at documents/{id}.json and save points at
// versions/{id}/{version id}.json. Version checks are serialized in this
// process only, so a bucket must not be shared by several servers.
type s3Store struct {
	s3Client S3API
	bucket   string
	mu       sync.Mutex
}

// NewStore creates a new S3-based store using the default AWS config chain.
func NewStore(ctx context.Context, bucketName string) (*s3Store, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config: %w", err)
	}
	return NewStoreWithClient(s3.NewFromConfig(cfg), bucketName), nil
}

func NewStoreWithClient(client S3API, bucketName string) *s3Store {
	return &s3Store{s3Client: client, bucket: bucketName}
}

func objectName(id string) (string, error) {
	if id == "" || id == "." || id == ".." || path.Base(id) != id {
		return "", fmt.Errorf("invalid id %q: must not be a path", id)
	}
	return id + ".json", nil
}

func documentKey(id string) (string, error) {
	name, err := objectName(id)
	if err != nil {
		return "", err
	}
	return path.Join("documents", name), nil
}

func (s *s3Store) getJSON(ctx context.Context, key string, v interface{}) error {
	resp, err := s.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return core.ErrNotFound
		}
		return fmt.Errorf("failed to get object %s: %w", key, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read object %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal object %s: %w", key, err)
	}
	return nil
}

func (s *s3Store) putJSON(ctx context.Context, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal object %s: %w", key, err)
	}
	_, err = s.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload object %s: %w", key, err)
	}
	return nil
}

func (s *s3Store) GetDocument(ctx context.Context, id string) (*core.Document, error) {
	key, err := documentKey(id)
	if err != nil {
		return nil, err
	}
	var doc core.Document
	if err := s.getJSON(ctx, key, &doc); err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil, core.NotFoundError(id)
		}
		return nil, err
	}
	logrus.WithFields(logrus.Fields{"document_id": id, "version": doc.Version}).Debug("Document retrieved successfully")
	return &doc, nil
}

func (s *s3Store) SaveDocument(ctx context.Context, id string, doc *core.Document, baseVersion int64) (int64, error) {
	key, err := documentKey(id)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	log := logrus.WithFields(logrus.Fields{"document_id": id, "base_version": baseVersion})
	var stored *core.Document
	var current core.Document
	switch err := s.getJSON(ctx, key, &current); {
	case err == nil:
		stored = &current
	case !errors.Is(err, core.ErrNotFound):
		return 0, err
	}

	next, err := core.NextRevision(id, stored, doc, baseVersion, time.Now())
	if err != nil {
		log.WithError(err).Warn("Rejected stale document save")
		return 0, err
	}
	if err := s.putJSON(ctx, key, next); err != nil {
		return 0, err
	}
	log.WithField("version", next.Version).Info("Document saved successfully")
	return next.Version, nil
}

func (s *s3Store) ListVersions(ctx context.Context, id string) ([]*core.VersionSnapshot, error) {
	if _, err := objectName(id); err != nil {
		return nil, err
	}
	prefix := path.Join("versions", id) + "/"
	log := logrus.WithField("document_id", id)

	versions := []*core.VersionSnapshot{}
	pages := s3.NewListObjectsV2Paginator(s.s3Client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list versions for document %s: %w", id, err)
		}
		for _, object := range page.Contents {
			var v core.VersionSnapshot
			if err := s.getJSON(ctx, aws.ToString(object.Key), &v); err != nil {
				log.WithError(err).Warnf("Failed to load version %s, skipping", aws.ToString(object.Key))
				continue
			}
			versions = append(versions, &v)
		}
	}
	sort.SliceStable(versions, func(i, j int) bool {
		return versions[i].CreatedAt.After(versions[j].CreatedAt)
	})
	return versions, nil
}

func (s *s3Store) SaveVersion(ctx context.Context, id string, snapshot *core.VersionSnapshot) (string, error) {
	if _, err := objectName(id); err != nil {
		return "", err
	}
	v := *snapshot
	if v.ID == "" {
		v.ID = core.NewID()
	}
	name, err := objectName(v.ID)
	if err != nil {
		return "", err
	}
	v.DocumentID = id
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now()
	}

	if err := s.putJSON(ctx, path.Join("versions", id, name), &v); err != nil {
		return "", err
	}
	logrus.WithFields(logrus.Fields{"document_id": id, "version_id": v.ID}).Info("Version saved successfully")
	return v.ID, nil
}
