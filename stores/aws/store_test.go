package aws

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/nppfnppf20/markup/core"
	"github.com/nppfnppf20/markup/stores/storetest"
)

// Mock S3 client for testing
type mockS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	getErr  error
}

func newMockS3() *mockS3 {
	return &mockS3{objects: make(map[string][]byte)}
}

func (m *mockS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	data, ok := m.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (m *mockS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (m *mockS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := &s3.ListObjectsV2Output{}
	for _, k := range keys {
		out.Contents = append(out.Contents, s3types.Object{Key: aws.String(k)})
	}
	return out, nil
}

func TestDocumentStore(t *testing.T) {
	storetest.DocumentStore(t, NewStoreWithClient(newMockS3(), "markup"))
}

func TestObjectLayout(t *testing.T) {
	client := newMockS3()
	store := NewStoreWithClient(client, "markup")
	ctx := context.Background()

	if _, err := store.SaveDocument(ctx, "doc1", core.NewDocument("doc1"), 0); err != nil {
		t.Fatalf("SaveDocument() failed: %v", err)
	}
	id, err := store.SaveVersion(ctx, "doc1", &core.VersionSnapshot{Name: "draft"})
	if err != nil {
		t.Fatalf("SaveVersion() failed: %v", err)
	}

	for _, key := range []string{"documents/doc1.json", "versions/doc1/" + id + ".json"} {
		if _, ok := client.objects[key]; !ok {
			t.Errorf("Object %s missing, have %v", key, client.objects)
		}
	}
}

func TestInvalidIDs(t *testing.T) {
	store := NewStoreWithClient(newMockS3(), "markup")
	ctx := context.Background()

	for _, id := range []string{"", "..", "a/b", "../doc"} {
		if _, err := store.GetDocument(ctx, id); err == nil {
			t.Errorf("GetDocument(%q) should fail", id)
		}
		if _, err := store.ListVersions(ctx, id); err == nil {
			t.Errorf("ListVersions(%q) should fail", id)
		}
	}
}

func TestGetDocumentError(t *testing.T) {
	client := newMockS3()
	client.getErr = errors.New("access denied")
	store := NewStoreWithClient(client, "markup")

	_, err := store.GetDocument(context.Background(), "doc1")
	if err == nil || errors.Is(err, core.ErrNotFound) {
		t.Errorf("GetDocument() error = %v, want a non-NotFound failure", err)
	}
}
