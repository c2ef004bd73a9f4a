package storage

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
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// memS3 is an in-memory S3API.
type memS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	// failWith is returned by every call when set.
	failWith error
}

func newMemS3() *memS3 {
	return &memS3{objects: make(map[string][]byte)}
}

func (m *memS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return nil, m.failWith
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	m.objects[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (m *memS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return nil, m.failWith
	}
	data, ok := m.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String("no such key")}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (m *memS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return nil, m.failWith
	}
	delete(m.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (m *memS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return nil, m.failWith
	}
	prefix := aws.ToString(in.Prefix)
	var names []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			names = append(names, k)
		}
	}
	sort.Strings(names)

	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	for _, k := range names {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	return out, nil
}

func (m *memS3) HeadBucket(_ context.Context, _ *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return nil, m.failWith
	}
	return &s3.HeadBucketOutput{}, nil
}

func TestS3Backend_Contract(t *testing.T) {
	runBackendContract(t, func(t *testing.T) Backend {
		return NewS3BackendFromClient(newMemS3(), "bucket", "games")
	})
}

func TestS3Backend_Prefix(t *testing.T) {
	client := newMemS3()
	b := NewS3BackendFromClient(client, "bucket", "games")

	if err := b.Put(context.Background(), "ep-1/10.checkpoint", []byte("x")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if _, ok := client.objects["games/ep-1/10.checkpoint"]; !ok {
		t.Errorf("expected object under games/ prefix, have %v", client.objects)
	}
}

func TestS3Backend_ErrorClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"access denied", &smithy.GenericAPIError{Code: "AccessDenied"}, ErrPermissionDenied},
		{"no such bucket", &smithy.GenericAPIError{Code: "NoSuchBucket"}, ErrNotFound},
		{"throttled", &smithy.GenericAPIError{Code: "SlowDown"}, ErrUnavailable},
		{"network", errors.New("connection reset"), ErrUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newMemS3()
			client.failWith = tt.err
			b := NewS3BackendFromClient(client, "bucket", "")

			err := b.Put(context.Background(), "ep-1/1.checkpoint", []byte("x"))
			if !errors.Is(err, tt.want) {
				t.Errorf("Put error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestS3Backend_Ping(t *testing.T) {
	b := NewS3BackendFromClient(newMemS3(), "bucket", "")
	if err := b.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestNewS3Backend_RequiresBucket(t *testing.T) {
	if _, err := NewS3Backend(context.Background(), S3Config{}); err == nil {
		t.Error("expected error for empty bucket")
	}
}
