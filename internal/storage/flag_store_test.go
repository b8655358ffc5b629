package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"regexp"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryBucket struct {
	objects map[string][]byte
	getErr  error
}

func (b *memoryBucket) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if b.getErr != nil {
		return nil, b.getErr
	}
	data, ok := b.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (b *memoryBucket) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	b.objects[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func newTestStore(bucket *memoryBucket) *FlagStore {
	s := newFlagStore(Config{Bucket: "flags"}, bucket)
	s.now = func() time.Time { return time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC) }
	return s
}

func TestNewFlagStoreValidation(t *testing.T) {
	_, err := NewFlagStore(Config{Region: "ru-1", AccessKey: "a", SecretKey: "b"})
	assert.Error(t, err)
	_, err = NewFlagStore(Config{Bucket: "flags", AccessKey: "a", SecretKey: "b"})
	assert.Error(t, err)
	_, err = NewFlagStore(Config{Bucket: "flags", Region: "ru-1"})
	assert.Error(t, err)

	s, err := NewFlagStore(Config{Bucket: "flags", Region: "ru-1", AccessKey: "a", SecretKey: "b", Endpoint: "https://s3.example"})
	require.NoError(t, err)
	assert.Equal(t, "config/feature-flags.json", s.cfg.Key)
}

func TestFetchFlags(t *testing.T) {
	bucket := &memoryBucket{objects: map[string][]byte{
		"config/feature-flags.json": []byte(`{"show_offer": true, "daily_free_tries": 3}`),
	}}
	s := newTestStore(bucket)

	values, err := s.FetchFlags(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"show_offer": true, "daily_free_tries": float64(3)}, values)
}

func TestFetchFlagsErrors(t *testing.T) {
	s := newTestStore(&memoryBucket{getErr: errors.New("timeout")})
	_, err := s.FetchFlags(context.Background())
	assert.ErrorContains(t, err, "timeout")

	s = newTestStore(&memoryBucket{objects: map[string][]byte{"config/feature-flags.json": []byte(`[1, 2]`)}})
	_, err = s.FetchFlags(context.Background())
	assert.ErrorContains(t, err, "decode flags document")
}

func TestPutWritesDocumentAndHistory(t *testing.T) {
	bucket := &memoryBucket{objects: map[string][]byte{}}
	s := newTestStore(bucket)
	doc := []byte(`{"show_offer": false}`)

	require.NoError(t, s.Put(context.Background(), doc))

	require.Len(t, bucket.objects, 2)
	assert.Equal(t, doc, bucket.objects["config/feature-flags.json"])
	history := regexp.MustCompile(`^config/history/2026/10/16/[0-9a-f-]{36}\.json$`)
	for key, data := range bucket.objects {
		if key == "config/feature-flags.json" {
			continue
		}
		assert.Regexp(t, history, key)
		assert.Equal(t, doc, data)
	}
}

func TestPutRejectsNonObjects(t *testing.T) {
	bucket := &memoryBucket{objects: map[string][]byte{}}
	s := newTestStore(bucket)

	for _, doc := range []string{`[]`, `null`, `"flags"`, `{`} {
		assert.Error(t, s.Put(context.Background(), []byte(doc)), doc)
	}
	assert.Empty(t, bucket.objects)
}
