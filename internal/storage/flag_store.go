package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
)

// maxDocumentSize bounds the flags document read from the bucket.
const maxDocumentSize = 1 << 20

type Config struct {
	Endpoint      string
	Region        string
	AccessKey     string
	SecretKey     string
	Bucket        string
	Key           string
	UsePathStyle  bool
	HistoryPrefix string
}

type objectAPI interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// FlagStore keeps the remote feature flags as one JSON object in an S3
// compatible bucket. Every write also leaves a dated copy under HistoryPrefix.
type FlagStore struct {
	cfg    Config
	client objectAPI
	now    func() time.Time
}

func NewFlagStore(cfg Config) (*FlagStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("s3 region is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("s3 credentials are required")
	}

	options := s3.Options{
		Region:       cfg.Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: cfg.UsePathStyle,
	}
	if cfg.Endpoint != "" {
		options.BaseEndpoint = aws.String(cfg.Endpoint)
	}

	return newFlagStore(cfg, s3.New(options)), nil
}

func newFlagStore(cfg Config, client objectAPI) *FlagStore {
	if cfg.Key == "" {
		cfg.Key = "config/feature-flags.json"
	}
	if cfg.HistoryPrefix == "" {
		cfg.HistoryPrefix = "config/history"
	}
	return &FlagStore{cfg: cfg, client: client, now: time.Now}
}

// Get returns the raw flags document.
func (s *FlagStore) Get(ctx context.Context) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(s.cfg.Key),
	})
	if err != nil {
		return nil, fmt.Errorf("get flags from s3: %w", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(io.LimitReader(out.Body, maxDocumentSize))
	if err != nil {
		return nil, fmt.Errorf("read flags document: %w", err)
	}
	return data, nil
}

// FetchFlags returns the document decoded into raw values. Type checking of
// individual flags is left to the consumer.
func (s *FlagStore) FetchFlags(ctx context.Context) (map[string]any, error) {
	data, err := s.Get(ctx)
	if err != nil {
		return nil, err
	}
	values := make(map[string]any)
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("decode flags document: %w", err)
	}
	return values, nil
}

// Put replaces the flags document. data must be a JSON object.
func (s *FlagStore) Put(ctx context.Context, data []byte) error {
	var probe map[string]any
	if err := json.Unmarshal(data, &probe); err != nil {
		return fmt.Errorf("flags document must be a json object: %w", err)
	}
	if probe == nil {
		return errors.New("flags document must be a json object")
	}

	if err := s.put(ctx, s.cfg.Key, data); err != nil {
		return err
	}
	if err := s.put(ctx, s.historyKey(), data); err != nil {
		return fmt.Errorf("flags history: %w", err)
	}
	return nil
}

func (s *FlagStore) put(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
		ACL:         types.ObjectCannedACLPrivate,
	})
	if err != nil {
		return fmt.Errorf("put %s to s3: %w", key, err)
	}
	return nil
}

func (s *FlagStore) historyKey() string {
	now := s.now().UTC()
	prefix := strings.Trim(s.cfg.HistoryPrefix, "/")
	return path.Join(prefix, fmt.Sprintf("%04d/%02d/%02d", now.Year(), now.Month(), now.Day()), uuid.NewString()+".json")
}
