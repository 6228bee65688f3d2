package stores

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/ScriptonBasestar/sb-kube-app-manager-sub001/pkg/engine"
)

// ObjectConfig configures an ObjectStore.
type ObjectConfig struct {
	Endpoint     string
	AccessKey    string
	SecretKey    string
	Region       string
	UseSSL       bool
	Bucket       string
	Prefix       string
	HistoryLimit int
}

// Validate checks the configuration.
func (c ObjectConfig) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("bucket is required")
	}
	return nil
}

// ObjectStore keeps snapshots in an S3-compatible bucket. Each scope has a
// latest.json object holding the newest snapshot and one object per run under
// runs/, named so that lexical order is chronological.
type ObjectStore struct {
	cfg    ObjectConfig
	client *minio.Client
}

// NewObjectStore creates an object store. Call Init before use.
func NewObjectStore(cfg ObjectConfig) (*ObjectStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object storage client: %w", err)
	}
	return &ObjectStore{cfg: cfg, client: client}, nil
}

// Init creates the bucket if it does not exist.
func (s *ObjectStore) Init(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.cfg.Bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", s.cfg.Bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.cfg.Bucket, minio.MakeBucketOptions{Region: s.cfg.Region}); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", s.cfg.Bucket, err)
	}
	return nil
}

// Close is a no-op; the client holds no long-lived resources.
func (s *ObjectStore) Close() error {
	return nil
}

// HealthCheck verifies that the bucket is reachable.
func (s *ObjectStore) HealthCheck(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.cfg.Bucket)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if !exists {
		return fmt.Errorf("bucket missing: %s", s.cfg.Bucket)
	}
	return nil
}

// Put writes the run object first and then the latest pointer, so latest.json
// never names a run that was not stored.
func (s *ObjectStore) Put(ctx context.Context, state *engine.ExecutionState) error {
	data, err := encodeState(state)
	if err != nil {
		return err
	}

	if err := s.putObject(ctx, s.runKey(state), data); err != nil {
		return err
	}
	if err := s.putObject(ctx, s.latestKey(state.Scope), data); err != nil {
		return err
	}
	return s.prune(ctx, state.Scope)
}

// GetLatest returns the newest snapshot for scope, or nil if there is none.
func (s *ObjectStore) GetLatest(ctx context.Context, scope engine.Scope) (*engine.ExecutionState, error) {
	data, err := s.getObject(ctx, s.latestKey(scope))
	if err != nil {
		if isNoSuchKey(err) {
			return nil, nil
		}
		return nil, err
	}
	return decodeState(data)
}

// ListHistory returns up to limit snapshots for scope, newest first.
func (s *ObjectStore) ListHistory(ctx context.Context, scope engine.Scope, limit int) ([]*engine.ExecutionState, error) {
	keys, err := s.runKeys(ctx, scope)
	if err != nil {
		return nil, err
	}

	var states []*engine.ExecutionState
	for i := len(keys) - 1; i >= 0; i-- {
		if limit > 0 && len(states) >= limit {
			break
		}
		data, err := s.getObject(ctx, keys[i])
		if err != nil {
			if isNoSuchKey(err) {
				continue
			}
			return nil, err
		}
		state, err := decodeState(data)
		if err != nil {
			return nil, err
		}
		states = append(states, state)
	}
	return states, nil
}

func (s *ObjectStore) prune(ctx context.Context, scope engine.Scope) error {
	keys, err := s.runKeys(ctx, scope)
	if err != nil {
		return err
	}
	excess := len(keys) - historyLimit(s.cfg.HistoryLimit)
	for i := 0; i < excess; i++ {
		if err := s.client.RemoveObject(ctx, s.cfg.Bucket, keys[i], minio.RemoveObjectOptions{}); err != nil {
			return fmt.Errorf("failed to prune %s: %w", keys[i], err)
		}
	}
	return nil
}

// runKeys lists the run objects of scope, oldest first.
func (s *ObjectStore) runKeys(ctx context.Context, scope engine.Scope) ([]string, error) {
	prefix := s.scopePrefix(scope) + "runs/"
	var keys []string
	for obj := range s.client.ListObjects(ctx, s.cfg.Bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", prefix, obj.Err)
		}
		keys = append(keys, obj.Key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *ObjectStore) putObject(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, s.cfg.Bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

func (s *ObjectStore) getObject(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.cfg.Bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return data, nil
}

func (s *ObjectStore) scopePrefix(scope engine.Scope) string {
	return path.Join(s.cfg.Prefix, scope.Key()) + "/"
}

func (s *ObjectStore) latestKey(scope engine.Scope) string {
	return s.scopePrefix(scope) + "latest.json"
}

// runKey sorts by start time; the run ID breaks ties.
func (s *ObjectStore) runKey(state *engine.ExecutionState) string {
	return fmt.Sprintf("%sruns/%020d-%s.json", s.scopePrefix(state.Scope), state.StartedAt.UnixNano(), state.RunID)
}

func isNoSuchKey(err error) bool {
	var resp minio.ErrorResponse
	if errors.As(err, &resp) {
		return resp.Code == "NoSuchKey"
	}
	return false
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
