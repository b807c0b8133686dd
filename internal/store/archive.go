package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/minio/madmin-go/v3"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/sirupsen/logrus"
)

const (
	archivePrefix            = "managed-rules/"
	defaultCapacityThreshold = 95.0
)

// ErrArchiveEmpty is returned by Archive.Latest when nothing has been archived yet.
var ErrArchiveEmpty = errors.New("archive holds no state objects")

// Archive is an off-site copy of the state file.
type Archive interface {
	Upload(ctx context.Context, name string, data []byte) error
	Latest(ctx context.Context) ([]byte, error)
	// Prune removes all but the keep most recent snapshots.
	Prune(ctx context.Context, keep int) error
}

// MinioConfig contains configuration for the Minio archive.
type MinioConfig struct {
	Endpoint          string
	AccessKey         string
	SecretKey         string
	Bucket            string
	UseSSL            bool
	BucketPath        string // Optional path prefix within bucket
	HTTPTimeout       time.Duration
	AutoCreateBucket  bool
	RespectCapacity   bool
	CapacityThreshold float64
}

// MinioArchive stores state snapshots in an S3-compatible bucket.
type MinioArchive struct {
	cfg MinioConfig
	log logrus.FieldLogger

	mu          sync.Mutex
	client      *minio.Client
	adminClient *madmin.AdminClient
}

func NewMinioArchive(cfg MinioConfig, log logrus.FieldLogger) *MinioArchive {
	if cfg.CapacityThreshold <= 0 {
		cfg.CapacityThreshold = defaultCapacityThreshold
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &MinioArchive{cfg: cfg, log: log.WithField("component", "archive")}
}

func (a *MinioArchive) initClient(ctx context.Context) (*minio.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client != nil {
		return a.client, nil
	}

	tr := &http.Transport{
		IdleConnTimeout:     5 * time.Minute,
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 10,
	}
	if a.cfg.HTTPTimeout > 0 {
		tr.ResponseHeaderTimeout = a.cfg.HTTPTimeout
	}

	client, err := minio.New(a.cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(a.cfg.AccessKey, a.cfg.SecretKey, ""),
		Secure:    a.cfg.UseSSL,
		Transport: tr,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, a.cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check if bucket exists: %w", err)
	}
	if !exists {
		if !a.cfg.AutoCreateBucket {
			return nil, fmt.Errorf("bucket %s does not exist", a.cfg.Bucket)
		}
		a.log.WithField("bucket", a.cfg.Bucket).Info("bucket missing, creating")
		if err := client.MakeBucket(ctx, a.cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket %s: %w", a.cfg.Bucket, err)
		}
	}

	a.client = client
	return client, nil
}

func (a *MinioArchive) ensureCapacity(ctx context.Context) error {
	if !a.cfg.RespectCapacity {
		return nil
	}
	a.mu.Lock()
	if a.adminClient == nil {
		admin, err := madmin.New(a.cfg.Endpoint, a.cfg.AccessKey, a.cfg.SecretKey, a.cfg.UseSSL)
		if err != nil {
			a.mu.Unlock()
			return fmt.Errorf("failed to create Minio admin client: %w", err)
		}
		a.adminClient = admin
	}
	admin := a.adminClient
	a.mu.Unlock()

	info, err := admin.StorageInfo(ctx)
	if err != nil {
		return fmt.Errorf("failed to query Minio storage info: %w", err)
	}
	var total, used uint64
	for _, disk := range info.Disks {
		total += disk.TotalSpace
		used += disk.UsedSpace
	}
	return checkCapacity(used, total, a.cfg.CapacityThreshold)
}

func checkCapacity(used, total uint64, threshold float64) error {
	if total == 0 {
		return errors.New("minio storage reported zero total capacity")
	}
	usage := (float64(used) / float64(total)) * 100
	if usage >= threshold {
		return fmt.Errorf("minio storage usage %.1f%% exceeds %.1f%% threshold", usage, threshold)
	}
	return nil
}

// Upload stores one state snapshot under the archive prefix.
func (a *MinioArchive) Upload(ctx context.Context, name string, data []byte) error {
	client, err := a.initClient(ctx)
	if err != nil {
		return err
	}
	if err := a.ensureCapacity(ctx); err != nil {
		return err
	}
	key := a.objectKey(name)
	_, err = client.PutObject(ctx, a.cfg.Bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("failed to upload to Minio: %w", err)
	}
	a.log.WithFields(logrus.Fields{"object": key, "bytes": len(data)}).Debug("uploaded state snapshot")
	return nil
}

// Latest downloads the most recently modified state snapshot.
func (a *MinioArchive) Latest(ctx context.Context) ([]byte, error) {
	client, err := a.initClient(ctx)
	if err != nil {
		return nil, err
	}

	objects, err := a.listObjects(ctx, client)
	if err != nil {
		return nil, err
	}
	newest, ok := newestObject(objects)
	if !ok {
		return nil, ErrArchiveEmpty
	}

	object, err := client.GetObject(ctx, a.cfg.Bucket, newest.Key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to download from Minio: %w", err)
	}
	defer object.Close()
	data, err := io.ReadAll(object)
	if err != nil {
		return nil, fmt.Errorf("failed to read object content: %w", err)
	}
	return data, nil
}

// Prune removes all but the keep most recent state snapshots.
func (a *MinioArchive) Prune(ctx context.Context, keep int) error {
	client, err := a.initClient(ctx)
	if err != nil {
		return err
	}
	objects, err := a.listObjects(ctx, client)
	if err != nil {
		return err
	}
	expired := expiredObjects(objects, keep)
	if len(expired) == 0 {
		return nil
	}

	objectsCh := make(chan minio.ObjectInfo, len(expired))
	go func() {
		defer close(objectsCh)
		for _, k := range expired {
			objectsCh <- minio.ObjectInfo{Key: k}
		}
	}()

	var errs []string
	for e := range client.RemoveObjects(ctx, a.cfg.Bucket, objectsCh, minio.RemoveObjectsOptions{}) {
		errs = append(errs, fmt.Sprintf("%s: %v", e.ObjectName, e.Err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors deleting objects: %s", strings.Join(errs, "; "))
	}
	a.log.WithField("removed", len(expired)).Debug("pruned archived state snapshots")
	return nil
}

func (a *MinioArchive) listObjects(ctx context.Context, client *minio.Client) ([]minio.ObjectInfo, error) {
	var objects []minio.ObjectInfo
	for obj := range client.ListObjects(ctx, a.cfg.Bucket, minio.ListObjectsOptions{
		Prefix:    a.objectKey(""),
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("error listing objects: %w", obj.Err)
		}
		objects = append(objects, obj)
	}
	return objects, nil
}

func (a *MinioArchive) objectKey(name string) string {
	key := archivePrefix + name
	if a.cfg.BucketPath != "" {
		key = path.Join(strings.Trim(a.cfg.BucketPath, "/"), key)
		if name == "" {
			key += "/"
		}
	}
	return key
}

func newestObject(objects []minio.ObjectInfo) (minio.ObjectInfo, bool) {
	var newest minio.ObjectInfo
	found := false
	for _, obj := range objects {
		if strings.HasSuffix(obj.Key, "/") {
			continue
		}
		if !found || obj.LastModified.After(newest.LastModified) {
			newest = obj
			found = true
		}
	}
	return newest, found
}

// expiredObjects returns the keys of all snapshots except the keep newest.
func expiredObjects(objects []minio.ObjectInfo, keep int) []string {
	var snapshots []minio.ObjectInfo
	for _, obj := range objects {
		if !strings.HasSuffix(obj.Key, "/") {
			snapshots = append(snapshots, obj)
		}
	}
	if keep < 1 {
		keep = 1
	}
	if len(snapshots) <= keep {
		return nil
	}
	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].LastModified.After(snapshots[j].LastModified)
	})
	keys := make([]string, 0, len(snapshots)-keep)
	for _, obj := range snapshots[keep:] {
		keys = append(keys, obj.Key)
	}
	return keys
}

// archiveObjectName derives the object name from the state file name,
// e.g. managed_rules-20240101-120000.json.
func archiveObjectName(statePath string, now time.Time) string {
	base := filepath.Base(statePath)
	ext := filepath.Ext(base)
	if ext == "" {
		ext = ".json"
	}
	return fmt.Sprintf("%s-%s%s", strings.TrimSuffix(base, filepath.Ext(base)), now.UTC().Format("20060102-150405"), ext)
}
