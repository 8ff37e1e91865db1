package cache

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bonusperme/swcache/internal/fetch"
)

// NewFileStorage 以 basePath 为根目录构建磁盘缓存。磁盘布局：
//
//	<basePath>/<escaped bucket>/<sha1(identity)>.body   # 响应正文
//	<basePath>/<escaped bucket>/<sha1(identity)>.json   # 状态码、响应头、URL
//
// 元数据文件最后落盘，存在即代表条目完整。
func NewFileStorage(basePath string) (Storage, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStorage{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileStorage 通过 entryLock 避免同一请求标识并发写入。
type fileStorage struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

type fileBucket struct {
	storage *fileStorage
	name    string
	dir     string
}

type entryMeta struct {
	URL        string      `json:"url"`
	StatusCode int         `json:"status"`
	Header     http.Header `json:"header"`
	SizeBytes  int64       `json:"size_bytes"`
	StoredAt   time.Time   `json:"stored_at"`
}

func (s *fileStorage) Open(ctx context.Context, name string) (Bucket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := s.bucketDir(name)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create bucket %s: %w", name, err)
	}
	return &fileBucket{storage: s, name: name, dir: dir}, nil
}

func (s *fileStorage) Has(ctx context.Context, name string) (bool, error) {
	dir, err := s.bucketDir(name)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

func (s *fileStorage) Keys(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".evict-") {
			continue
		}
		name, err := url.PathUnescape(entry.Name())
		if err != nil {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *fileStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	dir, err := s.bucketDir(name)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}

	// 先整体改名再删除，Keys 不会看到删除到一半的 bucket。
	graveyard, err := os.MkdirTemp(s.basePath, ".evict-")
	if err != nil {
		return false, err
	}
	target := filepath.Join(graveyard, "bucket")
	if err := os.Rename(dir, target); err != nil {
		os.RemoveAll(graveyard)
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if err := os.RemoveAll(graveyard); err != nil {
		return true, err
	}
	return true, nil
}

func (s *fileStorage) Close() error {
	return nil
}

func (s *fileStorage) bucketDir(name string) (string, error) {
	if err := validateBucketName(name); err != nil {
		return "", err
	}
	escaped := url.PathEscape(name)
	dir := filepath.Join(s.basePath, escaped)
	if filepath.Dir(dir) != s.basePath {
		return "", fmt.Errorf("%w: %q", ErrInvalidBucket, name)
	}
	return dir, nil
}

func (b *fileBucket) Name() string {
	return b.name
}

func (b *fileBucket) Match(ctx context.Context, req *fetch.Request) (*fetch.Response, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	key, err := requestKey(req)
	if err != nil {
		return nil, err
	}
	unlock := b.storage.lockEntry(b.name, key)
	defer unlock()

	bodyPath, metaPath := b.entryPaths(key)
	raw, err := os.ReadFile(metaPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var meta entryMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("decode cache metadata: %w", err)
	}
	if meta.URL != key {
		return nil, ErrNotFound
	}

	body, err := os.ReadFile(bodyPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	header := meta.Header
	if header == nil {
		header = http.Header{}
	}
	return &fetch.Response{
		StatusCode: meta.StatusCode,
		Header:     header,
		Body:       body,
		StoredAt:   meta.StoredAt,
	}, nil
}

func (b *fileBucket) Put(ctx context.Context, req *fetch.Request, resp *fetch.Response) error {
	if resp == nil {
		return errors.New("response required")
	}
	key, err := requestKey(req)
	if err != nil {
		return err
	}
	unlock := b.storage.lockEntry(b.name, key)
	defer unlock()

	bodyPath, metaPath := b.entryPaths(key)

	written, err := writeAtomic(ctx, bodyPath, bytes.NewReader(resp.Body))
	if err != nil {
		return b.mapGone(err)
	}

	storedAt := resp.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now().UTC()
	}
	meta, err := json.Marshal(entryMeta{
		URL:        key,
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		SizeBytes:  written,
		StoredAt:   storedAt,
	})
	if err != nil {
		return err
	}
	if _, err := writeAtomic(ctx, metaPath, bytes.NewReader(meta)); err != nil {
		return b.mapGone(err)
	}
	return nil
}

func (b *fileBucket) Delete(ctx context.Context, req *fetch.Request) (bool, error) {
	key, err := requestKey(req)
	if err != nil {
		return false, err
	}
	unlock := b.storage.lockEntry(b.name, key)
	defer unlock()

	bodyPath, metaPath := b.entryPaths(key)
	existed := true
	if err := os.Remove(metaPath); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return false, err
		}
		existed = false
	}
	if err := os.Remove(bodyPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return existed, err
	}
	return existed, nil
}

func (b *fileBucket) Keys(ctx context.Context) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(b.dir, "*.json"))
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(matches))
	for _, metaPath := range matches {
		raw, err := os.ReadFile(metaPath)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		var meta entryMeta
		if err := json.Unmarshal(raw, &meta); err != nil {
			continue
		}
		keys = append(keys, meta.URL)
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *fileBucket) entryPaths(key string) (string, string) {
	sum := sha1.Sum([]byte(key))
	base := filepath.Join(b.dir, hex.EncodeToString(sum[:]))
	return base + ".body", base + ".json"
}

// mapGone 将 bucket 目录已被删除导致的失败归一为 ErrBucketGone。
func (b *fileBucket) mapGone(err error) error {
	if _, statErr := os.Stat(b.dir); statErr != nil && errors.Is(statErr, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrBucketGone, b.name)
	}
	return err
}

func (s *fileStorage) lockEntry(bucket, key string) func() {
	lockKey := bucket + "::" + key
	s.mu.Lock()
	lock := s.locks[lockKey]
	if lock == nil {
		lock = &entryLock{}
		s.locks[lockKey] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, lockKey)
		}
		s.mu.Unlock()
	}
}

// writeAtomic 写入同目录临时文件后 rename，目录不存在时不会自动创建。
func writeAtomic(ctx context.Context, target string, body io.Reader) (int64, error) {
	tempFile, err := os.CreateTemp(filepath.Dir(target), ".cache-*")
	if err != nil {
		return 0, err
	}
	tempName := tempFile.Name()

	written, err := copyWithContext(ctx, tempFile, body)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return 0, err
	}

	if err := os.Rename(tempName, target); err != nil {
		os.Remove(tempName)
		return 0, err
	}
	return written, nil
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
