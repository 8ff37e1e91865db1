package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bonusperme/swcache/internal/fetch"
)

// Storage 管理所有命名 bucket，对应浏览器的 CacheStorage。
type Storage interface {
	// Open 打开（不存在时创建）指定名称的 bucket。
	Open(ctx context.Context, name string) (Bucket, error)

	// Has 判断 bucket 是否存在。
	Has(ctx context.Context, name string) (bool, error)

	// Keys 返回全部 bucket 名称，按字典序排列。
	Keys(ctx context.Context) ([]string, error)

	// Delete 整体删除 bucket 及其全部条目，返回删除前是否存在。
	Delete(ctx context.Context, name string) (bool, error)

	Close() error
}

// Bucket 是单个版本化的缓存分区。条目以请求标识为键，重复写入以最后一次为准。
type Bucket interface {
	Name() string

	// Match 返回请求标识对应的快照，不存在时返回 ErrNotFound。
	Match(ctx context.Context, req *fetch.Request) (*fetch.Response, error)

	// Put 写入快照并覆盖同一标识的旧条目。bucket 已被删除时返回 ErrBucketGone。
	Put(ctx context.Context, req *fetch.Request, resp *fetch.Response) error

	// Delete 删除单个条目，仅供 AddAll 回滚使用。
	Delete(ctx context.Context, req *fetch.Request) (bool, error)

	// Keys 返回 bucket 内全部请求标识，按字典序排列。
	Keys(ctx context.Context) ([]string, error)
}

var (
	// ErrNotFound 表示缓存不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrInvalidBucket 表示 bucket 名称不可用。
	ErrInvalidBucket = errors.New("invalid bucket name")
	// ErrBucketGone 表示 bucket 在句柄打开后已被整体删除。
	ErrBucketGone = errors.New("cache bucket deleted")
	// ErrAddAllFailed 表示预缓存列表中至少一项失败，整批未写入。
	ErrAddAllFailed = errors.New("cache addAll failed")
)

// Driver names accepted by NewStorage.
const (
	DriverFS     = "fs"
	DriverSQLite = "sqlite"
)

// NewStorage 根据驱动名称在 basePath 下构建存储，整个进程复用一份实例。
func NewStorage(driver, basePath string) (Storage, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverFS:
		return NewFileStorage(basePath)
	case DriverSQLite:
		if basePath == "" {
			return nil, errors.New("storage path required")
		}
		if err := os.MkdirAll(basePath, 0o755); err != nil {
			return nil, fmt.Errorf("create storage path: %w", err)
		}
		return NewSQLiteStorage(filepath.Join(basePath, "swcache.db"))
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", driver)
	}
}

func validateBucketName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" || trimmed != name {
		return fmt.Errorf("%w: %q", ErrInvalidBucket, name)
	}
	if name == "." || name == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidBucket, name)
	}
	return nil
}

func requestKey(req *fetch.Request) (string, error) {
	key := req.Identity()
	if key == "" {
		return "", errors.New("request url required")
	}
	return key, nil
}
