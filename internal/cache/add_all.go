package cache

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/bonusperme/swcache/internal/fetch"
)

// AddAll 并发抓取 reqs 并全部写入 bucket。任一请求失败或返回非 2xx 时整批放弃，
// 已写入的条目会被回滚（被覆盖的旧条目原样写回），bucket 内容与调用前一致。
// 写入的快照不带 Set-Cookie。
func AddAll(ctx context.Context, bucket Bucket, fetcher fetch.Fetcher, reqs []*fetch.Request) error {
	if bucket == nil || fetcher == nil {
		return fmt.Errorf("%w: bucket and fetcher required", ErrAddAllFailed)
	}

	seen := make(map[string]struct{}, len(reqs))
	for _, req := range reqs {
		key, err := requestKey(req)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrAddAllFailed, err)
		}
		if _, dup := seen[key]; dup {
			return fmt.Errorf("%w: duplicate request %s", ErrAddAllFailed, key)
		}
		seen[key] = struct{}{}
	}

	responses := make([]*fetch.Response, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	for i, req := range reqs {
		g.Go(func() error {
			resp, err := fetcher.Fetch(gctx, req)
			if err != nil {
				return fmt.Errorf("%w: %s: %w", ErrAddAllFailed, req.Identity(), err)
			}
			if !resp.OK() {
				return fmt.Errorf("%w: %s: status %d", ErrAddAllFailed, req.Identity(), resp.StatusCode)
			}
			responses[i] = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	written := make([]priorEntry, 0, len(reqs))
	for i, req := range reqs {
		prior, err := bucket.Match(ctx, req)
		if err != nil && !errors.Is(err, ErrNotFound) {
			rollback(context.WithoutCancel(ctx), bucket, written)
			return fmt.Errorf("%w: %s: %w", ErrAddAllFailed, req.Identity(), err)
		}
		if err := bucket.Put(ctx, req, responses[i].Shareable()); err != nil {
			rollback(context.WithoutCancel(ctx), bucket, written)
			return fmt.Errorf("%w: %s: %w", ErrAddAllFailed, req.Identity(), err)
		}
		written = append(written, priorEntry{req: req, resp: prior})
	}
	return nil
}

// priorEntry 记录写入前同一标识下的旧快照，resp 为 nil 表示原本不存在。
type priorEntry struct {
	req  *fetch.Request
	resp *fetch.Response
}

// rollback 把本批写过的标识恢复成写入前的样子：旧条目写回，新条目删除。
func rollback(ctx context.Context, bucket Bucket, written []priorEntry) {
	for i := len(written) - 1; i >= 0; i-- {
		entry := written[i]
		if entry.resp != nil {
			_ = bucket.Put(ctx, entry.req, entry.resp)
			continue
		}
		_, _ = bucket.Delete(ctx, entry.req)
	}
}
