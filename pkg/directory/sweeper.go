package directory

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// StartFreshnessUpdates 定期刷新本地条目并同步给全局目录，ctx结束时停止
func (d *Directory) StartFreshnessUpdates(ctx context.Context, interval time.Duration) {
	d.startTicker(ctx, interval, func() {
		if err := d.TouchAll(ctx); err != nil {
			d.logger.Warn("刷新条目失败", zap.Error(err))
		}
	})
}

// StartExpiredCleanup 定期删除过期条目，ctx结束时停止
func (d *Directory) StartExpiredCleanup(ctx context.Context, interval time.Duration) {
	d.startTicker(ctx, interval, func() {
		if count := d.RemoveExpired(); count > 0 {
			d.logger.Info("清理了过期条目", zap.Int("count", count))
		}
	})
}

func (d *Directory) startTicker(ctx context.Context, interval time.Duration, task func()) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				task()
			}
		}
	}()
}
