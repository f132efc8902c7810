package db

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"

	"datamapper/errors"
)

// ConnectionLocator 负责读写连接的选择
//
//   - Write 总是返回写库（或 context 中的事务）
//   - Read 在未锁定写库时轮询只读副本；没有副本时退回写库
//   - LockToWrite 打开后所有读都落在写库，避免保存后立即读取时的副本延迟
type ConnectionLocator struct {
	write  IDatabase
	reads  []IDatabase
	next   atomic.Uint64
	locked atomic.Bool

	closeOnce sync.Once
}

// NewConnectionLocator 创建连接定位器
func NewConnectionLocator(write IDatabase, reads ...IDatabase) *ConnectionLocator {
	filtered := make([]IDatabase, 0, len(reads))
	for _, r := range reads {
		if r != nil {
			filtered = append(filtered, r)
		}
	}
	return &ConnectionLocator{write: write, reads: filtered}
}

// Open 根据读写配置打开所有连接
func Open(cfg Config, open OpenFunc) (*ConnectionLocator, error) {
	if open == nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "db: open func is required")
	}
	write, err := open(cfg.Write)
	if err != nil {
		return nil, err
	}
	if cfg.Trace {
		write = NewTracedDatabase(write, nil)
	}

	reads := make([]IDatabase, 0, len(cfg.Reads))
	for _, rc := range cfg.Reads {
		r, err := open(rc)
		if err != nil {
			_ = write.Close()
			for _, opened := range reads {
				_ = opened.Close()
			}
			return nil, err
		}
		if cfg.Trace {
			r = NewTracedDatabase(r, nil)
		}
		reads = append(reads, r)
	}
	return NewConnectionLocator(write, reads...), nil
}

// Write 返回写连接；context 中存在事务时返回该事务
func (l *ConnectionLocator) Write(ctx context.Context) IDatabase {
	if tx, ok := TxFrom(ctx); ok {
		return tx
	}
	return l.write
}

// Read 返回读连接
func (l *ConnectionLocator) Read(ctx context.Context) IDatabase {
	if tx, ok := TxFrom(ctx); ok {
		return tx
	}
	if len(l.reads) == 0 || l.locked.Load() || IsWriteLocked(ctx) {
		return l.write
	}
	n := l.next.Add(1) - 1
	return l.reads[n%uint64(len(l.reads))]
}

// LockToWrite 全局锁定/解锁到写库
func (l *ConnectionLocator) LockToWrite(locked bool) {
	l.locked.Store(locked)
}

// IsLockedToWrite 是否已全局锁定到写库
func (l *ConnectionLocator) IsLockedToWrite() bool {
	return l.locked.Load()
}

// Close 关闭所有连接
func (l *ConnectionLocator) Close() error {
	var errs []error
	l.closeOnce.Do(func() {
		if l.write != nil {
			errs = append(errs, l.write.Close())
		}
		for _, r := range l.reads {
			errs = append(errs, r.Close())
		}
	})
	return stderrors.Join(errs...)
}
