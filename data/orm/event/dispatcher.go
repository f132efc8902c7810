package event

import (
	"context"
	"path"
	"sync"

	"datamapper/errors"
	"datamapper/logging"
)

// Listener 事件监听器
type Listener func(ctx context.Context, ev *Event) error

type subscription struct {
	pattern  string
	listener Listener
}

// SyncDispatcher 同步的进程内分发器
//
// 监听器按登记顺序在调用方 goroutine 中执行，第一个错误即中止分发并返回。
// pattern 使用 path.Match 语法，例如 "products.saving"、"products.*"、"*.deleted"；
// 单独的 "*" 匹配全部事件。
type SyncDispatcher struct {
	mu     sync.RWMutex
	subs   []subscription
	logger logging.Logger
}

// NewSyncDispatcher 创建同步分发器
func NewSyncDispatcher() *SyncDispatcher {
	return &SyncDispatcher{logger: logging.Component("orm.event")}
}

// Listen 登记监听器，pattern 非法时返回 INVALID_INPUT
func (d *SyncDispatcher) Listen(pattern string, l Listener) error {
	if l == nil {
		return errors.NewError(errors.ErrCodeInvalidInput, "listener is nil")
	}
	if _, err := path.Match(pattern, ""); err != nil {
		return errors.WrapError(err, errors.ErrCodeInvalidInput, "invalid event pattern "+pattern)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subs = append(d.subs, subscription{pattern: pattern, listener: l})
	return nil
}

// Dispatch 调用所有匹配的监听器
func (d *SyncDispatcher) Dispatch(ctx context.Context, ev *Event) error {
	d.mu.RLock()
	subs := append([]subscription(nil), d.subs...)
	d.mu.RUnlock()

	for _, s := range subs {
		if !matches(s.pattern, ev.Name) {
			continue
		}
		if err := s.listener(ctx, ev); err != nil {
			d.logger.Debug(ctx, "listener rejected event",
				logging.String("event", ev.Name), logging.String("pattern", s.pattern), logging.Error(err))
			return err
		}
	}
	return nil
}

func matches(pattern, name string) bool {
	if pattern == "*" || pattern == name {
		return true
	}
	ok, _ := path.Match(pattern, name)
	return ok
}
