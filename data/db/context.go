package db

import "context"

type txKey struct{}

type writeLockKey struct{}

// WithTx 将事务放入 context，之后的读写都应通过该事务执行
func WithTx(ctx context.Context, tx ITransaction) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// TxFrom 从 context 中取出事务
func TxFrom(ctx context.Context) (ITransaction, bool) {
	if ctx == nil {
		return nil, false
	}
	tx, ok := ctx.Value(txKey{}).(ITransaction)
	return tx, ok && tx != nil
}

// WithWriteLock 标记当前逻辑操作锁定到写库，随后的读操作不会落到只读副本
func WithWriteLock(ctx context.Context) context.Context {
	return context.WithValue(ctx, writeLockKey{}, true)
}

// IsWriteLocked 当前 context 是否锁定到写库
func IsWriteLocked(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	locked, _ := ctx.Value(writeLockKey{}).(bool)
	return locked
}

// Detach 返回一个不携带事务、不受取消影响的 context。
//
// 延迟加载在原始查询之后才执行，此时原事务可能已经提交。
func Detach(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	ctx = context.WithoutCancel(ctx)
	if _, ok := TxFrom(ctx); ok {
		ctx = context.WithValue(ctx, txKey{}, nil)
	}
	return ctx
}
