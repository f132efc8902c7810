package errors

import (
	"context"
	"fmt"
	"runtime"

	"datamapper/logging"
)

// Wrap 包装错误，添加错误码和上下文信息
func Wrap(ctx context.Context, err error, code ErrorCode, msg string) error {
	if err == nil {
		return nil
	}

	_, file, line, _ := runtime.Caller(1)

	wrapped := WrapError(err, code, msg)

	// 避免重复记录，使用Debug级别
	logging.GetLogger().Debug(ctx, fmt.Sprintf("wrap error: %s", msg),
		logging.String("location", fmt.Sprintf("%s:%d", file, line)))

	return wrapped
}

// WrapWithLog 包装错误并记录警告日志
func WrapWithLog(ctx context.Context, err error, code ErrorCode, msg string, fields ...logging.Field) error {
	if err == nil {
		return nil
	}

	_, file, line, _ := runtime.Caller(1)

	wrapped := WrapError(err, code, msg)

	allFields := append([]logging.Field{
		logging.Error(err),
		logging.String("error_code", string(code)),
		logging.String("location", fmt.Sprintf("%s:%d", file, line)),
	}, fields...)

	logging.GetLogger().Warn(ctx, msg, allFields...)

	return wrapped
}

// WrapDatabaseError 包装数据库错误
//
// 已经规范化为 NOT_FOUND / DUPLICATE 的错误保留原代码，其余统一为 DATABASE_ERROR。
func WrapDatabaseError(ctx context.Context, err error, operation string, classifiers ...Classifier) error {
	if err == nil {
		return nil
	}

	err = Normalize(err, classifiers...)
	switch {
	case IsNotFound(err):
		return WrapError(err, ErrCodeNotFound, operation)
	case IsDuplicate(err):
		return WrapError(err, ErrCodeDuplicate, operation)
	}

	return WrapWithLog(ctx, err, ErrCodeDatabase,
		fmt.Sprintf("database operation failed: %s", operation),
		logging.String("operation", operation),
	)
}

// ActionFailed 将持久化动作中的失败包装为 ACTION_FAILED。
//
// 已经是 ACTION_FAILED 的错误原样返回，保证整棵动作树只产生一个结构化失败。
func ActionFailed(err error, mapper, action string) error {
	if err == nil {
		return nil
	}
	if IsActionFailed(err) {
		return err
	}
	return WrapError(err, ErrCodeActionFailed, fmt.Sprintf("%s action on %s failed", action, mapper)).
		WithDetails(map[string]any{"mapper": mapper, "action": action})
}

// New 创建新错误（带调用位置）
func New(code ErrorCode, msg string) error {
	_, file, line, _ := runtime.Caller(1)
	enhancedMsg := fmt.Sprintf("%s (at %s:%d)", msg, file, line)
	return NewError(code, enhancedMsg)
}
