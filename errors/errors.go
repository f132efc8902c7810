// Package errors 定义数据映射层统一的错误代码体系
package errors

import (
	stdErrors "errors"
	"fmt"
	"runtime"
	"strings"
)

// ErrorCode 错误代码类型
type ErrorCode string

// 预定义错误代码
const (
	// 通用错误代码
	ErrCodeInternal     ErrorCode = "INTERNAL_ERROR"
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"
	ErrCodeConflict     ErrorCode = "CONFLICT"
	ErrCodeTimeout      ErrorCode = "TIMEOUT"

	// 持久化错误代码
	ErrCodeDuplicate     ErrorCode = "DUPLICATE_ERROR"
	ErrCodeActionFailed  ErrorCode = "ACTION_FAILED"
	ErrCodeEntityDeleted ErrorCode = "ENTITY_DELETED"

	// 映射配置错误代码
	ErrCodeInvalidRelation ErrorCode = "INVALID_RELATION"
	ErrCodeInvalidEntity   ErrorCode = "INVALID_ENTITY"
	ErrCodeInvalidConfig   ErrorCode = "INVALID_CONFIG"
	ErrCodeInvalidCast     ErrorCode = "INVALID_CAST"

	// 基础设施错误代码
	ErrCodeDatabase ErrorCode = "DATABASE_ERROR"
	ErrCodeQueue    ErrorCode = "QUEUE_ERROR"
)

// IError 错误接口
type IError interface {
	error

	// 获取错误代码
	Code() ErrorCode

	// 获取错误消息
	Message() string

	// 获取原始错误
	Cause() error

	// 获取错误详情
	Details() map[string]any

	// 获取堆栈信息
	Stack() string

	// 是否为指定类型的错误
	Is(target error) bool

	// 包装错误
	Wrap(msg string) IError

	// 添加详情
	WithDetails(details map[string]any) IError

	// 添加上下文
	WithContext(key string, value any) IError
}

// AppError 应用错误实现
type AppError struct {
	code    ErrorCode
	message string
	cause   error
	details map[string]any
	stack   string
}

// NewError 创建新错误
func NewError(code ErrorCode, message string) IError {
	return &AppError{
		code:    code,
		message: message,
		details: make(map[string]any),
		stack:   captureStack(),
	}
}

// NewErrorf 按格式创建新错误
func NewErrorf(code ErrorCode, format string, args ...any) IError {
	return &AppError{
		code:    code,
		message: fmt.Sprintf(format, args...),
		details: make(map[string]any),
		stack:   captureStack(),
	}
}

// WrapError 包装错误
func WrapError(err error, code ErrorCode, message string) IError {
	if err == nil {
		return nil
	}

	return &AppError{
		code:    code,
		message: message,
		cause:   err,
		details: make(map[string]any),
		stack:   captureStack(),
	}
}

// Error 实现 error 接口
func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.code, e.message)
}

// Code 获取错误代码
func (e *AppError) Code() ErrorCode {
	return e.code
}

// Message 获取错误消息
func (e *AppError) Message() string {
	return e.message
}

// Cause 获取原始错误
func (e *AppError) Cause() error {
	return e.cause
}

// Details 获取错误详情
func (e *AppError) Details() map[string]any {
	if e.details == nil {
		e.details = make(map[string]any)
	}
	return e.details
}

// Stack 获取堆栈信息
func (e *AppError) Stack() string {
	return e.stack
}

// Is 按错误代码比较；代码不同时继续在 cause 链上查找
func (e *AppError) Is(target error) bool {
	if target == nil {
		return false
	}

	if appErr, ok := target.(*AppError); ok {
		return e.code == appErr.code
	}

	if e.cause != nil {
		return stdErrors.Is(e.cause, target)
	}

	return false
}

// Unwrap 解包错误（支持 errors.Unwrap）
func (e *AppError) Unwrap() error {
	return e.cause
}

// Wrap 包装错误
func (e *AppError) Wrap(msg string) IError {
	return &AppError{
		code:    e.code,
		message: fmt.Sprintf("%s: %s", msg, e.message),
		cause:   e,
		details: copyMap(e.details),
		stack:   captureStack(),
	}
}

// WithDetails 添加详情
func (e *AppError) WithDetails(details map[string]any) IError {
	newDetails := copyMap(e.details)
	for k, v := range details {
		newDetails[k] = v
	}

	return &AppError{
		code:    e.code,
		message: e.message,
		cause:   e.cause,
		details: newDetails,
		stack:   e.stack,
	}
}

// WithContext 添加上下文
func (e *AppError) WithContext(key string, value any) IError {
	newDetails := copyMap(e.details)
	newDetails[key] = value

	return &AppError{
		code:    e.code,
		message: e.message,
		cause:   e.cause,
		details: newDetails,
		stack:   e.stack,
	}
}

// 预定义错误变量，仅用于 errors.Is 按代码比较
var (
	ErrInternal        = NewError(ErrCodeInternal, "internal error")
	ErrInvalidInput    = NewError(ErrCodeInvalidInput, "invalid input")
	ErrNotFound        = NewError(ErrCodeNotFound, "not found")
	ErrDuplicate       = NewError(ErrCodeDuplicate, "duplicate entry")
	ErrActionFailed    = NewError(ErrCodeActionFailed, "action failed")
	ErrEntityDeleted   = NewError(ErrCodeEntityDeleted, "entity deleted")
	ErrInvalidRelation = NewError(ErrCodeInvalidRelation, "invalid relation")
	ErrInvalidEntity   = NewError(ErrCodeInvalidEntity, "invalid entity")
	ErrInvalidConfig   = NewError(ErrCodeInvalidConfig, "invalid config")
	ErrDatabase        = NewError(ErrCodeDatabase, "database error")
)

// IsNotFound 检查是否为未找到错误
func IsNotFound(err error) bool {
	return IsErrorCode(err, ErrCodeNotFound)
}

// IsActionFailed 检查是否为持久化动作失败
func IsActionFailed(err error) bool {
	return IsErrorCode(err, ErrCodeActionFailed)
}

// IsDuplicate 检查是否为唯一键冲突
func IsDuplicate(err error) bool {
	return IsErrorCode(err, ErrCodeDuplicate)
}

// IsErrorCode 检查错误链上是否存在指定错误代码
func IsErrorCode(err error, code ErrorCode) bool {
	for err != nil {
		var appErr *AppError
		if !stdErrors.As(err, &appErr) {
			return false
		}
		if appErr.code == code {
			return true
		}
		err = appErr.cause
	}
	return false
}

// GetErrorCode 获取最外层错误代码
func GetErrorCode(err error) ErrorCode {
	if err == nil {
		return ""
	}

	var appErr *AppError
	if stdErrors.As(err, &appErr) {
		return appErr.code
	}

	return ErrCodeInternal
}

// captureStack 捕获堆栈信息
func captureStack() string {
	const depth = 32
	var pcs [depth]uintptr
	n := runtime.Callers(3, pcs[:])

	var builder strings.Builder
	frames := runtime.CallersFrames(pcs[:n])

	for {
		frame, more := frames.Next()
		builder.WriteString(fmt.Sprintf("%s:%d %s\n", frame.File, frame.Line, frame.Function))

		if !more {
			break
		}
	}

	return builder.String()
}

// copyMap 复制映射
func copyMap(original map[string]any) map[string]any {
	if original == nil {
		return make(map[string]any)
	}

	copied := make(map[string]any, len(original))
	for k, v := range original {
		copied[k] = v
	}

	return copied
}
