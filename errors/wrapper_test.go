package errors

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
)

// TestWrap 测试基本错误包装
func TestWrap(t *testing.T) {
	ctx := context.Background()
	originalErr := errors.New("boom")

	wrapped := Wrap(ctx, originalErr, ErrCodeInternal, "wrapped")
	if wrapped == nil {
		t.Fatal("包装后的错误为nil")
	}
	if !errors.Is(wrapped, originalErr) {
		t.Error("包装后的错误应保留原始错误")
	}
	if GetErrorCode(wrapped) != ErrCodeInternal {
		t.Errorf("错误代码 = %s, 期望 %s", GetErrorCode(wrapped), ErrCodeInternal)
	}
}

// TestWrap_NilError 测试包装nil错误
func TestWrap_NilError(t *testing.T) {
	if Wrap(context.Background(), nil, ErrCodeInternal, "msg") != nil {
		t.Error("包装nil错误应该返回nil")
	}
	if WrapDatabaseError(context.Background(), nil, "select") != nil {
		t.Error("包装nil数据库错误应该返回nil")
	}
	if ActionFailed(nil, "products", "insert") != nil {
		t.Error("包装nil动作错误应该返回nil")
	}
}

// TestWrapDatabaseError_NoRows sql.ErrNoRows 映射为 NOT_FOUND
func TestWrapDatabaseError_NoRows(t *testing.T) {
	wrapped := WrapDatabaseError(context.Background(), sql.ErrNoRows, "find product")
	if !IsNotFound(wrapped) {
		t.Fatalf("期望 NOT_FOUND, 实际 %v", wrapped)
	}
	if !errors.Is(wrapped, sql.ErrNoRows) {
		t.Error("应保留 sql.ErrNoRows")
	}
}

// TestWrapDatabaseError_Classifier 分类器识别唯一键冲突
func TestWrapDatabaseError_Classifier(t *testing.T) {
	unique := func(err error) (ErrorCode, bool) {
		if strings.Contains(err.Error(), "UNIQUE") {
			return ErrCodeDuplicate, true
		}
		return "", false
	}

	wrapped := WrapDatabaseError(context.Background(), errors.New("UNIQUE constraint failed: products.sku"), "insert", unique)
	if !IsDuplicate(wrapped) {
		t.Fatalf("期望 DUPLICATE, 实际 %v", wrapped)
	}

	other := WrapDatabaseError(context.Background(), errors.New("connection reset"), "insert", unique)
	if GetErrorCode(other) != ErrCodeDatabase {
		t.Fatalf("期望 DATABASE_ERROR, 实际 %s", GetErrorCode(other))
	}
}

// TestActionFailed_NotRewrapped 已经是 ACTION_FAILED 的错误不会再次包装
func TestActionFailed_NotRewrapped(t *testing.T) {
	cause := errors.New("constraint")
	first := ActionFailed(cause, "images", "insert")
	second := ActionFailed(first, "products", "insert")

	if first != second {
		t.Fatal("父级动作不应再次包装 ACTION_FAILED")
	}
	if !errors.Is(second, cause) {
		t.Error("应能解包出原始错误")
	}

	var appErr *AppError
	if !errors.As(second, &appErr) {
		t.Fatal("期望 *AppError")
	}
	if appErr.Details()["mapper"] != "images" {
		t.Errorf("mapper 详情 = %v", appErr.Details()["mapper"])
	}
}

// TestIsErrorCode_Chain 在错误链中查找错误代码
func TestIsErrorCode_Chain(t *testing.T) {
	inner := NewError(ErrCodeDuplicate, "dup")
	outer := WrapError(inner, ErrCodeActionFailed, "insert failed")

	if !IsErrorCode(outer, ErrCodeDuplicate) {
		t.Error("应在 cause 链中找到 DUPLICATE")
	}
	if !IsActionFailed(outer) {
		t.Error("最外层为 ACTION_FAILED")
	}
	if IsNotFound(outer) {
		t.Error("链中没有 NOT_FOUND")
	}
	if !errors.Is(outer, ErrDuplicate) {
		t.Error("errors.Is 应按代码匹配")
	}
}

// TestNormalize_PassThrough 未识别的错误保持原样
func TestNormalize_PassThrough(t *testing.T) {
	err := errors.New("plain")
	if Normalize(err) != err {
		t.Error("未识别的错误应原样返回")
	}

	appErr := NewError(ErrCodeInvalidEntity, "bad")
	if Normalize(appErr) != appErr {
		t.Error("IError 应原样返回")
	}
}

// TestWithContext 添加上下文不修改原错误
func TestWithContext(t *testing.T) {
	base := NewError(ErrCodeInvalidRelation, "unknown relation")
	withCtx := base.WithContext("relation", "tags")

	if _, ok := base.Details()["relation"]; ok {
		t.Error("原错误不应被修改")
	}
	if withCtx.Details()["relation"] != "tags" {
		t.Error("新错误应包含上下文")
	}
	if withCtx.Code() != ErrCodeInvalidRelation {
		t.Error("错误代码应保持不变")
	}
}
