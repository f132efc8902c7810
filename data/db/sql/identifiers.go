package sql

import (
	"strings"

	"datamapper/errors"
)

// IsSafeIdentifier 判断表名、列名或别名能否直接拼入语句
//
// 允许 foo、bar_1 以及 schema.table、table.column 这样的限定名；
// 每段以 ASCII 字母或下划线开头，其余为字母、数字或下划线。
func IsSafeIdentifier(name string) bool {
	if name == "" {
		return false
	}
	for _, part := range strings.Split(name, ".") {
		if !isSafePart(part) {
			return false
		}
	}
	return true
}

func isSafePart(part string) bool {
	if part == "" {
		return false
	}
	for i := 0; i < len(part); i++ {
		ch := part[i]
		switch {
		case ch == '_', ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z':
		case i > 0 && ch >= '0' && ch <= '9':
		default:
			return false
		}
	}
	return true
}

// CheckIdentifiers 第一个不安全的标识符返回 INVALID_CONFIG，kind 描述标识符用途（table、column ...）
func CheckIdentifiers(kind string, names ...string) error {
	for _, name := range names {
		if !IsSafeIdentifier(name) {
			return errors.NewErrorf(errors.ErrCodeInvalidConfig, "invalid %s %q", kind, name)
		}
	}
	return nil
}
