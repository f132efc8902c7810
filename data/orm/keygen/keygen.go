// Package keygen 为非自增主键生成键值
//
// mapper 配置了 KeyGenerator 时，Insert 在执行前为实体分配主键，
// 主键列随其他列一起写入。
package keygen

import (
	"github.com/google/uuid"
)

// Generator 主键生成器
type Generator interface {
	NextKey() (any, error)
}

// Func 函数形式的生成器
type Func func() (any, error)

func (f Func) NextKey() (any, error) { return f() }

// UUIDv7 生成按时间排序的 UUID 字符串
type UUIDv7 struct{}

func (UUIDv7) NextKey() (any, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	return id.String(), nil
}
