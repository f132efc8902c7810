package errors

import (
	"database/sql"
	stdErrors "errors"
)

// Classifier 将驱动层错误归类为错误代码，无法识别时返回 false
type Classifier func(err error) (ErrorCode, bool)

// Normalize 将驱动/数据库层错误规范化为 AppError。
//
// 注意：
//   - 如果传入的 err 已经是 IError，则原样返回；
//   - sql.ErrNoRows 统一映射为 NOT_FOUND；
//   - 其他错误交由 classifiers 依次识别（例如方言的唯一键冲突判断）；
//   - 未识别的错误保持原样，不强行包装，交由调用方决定是否 Wrap。
func Normalize(err error, classifiers ...Classifier) error {
	if err == nil {
		return nil
	}

	if _, ok := err.(IError); ok {
		return err
	}

	if stdErrors.Is(err, sql.ErrNoRows) {
		return WrapError(err, ErrCodeNotFound, "record not found")
	}

	for _, classify := range classifiers {
		if classify == nil {
			continue
		}
		if code, ok := classify(err); ok {
			return WrapError(err, code, "database constraint violated")
		}
	}

	return err
}
