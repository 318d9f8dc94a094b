package transform

import (
	"errors"
	"fmt"

	"mocktail/pkg/model"
)

// MalformedMockDataError 规则携带的 mockData 或修改值不是合法 JSON
type MalformedMockDataError struct {
	RuleID model.RuleID
	Field  string
	Err    error
}

func (e *MalformedMockDataError) Error() string {
	return fmt.Sprintf("rule %s: malformed %s: %v", e.RuleID, e.Field, e.Err)
}

func (e *MalformedMockDataError) Unwrap() error { return e.Err }

// TypeMismatchError 原始载荷类型不满足动作要求
type TypeMismatchError struct {
	Action model.ActionType
	Want   string
	Got    string
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("%s requires %s payload, got %s", e.Action, e.Want, e.Got)
}

// DecodeError 原始响应体无法按 JSON 解析
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode original payload: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ErrorKind 返回错误类别，用于日志与指标标签
func ErrorKind(err error) string {
	var (
		malformed *MalformedMockDataError
		mismatch  *TypeMismatchError
		decode    *DecodeError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &malformed):
		return "malformed_mock"
	case errors.As(err, &mismatch):
		return "type_mismatch"
	case errors.As(err, &decode):
		return "decode"
	default:
		return "other"
	}
}
