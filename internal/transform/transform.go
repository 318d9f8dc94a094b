package transform

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/tidwall/gjson"

	"mocktail/pkg/model"
)

// DefaultPreviewLimit 拦截记录中载荷预览的最大字符数
const DefaultPreviewLimit = 500

var nullJSON = json.RawMessage("null")

// Supported 判断动作类型是否会产生替换载荷
func Supported(action model.ActionType) bool {
	switch action {
	case model.ActionReplace, model.ActionMerge, model.ActionModify:
		return true
	default:
		return false
	}
}

// Apply 按规则动作由原始载荷生成替换载荷。
// 未知动作原样返回 original；任何错误发生时调用方应放行原始响应。
func Apply(original json.RawMessage, rule model.Rule) (json.RawMessage, error) {
	if !Supported(rule.ActionType) {
		return original, nil
	}

	doc, err := compact(original)
	if err != nil {
		return nil, &DecodeError{Err: err}
	}

	switch rule.ActionType {
	case model.ActionReplace:
		return mockData(rule)
	case model.ActionMerge:
		return merge(doc, rule)
	default:
		return modify(doc, rule)
	}
}

// mockData 解析规则的 mockData：缺失视为 null，JSON 字符串按 JSON 文本再解析一次
func mockData(rule model.Rule) (json.RawMessage, error) {
	raw := bytes.TrimSpace(rule.MockData)
	if len(raw) == 0 {
		return nullJSON, nil
	}
	out, err := compact(raw)
	if err != nil {
		return nil, &MalformedMockDataError{RuleID: rule.ID, Field: "mockData", Err: err}
	}
	res := gjson.ParseBytes(out)
	if res.Type != gjson.String {
		return out, nil
	}
	text := bytes.TrimSpace([]byte(res.String()))
	if len(text) == 0 {
		return nil, &MalformedMockDataError{RuleID: rule.ID, Field: "mockData", Err: errors.New("empty JSON text")}
	}
	out, err = compact(text)
	if err != nil {
		return nil, &MalformedMockDataError{RuleID: rule.ID, Field: "mockData", Err: err}
	}
	return out, nil
}

func merge(doc json.RawMessage, rule model.Rule) (json.RawMessage, error) {
	orig := gjson.ParseBytes(doc)
	if !orig.IsObject() {
		return nil, &TypeMismatchError{Action: rule.ActionType, Want: "object", Got: kindOf(orig)}
	}
	mock, err := mockData(rule)
	if err != nil {
		return nil, err
	}
	overlay := gjson.ParseBytes(mock)
	if !overlay.IsObject() {
		return doc, nil
	}

	values := make(map[string]string)
	var order []gjson.Result
	overlay.ForEach(func(key, value gjson.Result) bool {
		k := key.String()
		if _, seen := values[k]; !seen {
			order = append(order, key)
		}
		values[k] = value.Raw
		return true
	})

	var buf bytes.Buffer
	buf.Grow(len(doc) + len(mock))
	buf.WriteByte('{')
	written := make(map[string]bool, len(values))
	first := true
	member := func(rawKey, rawValue string) {
		if !first {
			buf.WriteByte(',')
		}
		first = false
		buf.WriteString(rawKey)
		buf.WriteByte(':')
		buf.WriteString(rawValue)
	}
	orig.ForEach(func(key, value gjson.Result) bool {
		k := key.String()
		if v, ok := values[k]; ok {
			if !written[k] {
				member(key.Raw, v)
				written[k] = true
			}
			return true
		}
		member(key.Raw, value.Raw)
		return true
	})
	for _, key := range order {
		k := key.String()
		if written[k] {
			continue
		}
		member(key.Raw, values[k])
		written[k] = true
	}
	buf.WriteByte('}')
	return compact(buf.Bytes())
}

func modify(doc json.RawMessage, rule model.Rule) (json.RawMessage, error) {
	root := gjson.ParseBytes(doc)
	if !root.IsObject() && !root.IsArray() {
		return nil, &TypeMismatchError{Action: rule.ActionType, Want: "object or array", Got: kindOf(root)}
	}

	out := []byte(doc)
	for i, m := range rule.Modifications {
		segs, ok := splitPath(m.Path)
		if !ok {
			continue
		}
		value, err := modValue(m.Value)
		if err != nil {
			return nil, &MalformedMockDataError{
				RuleID: rule.ID,
				Field:  "modifications[" + strconv.Itoa(i) + "].value",
				Err:    err,
			}
		}
		if next, ok := setPath(out, segs, value); ok {
			out = next
		}
	}
	return compact(out)
}

func modValue(raw json.RawMessage) ([]byte, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nullJSON, nil
	}
	return compact(raw)
}

// ReplaceText 计算非 JSON 响应的文本替换内容。
// 仅 replace 动作且 mockData 存在时生效：字符串原样使用，其它值使用其 JSON 文本。
func ReplaceText(rule model.Rule) (string, bool) {
	if rule.ActionType != model.ActionReplace || !present(rule.MockData) {
		return "", false
	}
	res := gjson.ParseBytes(rule.MockData)
	if res.Type == gjson.String {
		return res.String(), true
	}
	out, err := compact(rule.MockData)
	if err != nil {
		return string(bytes.TrimSpace(rule.MockData)), true
	}
	return string(out), true
}

// present null、false、0 与空字符串视为未提供
func present(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return false
	}
	if !gjson.ValidBytes(raw) {
		return true
	}
	res := gjson.ParseBytes(raw)
	switch res.Type {
	case gjson.Null, gjson.False:
		return false
	case gjson.Number:
		return res.Float() != 0
	case gjson.String:
		return res.String() != ""
	default:
		return true
	}
}

// Preview 截取前 n 个字符（按 rune 计）
func Preview(s string, n int) string {
	if n <= 0 {
		n = DefaultPreviewLimit
	}
	if len(s) <= n {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}

func compact(raw []byte) (json.RawMessage, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func kindOf(r gjson.Result) string {
	switch r.Type {
	case gjson.Null:
		return "null"
	case gjson.False, gjson.True:
		return "boolean"
	case gjson.Number:
		return "number"
	case gjson.String:
		return "string"
	case gjson.JSON:
		if r.IsArray() {
			return "array"
		}
		return "object"
	default:
		return fmt.Sprintf("type(%d)", r.Type)
	}
}
