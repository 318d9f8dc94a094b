package model

import (
	"bytes"
	"encoding/json"
	"time"
)

type SessionID string
type TargetID string
type RuleID string

// MatchType URL 匹配方式
type MatchType string

const (
	MatchExact      MatchType = "exact"
	MatchContains   MatchType = "contains"
	MatchStartsWith MatchType = "startsWith"
	MatchRegex      MatchType = "regex"
)

// ActionType 响应改写方式
type ActionType string

const (
	ActionReplace ActionType = "replace"
	ActionMerge   ActionType = "merge"
	ActionModify  ActionType = "modify"
)

// Primitive 被包装的请求原语
type Primitive string

const (
	PrimitiveFetch Primitive = "fetch"
	PrimitiveXHR   Primitive = "xhr"
	PrimitiveCDP   Primitive = "cdp"
)

// Modification modify 动作中的单条字段修改
type Modification struct {
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value"`
}

// Rule 拦截规则
type Rule struct {
	ID            RuleID          `json:"id"`
	Name          string          `json:"name"`
	URLPattern    string          `json:"urlPattern"`
	MatchType     MatchType       `json:"matchType"`
	ActionType    ActionType      `json:"actionType"`
	MockData      json.RawMessage `json:"mockData,omitempty"`
	Modifications []Modification  `json:"modifications,omitempty"`
	StatusCode    *int            `json:"statusCode,omitempty"`
	Enabled       bool            `json:"enabled"`
}

// Clone 深拷贝规则，避免调用方原地修改影响已下发的快照
func (r Rule) Clone() Rule {
	out := r
	if r.MockData != nil {
		out.MockData = append(json.RawMessage(nil), r.MockData...)
	}
	if r.Modifications != nil {
		out.Modifications = make([]Modification, len(r.Modifications))
		for i, m := range r.Modifications {
			out.Modifications[i] = Modification{
				Path:  m.Path,
				Value: append(json.RawMessage(nil), m.Value...),
			}
		}
	}
	if r.StatusCode != nil {
		code := *r.StatusCode
		out.StatusCode = &code
	}
	return out
}

// RuleSet 有序规则集，顺序即匹配优先级
type RuleSet struct {
	Rules []Rule `json:"rules"`
}

// Clone 深拷贝规则集
func (rs RuleSet) Clone() RuleSet {
	if rs.Rules == nil {
		return RuleSet{}
	}
	out := RuleSet{Rules: make([]Rule, len(rs.Rules))}
	for i := range rs.Rules {
		out.Rules[i] = rs.Rules[i].Clone()
	}
	return out
}

// Settings 拦截会话状态：总开关与规则列表
type Settings struct {
	Enabled bool    `json:"enabled"`
	Rules   RuleSet `json:"rules"`
}

// SettingsDelta 设置变更通知，只携带发生变化的字段
type SettingsDelta struct {
	Enabled *bool    `json:"enabled,omitempty"`
	Rules   *RuleSet `json:"rules,omitempty"`
}

// Empty 判断变更是否为空
func (d SettingsDelta) Empty() bool {
	return d.Enabled == nil && d.Rules == nil
}

// InterceptEvent 一次成功拦截的记录，创建后不可变
type InterceptEvent struct {
	URL          string    `json:"url"`
	Method       string    `json:"method,omitempty"`
	RuleID       RuleID    `json:"ruleId,omitempty"`
	RuleName     string    `json:"ruleName"`
	Primitive    Primitive `json:"primitive,omitempty"`
	StatusCode   int       `json:"statusCode,omitempty"`
	OriginalData string    `json:"originalData"`
	ModifiedData string    `json:"modifiedData"`
	Timestamp    time.Time `json:"timestamp"`
}

// EngineStats 拦截统计
type EngineStats struct {
	Total   int64            `json:"total"`
	Matched int64            `json:"matched"`
	ByRule  map[RuleID]int64 `json:"byRule"`
}

type TargetInfo struct {
	ID       TargetID `json:"id"`
	Type     string   `json:"type"`
	URL      string   `json:"url"`
	Title    string   `json:"title"`
	Attached bool     `json:"attached"`
}

// DiffSettings 比较两份设置，返回 next 相对 prev 发生变化的字段；prev 为空时两个字段都视为变化
func DiffSettings(prev *Settings, next Settings) SettingsDelta {
	var d SettingsDelta
	if prev == nil || prev.Enabled != next.Enabled {
		enabled := next.Enabled
		d.Enabled = &enabled
	}
	if prev == nil || !sameRules(prev.Rules, next.Rules) {
		rs := next.Rules.Clone()
		d.Rules = &rs
	}
	return d
}

func sameRules(a, b RuleSet) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && bytes.Equal(ja, jb)
}
