package rules

import (
	"strings"

	"mocktail/pkg/model"
)

// FindMatch 按顺序返回第一条启用且匹配 url 的规则，没有匹配时返回 nil
func FindMatch(url string, rules []model.Rule) *model.Rule {
	for i := range rules {
		r := &rules[i]
		if !r.Enabled {
			continue
		}
		if Matches(url, r) {
			return r
		}
	}
	return nil
}

// Matches 判断单条规则的匹配谓词，不检查 Enabled
func Matches(url string, r *model.Rule) bool {
	switch r.MatchType {
	case model.MatchExact:
		return url == r.URLPattern
	case model.MatchContains:
		return strings.Contains(url, r.URLPattern)
	case model.MatchStartsWith:
		return strings.HasPrefix(url, r.URLPattern)
	case model.MatchRegex:
		return matchRegex(url, r.URLPattern)
	default:
		return false
	}
}

func matchRegex(s, pattern string) bool {
	re, err := regexCache.Get(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(s)
}

// Validate 校验规则是否可用，正则无法编译时返回 InvalidRegexError
func Validate(r model.Rule) error {
	switch r.MatchType {
	case model.MatchExact, model.MatchContains, model.MatchStartsWith:
	case model.MatchRegex:
		if _, err := regexCache.Get(r.URLPattern); err != nil {
			return err
		}
	default:
		return &UnsupportedError{Field: "matchType", Value: string(r.MatchType)}
	}
	switch r.ActionType {
	case model.ActionReplace, model.ActionMerge, model.ActionModify:
	default:
		return &UnsupportedError{Field: "actionType", Value: string(r.ActionType)}
	}
	return nil
}
