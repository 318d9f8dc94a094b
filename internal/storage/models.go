package storage

import (
	"time"
)

// Setting 键值设置表
type Setting struct {
	Key       string    `gorm:"primaryKey;size:64" json:"key"` // 设置键
	Value     string    `gorm:"type:text" json:"value"`        // 设置值（JSON）
	UpdatedAt time.Time `json:"updatedAt"`                     // 更新时间
}

// 预定义的设置 Key
const (
	SettingKeyEnabled    = "enabled"         // 拦截总开关
	SettingKeyRules      = "intercept_rules" // 规则列表
	SettingKeyBadgeCount = "badge_count"     // 当前会话拦截计数
)

// InterceptEventRecord 拦截事件历史表
type InterceptEventRecord struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	URL          string    `json:"url"`
	Method       string    `json:"method"`
	RuleID       string    `gorm:"index" json:"ruleId"`
	RuleName     string    `json:"ruleName"`
	Primitive    string    `json:"primitive"`
	StatusCode   int       `json:"statusCode"`
	OriginalData string    `gorm:"type:text" json:"originalData"`
	ModifiedData string    `gorm:"type:text" json:"modifiedData"`
	Timestamp    int64     `gorm:"index" json:"timestamp"` // 毫秒时间戳
	CreatedAt    time.Time `json:"createdAt"`
}
