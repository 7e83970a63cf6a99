package presence

import (
	"time"

	"RTProject/tools/errs"
)

// ===== 活动信号归一化 =====

type Visibility string

const (
	VisibilityVisible Visibility = "visible"
	VisibilityHidden  Visibility = "hidden"
)

type Source string

const (
	SourceWeb      Source = "web"
	SourceElectron Source = "electron"
	SourceMobile   Source = "mobile"
)

// Activity 归一化后的活动元组，保证 Active ⇒ Visibility == visible。
type Activity struct {
	Active     bool
	Visibility Visibility
	Source     Source
	UpdatedAt  time.Time
}

// StatePayload presence.state 的原始载荷；Active 用指针区分缺省与 false。
type StatePayload struct {
	Active     *bool  `json:"active"`
	Visibility string `json:"visibility"`
	Source     string `json:"source"`
}

var ErrBadActivity = errs.NewCodeError(1100, "malformed activity payload")

// Normalize 校验并归一化结构化活动上报。
// 字段缺失或枚举外的值一律拒绝（不做默认值补齐）；
// active=true 时可见性强制归一为 visible。
func Normalize(p StatePayload, now time.Time) (Activity, error) {
	if p.Active == nil {
		return Activity{}, ErrBadActivity.WithDetail("missing active")
	}
	vis := Visibility(p.Visibility)
	if vis != VisibilityVisible && vis != VisibilityHidden {
		return Activity{}, ErrBadActivity.WithDetail("bad visibility: " + p.Visibility)
	}
	src := Source(p.Source)
	if src != SourceWeb && src != SourceElectron && src != SourceMobile {
		return Activity{}, ErrBadActivity.WithDetail("bad source: " + p.Source)
	}
	if *p.Active {
		vis = VisibilityVisible
	}
	return Activity{Active: *p.Active, Visibility: vis, Source: src, UpdatedAt: now}, nil
}

// NormalizeLegacyFocus 兼容老客户端的 presence.focus {focused} 上报。
func NormalizeLegacyFocus(focused bool, now time.Time) Activity {
	if focused {
		return Activity{Active: true, Visibility: VisibilityVisible, Source: SourceWeb, UpdatedAt: now}
	}
	return Activity{Active: false, Visibility: VisibilityHidden, Source: SourceWeb, UpdatedAt: now}
}
