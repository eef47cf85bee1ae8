// Package clock 提供可替换的时间源，升级引擎与 Dose Monitor 通过它注册/取消定时器。
package clock

import "time"

// Timer 可取消的定时器
type Timer interface {
	// Stop 取消定时器；回调尚未执行时返回 true
	Stop() bool
}

// Clock 时间源
type Clock interface {
	Now() time.Time
	// AfterFunc 在 d 之后于独立 goroutine 中执行 f
	AfterFunc(d time.Duration, f func()) Timer
}

// Real 使用系统时间的 Clock
type Real struct{}

// NewReal 创建系统时钟
func NewReal() Real {
	return Real{}
}

func (Real) Now() time.Time { return time.Now() }

func (Real) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
