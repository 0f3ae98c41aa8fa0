package clock

import "time"

// Clock 提供当前时间，便于测试注入固定时间。
type Clock interface {
	Now() time.Time
}

// Scheduler 负责延迟调度任务，便于测试同步触发。
type Scheduler interface {
	AfterFunc(d time.Duration, fn func())
}

// System 同时实现 Clock 与 Scheduler，基于标准库 time。
type System struct{}

// NewSystem 返回系统时钟。
func NewSystem() System {
	return System{}
}

// Now 返回当前 UTC 时间。
func (System) Now() time.Time {
	return time.Now().UTC()
}

// AfterFunc 在 d 之后异步执行 fn。
func (System) AfterFunc(d time.Duration, fn func()) {
	time.AfterFunc(d, fn)
}
