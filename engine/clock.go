package engine

import "time"

// Clock 是引擎的時間來源
// 出價截止與結標判定都以 Clock 為準，測試時可以替換成假時鐘。
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock 返回以系統時間為準的 Clock
func SystemClock() Clock { return systemClock{} }
