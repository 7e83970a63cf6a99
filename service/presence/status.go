package presence

// Status 用户状态。IN_CALL 只在广播层出现，底层聚合只产出前三种。
type Status string

const (
	StatusOffline    Status = "OFFLINE"
	StatusBackground Status = "BACKGROUND"
	StatusOnline     Status = "ONLINE"
	StatusInCall     Status = "IN_CALL"
)

// BaseStatus 按集合基数推导基础状态。
func BaseStatus(onlineCount, activeCount int64) Status {
	switch {
	case onlineCount == 0:
		return StatusOffline
	case activeCount == 0:
		return StatusBackground
	default:
		return StatusOnline
	}
}
