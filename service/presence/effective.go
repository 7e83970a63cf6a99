package presence

// CallOverride 通话参与查询（本实例内存表）。
type CallOverride interface {
	// InAnyCall 该用户在本实例任一通话（群聊或 1:1）中是否还有连接。
	InAnyCall(userID string) bool
}

// ComputeEffective 把通话覆盖叠加到基础状态上。
// OFFLINE 无条件透传：掉线的用户不能被通话"保持在线"。
func ComputeEffective(base Status, inCall bool) Status {
	if base == StatusOffline {
		return StatusOffline
	}
	if inCall {
		return StatusInCall
	}
	return base
}
