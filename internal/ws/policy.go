package ws

import "fmt"

// FramePolicy 决定收到格式错误的帧时的行为。
type FramePolicy int

const (
	// FrameDrop 静默丢弃，连接保持打开，不回任何错误帧。
	FrameDrop FramePolicy = iota
	// FrameClose 关闭发送方连接。
	FrameClose
)

func (p FramePolicy) String() string {
	if p == FrameClose {
		return "close"
	}
	return "drop"
}

func ParseFramePolicy(s string) (FramePolicy, error) {
	switch s {
	case "", "drop":
		return FrameDrop, nil
	case "close":
		return FrameClose, nil
	}
	return FrameDrop, fmt.Errorf("unknown frame policy %q", s)
}

// StorePolicy 决定消息落库失败时是否继续实时投递。
type StorePolicy int

const (
	// StoreBestEffort 记录日志后照常回显与转发。
	StoreBestEffort StorePolicy = iota
	// StoreStrict 只给发送方回一个 delivery_failed 帧，不回显也不转发。
	StoreStrict
)

func (p StorePolicy) String() string {
	if p == StoreStrict {
		return "strict"
	}
	return "best_effort"
}

func ParseStorePolicy(s string) (StorePolicy, error) {
	switch s {
	case "", "best_effort":
		return StoreBestEffort, nil
	case "strict":
		return StoreStrict, nil
	}
	return StoreBestEffort, fmt.Errorf("unknown store policy %q", s)
}
