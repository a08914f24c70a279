package ws

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"

	"github.com/gorilla/websocket"
)

var errMalformedFrame = errors.New("malformed frame")

// userRef 接受字符串或数字形式的用户 id。
type userRef string

func (u *userRef) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("null")):
		*u = ""
	case len(b) > 0 && b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*u = userRef(strings.TrimSpace(s))
	default:
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return err
		}
		if n == "0" {
			*u = ""
			return nil
		}
		*u = userRef(n.String())
	}
	return nil
}

type InboundMessage struct {
	Message  string  `json:"message"`
	ToUserID userRef `json:"to_user_id"`
}

// OutboundMessage 是回显与转发共用的事件帧。
type OutboundMessage struct {
	FromUserID   string `json:"from_user_id"`
	FromUsername string `json:"from_username,omitempty"`
	ToUserID     string `json:"to_user_id"`
	Message      string `json:"message"`
}

// FailureMessage 只在 StoreStrict 下发给发送方。
type FailureMessage struct {
	Error    string `json:"error"`
	ToUserID string `json:"to_user_id"`
	Message  string `json:"message"`
}

// parseFrame 只接受文本帧 {"message": 非空字符串, "to_user_id": id}。
func parseFrame(messageType int, data []byte) (InboundMessage, error) {
	var in InboundMessage
	if messageType != websocket.TextMessage || len(data) == 0 {
		return in, errMalformedFrame
	}
	if err := json.Unmarshal(data, &in); err != nil {
		return in, errMalformedFrame
	}
	in.Message = strings.TrimSpace(in.Message)
	if in.Message == "" || in.ToUserID == "" {
		return in, errMalformedFrame
	}
	return in, nil
}
