package ws

const (
	deliveryEcho  = "echo"
	deliveryRelay = "relay"
)

type delivery struct {
	kind   string
	target *Client
}

// route 给出一条已接受消息的实时投递目标：发送方回显总是第一个，
// 接收方在线时再加一次转发。发给自己的消息只回显一次。
func route(sender, recipient *Client) []delivery {
	out := []delivery{{kind: deliveryEcho, target: sender}}
	if recipient != nil && recipient != sender {
		out = append(out, delivery{kind: deliveryRelay, target: recipient})
	}
	return out
}
