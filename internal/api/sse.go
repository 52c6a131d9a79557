package api

import "github.com/sirupsen/logrus"

// sseMessage 推送给前端的一条事件，event 为 progress/result/error 等。
type sseMessage struct {
	event string
	data  interface{}
}

// registerSSEClient 注册一个进度订阅。同一 client_id 可能同时挂着多条流
// （页面重连后旧流尚未断开），发布时要广播到所有通道。
func (h *HTTPHandler) registerSSEClient(clientID string, ch chan sseMessage) {
	if h == nil || ch == nil || clientID == "" {
		return
	}
	h.sseMu.Lock()
	defer h.sseMu.Unlock()

	if h.sseClients == nil {
		h.sseClients = make(map[string][]chan sseMessage)
	}
	h.sseClients[clientID] = append(h.sseClients[clientID], ch)
}

func (h *HTTPHandler) unregisterSSEClient(clientID string, target chan sseMessage) {
	if h == nil || target == nil || clientID == "" {
		return
	}
	h.sseMu.Lock()
	defer h.sseMu.Unlock()

	current := h.sseClients[clientID]
	if len(current) == 0 {
		return
	}

	remaining := current[:0]
	for _, ch := range current {
		if ch == target {
			continue
		}
		remaining = append(remaining, ch)
	}

	if len(remaining) == 0 {
		delete(h.sseClients, clientID)
		return
	}

	h.sseClients[clientID] = remaining
}

// publishSSEMessage 把试衣批次的进度事件发给该 client_id 的所有订阅者。
// 通道满时直接丢弃这一条，生成流程不能被慢消费者拖住。
func (h *HTTPHandler) publishSSEMessage(clientID string, msg sseMessage) {
	if h == nil || clientID == "" {
		return
	}

	h.sseMu.Lock()
	channels := append([]chan sseMessage(nil), h.sseClients[clientID]...)
	h.sseMu.Unlock()

	for _, ch := range channels {
		select {
		case ch <- msg:
		default:
			logrus.WithFields(logrus.Fields{
				"client_id": clientID,
				"event":     msg.event,
			}).Warn("dropping try-on progress event for slow subscriber")
		}
	}
}
