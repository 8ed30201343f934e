// Package hub fans text frames out to the WebSocket connections of the
// development backend, grouped by topic.
package hub

import (
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	sendBuffer   = 64
	writeTimeout = 5 * time.Second
)

// 各类 socket 的 topic 名称。
func MessagesTopic(conversationID int64) string {
	return "conversation:" + strconv.FormatInt(conversationID, 10) + ":messages"
}

func TokensTopic(conversationID int64) string {
	return "conversation:" + strconv.FormatInt(conversationID, 10) + ":tokens"
}

func NotifyTopic(conversationID int64) string {
	return "conversation:" + strconv.FormatInt(conversationID, 10) + ":notify"
}

func NotificationsTopic(userID int64) string {
	return "user:" + strconv.FormatInt(userID, 10) + ":notifications"
}

func SelectedFilesTopic(projectID int64) string {
	return "project:" + strconv.FormatInt(projectID, 10) + ":selected-files"
}

// Client 是挂在某个 topic 上的一条连接。
type Client struct {
	topic  string
	userID int64
	conn   *websocket.Conn
	send   chan string
	done   chan struct{}
}

// UserID returns the authenticated owner of the connection.
func (c *Client) UserID() int64 {
	return c.userID
}

// Done is closed once the writer has released the connection.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Hub WebSocket连接管理器
type Hub struct {
	mu     sync.RWMutex
	topics map[string]map[*Client]struct{}
}

// New 创建连接管理器
func New() *Hub {
	return &Hub{topics: make(map[string]map[*Client]struct{})}
}

// Join registers conn under topic and starts its writer.
func (h *Hub) Join(topic string, userID int64, conn *websocket.Conn) *Client {
	c := &Client{
		topic:  topic,
		userID: userID,
		conn:   conn,
		send:   make(chan string, sendBuffer),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	members, ok := h.topics[topic]
	if !ok {
		members = make(map[*Client]struct{})
		h.topics[topic] = members
	}
	members[c] = struct{}{}
	h.mu.Unlock()

	go c.writeLoop()
	return c
}

// Leave 移除连接，writer 发送关闭帧后释放底层连接。
func (h *Hub) Leave(c *Client) {
	h.mu.Lock()
	members, ok := h.topics[c.topic]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, present := members[c]; !present {
		h.mu.Unlock()
		return
	}
	delete(members, c)
	if len(members) == 0 {
		delete(h.topics, c.topic)
	}
	close(c.send)
	h.mu.Unlock()
}

// Broadcast queues text for every connection of topic and returns how many
// connections accepted it.
func (h *Hub) Broadcast(topic, text string) int {
	return h.deliver(topic, text, func(*Client) bool { return true })
}

// SendTo queues text for the connections userID holds on topic.
func (h *Hub) SendTo(topic string, userID int64, text string) int {
	return h.deliver(topic, text, func(c *Client) bool { return c.userID == userID })
}

func (h *Hub) deliver(topic, text string, match func(*Client) bool) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for c := range h.topics[topic] {
		if !match(c) {
			continue
		}
		select {
		case c.send <- text:
			n++
		default:
			log.Warn().Str("topic", topic).Int64("user", c.userID).Msg("hub send buffer full, frame dropped")
		}
	}
	return n
}

// Online reports whether userID holds any connection.
func (h *Hub) Online(userID int64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, members := range h.topics {
		for c := range members {
			if c.userID == userID {
				return true
			}
		}
	}
	return false
}

// Count returns the number of connections on topic.
func (h *Hub) Count(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// CloseAll 关闭所有连接
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for topic, members := range h.topics {
		for c := range members {
			close(c.send)
		}
		delete(h.topics, topic)
	}
}

func (c *Client) writeLoop() {
	defer close(c.done)
	defer c.conn.Close()

	for text := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
			log.Debug().Err(err).Str("topic", c.topic).Msg("hub write failed")
			c.conn.Close()
			// drain until Leave closes the channel
			for range c.send {
			}
			return
		}
	}

	closeFrame := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, closeFrame, time.Now().Add(time.Second))
}
