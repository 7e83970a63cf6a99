package chat

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"RTProject/logger"
	"RTProject/service/call"
	"RTProject/service/presence"
	"RTProject/tools/ids"
	"RTProject/tools/security"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096, CheckOrigin: func(r *http.Request) bool { return true }}

const pongWait = 75 * time.Second

// HandleWS ===== WebSocket 接入 =====
//
// 握手即鉴权：token 无效直接 401，未认证连接到不了后面的任何逻辑。
func (s *Server) HandleWS(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
			token = strings.TrimPrefix(h, "Bearer ")
		}
	}
	ident, err := security.Verify(s.conf.JWT, token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Infof("[HandleWS] upgrade websocket error: %v", err)
		return
	}

	connID := ids.GenerateString()
	client := NewClient(connID, ident.UserID, ident.DeviceID, ws, s.mgr.Conf().SendQueue)
	s.mgr.Add(client)
	logger.Infof("[HandleWS] connected user=%s conn=%s device=%s", client.UserID, connID, client.DeviceID)

	bg := context.Background()
	if err := s.store.AddPresence(bg, client.UserID, connID); err != nil {
		// 尽力而为：登记失败不掐连接，心跳会自愈
		logger.Warnf("[HandleWS] add presence user=%s conn=%s: %v", client.UserID, connID, err)
	}
	go s.agg.RecomputeAndBroadcast(bg, client.UserID, presence.RecomputeOptions{})
	go s.announcePendingInvites(bg, client)

	done := make(chan struct{})
	go s.writer(client, done)

	// ---- 读循环：只读，不写；出错即退出（写协程收尾） ----
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		mt, data, rerr := ws.ReadMessage()
		if rerr != nil {
			if websocket.IsCloseError(rerr,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				logger.Infof("[WS] peer closed conn=%s err=%v", connID, rerr)
			} else if ne, ok := rerr.(net.Error); ok && ne.Timeout() {
				logger.Infof("[WS] read timeout conn=%s err=%v", connID, rerr)
			} else {
				logger.Infof("[WS] read err conn=%s err=%v", connID, rerr)
			}
			break
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}

		frame, perr := ParseFrame(data)
		if perr != nil {
			sample := data
			if len(sample) > 256 {
				sample = sample[:256]
			}
			logger.Infof("[WS] ParseFrame err conn=%s err=%v sample=%q", connID, perr, sample)
			continue
		}

		if err := s.disp.Dispatch(&Context{S: s}, client, frame); err != nil {
			logger.Infof("[WS] handle event=%s conn=%s err=%v", frame.Event, connID, err)
		}
	}

	// ---- 退出阶段：先停写协程再摘 presence。顺序很重要：心跳的
	// RefreshPresence 会把连接重新 SADD 回在线集合，必须等它停了
	// 才能 RemovePresence，否则最后一跳把刚删的在线证据又续回来。
	close(client.quit)
	<-done
	s.disconnect(client)
}

// writer 单写协程：发送队列 + ping + presence 心跳续期。
func (s *Server) writer(c *Client, done chan struct{}) {
	ping := time.NewTicker(s.conf.PingInterval)
	heartbeat := time.NewTicker(s.conf.HeartbeatEvery)
	defer func() {
		ping.Stop()
		heartbeat.Stop()
		_ = c.WS.SetWriteDeadline(time.Now().Add(s.conf.WriteWait))
		_ = c.WS.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = c.WS.Close()
		close(done)
		logger.Infof("[WS] closed conn=%s user=%s", c.ConnID, c.UserID)
	}()

	for {
		select {
		case <-c.quit:
			return
		case payload := <-c.Send:
			_ = c.WS.SetWriteDeadline(time.Now().Add(s.conf.WriteWait))
			if err := c.WS.WriteMessage(websocket.TextMessage, payload); err != nil {
				logger.Infof("[WS] write err conn=%s err=%v", c.ConnID, err)
				return
			}
		case <-ping.C:
			if err := c.WS.WriteControl(websocket.PingMessage, nil,
				time.Now().Add(s.conf.WriteWait)); err != nil {
				logger.Infof("[WS] ping err conn=%s err=%v", c.ConnID, err)
				return
			}
		case <-heartbeat.C:
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			if err := s.store.RefreshPresence(ctx, c.UserID, c.ConnID); err != nil {
				logger.Warnf("[WS] refresh presence user=%s conn=%s: %v", c.UserID, c.ConnID, err)
			}
			cancel()
		}
	}
}

// disconnect 连接收尾：先把这条连接从所有通话里摘掉，再移除在线
// 证据；拿到两个集合的剩余基数后做一次允许清理的重算。
func (s *Server) disconnect(c *Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.Apply(ctx, s.tracker.Disconnect(c.UserID, c.ConnID))

	online, active, err := s.store.RemovePresence(ctx, c.UserID, c.ConnID)
	if err != nil {
		logger.Warnf("[WS] remove presence user=%s conn=%s: %v", c.UserID, c.ConnID, err)
	} else {
		logger.Infof("[WS] offline user=%s conn=%s remaining online=%d active=%d",
			c.UserID, c.ConnID, online, active)
	}
	s.mgr.Remove(c.ConnID)
	s.agg.RecomputeAndBroadcast(ctx, c.UserID, presence.RecomputeOptions{AllowOfflineCleanup: true})
}

// announcePendingInvites 新连接上线时补发仍在响铃的 1:1 邀请，
// 避免换端/刷新错过来电。
func (s *Server) announcePendingInvites(ctx context.Context, c *Client) {
	for _, inv := range s.tracker.PendingInvites() {
		if inv.InviterID == c.UserID {
			continue
		}
		conv, err := s.dir.Conversation(ctx, inv.ConversationID)
		if err != nil || conv.IsGroup || !conv.HasParticipant(c.UserID) {
			continue
		}
		s.sendTo(c, call.EventIncoming, call.IncomingPayload{
			ConversationID: inv.ConversationID,
			InviterID:      inv.InviterID,
			Video:          inv.Video,
			StartedAt:      inv.StartedAt,
		})
	}
}
