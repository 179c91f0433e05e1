package main

import (
	"context"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/BaSui01/stepflow/examples/research"
	"github.com/BaSui01/stepflow/workflow"
)

// =============================================================================
// 📡 WebSocket 流式调研
// =============================================================================
// 客户端连接后发送一条 researchRequest，服务端逐条推送运行事件，
// 最后发送 result 或 error 消息并关闭连接。

const (
	streamMessageResult = "result"
	streamMessageError  = "error"
)

// streamMessage 是推送给客户端的一条消息
type streamMessage struct {
	Type  string                 `json:"type"`
	RunID string                 `json:"run_id,omitempty"`
	Step  workflow.StepKey       `json:"step,omitempty"`
	Next  []workflow.StepKey     `json:"next,omitempty"`
	Code  string                 `json:"code,omitempty"`
	Error string                 `json:"error,omitempty"`
	State *research.OverallState `json:"state,omitempty"`
}

func eventMessage(ev workflow.WorkflowStreamEvent) streamMessage {
	msg := streamMessage{
		Type:  string(ev.Type),
		RunID: ev.RunID,
		Step:  ev.Step,
		Next:  ev.Next,
	}
	if ev.Error != nil {
		msg.Error = ev.Error.Error()
	}
	return msg
}

// wsConn 串行化对同一连接的并发写入
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) send(ctx context.Context, v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.conn, v)
}

func (s *Server) handleResearchStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.Server.CORSAllowedOrigins,
	})
	if err != nil {
		s.logger.Debug("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(maxRequestBodyBytes)

	var req researchRequest
	if err := wsjson.Read(r.Context(), conn, &req); err != nil {
		conn.Close(websocket.StatusUnsupportedData, "invalid request")
		return
	}
	if err := req.validate(); err != nil {
		conn.Close(websocket.StatusPolicyViolation, err.Error())
		return
	}

	// 之后不再读取客户端消息；连接关闭时 ctx 被取消，运行随之中止
	ctx := conn.CloseRead(r.Context())
	ws := &wsConn{conn: conn}

	runID, state, err := s.runResearch(ctx, req.input(), func(ev workflow.WorkflowStreamEvent) {
		if werr := ws.send(ctx, eventMessage(ev)); werr != nil {
			s.logger.Debug("failed to push stream event", zap.Error(werr))
		}
	})
	if err != nil {
		_, code := runErrorStatus(err)
		step, _ := workflow.FailedStep(err)
		_ = ws.send(ctx, streamMessage{
			Type:  streamMessageError,
			RunID: runID,
			Step:  step,
			Code:  code,
			Error: err.Error(),
		})
		s.logger.Warn("streamed research run failed", zap.String("run_id", runID), zap.Error(err))
		conn.Close(websocket.StatusInternalError, "run failed")
		return
	}

	if err := ws.send(ctx, streamMessage{Type: streamMessageResult, RunID: runID, State: state}); err != nil {
		s.logger.Debug("failed to push result", zap.Error(err))
		return
	}
	conn.Close(websocket.StatusNormalClosure, "")
}
