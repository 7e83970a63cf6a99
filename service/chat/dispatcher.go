package chat

import (
	"encoding/json"
	"fmt"
)

type Context struct {
	S *Server
}

// HandlerFunc 处理一条入站帧；返回错误只记日志，不回传客户端。
type HandlerFunc func(ctx *Context, c *Client, data json.RawMessage) error

type Dispatcher struct {
	handlers map[string]HandlerFunc
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]HandlerFunc)}
}

func (d *Dispatcher) Register(event string, h HandlerFunc) { d.handlers[event] = h }

func (d *Dispatcher) Dispatch(ctx *Context, c *Client, f *Frame) error {
	h, ok := d.handlers[f.Event]
	if !ok {
		return fmt.Errorf("no handler for event=%s", f.Event)
	}
	return h(ctx, c, f.Data)
}
