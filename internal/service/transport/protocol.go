package transport

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/go-stomp/stomp/v3/frame"
)

// 协议相关常量
const (
	// AcceptVersions 客户端支持的 STOMP 版本
	AcceptVersions = "1.1,1.2"
	// HeaderRoomID CONNECT 帧上携带的房间标识，服务端据此把房间标记为活跃
	HeaderRoomID = "roomId"
	// ContentTypeJSON 发送帧的默认内容类型
	ContentTypeJSON = "application/json"
)

// Subprotocols 在 WebSocket 握手阶段声明的子协议
var Subprotocols = []string{"v12.stomp", "v11.stomp"}

// connectFrame 构造 CONNECT 帧
func connectFrame(opts Options, extra map[string]string) *frame.Frame {
	f := frame.New(frame.CONNECT,
		frame.AcceptVersion, AcceptVersions,
		frame.HeartBeat, "0,0",
	)
	if opts.Host != "" {
		f.Header.Set(frame.Host, opts.Host)
	}
	if opts.Login != "" {
		f.Header.Set(frame.Login, opts.Login)
		f.Header.Set(frame.Passcode, opts.Passcode)
	}
	for key, value := range extra {
		f.Header.Set(key, value)
	}
	return f
}

// sendFrame 构造 SEND 帧
func sendFrame(destination string, body []byte) *frame.Frame {
	f := frame.New(frame.SEND,
		frame.Destination, destination,
		frame.ContentType, ContentTypeJSON,
		frame.ContentLength, strconv.Itoa(len(body)),
	)
	f.Body = body
	return f
}

// EncodeFrame 把单个帧编码为一条 WebSocket 文本消息
func EncodeFrame(f *frame.Frame) ([]byte, error) {
	var buf bytes.Buffer
	if err := frame.NewWriter(&buf).Write(f); err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", f.Command, err)
	}
	return buf.Bytes(), nil
}

// DecodeFrames 解码一条 WebSocket 消息中的所有帧，心跳换行会被跳过
func DecodeFrames(data []byte) ([]*frame.Frame, error) {
	reader := frame.NewReader(bytes.NewReader(data))

	var frames []*frame.Frame
	for {
		f, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return frames, nil
		}
		if err != nil {
			return frames, fmt.Errorf("decode frame: %w", err)
		}
		if f == nil {
			continue
		}
		frames = append(frames, f)
	}
}

// errorReason 从 ERROR 帧中提取可读的错误原因
func errorReason(f *frame.Frame) string {
	reason := f.Header.Get(frame.Message)
	if body := strings.TrimSpace(string(f.Body)); body != "" {
		if reason == "" {
			return body
		}
		return reason + ": " + body
	}
	if reason == "" {
		return "broker error"
	}
	return reason
}
