package transport

import (
	"testing"

	"github.com/go-stomp/stomp/v3/frame"
)

func TestDecodeFramesSkipsHeartbeats(t *testing.T) {
	first, err := EncodeFrame(sendFrame("/app/chat.sendMessage", []byte(`{"content":"a"}`)))
	if err != nil {
		t.Fatalf("EncodeFrame err: %v", err)
	}
	second, err := EncodeFrame(frame.New(frame.RECEIPT, frame.ReceiptId, "r-1"))
	if err != nil {
		t.Fatalf("EncodeFrame err: %v", err)
	}

	data := append([]byte("\n"), first...)
	data = append(data, '\n')
	data = append(data, second...)

	frames, err := DecodeFrames(data)
	if err != nil {
		t.Fatalf("DecodeFrames err: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
	if frames[0].Command != frame.SEND || string(frames[0].Body) != `{"content":"a"}` {
		t.Fatalf("unexpected first frame: %s %s", frames[0].Command, frames[0].Body)
	}
	if frames[1].Header.Get(frame.ReceiptId) != "r-1" {
		t.Fatalf("unexpected receipt id %q", frames[1].Header.Get(frame.ReceiptId))
	}
}

func TestConnectFrameHeaders(t *testing.T) {
	opts := DefaultOptions("ws://broker/ws")
	opts.Host = "garage"
	f := connectFrame(opts, map[string]string{HeaderRoomID: "room_1"})

	if f.Command != frame.CONNECT {
		t.Fatalf("unexpected command %s", f.Command)
	}
	if got := f.Header.Get(frame.AcceptVersion); got != AcceptVersions {
		t.Fatalf("unexpected accept-version %q", got)
	}
	if got := f.Header.Get(frame.Host); got != "garage" {
		t.Fatalf("unexpected host %q", got)
	}
	if got := f.Header.Get(HeaderRoomID); got != "room_1" {
		t.Fatalf("unexpected roomId header %q", got)
	}
	if _, ok := f.Header.Contains(frame.Login); ok {
		t.Fatal("login header should be omitted without credentials")
	}
}

func TestErrorReason(t *testing.T) {
	f := frame.New(frame.ERROR, frame.Message, "bad destination")
	f.Body = []byte("no such topic\n")
	if got := errorReason(f); got != "bad destination: no such topic" {
		t.Fatalf("unexpected reason %q", got)
	}
	if got := errorReason(frame.New(frame.ERROR)); got != "broker error" {
		t.Fatalf("unexpected fallback reason %q", got)
	}
}
