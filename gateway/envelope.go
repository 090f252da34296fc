package gateway

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

// ErrMalformedFrame 表示入站帧不是合法的 JSON 对象。
var ErrMalformedFrame = errors.New("malformed frame")

// Envelope 是一个已分类的入站帧：Ack、Event、ErrorFrame 或 Unknown。
type Envelope interface {
	envelope()
}

// Ack 确认 subscribe/unsubscribe 请求，可能携带按基础频道分组的首个快照。
type Ack struct {
	Action    string
	Topics    []string
	Snapshots map[string]json.RawMessage
}

// Event 是一次实际的行情更新。
type Event struct {
	Topic    TopicDescriptor
	RawTopic string
	Payload  json.RawMessage
}

// ErrorFrame 是服务端下发的错误帧；非致命。
type ErrorFrame struct {
	Message string
	Code    string
}

// Unknown 是无法识别 type 的帧，直接忽略。
type Unknown struct {
	Type string
}

func (Ack) envelope()        {}
func (Event) envelope()      {}
func (ErrorFrame) envelope() {}
func (Unknown) envelope()    {}

type rawEnvelope struct {
	Type      string                     `json:"type"`
	Action    string                     `json:"action"`
	Topics    []string                   `json:"topics"`
	Topic     json.RawMessage            `json:"topic"`
	Event     json.RawMessage            `json:"event"`
	Channel   json.RawMessage            `json:"channel"`
	Payload   json.RawMessage            `json:"payload"`
	Data      json.RawMessage            `json:"data"`
	Message   json.RawMessage            `json:"message"`
	Error     json.RawMessage            `json:"error"`
	Code      json.RawMessage            `json:"code"`
	Snapshots map[string]json.RawMessage `json:"snapshots"`
}

// Classify 将原始文本帧解析为 Envelope。非法输入返回包装后的 ErrMalformedFrame，从不 panic。
func Classify(raw []byte) (Envelope, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: not a json object", ErrMalformedFrame)
	}
	var env rawEnvelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	switch strings.ToLower(strings.TrimSpace(env.Type)) {
	case "ack":
		return Ack{Action: env.Action, Topics: env.Topics, Snapshots: env.Snapshots}, nil
	case "event":
		topic := firstString(env.Topic, env.Event, env.Channel)
		return Event{
			Topic:    ParseTopic(topic),
			RawTopic: topic,
			Payload:  firstPresent(env.Payload, env.Data),
		}, nil
	case "error":
		msg := firstString(env.Message, env.Error)
		if msg == "" {
			msg = "stream error"
		}
		return ErrorFrame{Message: msg, Code: scalarString(env.Code)}, nil
	default:
		return Unknown{Type: env.Type}, nil
	}
}

// firstString 返回第一个非空字符串字段。
func firstString(fields ...json.RawMessage) string {
	for _, f := range fields {
		if s := scalarString(f); s != "" {
			return s
		}
	}
	return ""
}

func scalarString(f json.RawMessage) string {
	if !present(f) {
		return ""
	}
	var s string
	if err := json.Unmarshal(f, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(f, &n); err == nil {
		return n.String()
	}
	return ""
}

func firstPresent(fields ...json.RawMessage) json.RawMessage {
	for _, f := range fields {
		if present(f) {
			return f
		}
	}
	return nil
}

func present(f json.RawMessage) bool {
	t := bytes.TrimSpace(f)
	return len(t) > 0 && !bytes.Equal(t, []byte("null"))
}
