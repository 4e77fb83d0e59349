// Package yate speaks the telephone engine's external-module line protocol:
// connect, message install/watch, parameter escaping and the message codec.
package yate

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Message is one engine message, either an incoming request to process or a
// reply we assemble.
type Message struct {
	ID        string
	Time      int64
	Name      string
	RetValue  string
	Params    map[string]string
	Processed bool
}

func (m *Message) Param(key string) string {
	return m.Params[key]
}

func (m *Message) SetParam(key, value string) {
	if m.Params == nil {
		m.Params = make(map[string]string)
	}
	m.Params[key] = value
}

// escape encodes a protocol field: '%' doubles, ':' and control characters
// shift into the printable range behind '%'.
func escape(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '%':
			b.WriteString("%%")
		case c < 32 || c == ':':
			b.WriteByte('%')
			b.WriteByte(c + 64)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func unescape(s string) (string, error) {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '%' {
			b.WriteByte(c)
			continue
		}
		i++
		if i >= len(s) {
			return "", fmt.Errorf("yate: dangling escape in %q", s)
		}
		next := s[i]
		if next == '%' {
			b.WriteByte('%')
		} else {
			if next < 64 {
				return "", fmt.Errorf("yate: invalid escape sequence in %q", s)
			}
			b.WriteByte(next - 64)
		}
	}
	return b.String(), nil
}

// EncodeConnect announces this module to the engine.
func EncodeConnect(role string) string {
	return "%%>connect:" + escape(role)
}

// EncodeInstall requests delivery of a message type at the given priority.
func EncodeInstall(priority int, name string) string {
	return fmt.Sprintf("%%%%>install:%d:%s", priority, escape(name))
}

// EncodeWatch requests notification copies of already-handled messages.
func EncodeWatch(name string) string {
	return "%%>watch:" + escape(name)
}

// EncodeSetLocal sets an engine-side connection parameter.
func EncodeSetLocal(name, value string) string {
	return fmt.Sprintf("%%%%>setlocal:%s:%s", escape(name), escape(value))
}

// EncodeReply serializes the answer to a dispatched message. Parameters are
// emitted in sorted key order.
func EncodeReply(m *Message) string {
	var b strings.Builder
	b.WriteString("%%<message:")
	b.WriteString(escape(m.ID))
	b.WriteByte(':')
	b.WriteString(strconv.FormatBool(m.Processed))
	b.WriteByte(':')
	b.WriteString(escape(m.Name))
	b.WriteByte(':')
	b.WriteString(escape(m.RetValue))

	keys := make([]string, 0, len(m.Params))
	for k := range m.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteByte(':')
		b.WriteString(escape(k))
		b.WriteByte('=')
		b.WriteString(escape(m.Params[k]))
	}
	return b.String()
}

// Line kinds recognized by the reader loop
const (
	lineMessage      = "%%>message"
	lineMessageReply = "%%<message"
	lineInstall      = "%%<install"
	lineWatch        = "%%<watch"
	lineSetLocal     = "%%<setlocal"
)

// DecodeMessage parses a %%>message request or a %%<message watch
// notification.
func DecodeMessage(line string) (*Message, error) {
	parts := strings.Split(line, ":")
	if len(parts) < 5 {
		return nil, fmt.Errorf("yate: short message line %q", line)
	}

	m := &Message{Params: make(map[string]string)}
	var err error
	if m.ID, err = unescape(parts[1]); err != nil {
		return nil, err
	}

	switch parts[0] {
	case lineMessage:
		if m.Time, err = strconv.ParseInt(parts[2], 10, 64); err != nil {
			return nil, fmt.Errorf("yate: bad message timestamp in %q", line)
		}
		if m.Name, err = unescape(parts[3]); err != nil {
			return nil, err
		}
		if m.RetValue, err = unescape(parts[4]); err != nil {
			return nil, err
		}
	case lineMessageReply:
		m.Processed = parts[2] == "true"
		if m.Name, err = unescape(parts[3]); err != nil {
			return nil, err
		}
		if m.RetValue, err = unescape(parts[4]); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("yate: not a message line %q", line)
	}

	for _, raw := range parts[5:] {
		key, value, err := decodeParam(raw)
		if err != nil {
			return nil, err
		}
		m.Params[key] = value
	}
	return m, nil
}

func decodeParam(raw string) (string, string, error) {
	idx := strings.IndexByte(raw, '=')
	if idx < 0 {
		key, err := unescape(raw)
		return key, "", err
	}
	key, err := unescape(raw[:idx])
	if err != nil {
		return "", "", err
	}
	value, err := unescape(raw[idx+1:])
	if err != nil {
		return "", "", err
	}
	return key, value, nil
}

// ackResult is the parsed outcome of an install / watch / setlocal reply.
type ackResult struct {
	kind    string
	name    string
	success bool
}

func decodeAck(line string) (*ackResult, error) {
	parts := strings.Split(line, ":")
	if len(parts) < 3 {
		return nil, fmt.Errorf("yate: short acknowledgement line %q", line)
	}
	ack := &ackResult{kind: parts[0]}
	var err error
	switch parts[0] {
	case lineInstall:
		if len(parts) < 4 {
			return nil, fmt.Errorf("yate: short install reply %q", line)
		}
		if ack.name, err = unescape(parts[2]); err != nil {
			return nil, err
		}
		ack.success = parts[3] == "true"
	case lineWatch:
		if ack.name, err = unescape(parts[1]); err != nil {
			return nil, err
		}
		ack.success = parts[2] == "true"
	case lineSetLocal:
		if len(parts) < 4 {
			return nil, fmt.Errorf("yate: short setlocal reply %q", line)
		}
		if ack.name, err = unescape(parts[1]); err != nil {
			return nil, err
		}
		ack.success = parts[3] == "true"
	default:
		return nil, fmt.Errorf("yate: unknown acknowledgement %q", line)
	}
	return ack, nil
}
