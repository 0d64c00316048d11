package adapter

import (
	"bytes"
	"encoding/json"
	"errors"

	"github.com/tjfontaine/polyglot-llm-proxy/internal/domain"
)

// RawObject is a JSON object with lazily decoded members. Request adapters
// keep the inbound body in this form so fields they do not understand are
// forwarded unchanged.
type RawObject map[string]json.RawMessage

// ParseObject decodes body as a JSON object.
func ParseObject(body []byte) (RawObject, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, domain.ErrInvalidRequest("request body must be a JSON object")
	}
	var obj RawObject
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return nil, domain.ErrInvalidRequest("invalid JSON body: " + err.Error())
	}
	if obj == nil {
		return nil, domain.ErrInvalidRequest("request body must be a JSON object")
	}
	return obj, nil
}

// Has reports whether key is present and not null.
func (o RawObject) Has(key string) bool {
	v, ok := o[key]
	return ok && !bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}

// String returns a string member, or "" when absent or not a string.
func (o RawObject) String(key string) string {
	var s string
	o.Decode(key, &s)
	return s
}

// Bool returns a boolean member, or false when absent or not a boolean.
func (o RawObject) Bool(key string) bool {
	var b bool
	o.Decode(key, &b)
	return b
}

// Decode unmarshals a member into v. It reports false when the member is
// absent or does not decode.
func (o RawObject) Decode(key string, v any) bool {
	if !o.Has(key) {
		return false
	}
	return json.Unmarshal(o[key], v) == nil
}

// Set marshals v into a member.
func (o RawObject) Set(key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	o[key] = b
	return nil
}

// Clone returns a shallow copy.
func (o RawObject) Clone() RawObject {
	out := make(RawObject, len(o))
	for k, v := range o {
		out[k] = v
	}
	return out
}

// Marshal encodes the object.
func (o RawObject) Marshal() ([]byte, error) {
	return json.Marshal(map[string]json.RawMessage(o))
}

// ErrNotObject is returned when a provider response is not a JSON object.
var ErrNotObject = errors.New("response is not a JSON object")

// TextContent extracts text from a content member that is either a string
// or an array of typed parts. Only "text" parts contribute.
func TextContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return ""
	}
	var buf bytes.Buffer
	for _, p := range parts {
		if p.Type == "text" || p.Type == "" {
			buf.WriteString(p.Text)
		}
	}
	return buf.String()
}
