package bot

import "strings"

// Postback actions round-tripped through button and quick-reply payloads.
const (
	ActionReserveSelect = "reserve-zoom-meeting"
	ActionReserveYes    = "reserve-confirm-yes"
	ActionReserveNo     = "reserve-confirm-no"
	ActionCancelSelect  = "cancel-zoom-meeting"
	ActionCancelYes     = "cancel-confirm-yes"
	ActionCancelNo      = "cancel-confirm-no"
)

// EncodeData builds a postback token: "action=<action>" followed by
// "&key=value" pairs. Values are never escaped; the only values carried are
// action names and canonical datetimes, which contain no '&' or '='.
func EncodeData(action string, params map[string]string) string {
	var b strings.Builder
	b.WriteString("action=")
	b.WriteString(action)
	for k, v := range params {
		b.WriteByte('&')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(v)
	}
	return b.String()
}

// DecodeData is the inverse of EncodeData. Malformed segments (missing '=',
// empty key or value) are dropped; callers treat an absent required field as
// no match rather than an error.
func DecodeData(data string) map[string]string {
	out := make(map[string]string)
	for _, part := range strings.Split(data, "&") {
		k, v, ok := strings.Cut(part, "=")
		if !ok || k == "" || v == "" {
			continue
		}
		out[k] = v
	}
	return out
}
