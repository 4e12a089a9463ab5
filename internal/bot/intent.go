package bot

import "strings"

// Intent is the classification of an inbound free-text message.
type Intent int

const (
	IntentNone Intent = iota
	IntentInstantMeeting
	IntentReserve
	IntentListReserved
	IntentCancel
)

// Classify matches trimmed text case-insensitively against the four command
// words. Matching is anchored: "zoomfoo" is not a command. An earlier
// generation of the bot used substring matching and triggered on ordinary
// chatter mentioning zoom.
func Classify(text string) Intent {
	t := strings.TrimSpace(text)
	switch {
	case strings.EqualFold(t, "zoom"):
		return IntentInstantMeeting
	case strings.EqualFold(t, "zoom予約"):
		return IntentReserve
	case strings.EqualFold(t, "zoom予約確認"):
		return IntentListReserved
	case strings.EqualFold(t, "zoomキャンセル"):
		return IntentCancel
	}
	return IntentNone
}
