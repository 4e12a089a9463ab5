package bot

import (
	"github.com/line/line-bot-sdk-go/v8/linebot/messaging_api"
)

// Reply renderer: every outbound payload the state machine can produce.
// Shapes follow the LINE Messaging API: plain text, a buttons template
// holding one datetime picker, and a text message with a yes/no quick reply.

const pickerAltText = "This is a datetime_picker for zoom meeting"

func textReply(texts ...string) []messaging_api.MessageInterface {
	msgs := make([]messaging_api.MessageInterface, 0, len(texts))
	for _, t := range texts {
		msgs = append(msgs, messaging_api.TextMessage{Text: t})
	}
	return msgs
}

// pickerReply renders the buttons template carrying a single datetime
// picker. min and max are canonical minute-precision datetimes bounding the
// selectable window.
func pickerReply(title, text, data, min, max string) []messaging_api.MessageInterface {
	return []messaging_api.MessageInterface{
		messaging_api.TemplateMessage{
			AltText: pickerAltText,
			Template: messaging_api.ButtonsTemplate{
				Title: title,
				Text:  text,
				Actions: []messaging_api.ActionInterface{
					messaging_api.DatetimePickerAction{
						Label: "日時を選択",
						Data:  data,
						Mode:  "datetime",
						Max:   max,
						Min:   min,
					},
				},
			},
		},
	}
}

// confirmReply renders a text message with yes/no quick-reply postbacks.
// yesData carries the datetime so the confirming turn needs no server-side
// session state.
func confirmReply(text, yesData, noData string) []messaging_api.MessageInterface {
	return []messaging_api.MessageInterface{
		messaging_api.TextMessage{
			Text: text,
			QuickReply: &messaging_api.QuickReply{
				Items: []messaging_api.QuickReplyItem{
					{
						Action: messaging_api.PostbackAction{
							Label:       "はい",
							DisplayText: "はい",
							Data:        yesData,
						},
					},
					{
						Action: messaging_api.PostbackAction{
							Label:       "いいえ",
							DisplayText: "いいえ",
							Data:        noData,
						},
					},
				},
			},
		},
	}
}
