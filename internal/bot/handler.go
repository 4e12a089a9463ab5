// Package bot implements the reservation state machine. The bot holds no
// session state between webhook turns: everything the next turn needs rides
// in the postback token, and every postback is re-validated against the
// store before acting.
package bot

import (
	"context"
	"time"

	"github.com/line/line-bot-sdk-go/v8/linebot/messaging_api"
	"github.com/line/line-bot-sdk-go/v8/linebot/webhook"

	"github.com/example/zoombot/internal/db"
	"github.com/example/zoombot/internal/meetings"
)

// ReserveLimit is the ceiling on simultaneously active meetings per
// conversation. Three active meetings block the fourth.
const ReserveLimit = 3

// MeetingStore is the per-conversation meeting collection.
type MeetingStore interface {
	ListActive(ctx context.Context, conversationID string) ([]meetings.Meeting, error)
	Get(ctx context.Context, conversationID, start string) (meetings.Meeting, error)
	Put(ctx context.Context, m meetings.Meeting) error
}

// NotificationScheduler manages the one deferred task per meeting.
type NotificationScheduler interface {
	Schedule(ctx context.Context, conversationID, start, zoomURL string) error
	Cancel(ctx context.Context, conversationID, start string) error
}

// MeetingProvider exchanges credentials for a token and creates meetings.
type MeetingProvider interface {
	IssueToken(ctx context.Context) (string, error)
	CreateMeeting(ctx context.Context, token, start string) (string, error)
}

// Reply is a decided outbound message set for one event. A nil *Reply means
// the event is a deliberate no-op.
type Reply struct {
	ReplyToken string
	Messages   []messaging_api.MessageInterface
}

type Handler struct {
	store    MeetingStore
	sched    NotificationScheduler
	provider MeetingProvider
	loc      *time.Location
	now      func() time.Time
}

// New wires the adapters. now may be nil, in which case time.Now is used.
func New(store MeetingStore, sched NotificationScheduler, provider MeetingProvider, loc *time.Location, now func() time.Time) *Handler {
	if now == nil {
		now = time.Now
	}
	return &Handler{store: store, sched: sched, provider: provider, loc: loc, now: now}
}

// HandleEvent runs one turn of the state machine. Unknown event shapes,
// unknown actions and malformed tokens are silent no-ops; adapter failures
// abort the turn and propagate.
func (h *Handler) HandleEvent(ctx context.Context, event webhook.EventInterface) (*Reply, error) {
	switch e := event.(type) {
	case webhook.MessageEvent:
		return h.handleMessage(ctx, e)
	case webhook.PostbackEvent:
		return h.handlePostback(ctx, e)
	}
	return nil, nil
}

func (h *Handler) handleMessage(ctx context.Context, e webhook.MessageEvent) (*Reply, error) {
	text, ok := e.Message.(webhook.TextMessageContent)
	if !ok {
		return nil, nil
	}

	switch Classify(text.Text) {
	case IntentInstantMeeting:
		return h.instantMeeting(ctx, e)
	case IntentReserve:
		return h.reserve(ctx, e)
	case IntentListReserved:
		return h.listReserved(ctx, e)
	case IntentCancel:
		return h.cancelPicker(e)
	}
	return nil, nil
}

func (h *Handler) instantMeeting(ctx context.Context, e webhook.MessageEvent) (*Reply, error) {
	token, err := h.provider.IssueToken(ctx)
	if err != nil {
		return nil, err
	}
	// Instant meetings start now, second precision.
	start := h.now().In(h.loc).Format("2006-01-02T15:04:05")
	url, err := h.provider.CreateMeeting(ctx, token, start)
	if err != nil {
		return nil, err
	}
	return &Reply{ReplyToken: e.ReplyToken, Messages: textReply("わかったよ", url)}, nil
}

func (h *Handler) reserve(ctx context.Context, e webhook.MessageEvent) (*Reply, error) {
	conv := conversationID(e.Source)
	active, err := h.store.ListActive(ctx, conv)
	if err != nil {
		return nil, err
	}

	if len(active) >= ReserveLimit {
		return &Reply{ReplyToken: e.ReplyToken, Messages: textReply(
			"予約数が上限に達しているよ。新しく予約するには以下のいずれかの予約をキャンセルする必要があるよ。"+dateList(active),
			"キャンセルするときは「zoomキャンセル」って話しかけてね。",
		)}, nil
	}

	min, max := h.pickerWindow()
	return &Reply{ReplyToken: e.ReplyToken, Messages: pickerReply(
		"zoomミーティングの予約",
		"予約する日時を選んでね",
		EncodeData(ActionReserveSelect, nil),
		min, max,
	)}, nil
}

func (h *Handler) listReserved(ctx context.Context, e webhook.MessageEvent) (*Reply, error) {
	conv := conversationID(e.Source)
	active, err := h.store.ListActive(ctx, conv)
	if err != nil {
		return nil, err
	}

	if len(active) == 0 {
		return &Reply{ReplyToken: e.ReplyToken, Messages: textReply("予約されているzoomはないよ。")}, nil
	}
	return &Reply{ReplyToken: e.ReplyToken, Messages: textReply("以下の日時で予約されているよ。" + dateList(active))}, nil
}

func (h *Handler) cancelPicker(e webhook.MessageEvent) (*Reply, error) {
	min, max := h.pickerWindow()
	return &Reply{ReplyToken: e.ReplyToken, Messages: pickerReply(
		"zoomミーティングのキャンセル",
		"キャンセルする日時を選んでね",
		EncodeData(ActionCancelSelect, nil),
		min, max,
	)}, nil
}

func (h *Handler) handlePostback(ctx context.Context, e webhook.PostbackEvent) (*Reply, error) {
	data := DecodeData(e.Postback.Data)

	switch data["action"] {
	case ActionReserveSelect:
		return h.reserveSelected(e)
	case ActionReserveYes:
		return h.reserveConfirmed(ctx, e, data["datetime"])
	case ActionReserveNo:
		return &Reply{ReplyToken: e.ReplyToken, Messages: textReply("ミーティングの予約を中止したよ")}, nil
	case ActionCancelSelect:
		return h.cancelSelected(ctx, e)
	case ActionCancelYes:
		return h.cancelConfirmed(ctx, e, data["datetime"])
	case ActionCancelNo:
		return &Reply{ReplyToken: e.ReplyToken, Messages: textReply("ミーティングのキャンセルを中止したよ")}, nil
	}
	return nil, nil
}

func (h *Handler) reserveSelected(e webhook.PostbackEvent) (*Reply, error) {
	dt := pickedDatetime(e)
	if dt == "" {
		return nil, nil
	}
	return &Reply{ReplyToken: e.ReplyToken, Messages: confirmReply(
		"以下の日時で予約して問題ないかな？\n"+meetings.FormatDisplay(dt),
		EncodeData(ActionReserveYes, map[string]string{"datetime": dt}),
		EncodeData(ActionReserveNo, nil),
	)}, nil
}

// reserveConfirmed is the compound commit: create the meeting, persist the
// record, schedule the notification. A scheduler failure after the record is
// persisted is surfaced rather than rolled back.
func (h *Handler) reserveConfirmed(ctx context.Context, e webhook.PostbackEvent, dt string) (*Reply, error) {
	if dt == "" {
		return nil, nil
	}
	conv := conversationID(e.Source)

	token, err := h.provider.IssueToken(ctx)
	if err != nil {
		return nil, err
	}
	url, err := h.provider.CreateMeeting(ctx, token, dt)
	if err != nil {
		return nil, err
	}

	if err := h.store.Put(ctx, meetings.Meeting{
		ConversationID: conv,
		StartDatetime:  dt,
		ZoomURL:        url,
	}); err != nil {
		return nil, err
	}

	if err := h.sched.Schedule(ctx, conv, dt, url); err != nil {
		return nil, err
	}

	return &Reply{ReplyToken: e.ReplyToken, Messages: textReply("✅ミーティングの予約が完了したよ。\n時間が来たらお知らせするね。")}, nil
}

func (h *Handler) cancelSelected(ctx context.Context, e webhook.PostbackEvent) (*Reply, error) {
	dt := pickedDatetime(e)
	if dt == "" {
		return nil, nil
	}
	conv := conversationID(e.Source)

	m, err := h.store.Get(ctx, conv, dt)
	if err != nil && !db.IsNotFound(err) {
		return nil, err
	}
	if db.IsNotFound(err) || !m.Active() {
		return &Reply{ReplyToken: e.ReplyToken, Messages: textReply(
			"その日時に予約されているミーティングはないよ。\n予約されているミーティングを確認するには「zoom予約確認」って話しかけてね。",
		)}, nil
	}

	return &Reply{ReplyToken: e.ReplyToken, Messages: confirmReply(
		"以下の日時をキャンセルして問題ないかな？\n"+meetings.FormatDisplay(dt),
		EncodeData(ActionCancelYes, map[string]string{"datetime": dt}),
		EncodeData(ActionCancelNo, nil),
	)}, nil
}

// cancelConfirmed re-reads the record so the flag flip preserves the stored
// start time and URL, then removes the pending notification.
func (h *Handler) cancelConfirmed(ctx context.Context, e webhook.PostbackEvent, dt string) (*Reply, error) {
	if dt == "" {
		return nil, nil
	}
	conv := conversationID(e.Source)

	m, err := h.store.Get(ctx, conv, dt)
	if db.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	m.IsCancelled = true
	if err := h.store.Put(ctx, m); err != nil {
		return nil, err
	}
	if err := h.sched.Cancel(ctx, conv, dt); err != nil {
		return nil, err
	}

	return &Reply{ReplyToken: e.ReplyToken, Messages: textReply("✅ミーティングのキャンセルが完了したよ")}, nil
}

// pickerWindow bounds the datetime picker: from now to one month minus a day
// out, minute precision, display timezone. The upper bound exists because
// the notification queue cannot schedule arbitrarily far ahead.
func (h *Handler) pickerWindow() (min, max string) {
	now := h.now().In(h.loc)
	return now.Format(meetings.StartLayout), now.AddDate(0, 1, -1).Format(meetings.StartLayout)
}

func pickedDatetime(e webhook.PostbackEvent) string {
	if e.Postback == nil {
		return ""
	}
	return e.Postback.Params["datetime"]
}

// conversationID resolves the partition key for an event source. Precedence
// is group over user over room, matching how LINE populates sources.
func conversationID(source webhook.SourceInterface) string {
	switch s := source.(type) {
	case webhook.GroupSource:
		return s.GroupId
	case *webhook.GroupSource:
		return s.GroupId
	case webhook.UserSource:
		return s.UserId
	case *webhook.UserSource:
		return s.UserId
	case webhook.RoomSource:
		return s.RoomId
	case *webhook.RoomSource:
		return s.RoomId
	}
	return "unknown"
}

func dateList(active []meetings.Meeting) string {
	var out string
	for _, m := range active {
		out += "\n・" + meetings.FormatDisplay(m.StartDatetime)
	}
	return out
}
