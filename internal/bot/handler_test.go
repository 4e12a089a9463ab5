package bot

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/line/line-bot-sdk-go/v8/linebot/messaging_api"
	"github.com/line/line-bot-sdk-go/v8/linebot/webhook"

	"github.com/example/zoombot/internal/db"
	"github.com/example/zoombot/internal/meetings"
)

type storeStub struct {
	active  []meetings.Meeting
	listErr error
	records map[string]meetings.Meeting
	getErr  error
	puts    []meetings.Meeting
	putErr  error
	conv    string
}

func (s *storeStub) ListActive(ctx context.Context, conversationID string) ([]meetings.Meeting, error) {
	s.conv = conversationID
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.active, nil
}

func (s *storeStub) Get(ctx context.Context, conversationID, start string) (meetings.Meeting, error) {
	s.conv = conversationID
	if s.getErr != nil {
		return meetings.Meeting{}, s.getErr
	}
	m, ok := s.records[start]
	if !ok {
		return meetings.Meeting{}, db.ErrNotFound
	}
	return m, nil
}

func (s *storeStub) Put(ctx context.Context, m meetings.Meeting) error {
	if s.putErr != nil {
		return s.putErr
	}
	s.puts = append(s.puts, m)
	return nil
}

type schedCall struct{ conv, start, url string }

type schedStub struct {
	scheduled   []schedCall
	cancelled   []schedCall
	scheduleErr error
	cancelErr   error
}

func (s *schedStub) Schedule(ctx context.Context, conversationID, start, zoomURL string) error {
	if s.scheduleErr != nil {
		return s.scheduleErr
	}
	s.scheduled = append(s.scheduled, schedCall{conversationID, start, zoomURL})
	return nil
}

func (s *schedStub) Cancel(ctx context.Context, conversationID, start string) error {
	if s.cancelErr != nil {
		return s.cancelErr
	}
	s.cancelled = append(s.cancelled, schedCall{conv: conversationID, start: start})
	return nil
}

type providerStub struct {
	url        string
	tokenErr   error
	createErr  error
	tokenCalls int
	starts     []string
}

func (p *providerStub) IssueToken(ctx context.Context) (string, error) {
	if p.tokenErr != nil {
		return "", p.tokenErr
	}
	p.tokenCalls++
	return "tok-1", nil
}

func (p *providerStub) CreateMeeting(ctx context.Context, token, start string) (string, error) {
	if p.createErr != nil {
		return "", p.createErr
	}
	p.starts = append(p.starts, start)
	return p.url, nil
}

func jst(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Tokyo")
	if err != nil {
		t.Fatalf("load JST: %v", err)
	}
	return loc
}

func newHandler(t *testing.T, store *storeStub, sched *schedStub, provider *providerStub) *Handler {
	t.Helper()
	loc := jst(t)
	now := func() time.Time { return time.Date(2025, 5, 20, 9, 30, 45, 0, loc) }
	return New(store, sched, provider, loc, now)
}

func textEvent(text string) webhook.MessageEvent {
	return webhook.MessageEvent{
		ReplyToken: "rt-1",
		Source:     webhook.GroupSource{GroupId: "G1", UserId: "U1"},
		Message:    webhook.TextMessageContent{Text: text},
	}
}

func postbackEvent(data, datetime string) webhook.PostbackEvent {
	pc := &webhook.PostbackContent{Data: data}
	if datetime != "" {
		pc.Params = map[string]string{"datetime": datetime}
	}
	return webhook.PostbackEvent{
		ReplyToken: "rt-1",
		Source:     webhook.GroupSource{GroupId: "G1", UserId: "U1"},
		Postback:   pc,
	}
}

func asText(t *testing.T, m messaging_api.MessageInterface) messaging_api.TextMessage {
	t.Helper()
	tm, ok := m.(messaging_api.TextMessage)
	if !ok {
		t.Fatalf("message is %T, want TextMessage", m)
	}
	return tm
}

func asPicker(t *testing.T, m messaging_api.MessageInterface) messaging_api.DatetimePickerAction {
	t.Helper()
	tmpl, ok := m.(messaging_api.TemplateMessage)
	if !ok {
		t.Fatalf("message is %T, want TemplateMessage", m)
	}
	buttons, ok := tmpl.Template.(messaging_api.ButtonsTemplate)
	if !ok {
		t.Fatalf("template is %T, want ButtonsTemplate", tmpl.Template)
	}
	if len(buttons.Actions) != 1 {
		t.Fatalf("actions = %d, want 1", len(buttons.Actions))
	}
	picker, ok := buttons.Actions[0].(messaging_api.DatetimePickerAction)
	if !ok {
		t.Fatalf("action is %T, want DatetimePickerAction", buttons.Actions[0])
	}
	return picker
}

func TestReserveShowsPickerUnderLimit(t *testing.T) {
	t.Parallel()

	store := &storeStub{active: []meetings.Meeting{
		{StartDatetime: "2025-06-01T10:00"},
		{StartDatetime: "2025-06-02T11:00"},
	}}
	h := newHandler(t, store, &schedStub{}, &providerStub{})

	reply, err := h.HandleEvent(context.Background(), textEvent("zoom予約"))
	if err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if reply == nil || len(reply.Messages) != 1 {
		t.Fatalf("reply = %+v, want one message", reply)
	}

	picker := asPicker(t, reply.Messages[0])
	if picker.Data != "action=reserve-zoom-meeting" {
		t.Errorf("data = %q", picker.Data)
	}
	if picker.Mode != "datetime" {
		t.Errorf("mode = %q", picker.Mode)
	}
	if picker.Min != "2025-05-20T09:30" {
		t.Errorf("min = %q", picker.Min)
	}
	// one calendar month out, minus a day, minute precision
	if picker.Max != "2025-06-19T09:30" {
		t.Errorf("max = %q", picker.Max)
	}
	if store.conv != "G1" {
		t.Errorf("conversation = %q, want group id", store.conv)
	}
}

func TestReserveBlockedAtLimit(t *testing.T) {
	t.Parallel()

	store := &storeStub{active: []meetings.Meeting{
		{StartDatetime: "2025-06-01T10:00"},
		{StartDatetime: "2025-06-02T11:00"},
		{StartDatetime: "2025-06-03T12:00"},
	}}
	h := newHandler(t, store, &schedStub{}, &providerStub{})

	reply, err := h.HandleEvent(context.Background(), textEvent("zoom予約"))
	if err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if reply == nil || len(reply.Messages) != 2 {
		t.Fatalf("reply = %+v, want two messages", reply)
	}

	first := asText(t, reply.Messages[0])
	for _, want := range []string{"上限", "2025/06/01 10:00", "2025/06/02 11:00", "2025/06/03 12:00"} {
		if !strings.Contains(first.Text, want) {
			t.Errorf("limit reply missing %q: %q", want, first.Text)
		}
	}
}

func TestListReserved(t *testing.T) {
	t.Parallel()

	t.Run("empty", func(t *testing.T) {
		h := newHandler(t, &storeStub{}, &schedStub{}, &providerStub{})
		reply, err := h.HandleEvent(context.Background(), textEvent("zoom予約確認"))
		if err != nil {
			t.Fatalf("HandleEvent: %v", err)
		}
		if got := asText(t, reply.Messages[0]).Text; got != "予約されているzoomはないよ。" {
			t.Errorf("text = %q", got)
		}
	})

	t.Run("lists active start times", func(t *testing.T) {
		store := &storeStub{active: []meetings.Meeting{{StartDatetime: "2025-06-01T09:05"}}}
		h := newHandler(t, store, &schedStub{}, &providerStub{})
		reply, err := h.HandleEvent(context.Background(), textEvent("zoom予約確認"))
		if err != nil {
			t.Fatalf("HandleEvent: %v", err)
		}
		if got := asText(t, reply.Messages[0]).Text; !strings.Contains(got, "2025/06/01 9:05") {
			t.Errorf("text = %q", got)
		}
	})
}

func TestCancelShowsPicker(t *testing.T) {
	t.Parallel()

	h := newHandler(t, &storeStub{}, &schedStub{}, &providerStub{})
	reply, err := h.HandleEvent(context.Background(), textEvent("zoomキャンセル"))
	if err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	picker := asPicker(t, reply.Messages[0])
	if picker.Data != "action=cancel-zoom-meeting" {
		t.Errorf("data = %q", picker.Data)
	}
	if picker.Min != "2025-05-20T09:30" || picker.Max != "2025-06-19T09:30" {
		t.Errorf("window = %q..%q", picker.Min, picker.Max)
	}
}

func TestInstantMeeting(t *testing.T) {
	t.Parallel()

	provider := &providerStub{url: "https://zoom.us/j/123"}
	h := newHandler(t, &storeStub{}, &schedStub{}, provider)

	reply, err := h.HandleEvent(context.Background(), textEvent("zoom"))
	if err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if len(reply.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(reply.Messages))
	}
	if got := asText(t, reply.Messages[0]).Text; got != "わかったよ" {
		t.Errorf("ack = %q", got)
	}
	if got := asText(t, reply.Messages[1]).Text; got != "https://zoom.us/j/123" {
		t.Errorf("url = %q", got)
	}
	if provider.tokenCalls != 1 {
		t.Errorf("token calls = %d, want 1", provider.tokenCalls)
	}
	// instant meetings start now, second precision
	if len(provider.starts) != 1 || provider.starts[0] != "2025-05-20T09:30:45" {
		t.Errorf("starts = %v", provider.starts)
	}
}

func TestReserveSelected(t *testing.T) {
	t.Parallel()

	h := newHandler(t, &storeStub{}, &schedStub{}, &providerStub{})
	reply, err := h.HandleEvent(context.Background(), postbackEvent("action=reserve-zoom-meeting", "2025-06-01T10:00"))
	if err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	tm := asText(t, reply.Messages[0])
	if !strings.Contains(tm.Text, "2025/06/01 10:00") {
		t.Errorf("confirm text missing datetime: %q", tm.Text)
	}
	if tm.QuickReply == nil || len(tm.QuickReply.Items) != 2 {
		t.Fatalf("quick reply = %+v, want yes/no", tm.QuickReply)
	}
	yes, ok := tm.QuickReply.Items[0].Action.(messaging_api.PostbackAction)
	if !ok {
		t.Fatalf("yes action is %T", tm.QuickReply.Items[0].Action)
	}
	if yes.Data != "action=reserve-confirm-yes&datetime=2025-06-01T10:00" {
		t.Errorf("yes data = %q", yes.Data)
	}
	no, ok := tm.QuickReply.Items[1].Action.(messaging_api.PostbackAction)
	if !ok {
		t.Fatalf("no action is %T", tm.QuickReply.Items[1].Action)
	}
	if no.Data != "action=reserve-confirm-no" {
		t.Errorf("no data = %q", no.Data)
	}
}

func TestReserveSelectedWithoutDatetime(t *testing.T) {
	t.Parallel()

	h := newHandler(t, &storeStub{}, &schedStub{}, &providerStub{})
	reply, err := h.HandleEvent(context.Background(), postbackEvent("action=reserve-zoom-meeting", ""))
	if err != nil || reply != nil {
		t.Fatalf("got (%+v, %v), want silent no-op", reply, err)
	}
}

func TestReserveConfirmedCommits(t *testing.T) {
	t.Parallel()

	store := &storeStub{}
	sched := &schedStub{}
	provider := &providerStub{url: "https://zoom.us/j/456"}
	h := newHandler(t, store, sched, provider)

	reply, err := h.HandleEvent(context.Background(), postbackEvent("action=reserve-confirm-yes&datetime=2025-06-01T10:00", ""))
	if err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	if len(provider.starts) != 1 || provider.starts[0] != "2025-06-01T10:00" {
		t.Errorf("provider starts = %v", provider.starts)
	}
	if len(store.puts) != 1 {
		t.Fatalf("puts = %d, want 1", len(store.puts))
	}
	m := store.puts[0]
	if m.ConversationID != "G1" || m.StartDatetime != "2025-06-01T10:00" || m.ZoomURL != "https://zoom.us/j/456" {
		t.Errorf("stored meeting = %+v", m)
	}
	if m.IsCancelled || m.IsNotified {
		t.Errorf("new meeting must be active: %+v", m)
	}
	if len(sched.scheduled) != 1 || sched.scheduled[0] != (schedCall{"G1", "2025-06-01T10:00", "https://zoom.us/j/456"}) {
		t.Errorf("scheduled = %v", sched.scheduled)
	}
	if got := asText(t, reply.Messages[0]).Text; !strings.Contains(got, "予約が完了") {
		t.Errorf("text = %q", got)
	}
}

func TestReserveConfirmedMissingDatetime(t *testing.T) {
	t.Parallel()

	store := &storeStub{}
	sched := &schedStub{}
	h := newHandler(t, store, sched, &providerStub{})

	reply, err := h.HandleEvent(context.Background(), postbackEvent("action=reserve-confirm-yes", ""))
	if err != nil || reply != nil {
		t.Fatalf("got (%+v, %v), want silent no-op", reply, err)
	}
	if len(store.puts) != 0 || len(sched.scheduled) != 0 {
		t.Errorf("unexpected side effects: %v %v", store.puts, sched.scheduled)
	}
}

func TestReserveConfirmedProviderError(t *testing.T) {
	t.Parallel()

	store := &storeStub{}
	provider := &providerStub{createErr: errors.New("zoom down")}
	h := newHandler(t, store, &schedStub{}, provider)

	reply, err := h.HandleEvent(context.Background(), postbackEvent("action=reserve-confirm-yes&datetime=2025-06-01T10:00", ""))
	if err == nil {
		t.Fatal("want error")
	}
	if reply != nil {
		t.Errorf("reply = %+v, want nil", reply)
	}
	if len(store.puts) != 0 {
		t.Errorf("no record must be stored on provider failure, got %v", store.puts)
	}
}

func TestReserveConfirmedSchedulerErrorSurfaces(t *testing.T) {
	t.Parallel()

	store := &storeStub{}
	sched := &schedStub{scheduleErr: errors.New("queue down")}
	h := newHandler(t, store, sched, &providerStub{url: "https://zoom.us/j/789"})

	_, err := h.HandleEvent(context.Background(), postbackEvent("action=reserve-confirm-yes&datetime=2025-06-01T10:00", ""))
	if err == nil {
		t.Fatal("want error")
	}
	// the record is already persisted; the inconsistency is accepted and surfaced
	if len(store.puts) != 1 {
		t.Errorf("puts = %d, want 1", len(store.puts))
	}
}

func TestCancelSelected(t *testing.T) {
	t.Parallel()

	t.Run("no active match", func(t *testing.T) {
		store := &storeStub{records: map[string]meetings.Meeting{}}
		h := newHandler(t, store, &schedStub{}, &providerStub{})

		reply, err := h.HandleEvent(context.Background(), postbackEvent("action=cancel-zoom-meeting", "2025-06-01T10:00"))
		if err != nil {
			t.Fatalf("HandleEvent: %v", err)
		}
		if got := asText(t, reply.Messages[0]).Text; !strings.Contains(got, "予約されているミーティングはないよ") {
			t.Errorf("text = %q", got)
		}
	})

	t.Run("cancelled record does not match", func(t *testing.T) {
		store := &storeStub{records: map[string]meetings.Meeting{
			"2025-06-01T10:00": {ConversationID: "G1", StartDatetime: "2025-06-01T10:00", IsCancelled: true},
		}}
		h := newHandler(t, store, &schedStub{}, &providerStub{})

		reply, err := h.HandleEvent(context.Background(), postbackEvent("action=cancel-zoom-meeting", "2025-06-01T10:00"))
		if err != nil {
			t.Fatalf("HandleEvent: %v", err)
		}
		if got := asText(t, reply.Messages[0]).Text; !strings.Contains(got, "予約されているミーティングはないよ") {
			t.Errorf("text = %q", got)
		}
	})

	t.Run("active match prompts confirmation", func(t *testing.T) {
		store := &storeStub{records: map[string]meetings.Meeting{
			"2025-06-01T10:00": {ConversationID: "G1", StartDatetime: "2025-06-01T10:00", ZoomURL: "https://zoom.us/j/1"},
		}}
		h := newHandler(t, store, &schedStub{}, &providerStub{})

		reply, err := h.HandleEvent(context.Background(), postbackEvent("action=cancel-zoom-meeting", "2025-06-01T10:00"))
		if err != nil {
			t.Fatalf("HandleEvent: %v", err)
		}
		tm := asText(t, reply.Messages[0])
		if !strings.Contains(tm.Text, "2025/06/01 10:00") {
			t.Errorf("text = %q", tm.Text)
		}
		yes, ok := tm.QuickReply.Items[0].Action.(messaging_api.PostbackAction)
		if !ok || yes.Data != "action=cancel-confirm-yes&datetime=2025-06-01T10:00" {
			t.Errorf("yes data = %+v", tm.QuickReply.Items[0].Action)
		}
	})
}

func TestCancelConfirmedFlipsFlagPreservingFields(t *testing.T) {
	t.Parallel()

	store := &storeStub{records: map[string]meetings.Meeting{
		"2025-06-01T10:00": {
			ConversationID: "G1",
			StartDatetime:  "2025-06-01T10:00",
			ZoomURL:        "https://zoom.us/j/1",
		},
	}}
	sched := &schedStub{}
	h := newHandler(t, store, sched, &providerStub{})

	reply, err := h.HandleEvent(context.Background(), postbackEvent("action=cancel-confirm-yes&datetime=2025-06-01T10:00", ""))
	if err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	if len(store.puts) != 1 {
		t.Fatalf("puts = %d, want 1", len(store.puts))
	}
	m := store.puts[0]
	if !m.IsCancelled {
		t.Error("isCancelled not set")
	}
	if m.IsNotified {
		t.Error("isNotified must stay false")
	}
	if m.StartDatetime != "2025-06-01T10:00" || m.ZoomURL != "https://zoom.us/j/1" {
		t.Errorf("fields not preserved: %+v", m)
	}
	if len(sched.cancelled) != 1 || sched.cancelled[0].start != "2025-06-01T10:00" {
		t.Errorf("cancelled = %v", sched.cancelled)
	}
	if got := asText(t, reply.Messages[0]).Text; !strings.Contains(got, "キャンセルが完了") {
		t.Errorf("text = %q", got)
	}
}

func TestCancelConfirmedMissingRecord(t *testing.T) {
	t.Parallel()

	store := &storeStub{records: map[string]meetings.Meeting{}}
	sched := &schedStub{}
	h := newHandler(t, store, sched, &providerStub{})

	reply, err := h.HandleEvent(context.Background(), postbackEvent("action=cancel-confirm-yes&datetime=2025-06-01T10:00", ""))
	if err != nil || reply != nil {
		t.Fatalf("got (%+v, %v), want silent no-op", reply, err)
	}
	if len(store.puts) != 0 || len(sched.cancelled) != 0 {
		t.Errorf("unexpected side effects: %v %v", store.puts, sched.cancelled)
	}
}

func TestNoOpEvents(t *testing.T) {
	t.Parallel()

	h := newHandler(t, &storeStub{}, &schedStub{}, &providerStub{})

	events := []webhook.EventInterface{
		webhook.FollowEvent{ReplyToken: "rt-1"},
		webhook.MessageEvent{
			ReplyToken: "rt-1",
			Source:     webhook.UserSource{UserId: "U1"},
			Message:    webhook.StickerMessageContent{},
		},
		postbackEvent("action=do-something-else", ""),
		postbackEvent("garbage", ""),
		textEvent("hello"),
	}

	for _, ev := range events {
		reply, err := h.HandleEvent(context.Background(), ev)
		if err != nil || reply != nil {
			t.Errorf("event %T: got (%+v, %v), want silent no-op", ev, reply, err)
		}
	}
}

func TestConversationPrecedence(t *testing.T) {
	t.Parallel()

	cases := []struct {
		source webhook.SourceInterface
		want   string
	}{
		{webhook.GroupSource{GroupId: "G1", UserId: "U1"}, "G1"},
		{webhook.UserSource{UserId: "U1"}, "U1"},
		{webhook.RoomSource{RoomId: "R1", UserId: "U1"}, "R1"},
	}

	for _, tc := range cases {
		store := &storeStub{}
		h := newHandler(t, store, &schedStub{}, &providerStub{})
		ev := webhook.MessageEvent{
			ReplyToken: "rt-1",
			Source:     tc.source,
			Message:    webhook.TextMessageContent{Text: "zoom予約確認"},
		}
		if _, err := h.HandleEvent(context.Background(), ev); err != nil {
			t.Fatalf("HandleEvent: %v", err)
		}
		if store.conv != tc.want {
			t.Errorf("source %T: conversation = %q, want %q", tc.source, store.conv, tc.want)
		}
	}
}
