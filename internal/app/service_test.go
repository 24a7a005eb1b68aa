package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"congregate/api/internal/config"
	"congregate/api/internal/directory"
	"congregate/api/internal/events"
	"congregate/api/internal/notify"
	"congregate/api/internal/realtime"
	"congregate/api/internal/store"
)

type roomFrame struct {
	room  string
	event string
	data  json.RawMessage
}

type recordingRooms struct {
	mu     sync.Mutex
	frames []roomFrame
}

func (r *recordingRooms) Publish(room string, frame []byte) {
	var env realtime.Envelope
	_ = json.Unmarshal(frame, &env)
	r.mu.Lock()
	r.frames = append(r.frames, roomFrame{room: room, event: env.Event, data: env.Data})
	r.mu.Unlock()
}

func (r *recordingRooms) snapshot() []roomFrame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]roomFrame(nil), r.frames...)
}

type notifyCall struct {
	recipients []string
	n          notify.Notification
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []notifyCall
	block chan struct{}
}

func (r *recordingNotifier) Notify(ctx context.Context, recipients []string, n notify.Notification) map[string]notify.Outcome {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, notifyCall{recipients: append([]string(nil), recipients...), n: n})
	return nil
}

func (r *recordingNotifier) snapshot() []notifyCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notifyCall(nil), r.calls...)
}

type recordingEvents struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingEvents) Publish(_ context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingEvents) Close() error { return nil }

func (r *recordingEvents) snapshot() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.events...)
}

type testHarness struct {
	svc      *Service
	store    *memStore
	rooms    *recordingRooms
	notifier *recordingNotifier
	events   *recordingEvents
}

func newHarness(users ...store.User) *testHarness {
	mem := newMemStore(users...)
	h := &testHarness{
		store:    mem,
		rooms:    &recordingRooms{},
		notifier: &recordingNotifier{},
		events:   &recordingEvents{},
	}
	h.svc = newService(config.Config{PushTimeout: time.Second}, mem, Collaborators{
		Rooms:    h.rooms,
		Notifier: h.notifier,
		Events:   h.events,
	})
	return h
}

var (
	ana   = store.User{ID: "usr_ana", FirstName: "Ana", LastName: "Lee"}
	ben   = store.User{ID: "usr_ben", FirstName: "Ben", LastName: "Okafor"}
	cara  = store.User{ID: "usr_cara", FirstName: "Cara", LastName: "Diaz"}
	maryS = store.User{ID: "usr_marys", FirstName: "Mary", LastName: "Smith"}
	maryJ = store.User{ID: "usr_maryj", FirstName: "Mary", LastName: "Jones"}
)

func expectDomainError(t *testing.T, err error, status int, code string) *DomainError {
	t.Helper()
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError %s, got %v", code, err)
	}
	if domainErr.Status != status || domainErr.Code != code {
		t.Fatalf("expected %d %s, got %d %s", status, code, domainErr.Status, domainErr.Code)
	}
	return domainErr
}

func participantIDs(view ConversationView) []string {
	ids := make([]string, 0, len(view.Participants))
	for _, p := range view.Participants {
		ids = append(ids, p.UserID)
	}
	sort.Strings(ids)
	return ids
}

func TestFindOrCreateDirectIsSymmetric(t *testing.T) {
	h := newHarness(ana, ben)
	ctx := context.Background()

	first, err := h.svc.FindOrCreateDirect(ctx, ana.ID, ben.ID)
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	second, err := h.svc.FindOrCreateDirect(ctx, ben.ID, ana.ID)
	if err != nil {
		t.Fatalf("second call: %v", err)
	}

	if first.ID != store.DirectConversationID(ana.ID, ben.ID) || second.ID != first.ID {
		t.Fatalf("expected canonical id, got %s and %s", first.ID, second.ID)
	}
	if got := participantIDs(second); len(got) != 2 || got[0] != ana.ID || got[1] != ben.ID {
		t.Fatalf("unexpected participants %v", got)
	}
	if len(h.store.convs) != 1 {
		t.Fatalf("expected one conversation, have %d", len(h.store.convs))
	}
}

func TestFindOrCreateDirectConcurrentCallersConverge(t *testing.T) {
	h := newHarness(ana, ben)
	// Widen the read-then-insert window so callers collide.
	h.store.beforeCreate = func() { time.Sleep(5 * time.Millisecond) }

	const callers = 20
	ids := make([]string, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, b := ana.ID, ben.ID
			if i%2 == 1 {
				a, b = b, a
			}
			view, err := h.svc.FindOrCreateDirect(context.Background(), a, b)
			ids[i], errs[i] = view.ID, err
		}()
	}
	wg.Wait()

	for i := range ids {
		if errs[i] != nil {
			t.Fatalf("caller %d failed: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Fatalf("callers diverged: %s vs %s", ids[i], ids[0])
		}
	}
	if len(h.store.convs) != 1 {
		t.Fatalf("expected one conversation, have %d", len(h.store.convs))
	}
	if n := len(h.store.participants[ids[0]]); n != 2 {
		t.Fatalf("expected 2 participants, have %d", n)
	}
}

func TestFindOrCreateDirectHealsMissingParticipant(t *testing.T) {
	h := newHarness(ana, ben)
	id := store.DirectConversationID(ana.ID, ben.ID)
	h.store.convs[id] = store.Conversation{ID: id}
	h.store.participants[id] = []store.Participant{{ConversationID: id, UserID: ana.ID, User: ana}}

	view, err := h.svc.FindOrCreateDirect(context.Background(), ana.ID, ben.ID)
	if err != nil {
		t.Fatalf("find or create: %v", err)
	}
	if got := participantIDs(view); len(got) != 2 {
		t.Fatalf("expected healed roster, got %v", got)
	}
}

func TestFindOrCreateDirectValidation(t *testing.T) {
	h := newHarness(ana)
	ctx := context.Background()

	_, err := h.svc.FindOrCreateDirect(ctx, ana.ID, ana.ID)
	expectDomainError(t, err, http.StatusUnprocessableEntity, "VALIDATION_ERROR")

	_, err = h.svc.FindOrCreateDirect(ctx, ana.ID, " ")
	expectDomainError(t, err, http.StatusUnprocessableEntity, "VALIDATION_ERROR")

	_, err = h.svc.FindOrCreateDirect(ctx, ana.ID, "usr_ghost")
	expectDomainError(t, err, http.StatusNotFound, "NOT_FOUND")
}

func TestCreateGroupDedupesOwnerAndMembers(t *testing.T) {
	h := newHarness(ana, ben, cara)

	view, err := h.svc.CreateGroup(context.Background(), CreateGroupInput{
		Name:      "Youth Team",
		OwnerID:   ana.ID,
		MemberIDs: []string{ben.ID, ana.ID, cara.ID, ben.ID},
		Locked:    true,
	})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	if !view.IsGroup || !view.Locked || view.Name != "Youth Team" {
		t.Fatalf("unexpected group %+v", view)
	}
	if !strings.HasPrefix(view.ID, "conv_") {
		t.Fatalf("unexpected id %s", view.ID)
	}
	if got := participantIDs(view); len(got) != 3 {
		t.Fatalf("expected 3 unique participants, got %v", got)
	}
}

func TestAddParticipantIsIdempotent(t *testing.T) {
	h := newHarness(ana, ben, cara)
	ctx := context.Background()
	group, err := h.svc.CreateGroup(ctx, CreateGroupInput{Name: "Choir", OwnerID: ana.ID})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}

	_, created, err := h.svc.AddParticipant(ctx, group.ID, cara.ID)
	if err != nil || !created {
		t.Fatalf("first add: created=%v err=%v", created, err)
	}
	p, created, err := h.svc.AddParticipant(ctx, group.ID, cara.ID)
	if err != nil || created {
		t.Fatalf("second add: created=%v err=%v", created, err)
	}
	if p.UserID != cara.ID || p.User.FullName != "Cara Diaz" {
		t.Fatalf("unexpected participant %+v", p)
	}

	_, _, err = h.svc.AddParticipant(ctx, "conv_missing", cara.ID)
	expectDomainError(t, err, http.StatusNotFound, "NOT_FOUND")
}

func TestSyncTagGroupIsIdempotent(t *testing.T) {
	h := newHarness(ana, ben, cara)
	h.store.tags["tag_youth"] = "Youth"
	h.store.tagMembers["tag_youth"] = []string{ben.ID, cara.ID}
	ctx := context.Background()

	first, err := h.svc.SyncTagGroup(ctx, "tag_youth", ana.ID)
	if err != nil {
		t.Fatalf("first sync: %v", err)
	}
	if first.Conversation.Name != "Youth Official" || first.Conversation.TagID != "tag_youth" {
		t.Fatalf("unexpected group %+v", first.Conversation)
	}
	if len(first.Added) != 2 {
		t.Fatalf("expected both members added, got %v", first.Added)
	}

	second, err := h.svc.SyncTagGroup(ctx, "tag_youth", ben.ID)
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if second.Conversation.ID != first.Conversation.ID {
		t.Fatal("second sync created another group")
	}
	if len(second.Added) != 0 {
		t.Fatalf("expected no additions, got %v", second.Added)
	}
	if got := participantIDs(second.Conversation); len(got) != 3 {
		t.Fatalf("expected initiator plus members, got %v", got)
	}
}

func TestSyncTagGroupConcurrentInitiators(t *testing.T) {
	h := newHarness(ana, ben, cara)
	h.store.tags["tag_choir"] = "Choir"
	h.store.tagMembers["tag_choir"] = []string{ana.ID, ben.ID, cara.ID}
	h.store.beforeCreate = func() { time.Sleep(5 * time.Millisecond) }

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := h.svc.SyncTagGroup(context.Background(), "tag_choir", ana.ID)
			if err != nil {
				t.Errorf("sync %d: %v", i, err)
				return
			}
			ids[i] = result.Conversation.ID
		}()
	}
	wg.Wait()

	for _, id := range ids {
		if id != ids[0] {
			t.Fatalf("syncs diverged: %v", ids)
		}
	}
	if n := len(h.store.participants[ids[0]]); n != 3 {
		t.Fatalf("expected 3 participants, have %d", n)
	}
}

func TestSyncTagGroupUnknownTag(t *testing.T) {
	h := newHarness(ana)
	_, err := h.svc.SyncTagGroup(context.Background(), "tag_missing", ana.ID)
	expectDomainError(t, err, http.StatusNotFound, "NOT_FOUND")
}

func TestSendMessageNotifiesOtherParticipantsOnly(t *testing.T) {
	h := newHarness(ana, ben, cara)
	ctx := context.Background()
	group, err := h.svc.CreateGroup(ctx, CreateGroupInput{Name: "Elders", OwnerID: ana.ID, MemberIDs: []string{ben.ID, cara.ID}})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}

	msg, err := h.svc.SendMessage(ctx, group.ID, SendMessageInput{SenderID: ana.ID, Content: "Meeting moved to 7pm"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.Sender.FullName != "Ana Lee" {
		t.Fatalf("expected sender display fields, got %+v", msg.Sender)
	}
	h.svc.Wait()

	calls := h.notifier.snapshot()
	if len(calls) != 1 {
		t.Fatalf("expected one notify batch, got %d", len(calls))
	}
	recipients := append([]string(nil), calls[0].recipients...)
	sort.Strings(recipients)
	if len(recipients) != 2 || recipients[0] != ben.ID || recipients[1] != cara.ID {
		t.Fatalf("unexpected recipients %v", recipients)
	}
	if calls[0].n.Category != notify.CategoryChat || calls[0].n.Title != "Ana Lee" || calls[0].n.Body != "Meeting moved to 7pm" {
		t.Fatalf("unexpected notification %+v", calls[0].n)
	}

	frames := h.rooms.snapshot()
	if len(frames) != 1 || frames[0].room != group.ID || frames[0].event != realtime.EventNewMessage {
		t.Fatalf("unexpected broadcasts %+v", frames)
	}
	if len(h.events.events) != 1 || h.events.events[0].Type != events.TypeMessageCreated {
		t.Fatalf("unexpected events %+v", h.events.events)
	}
}

func TestSendMessageDoesNotWaitForNotifications(t *testing.T) {
	h := newHarness(ana, ben)
	h.notifier.block = make(chan struct{})
	ctx := context.Background()
	conv, err := h.svc.FindOrCreateDirect(ctx, ana.ID, ben.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := h.svc.SendMessage(ctx, conv.ID, SendMessageInput{SenderID: ana.ID, Content: "hi"})
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("send: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("send blocked on notification delivery")
	}
	close(h.notifier.block)
	h.svc.Wait()
	if len(h.notifier.snapshot()) != 1 {
		t.Fatal("expected notification after release")
	}
}

func TestSendMessageBroadcastOrderMatchesHistory(t *testing.T) {
	h := newHarness(ana, ben)
	ctx := context.Background()
	conv, err := h.svc.FindOrCreateDirect(ctx, ana.ID, ben.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sender := ana.ID
			if i%2 == 1 {
				sender = ben.ID
			}
			if _, err := h.svc.SendMessage(ctx, conv.ID, SendMessageInput{SenderID: sender, Content: fmt.Sprintf("msg %d", i)}); err != nil {
				t.Errorf("send %d: %v", i, err)
			}
		}()
	}
	wg.Wait()
	h.svc.Wait()

	history, err := h.svc.ListMessages(ctx, conv.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	frames := h.rooms.snapshot()
	if len(frames) != len(history) {
		t.Fatalf("expected %d broadcasts, got %d", len(history), len(frames))
	}
	for i, frame := range frames {
		var got MessageView
		if err := json.Unmarshal(frame.data, &got); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		if got.ID != history[i].ID {
			t.Fatalf("broadcast %d is %s, history has %s", i, got.ID, history[i].ID)
		}
		if i > 0 && history[i].CreatedAt.Before(history[i-1].CreatedAt) {
			t.Fatalf("history not ordered at %d", i)
		}
	}
}

func TestSendMessageValidation(t *testing.T) {
	h := newHarness(ana, ben)
	ctx := context.Background()
	conv, _ := h.svc.FindOrCreateDirect(ctx, ana.ID, ben.ID)

	_, err := h.svc.SendMessage(ctx, conv.ID, SendMessageInput{SenderID: ana.ID, Content: "   "})
	expectDomainError(t, err, http.StatusUnprocessableEntity, "VALIDATION_ERROR")

	_, err = h.svc.SendMessage(ctx, "conv_missing", SendMessageInput{SenderID: ana.ID, Content: "hi"})
	expectDomainError(t, err, http.StatusNotFound, "NOT_FOUND")

	_, err = h.svc.SendMessage(ctx, conv.ID, SendMessageInput{SenderID: "usr_ghost", Content: "hi"})
	expectDomainError(t, err, http.StatusNotFound, "NOT_FOUND")

	// A failed write must not hold back later broadcasts.
	if _, err := h.svc.SendMessage(ctx, conv.ID, SendMessageInput{SenderID: ben.ID, Content: "still here"}); err != nil {
		t.Fatalf("send after failure: %v", err)
	}
	if frames := h.rooms.snapshot(); len(frames) != 1 {
		t.Fatalf("expected one broadcast, got %d", len(frames))
	}
}

func TestDeleteMessageBroadcastsRemoval(t *testing.T) {
	h := newHarness(ana, ben)
	ctx := context.Background()
	conv, _ := h.svc.FindOrCreateDirect(ctx, ana.ID, ben.ID)
	first, _ := h.svc.SendMessage(ctx, conv.ID, SendMessageInput{SenderID: ana.ID, Content: "one"})
	second, _ := h.svc.SendMessage(ctx, conv.ID, SendMessageInput{SenderID: ben.ID, Content: "two"})

	deleted, err := h.svc.DeleteMessage(ctx, first.ID)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if deleted.ConversationID != conv.ID {
		t.Fatalf("unexpected deleted payload %+v", deleted)
	}

	history, _ := h.svc.ListMessages(ctx, conv.ID)
	if len(history) != 1 || history[0].ID != second.ID {
		t.Fatalf("unexpected history after delete %+v", history)
	}
	frames := h.rooms.snapshot()
	if last := frames[len(frames)-1]; last.event != realtime.EventMessageDeleted {
		t.Fatalf("expected messageDeleted broadcast, got %s", last.event)
	}

	_, err = h.svc.DeleteMessage(ctx, first.ID)
	expectDomainError(t, err, http.StatusNotFound, "NOT_FOUND")
}

func TestListForUserShowsLatestMessage(t *testing.T) {
	h := newHarness(ana, ben, cara)
	ctx := context.Background()
	direct, _ := h.svc.FindOrCreateDirect(ctx, ana.ID, ben.ID)
	group, _ := h.svc.CreateGroup(ctx, CreateGroupInput{Name: "Ushers", OwnerID: cara.ID, MemberIDs: []string{ana.ID}})
	_, _ = h.svc.SendMessage(ctx, direct.ID, SendMessageInput{SenderID: ana.ID, Content: "first"})
	_, _ = h.svc.SendMessage(ctx, direct.ID, SendMessageInput{SenderID: ben.ID, Content: "latest"})

	items, err := h.svc.ListForUser(ctx, ana.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 2 || items[0].ID != group.ID {
		t.Fatalf("expected newest conversation first, got %+v", items)
	}
	if items[0].LatestMessage != nil {
		t.Fatal("empty group must not carry a preview")
	}
	if items[1].LatestMessage == nil || items[1].LatestMessage.Content != "latest" {
		t.Fatalf("unexpected preview %+v", items[1].LatestMessage)
	}

	groups, err := h.svc.ListGroups(ctx)
	if err != nil || len(groups) != 1 || len(groups[0].Participants) != 2 {
		t.Fatalf("unexpected groups %+v err=%v", groups, err)
	}
}

func TestSendDirectMessageByNameRejectsAmbiguousName(t *testing.T) {
	h := newHarness(ana, maryS, maryJ)

	_, err := h.svc.SendDirectMessageByName(context.Background(), DirectMessageInput{AdminID: ana.ID, TargetName: "Mary", Message: "hello"})
	domainErr := expectDomainError(t, err, http.StatusConflict, "AMBIGUOUS_RECIPIENT")

	details := domainErr.Details.(map[string]any)
	candidates := details["candidates"].([]directory.Candidate)
	names := []string{candidates[0].FullName, candidates[1].FullName}
	sort.Strings(names)
	if len(candidates) != 2 || names[0] != "Mary Jones" || names[1] != "Mary Smith" {
		t.Fatalf("unexpected candidates %+v", candidates)
	}
	if len(h.store.messages) != 0 || len(h.store.convs) != 0 {
		t.Fatal("ambiguous request must not write anything")
	}
}

func TestSendDirectMessageByNameDelivers(t *testing.T) {
	h := newHarness(ana, maryS, maryJ)

	result, err := h.svc.SendDirectMessageByName(context.Background(), DirectMessageInput{AdminID: ana.ID, TargetName: "mary smith", Message: "Welcome!"})
	if err != nil {
		t.Fatalf("send by name: %v", err)
	}
	if result.Recipient.ID != maryS.ID {
		t.Fatalf("resolved wrong user %+v", result.Recipient)
	}
	if result.ConversationID != store.DirectConversationID(ana.ID, maryS.ID) {
		t.Fatalf("unexpected conversation %s", result.ConversationID)
	}
	h.svc.Wait()
	calls := h.notifier.snapshot()
	if len(calls) != 1 || len(calls[0].recipients) != 1 || calls[0].recipients[0] != maryS.ID {
		t.Fatalf("unexpected notifications %+v", calls)
	}
}

func TestSendDirectMessageByNameNoMatch(t *testing.T) {
	h := newHarness(ana)
	_, err := h.svc.SendDirectMessageByName(context.Background(), DirectMessageInput{AdminID: ana.ID, TargetName: "Zed", Message: "hi"})
	expectDomainError(t, err, http.StatusUnprocessableEntity, "VALIDATION_ERROR")
}

func TestCreateAnnouncementNotifiesTokenHolders(t *testing.T) {
	h := newHarness(ana, ben, cara)
	h.store.tokens[ben.ID] = "ExponentPushToken[ben]"
	h.store.tokens[cara.ID] = "ExponentPushToken[cara]"
	ctx := context.Background()

	first, err := h.svc.CreateAnnouncement(ctx, CreateAnnouncementInput{Title: "Retreat", Body: "Sign up by Friday", IsPinned: true, CreatedBy: ana.ID})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := h.svc.CreateAnnouncement(ctx, CreateAnnouncementInput{Title: "Potluck", Body: "Bring a dish", IsPinned: true}); err != nil {
		t.Fatalf("create second: %v", err)
	}
	h.svc.Wait()

	if h.store.announcements[0].ID != first.ID || h.store.announcements[0].IsPinned {
		t.Fatal("pinning a new announcement must unpin the old one")
	}
	calls := h.notifier.snapshot()
	if len(calls) != 2 {
		t.Fatalf("expected two batches, got %d", len(calls))
	}
	for _, call := range calls {
		if call.n.Category != notify.CategoryAnnouncements || len(call.recipients) != 2 {
			t.Fatalf("unexpected batch %+v", call)
		}
	}

	_, err = h.svc.CreateAnnouncement(ctx, CreateAnnouncementInput{Title: " "})
	expectDomainError(t, err, http.StatusUnprocessableEntity, "VALIDATION_ERROR")
}

func TestRegisterDeliveryToken(t *testing.T) {
	h := newHarness(ana)
	ctx := context.Background()

	if err := h.svc.RegisterDeliveryToken(ctx, ana.ID, "ExponentPushToken[abc]"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if h.store.tokens[ana.ID] != "ExponentPushToken[abc]" {
		t.Fatal("token not stored")
	}
	err := h.svc.RegisterDeliveryToken(ctx, ana.ID, "apns-raw-token")
	expectDomainError(t, err, http.StatusUnprocessableEntity, "VALIDATION_ERROR")

	err = h.svc.RegisterDeliveryToken(ctx, "usr_ghost", "ExponentPushToken[abc]")
	expectDomainError(t, err, http.StatusNotFound, "NOT_FOUND")
}

func TestNotificationSettingsAndRules(t *testing.T) {
	h := newHarness(ana)
	ctx := context.Background()

	if _, err := h.svc.UpdateNotificationPreferences(ctx, ana.ID, map[string]bool{"chat": false}); err != nil {
		t.Fatalf("update: %v", err)
	}
	merged, err := h.svc.UpdateNotificationPreferences(ctx, ana.ID, map[string]bool{"sermons": false})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if merged["chat"] || merged["sermons"] || len(merged) != 2 {
		t.Fatalf("expected merged opt-outs, got %v", merged)
	}

	_, err = h.svc.UpdateNotificationPreferences(ctx, ana.ID, map[string]bool{"marketing": true})
	expectDomainError(t, err, http.StatusUnprocessableEntity, "VALIDATION_ERROR")

	rules, err := h.svc.UpdateNotificationRules(ctx, map[string]bool{"announcements": true})
	if err != nil || !rules["announcements"] {
		t.Fatalf("unexpected rules %v err=%v", rules, err)
	}
	stored, _ := h.svc.NotificationRules(ctx)
	if !stored["announcements"] {
		t.Fatal("rules not persisted")
	}
}

func TestAssignUserToTag(t *testing.T) {
	h := newHarness(ana)
	h.store.tags["tag_youth"] = "Youth"
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := h.svc.AssignUserToTag(ctx, "tag_youth", ana.ID); err != nil {
			t.Fatalf("assign %d: %v", i, err)
		}
	}
	if len(h.store.tagMembers["tag_youth"]) != 1 {
		t.Fatal("assignment must be idempotent")
	}
	err := h.svc.AssignUserToTag(ctx, "tag_missing", ana.ID)
	expectDomainError(t, err, http.StatusNotFound, "NOT_FOUND")
}
