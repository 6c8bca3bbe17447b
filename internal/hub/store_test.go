package hub

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/AlohaMarket/marketchat/internal/models"
)

func twoParty(a, b string) []models.Participant {
	return []models.Participant{
		{ID: a, Name: "User " + a},
		{ID: b, Name: "User " + b},
	}
}

func TestCreateOrGetDeduplicatesBySameParticipantsAndProduct(t *testing.T) {
	store := NewStore()

	first := store.CreateOrGet(twoParty("u1", "u2"), "direct", nil)
	again := store.CreateOrGet(twoParty("u2", "u1"), "direct", nil)
	if first.ID != again.ID {
		t.Fatalf("expected same conversation regardless of participant order, got %s and %s", first.ID, again.ID)
	}

	product := &models.ProductContext{ProductID: "p1", Name: "Bike"}
	withProduct := store.CreateOrGet(twoParty("u1", "u2"), "product", product)
	if withProduct.ID == first.ID {
		t.Fatal("expected product conversation to be distinct")
	}
	sameProductConv := store.CreateOrGet(twoParty("u1", "u2"), "product", &models.ProductContext{ProductID: "p1"})
	if sameProductConv.ID != withProduct.ID {
		t.Fatal("expected same product conversation on repeat create")
	}
}

func TestAppendMessageRejectsOutsiders(t *testing.T) {
	store := NewStore()
	conv := store.CreateOrGet(twoParty("u1", "u2"), "direct", nil)

	if _, err := store.AppendMessage(conv.ID, "intruder", "hi", models.MessageKindText, nil); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}
	if _, err := store.AppendMessage("nope", "u1", "hi", models.MessageKindText, nil); !errors.Is(err, ErrUnknownConversation) {
		t.Fatalf("expected ErrUnknownConversation, got %v", err)
	}
}

func TestAppendMessageBumpsUnreadExceptSenderAndJoined(t *testing.T) {
	store := NewStore()
	conv := store.CreateOrGet([]models.Participant{
		{ID: "u1"}, {ID: "u2"}, {ID: "u3"},
	}, "group", nil)

	// u3 is in the room, so only u2 accrues unread
	if _, err := store.AppendMessage(conv.ID, "u1", "hi all", models.MessageKindText, map[string]bool{"u3": true}); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	for user, want := range map[string]int{"u1": 0, "u2": 1, "u3": 0} {
		list, _ := store.ListForParticipant(user, 1, 10, "")
		if len(list) != 1 || list[0].UnreadCount != want {
			t.Fatalf("user %s: expected unread %d, got %+v", user, want, list)
		}
	}
}

func TestListForParticipantOrdersByActivityAndPages(t *testing.T) {
	store := NewStore()
	var ids []string
	for i := 0; i < 3; i++ {
		conv := store.CreateOrGet(twoParty("u1", fmt.Sprintf("peer%d", i)), "direct", nil)
		ids = append(ids, conv.ID)
		if _, err := store.AppendMessage(conv.ID, "u1", "hello", models.MessageKindText, nil); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
		time.Sleep(time.Millisecond)
	}

	page1, total := store.ListForParticipant("u1", 1, 2, "")
	if total != 3 || len(page1) != 2 {
		t.Fatalf("expected total 3, page of 2, got total %d page %d", total, len(page1))
	}
	if page1[0].ID != ids[2] || page1[1].ID != ids[1] {
		t.Fatalf("expected most recent activity first, got %v then %v", page1[0].ID, page1[1].ID)
	}

	page2, _ := store.ListForParticipant("u1", 2, 2, "")
	if len(page2) != 1 || page2[0].ID != ids[0] {
		t.Fatalf("expected oldest conversation on last page, got %v", page2)
	}

	if list, _ := store.ListForParticipant("peer0", 1, 10, ""); len(list) != 1 {
		t.Fatalf("expected peer0 to see exactly their conversation, got %v", list)
	}
}

func TestMessagesPageNewestFirstWindows(t *testing.T) {
	store := NewStore()
	conv := store.CreateOrGet(twoParty("u1", "u2"), "direct", nil)

	var appended []models.Message
	for i := 0; i < 5; i++ {
		msg, err := store.AppendMessage(conv.ID, "u1", fmt.Sprintf("msg %d", i), models.MessageKindText, nil)
		if err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
		appended = append(appended, msg)
		time.Sleep(time.Millisecond)
	}

	// page 1 holds the two newest, newest first
	page1, total, err := store.MessagesPage(conv.ID, 1, 2, time.Time{})
	if err != nil {
		t.Fatalf("MessagesPage: %v", err)
	}
	if total != 5 || len(page1) != 2 {
		t.Fatalf("expected total 5, page of 2, got total %d page %d", total, len(page1))
	}
	if page1[0].ID != appended[4].ID || page1[1].ID != appended[3].ID {
		t.Fatalf("expected newest first, got %v", page1)
	}

	page3, _, err := store.MessagesPage(conv.ID, 3, 2, time.Time{})
	if err != nil {
		t.Fatalf("MessagesPage: %v", err)
	}
	if len(page3) != 1 || page3[0].ID != appended[0].ID {
		t.Fatalf("expected a short last page with the oldest message, got %v", page3)
	}

	if empty, _, _ := store.MessagesPage(conv.ID, 4, 2, time.Time{}); len(empty) != 0 {
		t.Fatalf("expected page past the end to be empty, got %v", empty)
	}
}

func TestMessagesPageBeforeCursor(t *testing.T) {
	store := NewStore()
	conv := store.CreateOrGet(twoParty("u1", "u2"), "direct", nil)

	var appended []models.Message
	for i := 0; i < 4; i++ {
		msg, err := store.AppendMessage(conv.ID, "u1", fmt.Sprintf("msg %d", i), models.MessageKindText, nil)
		if err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
		appended = append(appended, msg)
		time.Sleep(time.Millisecond)
	}

	page, total, err := store.MessagesPage(conv.ID, 1, 10, appended[2].Timestamp)
	if err != nil {
		t.Fatalf("MessagesPage: %v", err)
	}
	if total != 2 || len(page) != 2 {
		t.Fatalf("expected two messages before cursor, got total %d page %v", total, page)
	}
	if page[0].ID != appended[1].ID || page[1].ID != appended[0].ID {
		t.Fatalf("expected strictly earlier messages newest first, got %v", page)
	}
}

func TestEditAndDeleteEnforceSender(t *testing.T) {
	store := NewStore()
	conv := store.CreateOrGet(twoParty("u1", "u2"), "direct", nil)
	msg, err := store.AppendMessage(conv.ID, "u1", "original", models.MessageKindText, nil)
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	if _, err := store.EditMessage(msg.ID, "u2", "hijack"); !errors.Is(err, ErrNotSender) {
		t.Fatalf("expected ErrNotSender on edit, got %v", err)
	}
	edited, err := store.EditMessage(msg.ID, "u1", "fixed")
	if err != nil {
		t.Fatalf("EditMessage: %v", err)
	}
	if edited.Content != "fixed" || !edited.IsEdited {
		t.Fatalf("unexpected edit result %+v", edited)
	}

	if _, err := store.DeleteMessage(msg.ID, "u2"); !errors.Is(err, ErrNotSender) {
		t.Fatalf("expected ErrNotSender on delete, got %v", err)
	}
	conversationID, err := store.DeleteMessage(msg.ID, "u1")
	if err != nil {
		t.Fatalf("DeleteMessage: %v", err)
	}
	if conversationID != conv.ID {
		t.Fatalf("expected conversation id %s, got %s", conv.ID, conversationID)
	}
	if _, err := store.DeleteMessage(msg.ID, "u1"); !errors.Is(err, ErrUnknownMessage) {
		t.Fatalf("expected ErrUnknownMessage after delete, got %v", err)
	}
}

func TestListedConversationsUnaffectedByLaterEdits(t *testing.T) {
	store := NewStore()
	conv := store.CreateOrGet(twoParty("u1", "u2"), "direct", nil)
	msg, err := store.AppendMessage(conv.ID, "u1", "first draft", models.MessageKindText, nil)
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	before, _ := store.ListForParticipant("u2", 1, 10, "")
	if len(before) != 1 || before[0].LastMessage == nil || before[0].LastMessage.Content != "first draft" {
		t.Fatalf("expected last-message snapshot, got %v", before)
	}

	if _, err := store.EditMessage(msg.ID, "u1", "final wording"); err != nil {
		t.Fatalf("EditMessage: %v", err)
	}

	// the copy handed out earlier must not observe the edit
	if before[0].LastMessage.Content != "first draft" || before[0].LastMessage.IsEdited {
		t.Fatalf("edit leaked into an earlier listing: %+v", before[0].LastMessage)
	}
	after, _ := store.ListForParticipant("u2", 1, 10, "")
	if after[0].LastMessage.Content != "final wording" || !after[0].LastMessage.IsEdited {
		t.Fatalf("expected fresh listing to carry the edit, got %+v", after[0].LastMessage)
	}
}

func TestMarkReadResetsCounterAndRoutesReceipts(t *testing.T) {
	store := NewStore()
	conv := store.CreateOrGet([]models.Participant{
		{ID: "u1"}, {ID: "u2"}, {ID: "u3"},
	}, "group", nil)

	m1, _ := store.AppendMessage(conv.ID, "u1", "from u1", models.MessageKindText, nil)
	m2, _ := store.AppendMessage(conv.ID, "u3", "from u3", models.MessageKindText, nil)

	bySender := store.MarkRead(conv.ID, "u2", []string{m1.ID, m2.ID})
	if len(bySender) != 2 || len(bySender["u1"]) != 1 || len(bySender["u3"]) != 1 {
		t.Fatalf("expected receipts routed per sender, got %v", bySender)
	}

	list, _ := store.ListForParticipant("u2", 1, 10, "")
	if len(list) != 1 || list[0].UnreadCount != 0 {
		t.Fatalf("expected unread reset, got %v", list)
	}

	// already-read messages produce no second receipt
	if again := store.MarkRead(conv.ID, "u2", []string{m1.ID}); len(again) != 0 {
		t.Fatalf("expected no duplicate receipts, got %v", again)
	}
}
