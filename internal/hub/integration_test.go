package hub_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/AlohaMarket/marketchat/internal/channel"
	"github.com/AlohaMarket/marketchat/internal/config"
	"github.com/AlohaMarket/marketchat/internal/engine"
	"github.com/AlohaMarket/marketchat/internal/models"
	"github.com/AlohaMarket/marketchat/internal/restapi"
	"github.com/AlohaMarket/marketchat/internal/routes"
	"github.com/AlohaMarket/marketchat/pkg/utils"
)

const integrationSecret = "integration-secret"

func startHubServer(t *testing.T) string {
	t.Helper()

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	cfg := &config.Config{JWTSecret: integrationSecret}
	routes.RegisterRoutes(app, cfg, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() { _ = app.Listener(ln) }()
	t.Cleanup(func() { _ = app.Shutdown() })

	return ln.Addr().String()
}

func startEngine(t *testing.T, addr, userID string) *engine.Engine {
	t.Helper()

	token, err := utils.GenerateToken(userID, "user", integrationSecret)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	ch := channel.NewClient("ws://"+addr+"/ws/chat",
		channel.NewBackoff([]time.Duration{0, 10 * time.Millisecond}), 5*time.Second, nil)
	api := restapi.NewClient("http://"+addr+"/api/v1", token)

	e := engine.New(models.LocalUser{ID: userID, Name: userID}, ch, api, engine.Options{}, nil)
	t.Cleanup(e.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.Connect(ctx, token); err != nil {
		t.Fatalf("connect %s: %v", userID, err)
	}
	return e
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// Exercises the whole path: REST conversation setup, WebSocket commands and
// acks, event fan-out between two live clients, and read receipts.
func TestTwoClientsExchangeMessagesOverLiveHub(t *testing.T) {
	addr := startHubServer(t)
	ctx := context.Background()

	alice := startEngine(t, addr, "alice")
	bob := startEngine(t, addr, "bob")

	conv, err := alice.CreateConversation(ctx, []string{"alice", "bob"}, "direct", "")
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	if err := bob.LoadConversations(ctx); err != nil {
		t.Fatalf("bob LoadConversations: %v", err)
	}

	if err := alice.SelectConversation(ctx, conv.ID); err != nil {
		t.Fatalf("alice SelectConversation: %v", err)
	}
	if err := bob.SelectConversation(ctx, conv.ID); err != nil {
		t.Fatalf("bob SelectConversation: %v", err)
	}

	if err := alice.SendMessage(ctx, conv.ID, "hi bob", models.MessageKindText); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	// bob receives the live event
	waitFor(t, "bob to receive the message", func() bool {
		msgs := bob.Messages()
		return len(msgs) == 1 && msgs[0].Content == "hi bob"
	})

	// alice's provisional copy is resolved by her own echo, not duplicated
	waitFor(t, "alice's echo reconciliation", func() bool {
		msgs := alice.Messages()
		return len(msgs) == 1 && !msgs[0].Provisional && msgs[0].ID != ""
	})
	serverID := bob.Messages()[0].ID
	if alice.Messages()[0].ID != serverID {
		t.Fatalf("expected alice to hold the server id %s, got %s", serverID, alice.Messages()[0].ID)
	}

	// bob marks the message read; alice gets the receipt
	bob.MarkAsRead(ctx, conv.ID)
	waitFor(t, "alice's read receipt", func() bool {
		msgs := alice.Messages()
		return len(msgs) == 1 && msgs[0].IsRead
	})
}

func TestTypingIndicatorReachesRoomPeer(t *testing.T) {
	addr := startHubServer(t)
	ctx := context.Background()

	alice := startEngine(t, addr, "alice")
	bob := startEngine(t, addr, "bob")

	conv, err := alice.CreateConversation(ctx, []string{"alice", "bob"}, "direct", "")
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	if err := alice.SelectConversation(ctx, conv.ID); err != nil {
		t.Fatalf("alice SelectConversation: %v", err)
	}
	if err := bob.SelectConversation(ctx, conv.ID); err != nil {
		t.Fatalf("bob SelectConversation: %v", err)
	}

	bob.NotifyTyping(conv.ID)

	waitFor(t, "alice to see bob typing", func() bool {
		users := alice.TypingUsers(conv.ID)
		return len(users) == 1 && users[0].UserID == "bob"
	})

	// bob never sees himself typing
	if users := bob.TypingUsers(conv.ID); len(users) != 0 {
		t.Fatalf("expected bob's own typing hidden from him, got %v", users)
	}
}

func TestUnreadAccruesForUserOutsideRoom(t *testing.T) {
	addr := startHubServer(t)
	ctx := context.Background()

	alice := startEngine(t, addr, "alice")
	bob := startEngine(t, addr, "bob")

	conv, err := alice.CreateConversation(ctx, []string{"alice", "bob"}, "direct", "")
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	if err := bob.LoadConversations(ctx); err != nil {
		t.Fatalf("bob LoadConversations: %v", err)
	}
	if err := alice.SelectConversation(ctx, conv.ID); err != nil {
		t.Fatalf("alice SelectConversation: %v", err)
	}
	// bob stays outside the room

	if err := alice.SendMessage(ctx, conv.ID, "you there?", models.MessageKindText); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	waitFor(t, "bob's unread counter", func() bool {
		return bob.UnreadCount(conv.ID) == 1
	})

	// the server agrees when bob refetches his conversation list
	if err := bob.LoadConversations(ctx); err != nil {
		t.Fatalf("bob LoadConversations: %v", err)
	}
	waitFor(t, "server-side unread", func() bool {
		for _, c := range bob.Conversations() {
			if c.ID == conv.ID {
				return c.UnreadCount == 1
			}
		}
		return false
	})
}
