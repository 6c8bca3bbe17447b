package routes

import (
	websocket "github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/AlohaMarket/marketchat/internal/config"
	"github.com/AlohaMarket/marketchat/internal/handlers"
	"github.com/AlohaMarket/marketchat/internal/hub"
	"github.com/AlohaMarket/marketchat/internal/middleware"
)

// RegisterRoutes wires the hub's REST surface and the duplex WebSocket
// endpoint onto the fiber app and returns the running hub.
func RegisterRoutes(app *fiber.App, cfg *config.Config, logger *zap.Logger) *hub.Hub {
	store := hub.NewStore()
	chatHub := hub.NewHub(store, logger)
	chatHandler := handlers.NewChatHandler(chatHub, cfg.JWTSecret)

	api := app.Group("/api/v1", middleware.AuthRequired(cfg.JWTSecret))

	conversations := api.Group("/conversations")
	conversations.Get("", chatHandler.ListConversations)
	conversations.Post("", chatHandler.CreateConversation)
	conversations.Get("/:id/messages", chatHandler.GetMessages)

	app.Use("/ws/chat", chatHandler.WebSocketAuth)
	app.Get("/ws/chat", websocket.New(chatHandler.HandleWebSocket))

	return chatHub
}
