package handlers

import (
	"errors"
	"time"

	websocket "github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/AlohaMarket/marketchat/internal/hub"
	"github.com/AlohaMarket/marketchat/internal/middleware"
	"github.com/AlohaMarket/marketchat/internal/models"
	"github.com/AlohaMarket/marketchat/pkg/utils"
)

type ChatHandler struct {
	hub       *hub.Hub
	jwtSecret string
}

type createConversationRequest struct {
	ParticipantIDs   []string               `json:"participantIds"`
	Participants     []models.Participant   `json:"participants,omitempty"`
	ConversationType string                 `json:"conversationType"`
	ProductID        string                 `json:"productId,omitempty"`
	Product          *models.ProductContext `json:"product,omitempty"`
}

func NewChatHandler(h *hub.Hub, jwtSecret string) *ChatHandler {
	return &ChatHandler{
		hub:       h,
		jwtSecret: jwtSecret,
	}
}

func (h *ChatHandler) ListConversations(c *fiber.Ctx) error {
	userID, ok := c.Locals("user_id").(string)
	if !ok || userID == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}

	page := parsePositiveInt(c.Query("page"), 1)
	limit := parsePositiveInt(c.Query("limit"), defaultPageLimit)
	if limit > maxPageLimit {
		limit = maxPageLimit
	}

	conversations, total := h.hub.Store().ListForParticipant(userID, page, limit, c.Query("type"))
	return c.JSON(fiber.Map{
		"conversations": conversations,
		"pagination":    buildPaginationMeta(page, limit, total),
	})
}

func (h *ChatHandler) CreateConversation(c *fiber.Ctx) error {
	userID, ok := c.Locals("user_id").(string)
	if !ok || userID == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}

	var req createConversationRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}

	participants := req.Participants
	if len(participants) == 0 {
		for _, id := range req.ParticipantIDs {
			participants = append(participants, models.Participant{ID: id, Name: id})
		}
	}
	if !containsParticipant(participants, userID) {
		participants = append(participants, models.Participant{ID: userID, Name: userID})
	}
	if len(participants) < 2 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "At least two participants required"})
	}

	product := req.Product
	if product == nil && req.ProductID != "" {
		product = &models.ProductContext{ProductID: req.ProductID}
	}

	conversation := h.hub.Store().CreateOrGet(participants, req.ConversationType, product)
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"conversation": conversation})
}

func (h *ChatHandler) GetMessages(c *fiber.Ctx) error {
	userID, ok := c.Locals("user_id").(string)
	if !ok || userID == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}

	conversationID := c.Params("id")
	if conversationID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid conversation id"})
	}
	if !h.hub.Store().IsParticipant(conversationID, userID) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Conversation not found"})
	}

	page := parsePositiveInt(c.Query("page"), 1)
	limit := parsePositiveInt(c.Query("limit"), defaultPageLimit)
	if limit > maxPageLimit {
		limit = maxPageLimit
	}

	var before time.Time
	if raw := c.Query("before"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid before cursor"})
		}
		before = parsed
	}

	messages, total, err := h.hub.Store().MessagesPage(conversationID, page, limit, before)
	if err != nil {
		return mapChatError(c, err)
	}

	return c.JSON(fiber.Map{
		"messages":   messages,
		"pagination": buildPaginationMeta(page, limit, total),
	})
}

func (h *ChatHandler) WebSocketAuth(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return c.Status(fiber.StatusUpgradeRequired).JSON(fiber.Map{"error": "WebSocket upgrade required"})
	}

	claims, err := h.parseWSClaims(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid or expired token"})
	}

	c.Locals("user_id", claims.UserID)
	return c.Next()
}

func (h *ChatHandler) HandleWebSocket(conn *websocket.Conn) {
	userID, _ := conn.Locals("user_id").(string)
	client := hub.NewClient(h.hub, conn, userID)

	h.hub.Register(client)
	go client.WritePump()
	client.ReadPump()
}

func (h *ChatHandler) parseWSClaims(c *fiber.Ctx) (*utils.Claims, error) {
	tokenString := middleware.TokenFromRequest(c)
	if tokenString == "" {
		return nil, errors.New("missing token")
	}
	return utils.ValidateToken(tokenString, h.jwtSecret)
}

func mapChatError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, hub.ErrUnknownConversation):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Conversation not found"})
	case errors.Is(err, hub.ErrNotParticipant):
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "Forbidden"})
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal server error"})
	}
}

func containsParticipant(participants []models.Participant, userID string) bool {
	for _, p := range participants {
		if p.ID == userID {
			return true
		}
	}
	return false
}
