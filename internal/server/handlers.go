package server

import (
	"github.com/gofiber/fiber/v2"
	log "github.com/sirupsen/logrus"

	"crashgame/internal/game"
)

func (s *FiberServer) healthHandler(c *fiber.Ctx) error {
	health := fiber.Map{
		"status": "ok",
		"game": fiber.Map{
			"status":            "running",
			"connected_clients": s.gameHub.GetClientCount(),
			"online_users":      len(s.gameHub.Online()),
		},
	}
	if s.db != nil {
		health["database"] = s.db.Health()
	}
	if s.cache != nil {
		health["cache"] = s.cache.Health()
	}
	return c.JSON(health)
}

func (s *FiberServer) getGameStateHandler(c *fiber.Ctx) error {
	return c.JSON(s.gameManager.Snapshot())
}

func (s *FiberServer) getHistoryHandler(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"history": s.gameManager.History(),
	})
}

// getRoundsHandler serves the settled round archive from the first backend
// that answers.
func (s *FiberServer) getRoundsHandler(c *fiber.Ctx) error {
	for _, archive := range s.archives {
		rounds, err := archive.RecentRounds(c.UserContext())
		if err != nil {
			log.WithError(err).Warn("Round archive unavailable")
			continue
		}
		if len(rounds) == 0 {
			continue
		}
		return c.JSON(fiber.Map{"rounds": rounds})
	}
	return c.JSON(fiber.Map{"rounds": []game.RoundResult{}})
}

func (s *FiberServer) getUserHandler(c *fiber.Ctx) error {
	userID := c.Params("userId")
	user, ok := s.ledger.Get(userID)
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "User not found",
		})
	}
	return c.JSON(user)
}

func (s *FiberServer) placeBetHandler(c *fiber.Ctx) error {
	var req game.BetRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if req.UserID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "User ID is required",
		})
	}

	resp := s.gameManager.PlaceBet(req)
	if !resp.Success {
		return c.Status(statusFor(resp.Code)).JSON(resp)
	}
	return c.JSON(resp)
}

func (s *FiberServer) cashoutHandler(c *fiber.Ctx) error {
	var req game.CashoutRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if req.UserID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "User ID is required",
		})
	}

	resp := s.gameManager.Cashout(req)
	if !resp.Success {
		return c.Status(statusFor(resp.Code)).JSON(resp)
	}
	return c.JSON(resp)
}

// statusFor maps a rejection code onto an HTTP status.
func statusFor(code string) int {
	switch code {
	case "unknown_user":
		return fiber.StatusNotFound
	case "invalid_phase", "duplicate_open_bet", "no_open_bet":
		return fiber.StatusConflict
	case "insufficient_funds":
		return fiber.StatusPaymentRequired
	case "unavailable":
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusBadRequest
	}
}
