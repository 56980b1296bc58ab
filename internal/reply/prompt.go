package reply

import (
	"fmt"
	"strings"

	"commerce-agent/internal/domain"
	"commerce-agent/internal/interpreter"
)

type promptContext struct {
	instructions string
	products     []domain.Product
	delivery     domain.DeliveryState
	operatorNote string
}

func buildPromptMessages(pc promptContext, history []domain.Turn, current domain.Content) []domain.ChatMessage {
	messages := []domain.ChatMessage{
		{Role: domain.RoleSystem, Content: strings.TrimSpace(pc.instructions)},
		{Role: domain.RoleSystem, Content: buildCatalogPrompt(pc.products)},
		{Role: domain.RoleSystem, Content: outputContract()},
	}
	if d := buildDeliveryPrompt(pc.delivery); d != "" {
		messages = append(messages, domain.ChatMessage{Role: domain.RoleSystem, Content: d})
	}
	if note := strings.TrimSpace(pc.operatorNote); note != "" {
		messages = append(messages, domain.ChatMessage{
			Role:    domain.RoleSystem,
			Content: "Instruction from the shop manager for this reply only:\n" + note,
		})
	}

	for _, t := range history {
		if m, ok := turnToMessage(t); ok {
			messages = append(messages, m)
		}
	}

	messages = append(messages, domain.ChatMessage{
		Role:    domain.RoleUser,
		Content: current.Text,
		Images:  current.ImageURLs(),
	})
	return messages
}

// turnToMessage keeps prior images out of the request; only their presence
// is mentioned.
func turnToMessage(t domain.Turn) (domain.ChatMessage, bool) {
	if t.Role != domain.RoleUser && t.Role != domain.RoleAssistant {
		return domain.ChatMessage{}, false
	}
	text := strings.TrimSpace(t.Content.Text)
	if n := len(t.Content.ImageURLs()); n > 0 {
		text = strings.TrimSpace(fmt.Sprintf("%s [%d image(s) sent]", text, n))
	}
	if text == "" {
		return domain.ChatMessage{}, false
	}
	return domain.ChatMessage{Role: t.Role, Content: text}, true
}

func buildCatalogPrompt(products []domain.Product) string {
	if len(products) == 0 {
		return "Catalog:\nNo products are in stock right now. Do not confirm any order."
	}
	lines := make([]string, 0, len(products)+2)
	lines = append(lines, "Catalog (in stock only; use the id with SEND_IMAGE):")
	for _, p := range products {
		line := fmt.Sprintf("- %s | %s | %s ₾ | stock %d", p.ID, p.Name, formatPrice(p.Price), p.Stock)
		if p.Category != "" {
			line += " | " + p.Category
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func buildDeliveryPrompt(d domain.DeliveryState) string {
	if !d.MapConfirmed {
		return ""
	}
	s := fmt.Sprintf("Delivery location confirmed by the customer on the map: %s. Delivery price: %s ₾.",
		strings.TrimSpace(d.Address), formatPrice(d.Price))
	if d.ETAMinutes > 0 {
		s += fmt.Sprintf(" Estimated delivery: ~%d წუთი.", d.ETAMinutes)
	}
	return s
}

func outputContract() string {
	return strings.Join([]string{
		"Output Contract:",
		"1) Reply with the message text for the customer.",
		"2) To hand the conversation to a human, add a line: ESCALATE_TO_MANAGER: <reason>",
		"3) To show a product photo, add a line: SEND_IMAGE: <product id>",
		"4) When an order is confirmed, write \"შეკვეთა მიღებულია\" with 🎫 " + interpreter.OrderNumberPlaceholder +
			" and the lines 👤 name, 📞 phone, 📍 address, 📦 item, 💰 total.",
	}, "\n")
}

func formatPrice(p float64) string {
	if p == float64(int64(p)) {
		return fmt.Sprintf("%d", int64(p))
	}
	return fmt.Sprintf("%.2f", p)
}
