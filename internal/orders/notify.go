package orders

import (
	"fmt"
	"html"
	"strings"

	"commerce-agent/internal/domain"
)

// FormatNotification renders a new-order alert in Telegram HTML.
func FormatNotification(o domain.Order) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🛒 <b>ახალი შეკვეთა #%s</b>\n\n", html.EscapeString(o.Number))
	line := func(icon, label, value string) {
		if strings.TrimSpace(value) == "" {
			return
		}
		fmt.Fprintf(&b, "%s <b>%s:</b> %s\n", icon, label, html.EscapeString(value))
	}
	line("👤", "სახელი", o.ClientName)
	line("📞", "ტელეფონი", o.Phone)
	line("📍", "მისამართი", o.Address)
	line("📦", "პროდუქტი", o.Item)
	line("💰", "ჯამი", o.Total)
	if o.DeliveryPrice > 0 {
		line("🚚", "მიწოდება", fmt.Sprintf("%.2f ₾", o.DeliveryPrice))
	}
	line("⏰", "დრო", o.ScheduledTime)
	line("📝", "შენიშვნა", o.Instructions)
	line("💳", "გადახდა", string(o.PaymentMethod))
	if o.Fallback {
		b.WriteString("\n⚠️ created without the order lock; check for a duplicate\n")
	}
	if !o.StockUpdated {
		b.WriteString("\n📉 stock not deducted automatically\n")
	}
	fmt.Fprintf(&b, "\n🆔 <code>%s</code>", html.EscapeString(o.ConversationID))
	return b.String()
}
