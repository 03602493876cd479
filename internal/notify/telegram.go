package notify

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// messageSender is the subset of *tgbotapi.BotAPI the sink uses.
type messageSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramSink messages users whose platform id is a Telegram chat id.
// Other ids are skipped.
type TelegramSink struct {
	bot messageSender
}

// NewTelegramSink connects to the Bot API.
func NewTelegramSink(token string) (*TelegramSink, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	return &TelegramSink{bot: bot}, nil
}

func (t *TelegramSink) Name() string { return "telegram" }

func (t *TelegramSink) Deliver(ctx context.Context, n *Notification) error {
	chatID, err := strconv.ParseInt(n.UserID, 10, 64)
	if err != nil {
		return nil
	}
	msg := tgbotapi.NewMessage(chatID, Render(n))
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

var eventText = map[EventType]string{
	EventDealInvited:          "You were invited to a deal",
	EventDealAccepted:         "Your deal was accepted",
	EventDealPaymentConfirmed: "Payment for your deal is confirmed in custody",
	EventDealReceiptConfirmed: "The buyer confirmed receipt",
	EventDealCompleted:        "Deal completed",
	EventDealCancelled:        "Deal cancelled",
	EventP2PDealStarted:       "Someone took your order",
	EventP2PCryptoDeposited:   "The seller confirmed the deposit, send the fiat payment",
	EventP2PFiatSent:          "The buyer marked the fiat payment as sent",
	EventP2PCompleted:         "Trade completed",
	EventP2PCancelled:         "Trade cancelled",
	EventP2PPayoutStuck:       "The payout is awaiting on-chain confirmation",
	EventArbitrationOpened:    "A dispute was opened",
	EventArbitrationAssigned:  "An arbitrator was assigned",
	EventArbitrationResolved:  "The dispute was resolved",
	EventArbitrationCancelled: "The dispute was withdrawn",
}

// Render produces a short plain-text message for n.
func Render(n *Notification) string {
	text, ok := eventText[n.Type]
	if !ok {
		text = string(n.Type)
	}
	var b strings.Builder
	b.WriteString(text)
	if n.DealID != "" {
		fmt.Fprintf(&b, "\nDeal: %s", n.DealID)
	}
	if amount, ok := n.Data["amount"].(string); ok && amount != "" {
		fmt.Fprintf(&b, "\nAmount: %s USDC", amount)
	}
	return b.String()
}
