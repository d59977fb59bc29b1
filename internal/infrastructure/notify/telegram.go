package notify

import (
	"context"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/vitos/signal_ladder/internal/domain"
	"go.uber.org/zap"
)

const maxMessageLength = 4096

// Sender is the part of the bot API the notifier needs.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramNotifier posts ladder activity to one channel or chat.
type TelegramNotifier struct {
	api    Sender
	chatID int64
	logger *zap.Logger
}

func NewTelegramNotifier(token string, chatID int64, logger *zap.Logger) (*TelegramNotifier, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	logger.Info("Telegram bot authorized", zap.String("username", bot.Self.UserName))
	return NewTelegramNotifierWithSender(bot, chatID, logger), nil
}

func NewTelegramNotifierWithSender(api Sender, chatID int64, logger *zap.Logger) *TelegramNotifier {
	return &TelegramNotifier{api: api, chatID: chatID, logger: logger}
}

func (n *TelegramNotifier) LadderPublished(ctx context.Context, sig *domain.Signal, updates []domain.TakeProfitUpdate) error {
	var b strings.Builder
	fmt.Fprintf(&b, "🎯 *%s %s* take-profit update\n", escape(sig.Symbol), sig.Direction)
	for _, u := range updates {
		kind := ""
		if u.Kind == domain.UpdateMarket {
			kind = " (market)"
		}
		fmt.Fprintf(&b, "• %s: %s, close %s%%%s\n", escape(u.Label), formatPrice(u.Price), formatPrice(u.ClosePercent), kind)
		if u.Note != "" {
			fmt.Fprintf(&b, "  _%s_\n", escape(u.Note))
		}
	}
	return n.send(b.String())
}

func (n *TelegramNotifier) UpdateTriggered(ctx context.Context, sig *domain.Signal, u domain.TakeProfitUpdate, price float64) error {
	return n.send(fmt.Sprintf("✅ *%s* %s hit at %s, closing %s%%",
		escape(sig.Symbol), escape(u.Label), formatPrice(price), formatPrice(u.ClosePercent)))
}

func (n *TelegramNotifier) BreakevenApplied(ctx context.Context, sig *domain.Signal) error {
	return n.send(fmt.Sprintf("🛡 *%s* stop moved to break-even at %s", escape(sig.Symbol), formatPrice(sig.EntryPrice)))
}

func (n *TelegramNotifier) send(text string) error {
	for _, part := range splitMessage(text, maxMessageLength) {
		msg := tgbotapi.NewMessage(n.chatID, part)
		msg.ParseMode = tgbotapi.ModeMarkdown
		if _, err := n.api.Send(msg); err != nil {
			n.logger.Error("Failed to send telegram message", zap.Error(err))
			return err
		}
	}
	return nil
}

// splitMessage cuts text on line boundaries into parts of at most max bytes.
func splitMessage(text string, max int) []string {
	if len(text) <= max {
		return []string{text}
	}
	var parts []string
	var cur strings.Builder
	for _, line := range strings.SplitAfter(text, "\n") {
		for len(line) > max {
			if cur.Len() > 0 {
				parts = append(parts, cur.String())
				cur.Reset()
			}
			parts = append(parts, line[:max])
			line = line[max:]
		}
		if cur.Len()+len(line) > max {
			parts = append(parts, cur.String())
			cur.Reset()
		}
		cur.WriteString(line)
	}
	if cur.Len() > 0 {
		parts = append(parts, cur.String())
	}
	return parts
}

var markdownEscaper = strings.NewReplacer("_", "\\_", "*", "\\*", "`", "\\`", "[", "\\[")

func escape(s string) string {
	return markdownEscaper.Replace(s)
}

func formatPrice(v float64) string {
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.8f", v), "0"), ".")
}

// Noop drops every notification.
type Noop struct{}

func (Noop) LadderPublished(context.Context, *domain.Signal, []domain.TakeProfitUpdate) error {
	return nil
}

func (Noop) UpdateTriggered(context.Context, *domain.Signal, domain.TakeProfitUpdate, float64) error {
	return nil
}

func (Noop) BreakevenApplied(context.Context, *domain.Signal) error { return nil }
