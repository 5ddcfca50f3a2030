package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Telegram entrega notificaciones por mensaje directo. El userID debe ser el
// chat ID numérico del usuario.
type Telegram struct {
	bot        *tgbotapi.BotAPI
	maxRetries int
	retryWait  time.Duration
}

// TelegramConfig configura el notificador de Telegram.
type TelegramConfig struct {
	Token      string
	Endpoint   string // formato tgbotapi: "https://host/bot%s/%s"; vacío = API pública
	MaxRetries int
	RetryWait  time.Duration
	Timeout    time.Duration
}

// NewTelegram valida el token contra la API (getMe) y devuelve el notificador.
func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = tgbotapi.APIEndpoint
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryWait <= 0 {
		cfg.RetryWait = time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	bot, err := tgbotapi.NewBotAPIWithClient(cfg.Token, cfg.Endpoint, &http.Client{Timeout: cfg.Timeout})
	if err != nil {
		return nil, fmt.Errorf("notify.NewTelegram: %w", err)
	}
	slog.Debug("telegram bot ready", "username", bot.Self.UserName)

	return &Telegram{bot: bot, maxRetries: cfg.MaxRetries, retryWait: cfg.RetryWait}, nil
}

// Notify envía el mensaje con reintentos lineales.
func (t *Telegram) Notify(ctx context.Context, userID, message string) error {
	chatID, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		return fmt.Errorf("notify.Telegram: invalid chat id %q: %w", userID, err)
	}

	msg := tgbotapi.NewMessage(chatID, message)
	var lastErr error
	for i := 0; i < t.maxRetries; i++ {
		_, err := t.bot.Send(msg)
		if err == nil {
			return nil
		}
		lastErr = err
		if i == t.maxRetries-1 {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("notify.Telegram: %w", ctx.Err())
		case <-time.After(t.retryWait * time.Duration(i+1)):
		}
	}
	return fmt.Errorf("notify.Telegram: send to %d after %d attempts: %w", chatID, t.maxRetries, lastErr)
}
