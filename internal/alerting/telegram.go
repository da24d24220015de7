package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// DirectSender delivers a message to one recipient.
type DirectSender interface {
	Send(ctx context.Context, recipientID string, msg Message) error
}

// ChannelSender posts a message to a shared channel and returns its message id.
type ChannelSender interface {
	SendToChannel(ctx context.Context, channelID string, msg Message, threadID string) (string, error)
}

// TelegramClient talks to the Telegram Bot API for direct and channel messages.
type TelegramClient struct {
	botToken string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramClient constructs a Telegram client.
func NewTelegramClient(botToken, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramClient{
		botToken: botToken,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "telegram").Logger(),
	}
}

type inlineKeyboard struct {
	InlineKeyboard [][]Button `json:"inline_keyboard"`
}

type sendMessageRequest struct {
	ChatID          string          `json:"chat_id"`
	Text            string          `json:"text"`
	ParseMode       string          `json:"parse_mode"`
	MessageThreadID int64           `json:"message_thread_id,omitempty"`
	ReplyMarkup     *inlineKeyboard `json:"reply_markup,omitempty"`
}

type sendMessageResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	Result      struct {
		MessageID int64 `json:"message_id"`
	} `json:"result"`
}

// Send delivers msg as a direct message; recipientID is the chat id.
func (c *TelegramClient) Send(ctx context.Context, recipientID string, msg Message) error {
	_, err := c.sendMessage(ctx, recipientID, msg, 0)
	return err
}

// SendToChannel posts msg to channelID, optionally inside a forum thread.
func (c *TelegramClient) SendToChannel(ctx context.Context, channelID string, msg Message, threadID string) (string, error) {
	var thread int64
	if threadID != "" {
		parsed, err := strconv.ParseInt(threadID, 10, 64)
		if err != nil {
			return "", fmt.Errorf("invalid thread id %q: %w", threadID, err)
		}
		thread = parsed
	}
	id, err := c.sendMessage(ctx, channelID, msg, thread)
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(id, 10), nil
}

func (c *TelegramClient) sendMessage(ctx context.Context, chatID string, msg Message, threadID int64) (int64, error) {
	payload := sendMessageRequest{
		ChatID:          chatID,
		Text:            msg.Text,
		ParseMode:       "HTML",
		MessageThreadID: threadID,
	}
	if len(msg.Buttons) > 0 {
		payload.ReplyMarkup = &inlineKeyboard{InlineKeyboard: [][]Button{msg.Buttons}}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", c.baseURL, c.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	var result sendMessageResponse
	decodeErr := json.NewDecoder(resp.Body).Decode(&result)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if decodeErr == nil && result.Description != "" {
			return 0, fmt.Errorf("telegram status %d: %s", resp.StatusCode, result.Description)
		}
		return 0, fmt.Errorf("telegram status %d", resp.StatusCode)
	}
	if decodeErr != nil {
		return 0, fmt.Errorf("decode telegram response: %w", decodeErr)
	}
	if !result.OK {
		return 0, fmt.Errorf("telegram returned ok=false: %s", result.Description)
	}

	c.logger.Debug().Str("chat_id", chatID).Int64("message_id", result.Result.MessageID).Msg("telegram message sent")
	return result.Result.MessageID, nil
}

var (
	_ DirectSender  = (*TelegramClient)(nil)
	_ ChannelSender = (*TelegramClient)(nil)
)
