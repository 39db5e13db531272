package membership

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Telegram is a Provider and Notifier backed by the Telegram Bot API. Server
// ids are chat ids and payer ids are user ids, both decimal.
type Telegram struct {
	bot *tgbotapi.BotAPI
}

// NewTelegram connects to the Bot API. An empty endpoint uses the public API;
// otherwise it must contain two %s verbs for the token and the method.
func NewTelegram(token, endpoint string, client *http.Client) (*Telegram, error) {
	if token == "" {
		return nil, errors.New("telegram bot token is required")
	}
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	if client == nil {
		client = &http.Client{}
	}
	bot, err := tgbotapi.NewBotAPIWithClient(token, endpoint, client)
	if err != nil {
		return nil, fmt.Errorf("connect telegram: %w", err)
	}
	return &Telegram{bot: bot}, nil
}

// Username returns the bot's username.
func (t *Telegram) Username() string {
	return t.bot.Self.UserName
}

// CreateInviteLink creates a single-use invite link for the chat.
func (t *Telegram) CreateInviteLink(ctx context.Context, serverID string) (string, error) {
	chatID, err := parseID("server", serverID)
	if err != nil {
		return "", err
	}
	var link tgbotapi.ChatInviteLink
	err = call(ctx, func() error {
		resp, err := t.bot.Request(tgbotapi.CreateChatInviteLinkConfig{
			ChatConfig:  tgbotapi.ChatConfig{ChatID: chatID},
			MemberLimit: 1,
		})
		if err != nil {
			return err
		}
		return json.Unmarshal(resp.Result, &link)
	})
	if err != nil {
		return "", fmt.Errorf("create invite link: %w", err)
	}
	if link.InviteLink == "" {
		return "", errors.New("create invite link: empty link returned")
	}
	return link.InviteLink, nil
}

// GetMembership returns the payer's chat member status, or nil when the
// payer has left or is unknown to the chat.
func (t *Telegram) GetMembership(ctx context.Context, serverID, payerID string) (*Membership, error) {
	chatID, err := parseID("server", serverID)
	if err != nil {
		return nil, err
	}
	userID, err := parseID("payer", payerID)
	if err != nil {
		return nil, err
	}

	var member tgbotapi.ChatMember
	err = call(ctx, func() error {
		var err error
		member, err = t.bot.GetChatMember(tgbotapi.GetChatMemberConfig{
			ChatConfigWithUser: tgbotapi.ChatConfigWithUser{ChatID: chatID, UserID: userID},
		})
		return err
	})
	if err != nil {
		if isUserNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get chat member: %w", err)
	}
	if member.Status == "" || member.Status == "left" {
		return nil, nil
	}
	return &Membership{Status: member.Status}, nil
}

// RevokeMembership removes the payer from the chat without leaving a ban
// behind, so the payer can rejoin after paying again.
func (t *Telegram) RevokeMembership(ctx context.Context, serverID, payerID string) error {
	chatID, err := parseID("server", serverID)
	if err != nil {
		return err
	}
	userID, err := parseID("payer", payerID)
	if err != nil {
		return err
	}
	err = call(ctx, func() error {
		_, err := t.bot.Request(tgbotapi.UnbanChatMemberConfig{
			ChatMemberConfig: tgbotapi.ChatMemberConfig{ChatID: chatID, UserID: userID},
			OnlyIfBanned:     false,
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("unban chat member: %w", err)
	}
	return nil
}

// Notify sends text to the payer's private chat with the bot.
func (t *Telegram) Notify(ctx context.Context, payerID, text string) error {
	userID, err := parseID("payer", payerID)
	if err != nil {
		return err
	}
	err = call(ctx, func() error {
		_, err := t.bot.Send(tgbotapi.NewMessage(userID, text))
		return err
	})
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// call runs fn, returning early if ctx ends first. The Bot API client has no
// context support; an abandoned call finishes in the background.
func call(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func parseID(kind, id string) (int64, error) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s id %q is not a telegram id", kind, id)
	}
	return n, nil
}

func isUserNotFound(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "user not found") || strings.Contains(msg, "participant_id_invalid")
}
