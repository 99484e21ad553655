package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bonomat/satsday/internal/events"
	"github.com/bonomat/satsday/internal/ledger"
	"github.com/bonomat/satsday/internal/logging"
)

const (
	apiBaseUrl      = "https://api.telegram.org"
	longPollSeconds = 30
)

// Bot pushes win and donation alerts to subscribed Telegram chats and
// answers a few commands. Subscribing requires the invite secret; chat
// ids are kept in the ledger so subscriptions survive restarts.
type Bot struct {
	token       string
	secret      string
	ledger      *ledger.Ledger
	broadcaster *events.Broadcaster
	httpClient  *http.Client
	offset      int64
}

func NewBot(
	token string,
	secret string,
	lg *ledger.Ledger,
	broadcaster *events.Broadcaster,
) *Bot {
	return &Bot{
		token:       token,
		secret:      secret,
		ledger:      lg,
		broadcaster: broadcaster,
		httpClient: &http.Client{
			Timeout: (longPollSeconds + 10) * time.Second,
		},
	}
}

// Run starts the command poller and the alert pusher. It returns when
// the context is cancelled.
func (b *Bot) Run(ctx context.Context) {
	logger := logging.GetLogger()
	logger.Infof("telegram bot started")
	go b.pushAlerts(ctx)
	b.pollCommands(ctx)
}

type update struct {
	UpdateId int64 `json:"update_id"`
	Message  *struct {
		Text string `json:"text"`
		Chat struct {
			Id int64 `json:"id"`
		} `json:"chat"`
		From *struct {
			Username  string `json:"username"`
			FirstName string `json:"first_name"`
		} `json:"from"`
	} `json:"message"`
}

type updatesResponse struct {
	Ok     bool     `json:"ok"`
	Result []update `json:"result"`
}

func (b *Bot) pollCommands(ctx context.Context) {
	logger := logging.GetLogger()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		updates, err := b.getUpdates(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Errorf("failed to fetch telegram updates: %s", err)
			time.Sleep(5 * time.Second)
			continue
		}
		for _, upd := range updates {
			if upd.UpdateId >= b.offset {
				b.offset = upd.UpdateId + 1
			}
			if upd.Message == nil {
				continue
			}
			b.handleCommand(ctx, upd)
		}
	}
}

func (b *Bot) getUpdates(ctx context.Context) ([]update, error) {
	params := url.Values{}
	params.Set("offset", strconv.FormatInt(b.offset, 10))
	params.Set("timeout", strconv.Itoa(longPollSeconds))
	var resp updatesResponse
	if err := b.call(ctx, "getUpdates", params, &resp); err != nil {
		return nil, err
	}
	if !resp.Ok {
		return nil, fmt.Errorf("telegram API returned not ok")
	}
	return resp.Result, nil
}

func (b *Bot) handleCommand(ctx context.Context, upd update) {
	logger := logging.GetLogger()
	chatId := strconv.FormatInt(upd.Message.Chat.Id, 10)
	text := strings.TrimSpace(upd.Message.Text)
	command, args, _ := strings.Cut(text, " ")
	// Commands may carry a bot mention suffix in groups
	command, _, _ = strings.Cut(command, "@")

	switch command {
	case "/start":
		if strings.TrimSpace(args) != b.secret {
			logger.Warnf(
				"rejected subscription attempt from chat %s",
				chatId,
			)
			b.reply(ctx, chatId, "Invalid invite secret.")
			return
		}
		if err := b.ledger.RegisterTelegramChat(chatId); err != nil {
			logger.Errorf("failed to register chat %s: %s", chatId, err)
			b.reply(ctx, chatId, "Something went wrong, try again later.")
			return
		}
		name := displayName(upd)
		b.reply(ctx, chatId, fmt.Sprintf(
			"Welcome, %s! You are now subscribed to game notifications.",
			name,
		))
	case "/stop":
		if err := b.ledger.UnregisterTelegramChat(chatId); err != nil {
			logger.Errorf("failed to unregister chat %s: %s", chatId, err)
			return
		}
		b.reply(ctx, chatId, "You are unsubscribed.")
	case "/status":
		registered, err := b.ledger.IsTelegramChatRegistered(chatId)
		if err != nil {
			logger.Errorf("failed to check chat %s: %s", chatId, err)
			return
		}
		if registered {
			b.reply(ctx, chatId, "You are subscribed to game notifications.")
		} else {
			b.reply(ctx, chatId, "You are not subscribed.")
		}
	case "/help":
		b.reply(ctx, chatId,
			"/start <secret> - subscribe to game notifications\n"+
				"/stop - unsubscribe\n"+
				"/status - check your subscription",
		)
	}
}

func displayName(upd update) string {
	if upd.Message.From == nil {
		return "Unknown"
	}
	if upd.Message.From.Username != "" {
		return "@" + upd.Message.From.Username
	}
	if upd.Message.From.FirstName != "" {
		return upd.Message.From.FirstName
	}
	return "Unknown"
}

// pushAlerts forwards wins and donations to every subscribed chat
func (b *Bot) pushAlerts(ctx context.Context) {
	logger := logging.GetLogger()
	subId, updates := b.broadcaster.Subscribe()
	defer b.broadcaster.Unsubscribe(subId)

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-updates:
			if !ok {
				return
			}
			message := formatAlert(evt)
			if message == "" {
				continue
			}
			chatIds, err := b.ledger.GetTelegramChats()
			if err != nil {
				logger.Errorf("failed to list telegram chats: %s", err)
				continue
			}
			for _, chatId := range chatIds {
				b.reply(ctx, chatId, message)
			}
		}
	}
}

func formatAlert(evt events.Event) string {
	switch payload := evt.Payload.(type) {
	case events.GameResult:
		if !payload.IsWin || payload.Payout == nil {
			return ""
		}
		return fmt.Sprintf(
			"Winner! %d sats bet at %.2fx paid out %d sats (roll %d)",
			payload.AmountSent,
			payload.Multiplier,
			*payload.Payout,
			payload.ResultNumber,
		)
	case events.Donation:
		return fmt.Sprintf(
			"Donation received: %d sats from %s",
			payload.Amount,
			payload.Sender,
		)
	}
	return ""
}

func (b *Bot) reply(ctx context.Context, chatId string, text string) {
	params := url.Values{}
	params.Set("chat_id", chatId)
	params.Set("text", text)
	var resp struct {
		Ok bool `json:"ok"`
	}
	if err := b.call(ctx, "sendMessage", params, &resp); err != nil {
		logging.GetLogger().Errorf(
			"failed to send telegram message to %s: %s",
			chatId,
			err,
		)
	}
}

func (b *Bot) call(
	ctx context.Context,
	method string,
	params url.Values,
	out any,
) error {
	endpoint := fmt.Sprintf("%s/bot%s/%s", apiBaseUrl, b.token, method)
	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		endpoint,
		strings.NewReader(params.Encode()),
	)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d from telegram API", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
