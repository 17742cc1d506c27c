// Package telegram reports finished crew runs to a Telegram chat and lets
// that chat start and stop crews.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/mtzanidakis/scriptcrew/internal/config"
	"github.com/mtzanidakis/scriptcrew/internal/crew"
	"github.com/mymmrac/telego"
	th "github.com/mymmrac/telego/telegohandler"
	tu "github.com/mymmrac/telego/telegoutil"
)

// Crews resolves crew names for messages.
type Crews interface {
	GetCrew(id int64) (*crew.Crew, error)
}

// Runner is the part of *execution.Runner the chat commands drive.
type Runner interface {
	Start(crewID int64) error
	Stop(crewID int64) bool
	Running() []int64
}

type sender interface {
	SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error)
}

type Bot struct {
	bot     *telego.Bot
	send    sender
	handler *th.BotHandler
	crews   Crews
	runner  Runner
	chatID  int64
	cancel  context.CancelFunc
}

func NewBot(cfg config.TelegramConfig, crews Crews, runner Runner) (*Bot, error) {
	if cfg.ChatID == 0 {
		return nil, fmt.Errorf("telegram chat_id is required")
	}
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Bot{
		bot:    bot,
		send:   bot,
		crews:  crews,
		runner: runner,
		chatID: cfg.ChatID,
	}, nil
}

// Start handles commands from the configured chat until ctx is cancelled.
func (b *Bot) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	updates, err := b.bot.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	handler, err := th.NewBotHandler(b.bot, updates)
	if err != nil {
		cancel()
		return fmt.Errorf("create handler: %w", err)
	}
	b.handler = handler

	handler.HandleMessage(func(hctx *th.Context, message telego.Message) error {
		if message.Chat.ID != b.chatID {
			slog.Warn("ignoring telegram message from unknown chat", "chat_id", message.Chat.ID)
			return nil
		}
		reply := b.handleCommand(message.Text)
		if reply == "" {
			return nil
		}
		if err := b.SendMessage(ctx, reply); err != nil {
			slog.Error("failed to send telegram reply", "error", err)
		}
		return nil
	}, th.AnyCommand())

	go func() { _ = handler.Start() }()

	<-ctx.Done()
	_ = handler.Stop()
	return nil
}

func (b *Bot) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	if b.handler != nil {
		_ = b.handler.Stop()
	}
}

// handleCommand runs a chat command and returns the reply text.
func (b *Bot) handleCommand(text string) string {
	cmd, _, args := tu.ParseCommand(text)

	switch cmd {
	case "run", "stop":
		if len(args) != 1 {
			return fmt.Sprintf("usage: /%s <crew id>", cmd)
		}
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Sprintf("invalid crew id %q", args[0])
		}
		if cmd == "stop" {
			if !b.runner.Stop(id) {
				return fmt.Sprintf("crew %d is not running", id)
			}
			return fmt.Sprintf("stopping %s", b.crewLabel(id))
		}
		if err := b.runner.Start(id); err != nil {
			return fmt.Sprintf("cannot start crew %d: %v", id, err)
		}
		return fmt.Sprintf("started %s", b.crewLabel(id))
	case "running":
		ids := b.runner.Running()
		if len(ids) == 0 {
			return "no crews are running"
		}
		msg := "running:"
		for _, id := range ids {
			msg += "\n- " + b.crewLabel(id)
		}
		return msg
	case "help", "start":
		return "commands: /run <crew id>, /stop <crew id>, /running"
	}
	return ""
}

// SendMessage sends text to the configured chat, split to fit Telegram's
// message size limit.
func (b *Bot) SendMessage(ctx context.Context, text string) error {
	for _, chunk := range chunkMessage(text, maxMessageLen) {
		if _, err := b.send.SendMessage(ctx, tu.Message(tu.ID(b.chatID), chunk)); err != nil {
			return fmt.Errorf("send message: %w", err)
		}
	}
	return nil
}

func (b *Bot) crewLabel(id int64) string {
	if b.crews != nil {
		if c, err := b.crews.GetCrew(id); err == nil && c != nil {
			return fmt.Sprintf("%q (#%d)", c.Name, id)
		}
	}
	return fmt.Sprintf("crew #%d", id)
}
