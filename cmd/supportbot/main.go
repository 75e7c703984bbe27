// Command supportbot is a front-desk bot: it greets users who open a
// conversation and answers a few ! commands until a person takes over.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aeolun/supportline/pkg/botlib"
	"github.com/aeolun/supportline/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:   "supportbot",
	Short: "Auto-responder for a Supportline admin account",
	Args:  cobra.NoArgs,
	RunE:  run,
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	f := rootCmd.Flags()
	f.String("server", "http://localhost:8080", "server address")
	f.String("user", "helpdesk", "admin account the bot runs as")
	f.String("token", "", "access token (default: $SUPPORTLINE_TOKEN)")
	f.String("greeting", "Thanks for reaching out! Someone will be with you shortly. Type !help for options.", "reply to a user's first message")
	f.String("hours", "Mon-Fri 09:00-17:00", "support hours for !hours")
	f.Bool("debug", false, "enable debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	f := cmd.Flags()
	server, _ := f.GetString("server")
	username, _ := f.GetString("user")
	token, _ := f.GetString("token")
	greeting, _ := f.GetString("greeting")
	hours, _ := f.GetString("hours")
	debug, _ := f.GetBool("debug")

	if token == "" {
		token = os.Getenv("SUPPORTLINE_TOKEN")
	}

	level := "info"
	if debug {
		level = "debug"
	}
	log, err := logger.New(level, "console")
	if err != nil {
		return err
	}
	defer log.Sync()

	bot, err := botlib.New(botlib.Config{
		Server:   server,
		Username: username,
		Token:    token,
		Logger:   log,
	})
	if err != nil {
		return err
	}

	r := responder{greeting: greeting, hours: hours}
	bot.OnFirstContact(r.firstContact)
	bot.OnMessage(r.message)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return bot.Run(ctx)
}

type responder struct {
	greeting string
	hours    string
}

func (r responder) firstContact(ctx *botlib.Context, msg *botlib.Message) {
	ctx.Log("new conversation")
	if err := ctx.Reply(r.greeting); err != nil {
		ctx.Log("greeting failed", zap.Error(err))
	}
	// A first message can also be a command
	r.message(ctx, msg)
}

func (r responder) message(ctx *botlib.Context, msg *botlib.Message) {
	reply, ok := r.answer(ctx, msg)
	if !ok {
		return
	}
	if err := ctx.Reply(reply); err != nil {
		ctx.Log("reply failed", zap.Error(err))
	}
}

// answer returns the reply to a command, if msg is one.
func (r responder) answer(ctx *botlib.Context, msg *botlib.Message) (string, bool) {
	name, _, ok := msg.Command()
	if !ok {
		return "", false
	}

	switch name {
	case "help":
		return "Commands: !hours, !history, !help", true
	case "hours":
		return "Support hours: " + r.hours, true
	case "history":
		msgs, err := ctx.History(0)
		if err != nil {
			return "Could not load your history right now.", true
		}
		return fmt.Sprintf("We have %d messages on record with you, the first from %s.",
			len(msgs), firstTime(msgs)), true
	default:
		return fmt.Sprintf("Unknown command !%s. Try !help.", strings.ToLower(name)), true
	}
}
