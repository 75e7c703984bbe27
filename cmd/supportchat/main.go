package main

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aeolun/supportline/pkg/client"
	"github.com/aeolun/supportline/pkg/client/ui"
)

var rootCmd = &cobra.Command{
	Use:   "supportchat",
	Short: "Terminal client for Supportline",
	Long: `supportchat opens a conversation with the support desk. Admins
can pass --admin to browse every conversation instead.`,
	Args: cobra.NoArgs,
	RunE: run,
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	f := rootCmd.Flags()
	f.String("server", "http://localhost:8080", "server address")
	f.StringP("user", "u", "", "username (default: $USER)")
	f.String("token", "", "access token (default: $SUPPORTLINE_TOKEN)")
	f.StringP("with", "w", "", "conversation to open")
	f.Bool("admin", false, "show the conversation inbox")
	f.Int("history", 0, "messages to load per conversation (0 for the server default)")
	f.Bool("no-notify", false, "disable desktop notifications")
	f.String("debug", "", "write a debug log to this file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	f := cmd.Flags()
	serverAddr, _ := f.GetString("server")
	username, _ := f.GetString("user")
	token, _ := f.GetString("token")
	with, _ := f.GetString("with")
	admin, _ := f.GetBool("admin")
	history, _ := f.GetInt("history")
	noNotify, _ := f.GetBool("no-notify")
	debugPath, _ := f.GetString("debug")

	if username == "" {
		username = defaultUsername()
	}
	if username == "" {
		return fmt.Errorf("no username: pass --user")
	}
	if token == "" {
		token = os.Getenv("SUPPORTLINE_TOKEN")
	}
	if with == "" && !admin {
		return fmt.Errorf("pass --with to pick a conversation, or --admin for the inbox")
	}

	logger, err := newLogger(debugPath)
	if err != nil {
		return err
	}
	defer logger.Sync()

	conn, err := client.NewConnection(serverAddr, token)
	if err != nil {
		return err
	}
	conn.SetLogger(logger.Named("conn"))

	chat := client.NewChat(username, with, conn, client.NewAPI(baseURL(serverAddr), token))
	chat.SetLogger(logger.Named("chat"))
	chat.SetHistoryLimit(history)
	defer chat.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := chat.Start(ctx); err != nil {
		return err
	}
	go chat.Run(ctx)

	var notify ui.Notifier
	if !noNotify {
		notify = ui.BeeepNotifier
	}

	p := tea.NewProgram(ui.NewModel(ctx, chat, admin, notify, logger.Named("ui")), tea.WithAltScreen())
	_, err = p.Run()
	return err
}

// newLogger logs to path, or nowhere when path is empty. The terminal
// belongs to the UI.
func newLogger(path string) (*zap.Logger, error) {
	if path == "" {
		return zap.NewNop(), nil
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.OutputPaths = []string{path}
	cfg.ErrorOutputPaths = []string{path}
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("open debug log: %w", err)
	}
	return logger, nil
}

// baseURL turns a server address into the REST base URL.
func baseURL(addr string) string {
	addr = strings.TrimRight(strings.TrimSpace(addr), "/")
	addr = strings.TrimSuffix(addr, "/ws")
	switch {
	case strings.HasPrefix(addr, "ws://"):
		return "http://" + strings.TrimPrefix(addr, "ws://")
	case strings.HasPrefix(addr, "wss://"):
		return "https://" + strings.TrimPrefix(addr, "wss://")
	case strings.Contains(addr, "://"):
		return addr
	default:
		return "http://" + addr
	}
}

func defaultUsername() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return os.Getenv("USER")
}
