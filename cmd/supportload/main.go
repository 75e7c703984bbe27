package main

import (
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aeolun/supportline/pkg/auth"
	"github.com/aeolun/supportline/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:   "supportload",
	Short: "Load generator for a Supportline server",
	Long: `supportload connects many live clients as existing users and has
each send messages to an admin, measuring the time from send to the
server's acknowledgement. The users must already exist on the server.`,
	Args: cobra.NoArgs,
	RunE: run,
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	f := rootCmd.Flags()
	f.String("server", "http://localhost:8080", "server address")
	f.StringSlice("users", nil, "users to connect as (required, cycled across clients)")
	f.String("to", "helpdesk", "admin every client writes to")
	f.Int("clients", 10, "number of concurrent clients")
	f.Duration("duration", time.Minute, "test duration")
	f.Duration("min-delay", 100*time.Millisecond, "minimum delay between sends")
	f.Duration("max-delay", time.Second, "maximum delay between sends")
	f.String("secret", "", "JWT secret for signing client tokens (when the server requires auth)")
	f.String("jwt-alg", "HS256", "JWT algorithm")
	f.Bool("debug", false, "log every send")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	server   string
	to       string
	minDelay time.Duration
	maxDelay time.Duration
}

func run(cmd *cobra.Command, _ []string) error {
	f := cmd.Flags()
	serverAddr, _ := f.GetString("server")
	users, _ := f.GetStringSlice("users")
	to, _ := f.GetString("to")
	numClients, _ := f.GetInt("clients")
	duration, _ := f.GetDuration("duration")
	minDelay, _ := f.GetDuration("min-delay")
	maxDelay, _ := f.GetDuration("max-delay")
	secret, _ := f.GetString("secret")
	alg, _ := f.GetString("jwt-alg")
	debug, _ := f.GetBool("debug")

	if len(users) == 0 {
		return fmt.Errorf("--users is required")
	}
	if numClients < 1 {
		return fmt.Errorf("--clients must be at least 1")
	}
	if maxDelay <= minDelay {
		maxDelay = minDelay + time.Millisecond
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

	var signer *auth.Verifier
	if secret != "" {
		if signer, err = auth.NewVerifier(secret, alg); err != nil {
			return err
		}
	}

	// Ramp up over a quarter of the run
	rampUp := duration / 4
	stagger := rampUp / time.Duration(numClients)
	if stagger < time.Millisecond {
		stagger = time.Millisecond
	}

	log.Info("starting load test",
		zap.String("server", serverAddr),
		zap.Int("clients", numClients),
		zap.Strings("users", users),
		zap.String("to", to),
		zap.Duration("duration", duration),
		zap.Duration("ramp_up", rampUp))

	opts := options{server: serverAddr, to: to, minDelay: minDelay, maxDelay: maxDelay}
	stats := &Stats{}
	stop := make(chan struct{})
	var stopOnce sync.Once
	halt := func() { stopOnce.Do(func() { close(stop) }) }

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigChan:
			log.Info("shutdown signal received, stopping test")
			halt()
		case <-stop:
		}
	}()

	reportDone := make(chan struct{})
	go func() {
		defer close(reportDone)
		reportLoop(log, stats, stop)
	}()

	deadline := time.Now().Add(duration + rampUp)
	var wg sync.WaitGroup
spawn:
	for i := 0; i < numClients; i++ {
		username := users[i%len(users)]
		token := ""
		if signer != nil {
			if token, err = signer.Sign(username, duration+rampUp+time.Hour); err != nil {
				halt()
				return err
			}
		}

		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			bot := newBot(id, username, token, opts, stats, log)
			bot.run(deadline, stop)
		}(i)

		select {
		case <-stop:
			break spawn
		case <-time.After(stagger):
		}
	}

	wg.Wait()
	halt()
	<-reportDone

	stats.logSummary(log, numClients, duration)
	return nil
}

func reportLoop(log *zap.Logger, stats *Stats, stop <-chan struct{}) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	start := time.Now()
	for {
		select {
		case <-ticker.C:
			snap := stats.snapshot()
			log.Info("progress",
				zap.Int64("acked", snap.acked),
				zap.Float64("rate", float64(snap.acked)/time.Since(start).Seconds()),
				zap.Int64("failed", snap.failed),
				zap.Int64("conn_errors", snap.connErrors),
				zap.Duration("avg_ack", snap.avgAck),
				zap.Int("goroutines", runtime.NumGoroutine()))
		case <-stop:
			return
		}
	}
}

func (s *Stats) logSummary(log *zap.Logger, clients int, duration time.Duration) {
	snap := s.snapshot()
	fields := []zap.Field{
		zap.Int("clients", clients),
		zap.Int64("connected", s.connected.Load()),
		zap.Int64("acked", snap.acked),
		zap.Float64("rate", float64(snap.acked)/duration.Seconds()),
		zap.Int64("failed", snap.failed),
		zap.Int64("rejected", s.rejected.Load()),
		zap.Int64("timeouts", s.timeouts.Load()),
		zap.Int64("disconnections", s.disconnections.Load()),
		zap.Int64("conn_errors", snap.connErrors),
		zap.Int64("received", s.received.Load()),
		zap.Uint64("bytes_sent", s.bytesSent.Load()),
		zap.Uint64("bytes_received", s.bytesReceived.Load()),
		zap.Duration("avg_ack", snap.avgAck),
		zap.Duration("max_ack", time.Duration(s.maxAckNanos.Load())),
	}
	if total := snap.acked + snap.failed; total > 0 {
		fields = append(fields, zap.String("success_rate", fmt.Sprintf("%.1f%%", float64(snap.acked)/float64(total)*100)))
	}
	if reasons := s.rejectionSummary(); reasons != "" {
		fields = append(fields, zap.String("rejections", reasons))
	}
	log.Info("final results", fields...)
}

func (s *Stats) rejectionSummary() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	codes := make([]int, 0, len(s.rejections))
	for code := range s.rejections {
		codes = append(codes, int(code))
	}
	sort.Ints(codes)

	parts := make([]string, 0, len(codes))
	for _, code := range codes {
		parts = append(parts, fmt.Sprintf("%d×%d", code, s.rejections[uint16(code)]))
	}
	return strings.Join(parts, " ")
}
