// Command examwatch connects to an examrelay server the way a quiz client does:
// it joins class groups on the exam channel, listens on the notification
// channel and prints every pushed event as a JSON line.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"examrelay/internal/logging"
	"examrelay/pkg/client"
	"examrelay/pkg/types"
)

type options struct {
	server      string
	token       string
	groups      []string
	notify      string
	exitAfter   time.Duration
	maxAttempts int
	logLevel    string
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Fatal(err)
	}
}

func parseFlags(args []string) (*options, error) {
	opts := &options{}
	flags := pflag.NewFlagSet("examwatch", pflag.ContinueOnError)
	flags.StringVarP(&opts.server, "server", "s", envOr("EXAMRELAY_SERVER", "http://localhost:8080"), "server base URL")
	flags.StringVarP(&opts.token, "token", "t", os.Getenv("EXAMRELAY_TOKEN"), "JWT or opaque access token for the exam channel")
	flags.StringSliceVarP(&opts.groups, "group", "g", nil, "class group to join (repeatable)")
	flags.StringVarP(&opts.notify, "notify", "n", "", "JSON announcement to broadcast once connected")
	flags.DurationVar(&opts.exitAfter, "exit-after", 0, "disconnect after this long (0 waits for a signal)")
	flags.IntVar(&opts.maxAttempts, "max-attempts", 8, "reconnect attempts before giving up")
	flags.StringVar(&opts.logLevel, "log-level", "warn", "debug, info, warn or error")
	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	if opts.notify != "" && !json.Valid([]byte(opts.notify)) {
		return nil, fmt.Errorf("--notify must be valid JSON, got %q", opts.notify)
	}
	if len(opts.groups) > 0 && opts.token == "" {
		return nil, errors.New("joining class groups requires --token")
	}
	return opts, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// printer serialises event lines from both channels' reader goroutines
type printer struct {
	mu  sync.Mutex
	out io.Writer
}

func (p *printer) print(channel, event string, payload any) {
	line, err := json.Marshal(map[string]any{
		"at":      time.Now().UTC().Format(time.RFC3339Nano),
		"channel": channel,
		"event":   event,
		"payload": payload,
	})
	if err != nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, string(line))
}

type notificationSource interface {
	OnReceiveNotification(fn func(types.Announcement)) error
}

type examSource interface {
	OnReceiveExam(fn func(types.ExamAssignment)) error
	OnUpdateExamStatus(fn func(types.ExamStatusChange)) error
}

// subscribeNotifications routes announcements to p; it must run before Start
func subscribeNotifications(src notificationSource, p *printer) error {
	err := src.OnReceiveNotification(func(a types.Announcement) {
		p.print("notification", types.EventReceiveNotification, json.RawMessage(a))
	})
	if err != nil {
		return fmt.Errorf("%s handler: %w", types.EventReceiveNotification, err)
	}
	return nil
}

func subscribeExams(src examSource, p *printer) error {
	err := src.OnReceiveExam(func(a types.ExamAssignment) {
		p.print("exam", types.EventReceiveExam, a)
	})
	if err != nil {
		return fmt.Errorf("%s handler: %w", types.EventReceiveExam, err)
	}
	err = src.OnUpdateExamStatus(func(c types.ExamStatusChange) {
		p.print("exam", types.EventUpdateExamStatus, c)
	})
	if err != nil {
		return fmt.Errorf("%s handler: %w", types.EventUpdateExamStatus, err)
	}
	return nil
}

func run(args []string, out io.Writer) error {
	_ = godotenv.Load()

	opts, err := parseFlags(args)
	if err != nil {
		return err
	}

	logger, err := logging.New(opts.logLevel, false)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if opts.exitAfter > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.exitAfter)
		defer cancel()
	}

	return watch(ctx, opts, logger, out)
}

func watch(ctx context.Context, opts *options, logger *zap.Logger, out io.Writer) error {
	p := &printer{out: out}
	clientOpts := []client.Option{
		client.WithLogger(logger),
		client.WithMaxAttempts(opts.maxAttempts),
	}

	notifications := client.NewNotificationClient(opts.server, clientOpts...)
	if err := subscribeNotifications(notifications, p); err != nil {
		return err
	}
	notifications.OnStateChange(func(s client.State, err error) {
		logger.Info("notification channel state", zap.Stringer("state", s), zap.Error(err))
	})
	if err := notifications.Start(ctx); err != nil {
		return fmt.Errorf("notification channel: %w", err)
	}
	defer notifications.Stop()

	var exams *client.ExamClient
	if opts.token != "" {
		exams = client.NewExamClient(opts.server, append(clientOpts, client.WithToken(opts.token))...)
		if err := subscribeExams(exams, p); err != nil {
			return err
		}
		if err := exams.Start(ctx); err != nil {
			return fmt.Errorf("exam channel: %w", err)
		}
		defer exams.Stop()

		for _, group := range opts.groups {
			if err := exams.Join(group); err != nil {
				return fmt.Errorf("join %s: %w", group, err)
			}
		}
	}

	if opts.notify != "" {
		sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := notifications.SendNotification(sendCtx, json.RawMessage(opts.notify))
		cancel()
		if err != nil {
			return fmt.Errorf("send notification: %w", err)
		}
	}

	var examsDone <-chan struct{}
	if exams != nil {
		examsDone = exams.Done()
	}

	var err error
	select {
	case <-ctx.Done():
	case <-notifications.Done():
		err = notifications.Err()
	case <-examsDone:
		err = exams.Err()
	}
	// both channels wind down with ctx; that is a normal exit
	if ctx.Err() != nil {
		return nil
	}
	return err
}
