package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dense-identity/relaycall/internal/calling"
	"github.com/dense-identity/relaycall/internal/callstore"
	"github.com/dense-identity/relaycall/internal/config"
	"github.com/dense-identity/relaycall/internal/consumer"
	"github.com/dense-identity/relaycall/internal/journal"
	"github.com/dense-identity/relaycall/internal/rpc"
	"github.com/dense-identity/relaycall/internal/statusapi"
	"github.com/dense-identity/relaycall/internal/transport"
)

func runCmd() *cobra.Command {
	var (
		contexts    []string
		interactive bool
		autoAnswer  bool
		greeting    string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a calling consumer",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load[config.ConsumerConfig]()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if len(contexts) > 0 {
				cfg.Contexts = contexts
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			logger, err := cfg.Log.Logger()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			hooks := consumer.Hooks{
				Ready: func(ctx context.Context, svc *calling.Service) {
					logger.WithField("contexts", cfg.Contexts).Info("[Consumer] Ready")
				},
			}
			if autoAnswer {
				hooks.OnIncomingCall = func(ctx context.Context, call *calling.Call) {
					answerIncoming(ctx, logger, call, greeting)
				}
			}
			return runConsumer(ctx, cfg, logger, hooks, interactive, stop)
		},
	}
	cmd.Flags().StringSliceVar(&contexts, "context", nil, "inbound context to receive on (repeatable; overrides RELAY_CONTEXTS)")
	cmd.Flags().BoolVar(&interactive, "interactive", true, "read commands from stdin")
	cmd.Flags().BoolVar(&autoAnswer, "answer", false, "answer inbound calls automatically")
	cmd.Flags().StringVar(&greeting, "greeting", "Hello from relaycall", "text spoken to answered inbound calls")
	return cmd
}

func runConsumer(ctx context.Context, cfg *config.ConsumerConfig, logger *logrus.Logger, hooks consumer.Hooks, interactive bool, stop context.CancelFunc) error {
	opts := consumer.Options{Contexts: cfg.Contexts, Logger: logger}
	if cfg.ValidateEvents {
		opts.ServiceOptions = append(opts.ServiceOptions, calling.WithSchemaValidation())
	}

	var connect consumer.Connector
	if cfg.GatewayAddr != "" {
		host, _ := os.Hostname()
		connect = consumer.DialGateway(cfg.GatewayAddr, cfg.UseTls,
			rpc.WithClientLogger(logger),
			rpc.WithSubscriberID(fmt.Sprintf("%s-%d", host, os.Getpid())),
		)
	} else {
		creds := transport.Credentials{Project: cfg.Relay.Project, Token: cfg.Relay.Token}
		opts.Credentials = &creds
		connect = consumer.DialRelay(relayOptions(cfg.Relay, logger))
	}

	cons, err := consumer.New(connect, opts, hooks)
	if err != nil {
		return err
	}
	svc := cons.Service()

	var wg sync.WaitGroup
	workCtx, cancelWork := context.WithCancel(ctx)
	defer cancelWork()

	store, err := callstore.New(ctx, callstore.Options{
		Enabled:  cfg.Store.Enabled,
		Addr:     cfg.Store.Addr,
		Username: cfg.Store.Username,
		Password: cfg.Store.Password,
		DB:       cfg.Store.DB,
		Prefix:   cfg.Store.Prefix,
		TTL:      cfg.Store.TTL,
	})
	if err != nil {
		return err
	}
	defer store.Close()
	tracker := callstore.NewTracker(store, logger, 0)
	tracker.Attach(svc)
	wg.Add(1)
	go func() {
		defer wg.Done()
		tracker.Run(workCtx)
	}()

	var j *journal.Journal
	if cfg.JournalPath != "" {
		j, err = journal.Open(cfg.JournalPath)
		if err != nil {
			return err
		}
		defer j.Close()
		rec := journal.NewRecorder(j, logger, 0)
		rec.Attach(svc)
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec.Run(workCtx)
		}()
	}

	// Background writers finish before the store and journal close.
	defer func() {
		cancelWork()
		wg.Wait()
	}()

	if cfg.StatusAddr != "" {
		handler, err := statusapi.New(statusapi.Config{Service: svc, Journal: j, Store: store, Logger: logger})
		if err != nil {
			return err
		}
		srv := &http.Server{Addr: cfg.StatusAddr, Handler: handler, ReadHeaderTimeout: 5 * time.Second}
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-workCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		go func() {
			logger.WithField("addr", cfg.StatusAddr).Info("[StatusAPI] Listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.WithError(err).Error("[StatusAPI] Server failed")
			}
		}()
	}

	if interactive {
		printHelp()
		go commandLoop(ctx, svc, stop)
	}

	err = cons.Run(ctx)
	cancelWork()
	return err
}

func relayOptions(c config.RelayConfig, logger logrus.FieldLogger) transport.Options {
	return transport.Options{
		Addr:        c.Addr,
		Credentials: transport.Credentials{Project: c.Project, Token: c.Token},
		Timeout:     c.Timeout,
		MaxFrame:    c.MaxFrame,
		Logger:      logger,
		Verbose:     c.Verbose,
	}
}

func answerIncoming(ctx context.Context, logger logrus.FieldLogger, call *calling.Call, greeting string) {
	log := logger.WithField("call_id", call.ID())
	if err := call.Answer(ctx); err != nil {
		log.WithError(err).Warn("[Consumer] Failed to answer")
		return
	}
	if greeting == "" {
		return
	}
	play, err := call.Play(ctx, calling.TTS(greeting))
	if err != nil {
		log.WithError(err).Warn("[Consumer] Failed to play greeting")
		return
	}
	if err := play.Wait(ctx); err != nil {
		log.WithError(err).Debug("[Consumer] Greeting interrupted")
	}
}

func printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  dial <to> <from> [timeout] - Place an outbound call")
	fmt.Println("  list                       - List tracked calls")
	fmt.Println("  answer <call_id>           - Answer an inbound call")
	fmt.Println("  play <call_id> <text...>   - Speak text on a call")
	fmt.Println("  hangup <call_id>           - End a call")
	fmt.Println("  quit                       - Exit")
}

// commandLoop reads commands from stdin
func commandLoop(ctx context.Context, svc *calling.Service, stop context.CancelFunc) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		parts := strings.Fields(scanner.Text())
		if len(parts) == 0 {
			continue
		}
		if quit := runCommand(ctx, svc, parts); quit {
			stop()
			return
		}
	}
}

func runCommand(ctx context.Context, svc *calling.Service, parts []string) (quit bool) {
	switch parts[0] {
	case "dial":
		if len(parts) < 3 {
			fmt.Println("Usage: dial <to> <from> [timeout]")
			return false
		}
		timeout := 30
		if len(parts) > 3 {
			n, err := strconv.Atoi(parts[3])
			if err != nil || n <= 0 {
				fmt.Println("timeout must be a positive number of seconds")
				return false
			}
			timeout = n
		}
		go func(to, from string) {
			call, state, err := svc.DialPhone(ctx, to, from, timeout)
			if err != nil {
				fmt.Printf("Dial failed: %v\n", err)
				return
			}
			fmt.Printf("Call %s to %s is %s\n", call.ID(), to, state)
		}(parts[1], parts[2])

	case "list":
		printCalls(svc.Calls())

	case "answer", "hangup":
		if len(parts) < 2 {
			fmt.Printf("Usage: %s <call_id>\n", parts[0])
			return false
		}
		call, ok := svc.Call(parts[1])
		if !ok {
			fmt.Printf("Unknown call %s\n", parts[1])
			return false
		}
		var err error
		if parts[0] == "answer" {
			err = call.Answer(ctx)
		} else {
			err = call.Hangup(ctx)
		}
		if err != nil {
			fmt.Printf("%s failed: %v\n", parts[0], err)
		}

	case "play":
		if len(parts) < 3 {
			fmt.Println("Usage: play <call_id> <text...>")
			return false
		}
		call, ok := svc.Call(parts[1])
		if !ok {
			fmt.Printf("Unknown call %s\n", parts[1])
			return false
		}
		play, err := call.Play(ctx, calling.TTS(strings.Join(parts[2:], " ")))
		if err != nil {
			fmt.Printf("Play failed: %v\n", err)
			return false
		}
		fmt.Printf("Playing on %s (control %s)\n", parts[1], play.ControlID())

	case "quit", "exit":
		return true

	default:
		printHelp()
	}
	return false
}

func printCalls(calls []*calling.Call) {
	if len(calls) == 0 {
		fmt.Println("No active calls")
		return
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Call ID", "Tag", "Direction", "State", "To", "From", "Peer"})
	for _, c := range calls {
		s := c.Snapshot()
		tw.AppendRow(table.Row{s.CallID, s.TemporaryID, s.Direction, s.State, s.To, s.From, s.PeerID})
	}
	tw.Render()
}
