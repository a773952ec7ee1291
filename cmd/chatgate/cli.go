package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/nlazarev/chatgate/pkg/agent"
	"github.com/nlazarev/chatgate/pkg/audit"
	"github.com/nlazarev/chatgate/pkg/config"
	"github.com/nlazarev/chatgate/pkg/contextstore"
	"github.com/nlazarev/chatgate/pkg/gate"
	"github.com/nlazarev/chatgate/pkg/gateway"
	"github.com/nlazarev/chatgate/pkg/logger"
	"github.com/nlazarev/chatgate/pkg/observability"
	"github.com/nlazarev/chatgate/pkg/providers"
	"github.com/nlazarev/chatgate/pkg/ratelimit"
)

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.json"
	}
	return filepath.Join(home, ".chatgate", "config.json")
}

func buildRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           appName,
		Short:         "Admission-controlled LLM chat pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "path to config file")

	root.AddCommand(newServeCommand(&configPath))
	root.AddCommand(newChatCommand(&configPath))
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			printVersion()
			return nil
		},
	})

	return root
}

type pipeline struct {
	gateway *gateway.Gateway
	close   func()
}

func buildPipeline(cfg *config.Config, withMetrics bool) (*pipeline, error) {
	logger.SetLevel(cfg.Log.Level)

	kv, err := contextstore.NewRedisKV(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("initialize context store backend: %w", err)
	}
	store := contextstore.NewStore(kv, cfg.Context.MaxTurns, time.Duration(cfg.Context.TTLSeconds)*time.Second)

	timeout := time.Duration(cfg.Providers.TimeoutSeconds) * time.Second
	chat, err := providers.NewChatClient(
		cfg.Providers.OpenRouter.APIKey,
		cfg.Providers.OpenRouter.APIBase,
		cfg.Providers.OpenRouter.Proxy,
		cfg.Generation.Model,
		timeout,
	)
	if err != nil {
		_ = kv.Close()
		return nil, fmt.Errorf("initialize generation provider: %w", err)
	}

	var retrieval agent.RetrievalProvider
	if strings.TrimSpace(cfg.Providers.Retrieval.URL) != "" {
		client, err := providers.NewRetrievalClient(cfg.Providers.Retrieval.URL, cfg.Providers.Retrieval.APIKey, timeout)
		if err != nil {
			_ = kv.Close()
			return nil, fmt.Errorf("initialize retrieval provider: %w", err)
		}
		retrieval = client
	}

	mode := agent.Mode(strings.ToLower(strings.TrimSpace(cfg.Generation.Mode)))
	switch mode {
	case agent.ModeDirect, agent.ModeRetrieval, agent.ModeHybrid:
	case "":
		mode = agent.ModeDirect
	default:
		_ = kv.Close()
		return nil, fmt.Errorf("unknown generation mode %q", cfg.Generation.Mode)
	}
	if retrieval == nil && mode != agent.ModeDirect {
		logger.WarnCF("main", "Retrieval provider not configured, mode will degrade", map[string]interface{}{
			"mode": string(mode),
		})
	}

	orch := agent.NewOrchestrator(store, chat, retrieval, agent.Options{
		Model:               cfg.Generation.Model,
		MaxTokens:           cfg.Generation.MaxTokens,
		Temperature:         cfg.Generation.Temperature,
		SystemPrompt:        cfg.Generation.SystemPrompt,
		ConfidenceThreshold: cfg.Generation.ConfidenceThreshold,
		UseContext:          cfg.Context.Enabled,
	})

	limiter := ratelimit.NewLimiter(cfg.Limits.RateMessages, time.Duration(cfg.Limits.RateWindowSeconds)*time.Second)
	admission := gate.New(cfg.Gateway.AllowFrom, limiter)

	var auditLog gateway.AuditLog
	var auditStore *audit.SQLiteStore
	if strings.TrimSpace(cfg.Audit.Path) != "" {
		auditStore, err = audit.NewSQLiteStore(cfg.AuditPath())
		if err != nil {
			_ = kv.Close()
			return nil, fmt.Errorf("initialize audit store: %w", err)
		}
		auditLog = auditStore
	}

	var metrics *observability.Metrics
	if withMetrics {
		metrics = observability.NewMetrics(appName)
	}

	return &pipeline{
		gateway: gateway.New(admission, store, orch, auditLog, metrics, mode),
		close: func() {
			if auditStore != nil {
				_ = auditStore.Close()
			}
			_ = kv.Close()
		},
	}, nil
}

func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			p, err := buildPipeline(cfg, true)
			if err != nil {
				return err
			}
			defer p.close()

			addr := fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port)
			server := &http.Server{
				Addr:              addr,
				Handler:           gateway.Handler(p.gateway),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.InfoCF("main", "Gateway listening", map[string]interface{}{"addr": addr})
				errCh <- server.ListenAndServe()
			}()

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

			select {
			case err := <-errCh:
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
			case <-stop:
				logger.InfoC("main", "Shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = server.Shutdown(shutdownCtx)
			}
			return nil
		},
	}
}

func newChatCommand(configPath *string) *cobra.Command {
	var user string
	var modeOverride string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the pipeline from the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if modeOverride != "" {
				cfg.Generation.Mode = modeOverride
			}

			p, err := buildPipeline(cfg, false)
			if err != nil {
				return err
			}
			defer p.close()

			return runREPL(p.gateway, user)
		},
	}
	cmd.Flags().StringVar(&user, "user", "local", "user identity for this session")
	cmd.Flags().StringVar(&modeOverride, "mode", "", "response mode override (direct, retrieval, hybrid)")
	return cmd
}

func runREPL(gw *gateway.Gateway, user string) error {
	rl, err := readline.New("you> ")
	if err != nil {
		return fmt.Errorf("initialize readline: %w", err)
	}
	defer rl.Close()

	fmt.Println("Type a message, /clear to reset context, /summary for context info, /mode <direct|retrieval|hybrid> to switch modes, /exit to quit.")

	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		ctx := context.Background()
		switch line {
		case "/exit", "/quit":
			return nil
		case "/clear":
			if err := gw.ClearContext(ctx, user); err != nil {
				fmt.Printf("could not clear context: %v\n", err)
			} else {
				fmt.Println("context cleared")
			}
			continue
		case "/summary":
			s := gw.ContextSummary(ctx, user, time.Now())
			if s.Count == 0 {
				fmt.Println("context is empty")
			} else {
				fmt.Printf("%d turns, oldest %s, newest %s\n",
					s.Count, s.Oldest.Format(time.RFC3339), s.Newest.Format(time.RFC3339))
			}
			continue
		}

		if rest, ok := strings.CutPrefix(line, "/mode "); ok {
			switch mode := agent.Mode(strings.TrimSpace(rest)); mode {
			case agent.ModeDirect, agent.ModeRetrieval, agent.ModeHybrid:
				gw.SetMode(mode)
				fmt.Printf("mode set to %s\n", mode)
			default:
				fmt.Println("unknown mode, expected direct, retrieval or hybrid")
			}
			continue
		}

		reply := gw.HandleUserMessage(ctx, user, line, time.Now())
		if reply == "" {
			continue
		}
		err = gateway.Deliver(ctx, reply, func(chunk string) error {
			fmt.Printf("bot> %s\n", chunk)
			return nil
		})
		if err != nil {
			fmt.Printf("delivery failed: %v\n", err)
		}
	}
}
