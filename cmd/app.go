package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"cloud.google.com/go/firestore"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"google.golang.org/api/option"

	"qa-chat/handler"
	"qa-chat/internal/config"
	"qa-chat/internal/devicestore"
	"qa-chat/internal/identity"
	"qa-chat/internal/integrations/firebaseauth"
	"qa-chat/internal/integrations/paramstore"
	"qa-chat/internal/integrations/qaapi"
	"qa-chat/internal/render"
	"qa-chat/internal/repository"
	"qa-chat/internal/usecase"
)

const terminalWidth = 100

// app holds every wired component of one process.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	session  *firebaseauth.Session
	resolver *identity.Resolver
	chat     *usecase.ChatService
	accounts *usecase.AccountService
	console  *handler.Console

	closers []func()
}

func newApp(ctx context.Context, envFiles []string) (*app, error) {
	a := &app{}
	if err := a.wire(ctx, envFiles); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context, envFiles []string) error {
	// ---- Configuration (read only here) ----
	if err := config.LoadDotEnv(envFiles...); err != nil {
		return err
	}
	var (
		overlay config.Overlay
		awsCfg  *aws.Config
	)
	if strings.TrimSpace(os.Getenv("PARAM_PREFIX")) != "" {
		c, err := loadAWS(ctx)
		if err != nil {
			return err
		}
		awsCfg = c
		ps, err := paramstore.New(awsssm.NewFromConfig(*c))
		if err != nil {
			return fmt.Errorf("create SSM client: %w", err)
		}
		overlay = ps
	}
	cfg, err := config.Load(ctx, os.LookupEnv, overlay)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = newLogger(cfg)

	// ---- Device storage ----
	if err := os.MkdirAll(filepath.Dir(cfg.DeviceDB), 0o700); err != nil {
		return fmt.Errorf("create device storage directory: %w", err)
	}
	device, err := devicestore.Open(cfg.DeviceDB)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() {
		if err := device.Close(); err != nil {
			a.logger.Warn("close device storage failed", "err", err)
		}
	})

	// ---- Identity ----
	var authOpts []firebaseauth.Option
	if d := strings.TrimSpace(cfg.Firebase.AuthDomain); d != "" {
		authOpts = append(authOpts, firebaseauth.WithRequestURI("https://"+d))
	}
	authClient, err := firebaseauth.NewClient(cfg.Firebase.APIKey, authOpts...)
	if err != nil {
		return err
	}
	a.session, err = firebaseauth.NewSession(authClient, device, a.logger)
	if err != nil {
		return err
	}
	if err := a.session.Restore(ctx); err != nil {
		a.logger.Warn("stored session could not be restored", "err", err)
	}
	a.resolver, err = identity.NewResolver(a.session, device, a.logger)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, a.resolver.Close)

	// ---- Transcript stores ----
	remote, err := a.remoteStore(ctx, awsCfg)
	if err != nil {
		return err
	}
	guest, err := repository.NewGuestStore(device, a.logger)
	if err != nil {
		return err
	}
	router, err := repository.NewRouter(guest, remote)
	if err != nil {
		return err
	}

	// ---- QA backend ----
	qa, err := qaapi.NewClient(cfg.QABaseURL,
		qaapi.WithHTTPClient(&http.Client{Timeout: cfg.QATimeout}),
		qaapi.WithAskPath(cfg.QAAskPath),
		qaapi.WithUploadPath(cfg.QAUploadPath),
	)
	if err != nil {
		return err
	}

	// ---- Use cases ----
	a.chat, err = usecase.NewChatService(router, a.resolver, a.session, qa, qa, a.logger, usecase.Options{
		GuestDispatch: cfg.GuestDispatch,
		MaxRetries:    cfg.QAMaxRetries,
		RetryDelay:    cfg.QARetryDelay,
	})
	if err != nil {
		return err
	}
	a.closers = append(a.closers, a.chat.Close)
	a.accounts, err = usecase.NewAccountService(a.session, router, a.logger)
	if err != nil {
		return err
	}

	// ---- Presentation ----
	term, err := render.NewTerminal(terminalWidth, isTerminal(os.Stdout))
	if err != nil {
		a.logger.Warn("styled output unavailable", "err", err)
		term = nil
	}
	a.console, err = handler.NewConsole(a.chat, os.Stdout, term)
	return err
}

func (a *app) remoteStore(ctx context.Context, awsCfg *aws.Config) (repository.Store, error) {
	switch a.cfg.Backend {
	case config.BackendDynamoDB:
		if awsCfg == nil {
			c, err := loadAWS(ctx)
			if err != nil {
				return nil, err
			}
			awsCfg = c
		}
		return repository.NewDynamoDBStore(awsdynamodb.NewFromConfig(*awsCfg), a.cfg.StateTable, a.cfg.WatchInterval, a.logger)
	default:
		// Firestore calls carry the signed-in user's ID token.
		client, err := firestore.NewClient(ctx, a.cfg.Firebase.ProjectID,
			option.WithTokenSource(a.session.TokenSource(context.WithoutCancel(ctx))))
		if err != nil {
			return nil, fmt.Errorf("create firestore client: %w", err)
		}
		a.closers = append(a.closers, func() {
			if err := client.Close(); err != nil {
				a.logger.Warn("close firestore client failed", "err", err)
			}
		})
		return repository.NewFirestoreStore(client, a.cfg.StateTable, a.logger)
	}
}

// close releases components in reverse wiring order.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func loadAWS(ctx context.Context) (*aws.Config, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return &cfg, nil
}

func newLogger(cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

// errReported marks failures already shown to the user.
var errReported = errors.New("reported")
