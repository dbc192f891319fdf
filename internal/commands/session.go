package commands

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"

	"github.com/hay-kot/pocket/internal/core/classify"
	"github.com/hay-kot/pocket/internal/core/config"
	"github.com/hay-kot/pocket/internal/session"
	"github.com/hay-kot/pocket/internal/transport"
	"github.com/hay-kot/pocket/pkg/tmpl"
)

const closeTimeout = 5 * time.Second

func newDialer(cfg *config.Config) *transport.NetDialer {
	return transport.NewDialer(log.Logger, transport.Options{
		DialTimeout:        cfg.Transport.DialTimeout,
		KeepaliveInterval:  cfg.Transport.KeepaliveInterval,
		KeepaliveMaxMissed: cfg.Transport.KeepaliveMaxMissed,
		Term:               cfg.Transport.Term,
		KnownHosts:         cfg.KnownHostsFiles(),
		StrictHostKey:      cfg.Transport.StrictHostKey,
	})
}

func newClassifier(cfg *config.Config) (*classify.Classifier, error) {
	rules, err := cfg.ClassifierRules()
	if err != nil {
		return nil, fmt.Errorf("load classifier rules: %w", err)
	}
	return classify.New(rules...), nil
}

// sessionOptions maps the config onto orchestrator options. The welcome
// message is a template with .Target available.
func sessionOptions(cfg *config.Config, target string) session.Options {
	opts := session.DefaultOptions()
	opts.Welcome = cfg.Session.WelcomeEnabled()
	if cfg.Session.WelcomeMessage != "" {
		msg, err := tmpl.Render(cfg.Session.WelcomeMessage, map[string]string{"Target": target})
		if err != nil {
			log.Warn().Err(err).Msg("welcome_message is not a valid template, showing it as is")
			msg = cfg.Session.WelcomeMessage
		}
		opts.WelcomeMessage = msg
	}
	if cfg.Session.ShellInit != "" {
		opts.ShellInit = cfg.Session.ShellInit
	}
	opts.GracePeriod = cfg.Session.GracePeriod
	opts.MaxBackground = cfg.Session.MaxBackground
	opts.FocusContinuous = cfg.Session.FocusContinuous
	opts.InitTimeout = cfg.Session.InitTimeout
	opts.Rows = cfg.Transport.Rows
	opts.Cols = cfg.Transport.Cols
	opts.Reconnect = session.ReconnectPolicy{
		MaxRetries:      cfg.Reconnect.MaxRetries,
		InitialInterval: cfg.Reconnect.InitialInterval,
		MaxInterval:     cfg.Reconnect.MaxInterval,
		Multiplier:      cfg.Reconnect.Multiplier,
	}
	return opts
}

// newSession builds an orchestrator from the loaded configuration. target
// names the connection for the welcome block.
func newSession(cfg *config.Config, dialer transport.Dialer, target string) (*session.Orchestrator, error) {
	classifier, err := newClassifier(cfg)
	if err != nil {
		return nil, err
	}
	return session.New(log.Logger, dialer, classifier, sessionOptions(cfg, target)), nil
}

func closeSession(sess *session.Orchestrator) {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := sess.Close(ctx); err != nil {
		log.Warn().Err(err).Msg("session did not close cleanly")
	}
}

// interactivePrompt returns a password prompt when stdin is a terminal, nil
// otherwise.
func interactivePrompt() config.PasswordPrompt {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return nil
	}
	return cachedPrompt(promptPassword)
}

// cachedPrompt asks once per target and reuses the answer for reconnects.
func cachedPrompt(prompt config.PasswordPrompt) config.PasswordPrompt {
	var (
		mu      sync.Mutex
		answers = map[string]string{}
	)
	return func(ctx context.Context, target string) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		if pw, ok := answers[target]; ok {
			return pw, nil
		}
		pw, err := prompt(ctx, target)
		if err != nil {
			return "", err
		}
		answers[target] = pw
		return pw, nil
	}
}

func promptPassword(ctx context.Context, target string) (string, error) {
	var password string
	input := huh.NewInput().
		Title(fmt.Sprintf("Password for %s", target)).
		EchoMode(huh.EchoModePassword).
		Value(&password)

	if err := huh.NewForm(huh.NewGroup(input)).RunWithContext(ctx); err != nil {
		return "", fmt.Errorf("prompt password: %w", err)
	}
	return password, nil
}
