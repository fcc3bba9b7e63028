// Package main is a headless session client: it logs in, joins a live
// session, relays chat from stdin, and submits attendance on leave.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/astrolive/backend/pkg/liveclient"
	"github.com/astrolive/backend/pkg/liveclient/wsroom"
)

type options struct {
	serverURL string
	wsURL     string
	email     string
	password  string
	token     string
	sessionID string
	audio     bool
	video     bool
}

func main() {
	var opts options
	flag.StringVar(&opts.serverURL, "server", "http://localhost:8080", "Session directory base URL")
	flag.StringVar(&opts.wsURL, "ws", "", "WebSocket URL (default: derived from -server)")
	flag.StringVar(&opts.email, "email", "", "Account email (ignored when -token is set)")
	flag.StringVar(&opts.password, "password", "", "Account password")
	flag.StringVar(&opts.token, "token", "", "Platform JWT (skips login)")
	flag.StringVar(&opts.sessionID, "session", "", "Session id to join")
	flag.BoolVar(&opts.audio, "audio", false, "Signal audio publication")
	flag.BoolVar(&opts.video, "video", false, "Signal video publication")
	flag.Parse()

	logger := newLogger()
	defer logger.Sync()

	if opts.sessionID == "" {
		fmt.Fprintln(os.Stderr, "usage: sessionctl -session <id> [-email ... -password ... | -token ...]")
		os.Exit(2)
	}
	if opts.wsURL == "" {
		opts.wsURL = deriveWsURL(opts.serverURL)
	}

	token := opts.token
	if token == "" {
		var err error
		token, err = login(opts.serverURL, opts.email, opts.password)
		if err != nil {
			logger.Fatal("login failed", zap.Error(err))
		}
		logger.Info("logged in", zap.String("email", opts.email))
	}

	negotiator := liveclient.NewHTTPNegotiator(liveclient.NegotiatorConfig{
		BaseURL:   opts.serverURL,
		AuthToken: token,
		Logger:    logger,
	})
	room := wsroom.New(wsroom.Config{
		URL:       opts.wsURL,
		SessionID: opts.sessionID,
		AuthToken: token,
		Capture:   wsroom.NopCapture(),
		Logger:    logger,
	})
	ctrl, err := liveclient.NewController(liveclient.ControllerConfig{
		SessionID:    opts.sessionID,
		Negotiator:   negotiator,
		Room:         room,
		PublishAudio: opts.audio,
		PublishVideo: opts.video,
		OnStateChange: func(s liveclient.State) {
			fmt.Printf("* state: %s\n", s)
		},
		Logger: logger,
	})
	if err != nil {
		logger.Fatal("controller", zap.Error(err))
	}

	ctx := context.Background()
	ctrl.StartJoin(ctx)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	fmt.Println("commands: /who, /react <emoji>, /question <text>, /leave; anything else is chat")
	for {
		select {
		case <-quit:
			finish(ctx, ctrl)
			return
		case line, ok := <-lines:
			if !ok {
				finish(ctx, ctrl)
				return
			}
			if done := handleLine(ctx, ctrl, room, line); done {
				finish(ctx, ctrl)
				return
			}
		}
	}
}

// handleLine runs one stdin command; returns true when the user asked to leave.
func handleLine(ctx context.Context, ctrl *liveclient.Controller, room *wsroom.Room, line string) bool {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return false
	case line == "/leave":
		return true
	case line == "/who":
		for _, p := range ctrl.Participants() {
			fmt.Printf("  %s audio=%v video=%v\n", p.RemoteID, p.HasAudio, p.HasVideo)
		}
		return false
	case strings.HasPrefix(line, "/react "):
		if err := room.SendReaction(strings.TrimPrefix(line, "/react ")); err != nil {
			fmt.Printf("! reaction failed: %v\n", err)
			return false
		}
		ctrl.Interaction(liveclient.InteractionReaction)
		return false
	case strings.HasPrefix(line, "/question "):
		if err := room.SendChat(strings.TrimPrefix(line, "/question ")); err != nil {
			fmt.Printf("! question failed: %v\n", err)
			return false
		}
		ctrl.Interaction(liveclient.InteractionQuestion)
		return false
	default:
		if err := room.SendChat(line); err != nil {
			fmt.Printf("! chat failed: %v\n", err)
			return false
		}
		ctrl.Interaction(liveclient.InteractionChat)
		return false
	}
}

func finish(ctx context.Context, ctrl *liveclient.Controller) {
	if rec := ctrl.Leave(ctx); rec != nil {
		fmt.Printf("* attended %d minute(s), participation %d\n", rec.DurationMinutes, rec.ParticipationScore)
	}
}

// login authenticates against POST /auth/login and returns the JWT.
func login(baseURL, email, password string) (string, error) {
	if email == "" || password == "" {
		return "", fmt.Errorf("email and password required (or pass -token)")
	}
	body, _ := json.Marshal(map[string]string{"email": email, "password": password})
	resp, err := http.Post(baseURL+"/auth/login", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	var env struct {
		Success bool `json:"success"`
		Data    struct {
			Token string `json:"token"`
		} `json:"data"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", fmt.Errorf("decode login response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK || !env.Success {
		if env.Error != "" {
			return "", fmt.Errorf("login rejected: %s", env.Error)
		}
		return "", fmt.Errorf("login rejected: status %d", resp.StatusCode)
	}
	return env.Data.Token, nil
}

// deriveWsURL maps http(s)://host[:port] to ws(s)://host[:port]/ws.
func deriveWsURL(serverURL string) string {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "ws://localhost:8080/ws"
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/ws"
	return u.String()
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	config.OutputPaths = []string{"stderr"}
	logger, _ := config.Build()
	return logger
}
