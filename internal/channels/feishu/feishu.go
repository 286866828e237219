// Package feishu bridges a Feishu (Lark) bot to an agent session. Inbound
// traffic arrives on the bot's event webhook; outbound replies go through the
// Open API with a cached tenant access token.
package feishu

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/happy-ai/happyd/internal/bridge"
)

// Config holds the bot credentials and endpoints.
type Config struct {
	AppID             string
	AppSecret         string
	VerificationToken string
	BotName           string // display name used for mention gating
	APIBase           string // default https://open.feishu.cn/open-apis
}

// Adapter implements bridge.Adapter over the Feishu Open API.
type Adapter struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger

	mu       sync.Mutex
	sink     bridge.InboundSink
	token    string
	tokenExp time.Time
}

func New(cfg Config, logger *slog.Logger) *Adapter {
	if cfg.APIBase == "" {
		cfg.APIBase = "https://open.feishu.cn/open-apis"
	}
	return &Adapter{
		cfg:    cfg,
		client: &http.Client{Timeout: 15 * time.Second},
		logger: logger.With("component", "feishu"),
	}
}

func (a *Adapter) Name() string { return "feishu" }

func (a *Adapter) Start(ctx context.Context, sink bridge.InboundSink) error {
	a.mu.Lock()
	a.sink = sink
	a.mu.Unlock()
	return nil
}

func (a *Adapter) Stop() error { return nil }

// --- outbound ---

type tokenResponse struct {
	Code              int    `json:"code"`
	Msg               string `json:"msg"`
	TenantAccessToken string `json:"tenant_access_token"`
	Expire            int    `json:"expire"` // seconds
}

// accessToken returns a cached tenant token, refreshing when it has less
// than five minutes left.
func (a *Adapter) accessToken(ctx context.Context) (string, error) {
	a.mu.Lock()
	if a.token != "" && time.Until(a.tokenExp) > 5*time.Minute {
		token := a.token
		a.mu.Unlock()
		return token, nil
	}
	a.mu.Unlock()

	body, _ := json.Marshal(map[string]string{
		"app_id":     a.cfg.AppID,
		"app_secret": a.cfg.AppSecret,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.cfg.APIBase+"/auth/v3/tenant_access_token/internal", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch tenant token: %w", err)
	}
	defer resp.Body.Close()

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if tr.Code != 0 {
		return "", fmt.Errorf("tenant token refused: %d %s", tr.Code, tr.Msg)
	}

	a.mu.Lock()
	a.token = tr.TenantAccessToken
	a.tokenExp = time.Now().Add(time.Duration(tr.Expire) * time.Second)
	a.mu.Unlock()
	return tr.TenantAccessToken, nil
}

// Send posts a text message to the chat named by ReplyTo.
func (a *Adapter) Send(ctx context.Context, msg bridge.OutboundMessage) error {
	if msg.ReplyTo == "" {
		return fmt.Errorf("feishu outbound without chat id")
	}
	token, err := a.accessToken(ctx)
	if err != nil {
		return err
	}

	content, _ := json.Marshal(map[string]string{"text": msg.Text})
	body, _ := json.Marshal(map[string]string{
		"receive_id": msg.ReplyTo,
		"msg_type":   "text",
		"content":    string(content),
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.cfg.APIBase+"/im/v1/messages?receive_id_type=chat_id", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decode send response: %w", err)
	}
	if result.Code != 0 {
		return fmt.Errorf("message refused: %d %s", result.Code, result.Msg)
	}
	return nil
}

// --- inbound webhook ---

type webhookEnvelope struct {
	Type      string `json:"type,omitempty"` // "url_verification" on the handshake
	Challenge string `json:"challenge,omitempty"`
	Token     string `json:"token,omitempty"`
	Header    struct {
		EventType string `json:"event_type"`
		Token     string `json:"token"`
	} `json:"header"`
	Event struct {
		Sender struct {
			SenderID struct {
				OpenID string `json:"open_id"`
			} `json:"sender_id"`
			SenderType string `json:"sender_type"`
		} `json:"sender"`
		Message struct {
			ChatID      string `json:"chat_id"`
			ChatType    string `json:"chat_type"` // "p2p" or "group"
			MessageType string `json:"message_type"`
			Content     string `json:"content"` // JSON-in-string: {"text":"..."}
			Mentions    []struct {
				Name string `json:"name"`
			} `json:"mentions"`
		} `json:"message"`
	} `json:"event"`
}

// WebhookHandler terminates the bot event callback, including the
// url_verification handshake Feishu performs when the endpoint is saved.
func (a *Adapter) WebhookHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			http.Error(w, "read body", http.StatusBadRequest)
			return
		}

		var env webhookEnvelope
		if err := json.Unmarshal(body, &env); err != nil {
			http.Error(w, "decode event", http.StatusBadRequest)
			return
		}

		if env.Type == "url_verification" {
			if a.cfg.VerificationToken != "" && env.Token != a.cfg.VerificationToken {
				http.Error(w, "bad verification token", http.StatusForbidden)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]string{"challenge": env.Challenge})
			return
		}

		if a.cfg.VerificationToken != "" && env.Header.Token != a.cfg.VerificationToken {
			http.Error(w, "bad verification token", http.StatusForbidden)
			return
		}

		w.WriteHeader(http.StatusOK)

		if env.Header.EventType != "im.message.receive_v1" {
			return
		}
		if env.Event.Message.MessageType != "text" {
			a.logger.Debug("ignoring non-text message", "type", env.Event.Message.MessageType)
			return
		}

		var content struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal([]byte(env.Event.Message.Content), &content); err != nil {
			a.logger.Warn("undecodable message content", "error", err)
			return
		}

		mentioned := false
		for _, m := range env.Event.Message.Mentions {
			if a.cfg.BotName == "" || m.Name == a.cfg.BotName {
				mentioned = true
				break
			}
		}

		a.mu.Lock()
		sink := a.sink
		a.mu.Unlock()
		if sink == nil {
			return
		}
		sink(bridge.InboundMessage{
			Sender:  env.Event.Sender.SenderID.OpenID,
			Text:    stripMentions(content.Text),
			ReplyTo: env.Event.Message.ChatID,
			Metadata: map[string]string{
				"chat":      env.Event.Message.ChatID,
				"chat_type": env.Event.Message.ChatType,
				"mentioned": fmt.Sprintf("%t", mentioned),
			},
		})
	}
}

// stripMentions removes @-placeholders Feishu embeds in text content.
func stripMentions(text string) string {
	for {
		start := strings.Index(text, "@_user_")
		if start < 0 {
			return strings.TrimSpace(text)
		}
		end := start + len("@_user_")
		for end < len(text) && text[end] >= '0' && text[end] <= '9' {
			end++
		}
		text = text[:start] + text[end:]
	}
}

// MentionGate is a bridge policy that ignores group chatter not addressed to
// the bot. Direct messages always pass.
func MentionGate() bridge.Policy {
	return func(in bridge.InboundMessage) error {
		if in.Metadata["chat_type"] == "group" && in.Metadata["mentioned"] != "true" {
			return bridge.ErrIgnoreMessage
		}
		return nil
	}
}
