package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/turtacn/authgate/internal/config"
	"github.com/turtacn/authgate/pkg/errors"
	"github.com/turtacn/authgate/pkg/logger"
)

const defaultTelegramAPI = "https://api.telegram.org"

// telegramTransport is a thin Bot API client. It long-polls getUpdates and
// tracks the update offset so restarts do not replay confirmed updates.
type telegramTransport struct {
	baseURL     string
	token       string
	pollTimeout int
	http        *http.Client
	logger      logger.Logger

	offset int64
}

// NewTelegramTransport creates a Transport over the Telegram Bot API.
func NewTelegramTransport(cfg *config.TelegramConfig, log logger.Logger) Transport {
	baseURL := cfg.APIBaseURL
	if baseURL == "" {
		baseURL = defaultTelegramAPI
	}
	pollTimeout := cfg.PollTimeout
	if pollTimeout <= 0 {
		pollTimeout = 30
	}
	return &telegramTransport{
		baseURL:     baseURL,
		token:       cfg.Token,
		pollTimeout: pollTimeout,
		// Long poll holds the connection open for pollTimeout seconds; give the
		// client headroom beyond that.
		http:   &http.Client{Timeout: time.Duration(pollTimeout+10) * time.Second},
		logger: log.WithComponent("telegram"),
	}
}

type tgUpdate struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		MessageID int64 `json:"message_id"`
		Chat      struct {
			ID int64 `json:"id"`
		} `json:"chat"`
		Text string `json:"text"`
	} `json:"message"`
}

type tgResponse struct {
	OK          bool            `json:"ok"`
	Description string          `json:"description"`
	Result      json.RawMessage `json:"result"`
}

func (t *telegramTransport) methodURL(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", t.baseURL, t.token, method)
}

// SendMessage delivers a plain-text message to a chat.
func (t *telegramTransport) SendMessage(ctx context.Context, chatID int64, text string) error {
	body, err := json.Marshal(map[string]interface{}{
		"chat_id": chatID,
		"text":    text,
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeTransportFailure, "encode sendMessage request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.methodURL("sendMessage"), bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeTransportFailure, "build sendMessage request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.http.Do(req)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeTransportFailure, "sendMessage request failed")
	}
	defer resp.Body.Close()

	var apiResp tgResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&apiResp); err != nil {
		return errors.Wrap(err, errors.ErrCodeTransportFailure, "decode sendMessage response")
	}
	if !apiResp.OK {
		return errors.New(errors.ErrCodeTransportFailure,
			fmt.Sprintf("sendMessage rejected: %s", apiResp.Description))
	}
	return nil
}

// Poll long-polls getUpdates and hands each message to the handler. Transport
// errors back off briefly and retry; only ctx cancellation ends the loop.
func (t *telegramTransport) Poll(ctx context.Context, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		updates, err := t.getUpdates(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			t.logger.Warn(ctx, "getUpdates failed, backing off", logger.Fields{"error": err.Error()})
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(3 * time.Second):
			}
			continue
		}

		for _, upd := range updates {
			if upd.UpdateID >= t.offset {
				t.offset = upd.UpdateID + 1
			}
			if upd.Message == nil || upd.Message.Text == "" {
				continue
			}
			handler(ctx, Event{
				UpdateID:  upd.UpdateID,
				ChatID:    upd.Message.Chat.ID,
				MessageID: upd.Message.MessageID,
				Text:      upd.Message.Text,
			})
		}
	}
}

func (t *telegramTransport) getUpdates(ctx context.Context) ([]tgUpdate, error) {
	params := url.Values{}
	params.Set("timeout", strconv.Itoa(t.pollTimeout))
	params.Set("offset", strconv.FormatInt(t.offset, 10))
	params.Set("allowed_updates", `["message"]`)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		t.methodURL("getUpdates")+"?"+params.Encode(), nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeTransportFailure, "build getUpdates request")
	}

	resp, err := t.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeTransportFailure, "getUpdates request failed")
	}
	defer resp.Body.Close()

	var apiResp tgResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&apiResp); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeTransportFailure, "decode getUpdates response")
	}
	if !apiResp.OK {
		return nil, errors.New(errors.ErrCodeTransportFailure,
			fmt.Sprintf("getUpdates rejected: %s", apiResp.Description))
	}

	var updates []tgUpdate
	if err := json.Unmarshal(apiResp.Result, &updates); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeTransportFailure, "decode updates payload")
	}
	return updates, nil
}
