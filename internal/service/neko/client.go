// Package neko talks to the remote neko chat backend: session creation,
// model selection, reply streaming and branch confirmation.
package neko

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/neko-bridge/backend/internal/config"
	"github.com/zhouzirui/neko-bridge/backend/internal/protocol"
)

// ErrRemote marks every failure of an outbound call.
var ErrRemote = errors.New("remote call failed")

// RemoteError carries the failed operation and its cause; it matches ErrRemote.
type RemoteError struct {
	Op  string
	Err error
}

func (e *RemoteError) Error() string {
	return "neko: " + e.Op + ": " + e.Err.Error()
}

func (e *RemoteError) Unwrap() error { return e.Err }

func (e *RemoteError) Is(target error) bool { return target == ErrRemote }

// Client is safe for concurrent use.
type Client struct {
	cfg        config.RemoteConfig
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the transport. It must not carry an overall Timeout,
// or long replies would be cut off.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New creates a Client from the remote configuration.
func New(cfg config.RemoteConfig, opts ...Option) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.ChoiceTimeout <= 0 {
		cfg.ChoiceTimeout = 5 * time.Second
	}
	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type createSessionRequest struct {
	Model string `json:"model"`
}

type createSessionResponse struct {
	ChatID string `json:"chat_id"`
	ID     string `json:"id"`
}

type selectModelRequest struct {
	ChatID string `json:"chat_id"`
	Model  string `json:"model"`
}

type streamRequest struct {
	Contents []string `json:"contents"`
}

type selectChoiceRequest struct {
	MsgID     string `json:"msg_id"`
	ChoiceIdx int    `json:"choice_idx"`
}

// CreateSession opens a remote chat with model and returns its id.
func (c *Client) CreateSession(ctx context.Context, model string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	resp, err := c.postJSON(ctx, c.cfg.ChatURL, createSessionRequest{Model: model})
	if err != nil {
		return "", &RemoteError{Op: "create session", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &RemoteError{Op: "create session", Err: errors.Errorf("unexpected status %d", resp.StatusCode)}
	}

	var out createSessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &RemoteError{Op: "create session", Err: errors.Wrap(err, "decode response")}
	}

	chatID := out.ChatID
	if chatID == "" {
		chatID = out.ID
	}
	if chatID == "" {
		return "", &RemoteError{Op: "create session", Err: errors.New("response carries no chat id")}
	}
	return chatID, nil
}

// SelectModel switches the model of chatID. Any outcome other than HTTP 200
// reports false.
func (c *Client) SelectModel(ctx context.Context, chatID, model string) bool {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	resp, err := c.postJSON(ctx, c.cfg.SelectModelURL, selectModelRequest{ChatID: chatID, Model: model})
	if err != nil {
		log.Warn().Err(err).Str("component", "neko").Str("chat_id", chatID).Str("model", model).Msg("select model failed")
		return false
	}
	defer drain(resp.Body)

	if resp.StatusCode != http.StatusOK {
		log.Warn().Int("status", resp.StatusCode).Str("component", "neko").Str("chat_id", chatID).Str("model", model).Msg("select model rejected")
		return false
	}
	return true
}

// StreamReply posts text to chatID and returns the reply line stream.
// There is no overall deadline; cancel ctx to abort the stream.
func (c *Client) StreamReply(ctx context.Context, chatID, text string) (protocol.LineStream, error) {
	body, err := encodeJSON(streamRequest{Contents: []string{text}})
	if err != nil {
		return nil, &RemoteError{Op: "stream reply", Err: err}
	}

	target := strings.ReplaceAll(c.cfg.StreamURL, config.StreamPlaceholder, url.PathEscape(chatID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, &RemoteError{Op: "stream reply", Err: errors.Wrap(err, "build request")}
	}
	req.Header.Set("x-token", c.cfg.Token)
	req.Header.Set("Content-Type", "text/plain")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &RemoteError{Op: "stream reply", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, rejectedStream(chatID, resp)
	}

	return newLineStream(resp.Body), nil
}

// rejectedStream 解析非2xx响应体：远端在分支未选择时会用错误状态码返回 chat_choice_shown。
func rejectedStream(chatID string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	_ = resp.Body.Close()

	for _, line := range strings.Split(string(raw), "\n") {
		for _, ev := range protocol.DecodeLine(strings.TrimRight(line, "\r")) {
			if _, ok := ev.(protocol.BranchPending); ok {
				log.Warn().Str("component", "neko").Str("chat_id", chatID).Int("status", resp.StatusCode).Msg("stream rejected: branch pending")
				return protocol.ErrBranchPending
			}
		}
	}
	return &RemoteError{Op: "stream reply", Err: errors.Errorf("unexpected status %d", resp.StatusCode)}
}

// SelectChoice confirms branch idx of msgID. Failures are logged and dropped.
func (c *Client) SelectChoice(ctx context.Context, msgID string, idx int) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ChoiceTimeout)
	defer cancel()

	resp, err := c.postJSON(ctx, c.cfg.SelectChoiceURL, selectChoiceRequest{MsgID: msgID, ChoiceIdx: idx})
	if err != nil {
		log.Warn().Err(err).Str("component", "neko").Str("msg_id", msgID).Msg("select choice failed")
		return
	}
	defer drain(resp.Body)

	if resp.StatusCode != http.StatusOK {
		log.Warn().Int("status", resp.StatusCode).Str("component", "neko").Str("msg_id", msgID).Msg("select choice rejected")
	}
}

func (c *Client) postJSON(ctx context.Context, target string, payload any) (*http.Response, error) {
	body, err := encodeJSON(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "send request")
	}
	return resp, nil
}

func (c *Client) setHeaders(req *http.Request) {
	origin := strings.TrimRight(c.cfg.Origin, "/")
	req.Header.Set("accept", "*/*")
	req.Header.Set("content-type", "application/json")
	req.Header.Set("origin", origin)
	req.Header.Set("referer", origin+"/")
	req.Header.Set("user-agent", c.cfg.UserAgent)
	req.Header.Set("x-app_id", c.cfg.AppID)
	req.Header.Set("x-client_type", c.cfg.ClientType)
	req.Header.Set("x-device_id", c.cfg.DeviceID)
	req.Header.Set("x-token", c.cfg.Token)
}

// encodeJSON keeps non-ASCII and HTML characters verbatim.
func encodeJSON(payload any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(payload); err != nil {
		return nil, errors.Wrap(err, "encode request")
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 64*1024))
	_ = body.Close()
}

// LineStream yields the raw lines of one reply as they arrive.
type LineStream struct {
	body io.ReadCloser
	src  *protocol.ScannerSource
}

var _ protocol.LineStream = (*LineStream)(nil)

func newLineStream(body io.ReadCloser) *LineStream {
	return &LineStream{body: body, src: protocol.NewScannerSource(body)}
}

// Next returns the next line, io.EOF when the backend closes the stream, or
// an error matching ErrRemote.
func (s *LineStream) Next() (string, error) {
	line, err := s.src.Next()
	if err == nil || errors.Is(err, io.EOF) {
		return line, err
	}
	return "", &RemoteError{Op: "read stream", Err: err}
}

// Close releases the connection.
func (s *LineStream) Close() error {
	return s.body.Close()
}
