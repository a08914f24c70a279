package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"librarydesk/internal/auth"
	"librarydesk/internal/metrics"
	"librarydesk/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

var (
	ErrMissingToken = errors.New("missing token")
	ErrUnknownUser  = errors.New("unknown user")
)

const storeTimeout = 5 * time.Second

// TokenVerifier 校验握手 token 并返回其中的用户标识。
type TokenVerifier interface {
	Verify(token string) (string, error)
}

type UserDirectory interface {
	Resolve(ctx context.Context, id string) (*models.User, error)
}

// MessageStore 只追加，不修改已有记录。
type MessageStore interface {
	Append(ctx context.Context, sender, receiver, content string) (*models.Message, error)
}

type Options struct {
	Verifier    TokenVerifier
	Directory   UserDirectory
	Store       MessageStore
	Registry    *Registry
	FramePolicy FramePolicy
	StorePolicy StorePolicy
	// SendBuffer 是每条连接信箱的容量。
	SendBuffer int
}

// Handler 负责 /ws 端点：握手鉴权、注册、逐帧落库并投递。
type Handler struct {
	opts Options
}

func NewHandler(opts Options) *Handler {
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	return &Handler{opts: opts}
}

func (h *Handler) Registry() *Registry { return h.opts.Registry }

// Serve 握手失败时直接返回 403，不带任何错误信息，也不升级连接。
func (h *Handler) Serve() gin.HandlerFunc {
	return func(c *gin.Context) {
		client := newClient(h.opts.Registry, h.opts.SendBuffer)
		client.setState(StateAuthenticating)

		user, err := h.authenticate(c.Request.Context(), c.Query("token"))
		if err != nil {
			client.Close()
			metrics.WsHandshakeFailures.WithLabelValues(handshakeReason(err)).Inc()
			log.Debug().Err(err).Str("remote", c.ClientIP()).Msg("ws handshake rejected")
			c.AbortWithStatus(http.StatusForbidden)
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			client.Close()
			log.Debug().Err(err).Uint("user_id", user.ID).Msg("ws upgrade")
			return
		}
		client.open(conn, user)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go client.writePump()
		client.readPump(ctx, h.dispatch)
	}
}

func (h *Handler) authenticate(ctx context.Context, token string) (*models.User, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrMissingToken
	}
	id, err := h.opts.Verifier.Verify(token)
	if err != nil {
		return nil, err
	}
	user, err := h.opts.Directory.Resolve(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w %s: %v", ErrUnknownUser, id, err)
	}
	if user == nil || !user.IsActive {
		return nil, fmt.Errorf("%w %s", ErrUnknownUser, id)
	}
	return user, nil
}

func handshakeReason(err error) string {
	switch {
	case errors.Is(err, ErrMissingToken):
		return "missing_token"
	case errors.Is(err, auth.ErrMissingClaim):
		return "missing_claim"
	case errors.Is(err, ErrUnknownUser):
		return "unknown_user"
	default:
		return "invalid_token"
	}
}

// dispatch 处理一条入站帧：先落库，再回显给发送方，接收方在线时转发。
func (h *Handler) dispatch(ctx context.Context, c *Client, messageType int, data []byte) error {
	in, err := parseFrame(messageType, data)
	if err != nil {
		metrics.WsDroppedFrames.Inc()
		if h.opts.FramePolicy == FrameClose {
			return err
		}
		return nil
	}
	to := string(in.ToUserID)

	sctx, cancel := context.WithTimeout(ctx, storeTimeout)
	_, err = h.opts.Store.Append(sctx, c.userID, to, in.Message)
	cancel()
	if err != nil {
		metrics.MessageStoreErrors.Inc()
		log.Warn().Err(err).Str("from_user_id", c.userID).Str("to_user_id", to).Stringer("policy", h.opts.StorePolicy).Msg("ws persist message")
		if h.opts.StorePolicy == StoreStrict {
			b, _ := json.Marshal(FailureMessage{Error: "delivery_failed", ToUserID: to, Message: in.Message})
			c.deliver(b)
			return nil
		}
	}
	metrics.WsMessagesTotal.Inc()

	b, err := json.Marshal(OutboundMessage{FromUserID: c.userID, FromUsername: c.uname, ToUserID: to, Message: in.Message})
	if err != nil {
		return nil
	}
	recipient, _ := h.opts.Registry.Lookup(to)
	for _, d := range route(c, recipient) {
		if !d.target.deliver(b) {
			metrics.WsDeliveriesTotal.WithLabelValues("dropped").Inc()
			log.Warn().Str("kind", d.kind).Str("user_id", d.target.userID).Msg("ws delivery dropped")
			continue
		}
		metrics.WsDeliveriesTotal.WithLabelValues(d.kind).Inc()
	}
	return nil
}
