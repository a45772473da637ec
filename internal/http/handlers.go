package http

import (
	"bytes"
	"net/http"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/quantumauth-io/quantum-go-utils/log"
	"github.com/quantumauth-io/wallet-session/internal/ledger"
	"github.com/quantumauth-io/wallet-session/internal/session"
	"github.com/quantumauth-io/wallet-session/internal/wallet"
)

type Handler struct {
	engine   Engine
	upgrader websocket.Upgrader
}

func NewHandler(engine Engine, allowedOrigins []string) *Handler {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = struct{}{}
	}
	return &Handler{
		engine: engine,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				_, ok := allowed[origin]
				return ok
			},
		},
	}
}

func (h *Handler) Health(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

// GET /api/session
func (h *Handler) Session(c *gin.Context) {
	c.JSON(http.StatusOK, h.engine.Snapshot())
}

// GET /api/tokens
func (h *Handler) Tokens(c *gin.Context) {
	snap := h.engine.Snapshot()
	c.JSON(http.StatusOK, tokensRes{
		Network:    snap.Network,
		Generation: snap.Generation,
		Tokens:     sortedTokens(snap.Tokens),
	})
}

// POST /api/session/check
func (h *Handler) CheckIsReady(c *gin.Context) {
	c.JSON(http.StatusOK, checkRes{Ready: h.engine.CheckIsReady(c.Request.Context())})
}

// POST /api/session/reset
func (h *Handler) ResetOnboard(c *gin.Context) {
	h.engine.ResetOnboard(c.Request.Context())
	c.JSON(http.StatusOK, h.engine.Snapshot())
}

// POST /api/wallet/select
func (h *Handler) SelectWallet(c *gin.Context) {
	var req selectWalletReq
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	ok, err := h.engine.SelectWallet(c.Request.Context(), req.Name)
	switch {
	case errors.Is(err, session.ErrInitializationFailure):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	case errors.Is(err, wallet.ErrUnknownWallet):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case err != nil:
		log.Error("wallet select failed", "wallet", req.Name, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, selectWalletRes{Selected: ok})
	}
}

// POST /api/gas/refresh
func (h *Handler) RefreshGasPrice(c *gin.Context) {
	c.JSON(http.StatusOK, gasRes{GasPrice: h.engine.RefreshGasPrice(c.Request.Context())})
}

// POST /api/sign
func (h *Handler) SignMessage(c *gin.Context) {
	var req signReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sig, err := h.engine.SignMessage(c.Request.Context(), req.Message)
	if errors.Is(err, session.ErrProviderUnavailable) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		log.Error("sign message failed", "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, signRes{Signature: sig})
}

// POST /api/verify
func (h *Handler) VerifySignature(c *gin.Context) {
	var req verifyReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !common.IsHexAddress(req.Address) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid address"})
		return
	}
	sig, err := hexutil.Decode(req.Signature)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid signature encoding"})
		return
	}

	ok, err := wallet.VerifyPersonalSignature(req.Message, sig, common.HexToAddress(req.Address))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, verifyRes{Valid: ok})
}

func sortedTokens(l ledger.Ledger) []ledger.TokenInfo {
	out := make([]ledger.TokenInfo, 0, len(l))
	for _, t := range l {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Address.Bytes(), out[j].Address.Bytes()) < 0
	})
	return out
}
