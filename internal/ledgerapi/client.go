// Package ledgerapi provides a typed client for the ledger service endpoints.
//
// Each method validates the response schema at the boundary; payloads that do
// not match become errors.MalformedResponseError instead of zero values.
package ledgerapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"github.com/R3E-Network/ledger_client/internal/errors"
	"github.com/R3E-Network/ledger_client/internal/httputil"
	"github.com/R3E-Network/ledger_client/internal/ledger"
	"github.com/R3E-Network/ledger_client/pkg/logger"
)

// Endpoint paths.
const (
	PathLogin          = "/login"
	PathRegister       = "/register"
	PathProfile        = "/profile/"
	PathChain          = "/chain"
	PathVerify         = "/verify"
	PathSend           = "/send_transaction"
	PathAddTransaction = "/add_transaction"
	PathBalance        = "/balance/"
	PathMine           = "/mine"
)

// Doer sends a request through the gateway.
type Doer interface {
	Do(ctx context.Context, method, path string, body interface{}) (*httputil.Response, error)
}

// Client is a typed client for the ledger service.
type Client struct {
	gw  Doer
	log *logger.Logger
}

// New creates a Client over gw.
func New(gw Doer, log *logger.Logger) *Client {
	if log == nil {
		log = logger.NewDefault("ledgerapi")
	}
	return &Client{gw: gw, log: log}
}

// =============================================================================
// Request/Response Types
// =============================================================================

// Credentials is the /login request.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse is the /login response.
type LoginResponse struct {
	UserID  string
	Message string
}

// RegisterRequest is the /register request.
type RegisterRequest struct {
	Username      string `json:"username"`
	Password      string `json:"password"`
	WalletAddress string `json:"wallet_address,omitempty"`
}

// RegisterResponse is the /register response.
type RegisterResponse struct {
	UserID        string
	WalletAddress string
	Message       string
}

// Profile is the /profile/:id response.
type Profile struct {
	UserID        string
	Username      string
	WalletAddress string
}

// TransferRequest is the body of /send_transaction and /add_transaction.
// UserID is only sent to /send_transaction.
type TransferRequest struct {
	Sender   string      `json:"sender"`
	Receiver string      `json:"receiver"`
	Amount   json.Number `json:"amount"`
	UserID   string      `json:"user_id,omitempty"`
}

// NewTransfer builds a TransferRequest with amount encoded as a JSON number.
func NewTransfer(sender, receiver string, amount decimal.Decimal, userID string) TransferRequest {
	return TransferRequest{
		Sender:   sender,
		Receiver: receiver,
		Amount:   json.Number(amount.String()),
		UserID:   userID,
	}
}

// SendResponse is the /send_transaction response.
type SendResponse struct {
	NewBalance decimal.Decimal
	Message    string
}

// MineResponse is the /mine response.
type MineResponse struct {
	Block   ledger.Block
	Message string
}

// =============================================================================
// API Methods
// =============================================================================

// Login authenticates with username and password.
func (c *Client) Login(ctx context.Context, creds Credentials) (*LoginResponse, error) {
	body, err := c.call(httputil.Anonymous(ctx), http.MethodPost, PathLogin, creds)
	if err != nil {
		return nil, err
	}

	userID, err := c.userID(PathLogin, body)
	if err != nil {
		return nil, err
	}
	return &LoginResponse{
		UserID:  userID,
		Message: gjson.GetBytes(body, "message").String(),
	}, nil
}

// Register creates an account.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (*RegisterResponse, error) {
	body, err := c.call(httputil.Anonymous(ctx), http.MethodPost, PathRegister, req)
	if err != nil {
		return nil, err
	}

	userID, err := c.userID(PathRegister, body)
	if err != nil {
		return nil, err
	}
	wallet := gjson.GetBytes(body, "wallet_address").String()
	if wallet == "" {
		wallet = req.WalletAddress
	}
	return &RegisterResponse{
		UserID:        userID,
		WalletAddress: wallet,
		Message:       gjson.GetBytes(body, "message").String(),
	}, nil
}

// Profile fetches the profile of userID.
func (c *Client) Profile(ctx context.Context, userID string) (*Profile, error) {
	if userID == "" {
		return nil, errors.RequiredError("user_id")
	}
	path := PathProfile + url.PathEscape(userID)
	body, err := c.call(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(body) || !gjson.ParseBytes(body).IsObject() {
		return nil, c.malformed(PathProfile, "expected a JSON object")
	}

	profile := &Profile{
		UserID:        userID,
		Username:      gjson.GetBytes(body, "username").String(),
		WalletAddress: gjson.GetBytes(body, "wallet_address").String(),
	}
	if id := normalizeID(gjson.GetBytes(body, "user_id")); id != "" {
		profile.UserID = id
	}
	return profile, nil
}

// Chain fetches the full chain. The service answers either with a bare array
// of blocks or with {"blocks": [...]}; anything else is malformed.
func (c *Client) Chain(ctx context.Context) ([]ledger.Block, error) {
	body, err := c.call(ctx, http.MethodGet, PathChain, nil)
	if err != nil {
		return nil, err
	}
	return c.decodeChain(body)
}

func (c *Client) decodeChain(body []byte) ([]ledger.Block, error) {
	if !gjson.ValidBytes(body) {
		return nil, c.malformed(PathChain, "invalid JSON")
	}

	root := gjson.ParseBytes(body)
	var raw string
	switch {
	case root.IsArray():
		raw = root.Raw
	case root.IsObject():
		blocks := root.Get("blocks")
		if !blocks.IsArray() {
			return nil, c.malformed(PathChain, `object without a "blocks" array`)
		}
		raw = blocks.Raw
	default:
		return nil, c.malformed(PathChain, "expected an array of blocks")
	}

	var blocks []ledger.Block
	if err := json.Unmarshal([]byte(raw), &blocks); err != nil {
		return nil, c.malformed(PathChain, "undecodable block: "+err.Error())
	}
	if blocks == nil {
		blocks = []ledger.Block{}
	}
	return blocks, nil
}

// Verify asks the service whether its chain is valid.
func (c *Client) Verify(ctx context.Context) (bool, error) {
	body, err := c.call(ctx, http.MethodGet, PathVerify, nil)
	if err != nil {
		return false, err
	}

	valid := gjson.GetBytes(body, "valid")
	if valid.Type != gjson.True && valid.Type != gjson.False {
		return false, c.malformed(PathVerify, `"valid" is not a boolean`)
	}
	return valid.Bool(), nil
}

// SendTransaction submits a transfer that is debited immediately.
func (c *Client) SendTransaction(ctx context.Context, req TransferRequest) (*SendResponse, error) {
	body, err := c.call(ctx, http.MethodPost, PathSend, req)
	if err != nil {
		return nil, err
	}

	balance, err := c.number(PathSend, body, "new_balance")
	if err != nil {
		return nil, err
	}
	return &SendResponse{
		NewBalance: balance,
		Message:    gjson.GetBytes(body, "message").String(),
	}, nil
}

// AddTransaction queues a pending transfer for the next mined block.
func (c *Client) AddTransaction(ctx context.Context, req TransferRequest) (string, error) {
	req.UserID = ""
	body, err := c.call(ctx, http.MethodPost, PathAddTransaction, req)
	if err != nil {
		return "", err
	}
	return gjson.GetBytes(body, "message").String(), nil
}

// Balance fetches the balance of userID.
func (c *Client) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	if userID == "" {
		return decimal.Zero, errors.RequiredError("user_id")
	}
	body, err := c.call(ctx, http.MethodGet, PathBalance+url.PathEscape(userID), nil)
	if err != nil {
		return decimal.Zero, err
	}
	return c.number(PathBalance, body, "balance")
}

// Mine asks the service to mine pending transactions into a new block.
func (c *Client) Mine(ctx context.Context) (*MineResponse, error) {
	body, err := c.call(ctx, http.MethodPost, PathMine, nil)
	if err != nil {
		return nil, err
	}

	block := gjson.GetBytes(body, "block")
	if !block.IsObject() || strings.TrimSpace(block.Get("hash").String()) == "" {
		return nil, c.malformed(PathMine, "missing block.hash")
	}

	resp := &MineResponse{Message: gjson.GetBytes(body, "message").String()}
	if err := json.Unmarshal([]byte(block.Raw), &resp.Block); err != nil {
		return nil, c.malformed(PathMine, "undecodable block: "+err.Error())
	}
	return resp, nil
}

// =============================================================================
// Helpers
// =============================================================================

func (c *Client) call(ctx context.Context, method, path string, req interface{}) ([]byte, error) {
	resp, err := c.gw.Do(ctx, method, path, req)
	if err != nil {
		return nil, err
	}
	return bytes.TrimSpace(resp.Body), nil
}

func (c *Client) userID(endpoint string, body []byte) (string, error) {
	id := normalizeID(gjson.GetBytes(body, "user_id"))
	if id == "" {
		return "", c.malformed(endpoint, "missing user_id")
	}
	return id, nil
}

func (c *Client) number(endpoint string, body []byte, field string) (decimal.Decimal, error) {
	r := gjson.GetBytes(body, field)
	if r.Type != gjson.Number {
		return decimal.Zero, c.malformed(endpoint, field+" is not a number")
	}
	d, err := decimal.NewFromString(r.Raw)
	if err != nil {
		return decimal.Zero, c.malformed(endpoint, field+": "+err.Error())
	}
	return d, nil
}

func (c *Client) malformed(endpoint, reason string) error {
	c.log.WithField("endpoint", endpoint).Warnf("malformed response: %s", reason)
	return errors.Malformed(endpoint, reason)
}

// normalizeID turns a string or numeric user_id into its string form.
func normalizeID(r gjson.Result) string {
	switch r.Type {
	case gjson.String:
		return strings.TrimSpace(r.String())
	case gjson.Number:
		return r.Raw
	default:
		return ""
	}
}
