// Package ledgertest provides an in-process fake of the ledger HTTP service
// for tests. Routes can be scripted to fail, stall, or be held until released.
package ledgertest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/R3E-Network/ledger_client/internal/ledger"
)

// Route keys accepted by Fail, Delay, Hold and Calls.
const (
	RouteLogin          = "POST /login"
	RouteRegister       = "POST /register"
	RouteProfile        = "GET /profile/{id}"
	RouteChain          = "GET /chain"
	RouteVerify         = "GET /verify"
	RouteSend           = "POST /send_transaction"
	RouteAddTransaction = "POST /add_transaction"
	RouteBalance        = "GET /balance/{id}"
	RouteMine           = "POST /mine"
)

// DefaultBalance is the balance given to registered users.
var DefaultBalance = decimal.NewFromInt(100)

type user struct {
	id       int
	username string
	password string
	wallet   string
	balance  decimal.Decimal
	revoked  bool
}

// Failure is a scripted response.
type Failure struct {
	Status int
	Body   string
	// Times limits how many requests fail; zero fails until Clear.
	Times int
}

// Hold stalls one request until released.
type Hold struct {
	arrived chan struct{}
	release chan struct{}
	once    sync.Once
}

// Arrived is closed once the held request reaches the server.
func (h *Hold) Arrived() <-chan struct{} { return h.arrived }

// Release lets the held request proceed.
func (h *Hold) Release() { h.once.Do(func() { close(h.release) }) }

// Request is a recorded request.
type Request struct {
	Route     string
	Path      string
	UserID    string
	RequestID string
	Auth      string
}

// Server is a fake ledger service.
type Server struct {
	*httptest.Server

	mu          sync.Mutex
	users       map[int]*user
	byName      map[string]*user
	nextID      int
	chain       []ledger.Block
	pending     []ledger.Transaction
	valid       bool
	wrapChain   bool
	failures    map[string]*Failure
	delays      map[string]time.Duration
	holds       map[string][]*Hold
	raw         map[string]string
	calls       map[string]int
	requests    []Request
	requireAuth bool
}

// NewServer starts a fake ledger with a genesis block.
func NewServer() *Server {
	s := &Server{
		users:       make(map[int]*user),
		byName:      make(map[string]*user),
		nextID:      1,
		valid:       true,
		failures:    make(map[string]*Failure),
		delays:      make(map[string]time.Duration),
		holds:       make(map[string][]*Hold),
		raw:         make(map[string]string),
		calls:       make(map[string]int),
		requireAuth: true,
	}
	s.chain = []ledger.Block{genesis()}

	r := mux.NewRouter()
	r.Use(s.script)
	r.HandleFunc("/login", s.handleLogin).Methods(http.MethodPost)
	r.HandleFunc("/register", s.handleRegister).Methods(http.MethodPost)
	r.HandleFunc("/profile/{id}", s.handleProfile).Methods(http.MethodGet)
	r.HandleFunc("/chain", s.handleChain).Methods(http.MethodGet)
	r.HandleFunc("/verify", s.handleVerify).Methods(http.MethodGet)
	r.HandleFunc("/send_transaction", s.withUser(s.handleSend)).Methods(http.MethodPost)
	r.HandleFunc("/add_transaction", s.withUser(s.handleAddTransaction)).Methods(http.MethodPost)
	r.HandleFunc("/balance/{id}", s.withUser(s.handleBalance)).Methods(http.MethodGet)
	r.HandleFunc("/mine", s.withUser(s.handleMine)).Methods(http.MethodPost)

	s.Server = httptest.NewServer(r)
	return s
}

// =============================================================================
// Scripting
// =============================================================================

// AddUser registers a user and returns its id.
func (s *Server) AddUser(username, password, wallet string, balance decimal.Decimal) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strconv.Itoa(s.addUserLocked(username, password, wallet, balance).id)
}

func (s *Server) addUserLocked(username, password, wallet string, balance decimal.Decimal) *user {
	u := &user{id: s.nextID, username: username, password: password, wallet: wallet, balance: balance}
	s.nextID++
	s.users[u.id] = u
	s.byName[strings.ToLower(username)] = u
	return u
}

// Revoke makes every authenticated request from userID fail with 401.
func (s *Server) Revoke(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u := s.lookupLocked(userID); u != nil {
		u.revoked = true
	}
}

// SetBalance overrides the balance of userID.
func (s *Server) SetBalance(userID string, balance decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u := s.lookupLocked(userID); u != nil {
		u.balance = balance
	}
}

// BalanceOf returns the server-side balance of userID.
func (s *Server) BalanceOf(userID string) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u := s.lookupLocked(userID); u != nil {
		return u.balance
	}
	return decimal.Zero
}

// SetChain replaces the served chain.
func (s *Server) SetChain(blocks []ledger.Block) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chain = append([]ledger.Block(nil), blocks...)
}

// AppendBlock mines a block with txs directly on the served chain.
func (s *Server) AppendBlock(txs ...ledger.Transaction) ledger.Block {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendBlockLocked(txs)
}

// SetValid sets the /verify verdict.
func (s *Server) SetValid(valid bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.valid = valid
}

// WrapChain serves /chain as {"blocks": [...]} instead of a bare array.
func (s *Server) WrapChain(wrap bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wrapChain = wrap
}

// RequireAuth toggles the X-User-ID check on wallet routes.
func (s *Server) RequireAuth(require bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requireAuth = require
}

// Pending returns the queued transactions.
func (s *Server) Pending() []ledger.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ledger.Transaction(nil), s.pending...)
}

// Fail scripts route to answer with status and body.
func (s *Server) Fail(route string, f Failure) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := f
	s.failures[route] = &copied
}

// Respond scripts route to answer 200 with body.
func (s *Server) Respond(route, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.raw[route] = body
}

// Delay stalls every request on route by d, or until the request is
// cancelled.
func (s *Server) Delay(route string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays[route] = d
}

// Hold stalls the next request on route until the returned Hold is released.
func (s *Server) Hold(route string) *Hold {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := &Hold{arrived: make(chan struct{}), release: make(chan struct{})}
	s.holds[route] = append(s.holds[route], h)
	return h
}

// Clear removes scripted failures, raw responses and delays for route.
func (s *Server) Clear(route string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failures, route)
	delete(s.raw, route)
	delete(s.delays, route)
}

// Calls returns how many requests hit route.
func (s *Server) Calls(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[route]
}

// TotalCalls returns the number of requests served.
func (s *Server) TotalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// Requests returns the recorded requests.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// =============================================================================
// Middleware
// =============================================================================

func routeKey(r *http.Request) string {
	path := r.URL.Path
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			path = tpl
		}
	}
	return r.Method + " " + path
}

func (s *Server) script(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := routeKey(r)

		s.mu.Lock()
		s.calls[key]++
		s.requests = append(s.requests, Request{
			Route:     key,
			Path:      r.URL.Path,
			UserID:    r.Header.Get("X-User-ID"),
			RequestID: r.Header.Get("X-Request-ID"),
			Auth:      r.Header.Get("Authorization"),
		})
		var hold *Hold
		if queue := s.holds[key]; len(queue) > 0 {
			hold, s.holds[key] = queue[0], queue[1:]
		}
		delay := s.delays[key]
		var failure *Failure
		if f, ok := s.failures[key]; ok {
			copied := *f
			failure = &copied
			if f.Times > 0 {
				f.Times--
				if f.Times == 0 {
					delete(s.failures, key)
				}
			}
		}
		raw, hasRaw := s.raw[key]
		s.mu.Unlock()

		if hold != nil {
			close(hold.arrived)
			select {
			case <-hold.release:
			case <-r.Context().Done():
				return
			}
		}
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}

		switch {
		case failure != nil:
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(failure.Status)
			w.Write([]byte(failure.Body))
		case hasRaw:
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(raw))
		default:
			next.ServeHTTP(w, r)
		}
	})
}

func (s *Server) withUser(next func(http.ResponseWriter, *http.Request, *user)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		u := s.lookupLocked(r.Header.Get("X-User-ID"))
		require := s.requireAuth
		s.mu.Unlock()

		if require && (u == nil || u.revoked) {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next(w, r, u)
	}
}

// =============================================================================
// Handlers
// =============================================================================

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s.mu.Lock()
	u := s.byName[strings.ToLower(in.Username)]
	s.mu.Unlock()

	if u == nil || u.password != in.Password {
		writeError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id": u.id,
		"message": "Login successful",
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Username      string `json:"username"`
		Password      string `json:"password"`
		WalletAddress string `json:"wallet_address"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(in.Username) == "" || in.Password == "" {
		writeError(w, http.StatusBadRequest, "Username and password are required")
		return
	}

	s.mu.Lock()
	if _, exists := s.byName[strings.ToLower(in.Username)]; exists {
		s.mu.Unlock()
		writeError(w, http.StatusConflict, "Username already exists")
		return
	}
	wallet := in.WalletAddress
	if wallet == "" {
		wallet = fmt.Sprintf("0x%040d", s.nextID)
	}
	u := s.addUserLocked(in.Username, in.Password, wallet, DefaultBalance)
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"user_id":        strconv.Itoa(u.id),
		"wallet_address": u.wallet,
		"message":        "User registered successfully",
	})
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	u := s.lookupLocked(mux.Vars(r)["id"])
	s.mu.Unlock()

	if u == nil {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":        u.id,
		"username":       u.username,
		"wallet_address": u.wallet,
	})
}

func (s *Server) handleChain(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	blocks := append([]ledger.Block(nil), s.chain...)
	wrap := s.wrapChain
	s.mu.Unlock()

	if wrap {
		writeJSON(w, http.StatusOK, map[string]interface{}{"blocks": blocks, "length": len(blocks)})
		return
	}
	writeJSON(w, http.StatusOK, blocks)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	valid := s.valid
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]bool{"valid": valid})
}

type transferInput struct {
	Sender   string          `json:"sender"`
	Receiver string          `json:"receiver"`
	Amount   decimal.Decimal `json:"amount"`
	UserID   string          `json:"user_id"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request, caller *user) {
	var in transferInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !in.Amount.IsPositive() {
		writeError(w, http.StatusBadRequest, "Amount must be positive")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	payer := s.lookupLocked(in.UserID)
	if payer == nil {
		payer = caller
	}
	if payer == nil {
		writeError(w, http.StatusBadRequest, "Unknown sender")
		return
	}
	if in.Amount.GreaterThan(payer.balance) {
		writeError(w, http.StatusBadRequest, "Insufficient balance")
		return
	}

	payer.balance = payer.balance.Sub(in.Amount)
	if payee := s.byName[strings.ToLower(in.Receiver)]; payee != nil {
		payee.balance = payee.balance.Add(in.Amount)
	}
	s.pending = append(s.pending, ledger.Transaction{
		Sender:   in.Sender,
		Receiver: in.Receiver,
		Amount:   in.Amount,
		Timestamp: ledger.Timestamp{
			Time: time.Now().UTC(),
		},
		SenderAddress: payer.wallet,
	})

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":     "Transaction sent",
		"new_balance": json.Number(payer.balance.String()),
	})
}

func (s *Server) handleAddTransaction(w http.ResponseWriter, r *http.Request, _ *user) {
	var in transferInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !in.Amount.IsPositive() {
		writeError(w, http.StatusBadRequest, "Amount must be positive")
		return
	}

	s.mu.Lock()
	s.pending = append(s.pending, ledger.Transaction{
		Sender:    in.Sender,
		Receiver:  in.Receiver,
		Amount:    in.Amount,
		Timestamp: ledger.Timestamp{Time: time.Now().UTC()},
	})
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, map[string]string{"message": "Transaction will be added to the next block"})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request, _ *user) {
	s.mu.Lock()
	u := s.lookupLocked(mux.Vars(r)["id"])
	var balance decimal.Decimal
	if u != nil {
		balance = u.balance
	}
	s.mu.Unlock()

	if u == nil {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"balance": json.Number(balance.String())})
}

func (s *Server) handleMine(w http.ResponseWriter, r *http.Request, _ *user) {
	s.mu.Lock()
	block := s.appendBlockLocked(s.pending)
	s.pending = nil
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Block mined",
		"block":   block,
	})
}

// =============================================================================
// Helpers
// =============================================================================

func (s *Server) lookupLocked(id string) *user {
	n, err := strconv.Atoi(strings.TrimSpace(id))
	if err != nil {
		return nil
	}
	return s.users[n]
}

func (s *Server) appendBlockLocked(txs []ledger.Transaction) ledger.Block {
	prev := s.chain[len(s.chain)-1]
	prevHash := prev.Hash
	nonce := int64(len(s.chain) * 7)
	block := ledger.Block{
		Index:        prev.Index + 1,
		PreviousHash: &prevHash,
		Timestamp:    ledger.Timestamp{Time: time.Now().UTC()},
		Nonce:        &nonce,
		Transactions: append([]ledger.Transaction{}, txs...),
	}
	block.Hash = hashBlock(block.Index, prevHash, len(txs))
	s.chain = append(s.chain, block)
	return block
}

func genesis() ledger.Block {
	nonce := int64(0)
	return ledger.Block{
		Index:        0,
		Hash:         hashBlock(0, "", 0),
		Timestamp:    ledger.Timestamp{Time: time.Unix(1700000000, 0).UTC()},
		Nonce:        &nonce,
		Transactions: []ledger.Transaction{},
	}
}

func hashBlock(index uint64, prev string, txs int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d|%s|%d", index, prev, txs)))
	return hex.EncodeToString(sum[:])
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
