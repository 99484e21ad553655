package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/bonomat/satsday/internal/ark"
	"github.com/bonomat/satsday/internal/events"
	"github.com/bonomat/satsday/internal/keys"
	"github.com/bonomat/satsday/internal/ledger"
	"github.com/bonomat/satsday/internal/logging"
	"github.com/bonomat/satsday/internal/nonce"
	"github.com/bonomat/satsday/internal/processor"
	"github.com/bonomat/satsday/internal/version"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Api provides the read-only HTTP surface and the WebSocket feed of
// live game results. Nothing here participates in settlement.
type Api struct {
	backend       ark.Backend
	ledger        *ledger.Ledger
	nonces        *nonce.Service
	broadcaster   *events.Broadcaster
	maxPayoutSats uint64
	upgrader      websocket.Upgrader
	wsConns       map[string]*websocket.Conn
	wsMu          sync.RWMutex
}

func New(
	backend ark.Backend,
	lg *ledger.Ledger,
	nonces *nonce.Service,
	broadcaster *events.Broadcaster,
	maxPayoutSats uint64,
) *Api {
	return &Api{
		backend:       backend,
		ledger:        lg,
		nonces:        nonces,
		broadcaster:   broadcaster,
		maxPayoutSats: maxPayoutSats,
		wsConns:       make(map[string]*websocket.Conn),
		upgrader: websocket.Upgrader{
			CheckOrigin: checkWebSocketOrigin,
		},
	}
}

// checkWebSocketOrigin validates WebSocket connection origins. Allows
// same-origin requests, non-browser clients and localhost for
// development.
func checkWebSocketOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if strings.HasPrefix(origin, "http://localhost") ||
		strings.HasPrefix(origin, "http://127.0.0.1") ||
		strings.HasPrefix(origin, "https://localhost") ||
		strings.HasPrefix(origin, "https://127.0.0.1") {
		return true
	}
	originHost := extractHost(origin)
	if originHost == "" {
		return false
	}
	host := r.Host
	if host == "" {
		host = r.URL.Host
	}
	if !strings.Contains(originHost, ":") {
		if idx := strings.LastIndex(host, ":"); idx != -1 {
			host = host[:idx]
		}
	}
	return originHost == host
}

func extractHost(urlStr string) string {
	if idx := strings.Index(urlStr, "://"); idx != -1 {
		urlStr = urlStr[idx+3:]
	}
	if idx := strings.Index(urlStr, "/"); idx != -1 {
		urlStr = urlStr[:idx]
	}
	return urlStr
}

// RegisterHandlers registers HTTP handlers on the given ServeMux
func (a *Api) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/address", a.HandleAddress)
	mux.HandleFunc("/boarding-address", a.HandleBoardingAddress)
	mux.HandleFunc("/game-addresses", a.HandleGameAddresses)
	mux.HandleFunc("/games", a.HandleGames)
	mux.HandleFunc("/stats", a.HandleStats)
	mux.HandleFunc("/balance", a.HandleBalance)
	mux.HandleFunc("/version", a.HandleVersion)
	mux.HandleFunc("/ws", a.HandleWebSocket)
}

// StartServer starts the HTTP server
func (a *Api) StartServer(addr string) error {
	logger := logging.GetLogger()

	mux := http.NewServeMux()
	a.RegisterHandlers(mux)

	// Start WebSocket broadcaster
	go a.broadcastLoop()

	logger.Infof("starting API server on %s", addr)
	return http.ListenAndServe(addr, corsMiddleware(mux))
}

// corsMiddleware sets permissive CORS headers for the read surface
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJson(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func (a *Api) HandleAddress(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJson(w, map[string]any{
		"address": a.backend.MainAddress(),
	})
}

func (a *Api) HandleBoardingAddress(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJson(w, map[string]any{
		"boarding_address": a.backend.BoardingAddress(),
	})
}

// GameAddressInfo advertises one game address together with the rules a
// player needs to verify before betting
type GameAddressInfo struct {
	Address         string  `json:"address"`
	Multiplier      string  `json:"multiplier"`
	MultiplierValue uint64  `json:"multiplier_value"`
	WinThreshold    uint16  `json:"win_threshold"`
	WinProbability  float64 `json:"win_probability"`
	MaxBetAmount    uint64  `json:"max_bet_amount"`
}

func (a *Api) HandleGameAddresses(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	gameAddresses := a.backend.GameAddresses()
	infos := make([]GameAddressInfo, 0, len(gameAddresses))
	for _, gameAddress := range gameAddresses {
		multiplier := gameAddress.Multiplier
		infos = append(infos, GameAddressInfo{
			Address:         gameAddress.Address,
			Multiplier:      multiplier.String(),
			MultiplierValue: multiplier.Ratio(),
			WinThreshold:    multiplier.Threshold(),
			WinProbability:  multiplier.WinProbability(),
			MaxBetAmount: processor.DonationCap(
				a.maxPayoutSats,
				multiplier,
			),
		})
	}
	writeJson(w, map[string]any{
		"game_addresses": infos,
		"info": map[string]string{
			"roll_range":    "0-65535",
			"win_condition": "rolled_number < win_threshold",
		},
	})
}

func (a *Api) HandleGames(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	page := queryInt(r, "page", 1)
	if page < 1 {
		page = 1
	}
	pageSize := queryInt(r, "page_size", 20)
	if pageSize < 1 {
		pageSize = 1
	}
	if pageSize > 100 {
		pageSize = 100
	}
	rows, err := a.ledger.GetGameResultsPage(page, pageSize)
	if err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	total, err := a.ledger.GetTotalGameCount()
	if err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	items := make([]events.GameResult, 0, len(rows))
	for _, row := range rows {
		items = append(items, a.gameHistoryItem(row))
	}
	totalPages := (total + int64(pageSize) - 1) / int64(pageSize)
	writeJson(w, map[string]any{
		"games":       items,
		"total":       total,
		"page":        page,
		"page_size":   pageSize,
		"total_pages": totalPages,
	})
}

// gameHistoryItem converts a ledger row into the public history item,
// attaching the fairness commitment: the nonce hash always, the nonce
// value once it has rotated out of service
func (a *Api) gameHistoryItem(row ledger.GameResult) events.GameResult {
	var revealable *string
	if value, ok := a.nonces.Revealable(row.Nonce); ok {
		revealable = &value
	}
	var payout *uint64
	if row.WinningAmount != nil {
		value := uint64(*row.WinningAmount)
		payout = &value
	}
	return events.GameResult{
		Id:           strconv.FormatUint(uint64(row.ID), 10),
		AmountSent:   uint64(row.BetAmount),
		Multiplier:   float64(row.Multiplier) / 100.0,
		ResultNumber: row.RolledNumber,
		TargetNumber: targetNumber(row.Multiplier),
		IsWin:        row.IsWinner,
		Payout:       payout,
		InputTxId:    row.InputTxId,
		OutputTxId:   row.OutputTxId,
		Nonce:        revealable,
		NonceHash:    nonce.Hash(row.Nonce),
		Timestamp:    row.Timestamp.Unix(),
	}
}

func targetNumber(ratio int64) int64 {
	if multiplier, ok := keys.MultiplierFromRatio(uint64(ratio)); ok {
		return int64(multiplier.Threshold())
	}
	return 0
}

func (a *Api) HandleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	stats, err := a.ledger.GetStats()
	if err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	gameAddresses := a.backend.GameAddresses()
	perAddress := make([]map[string]any, 0, len(gameAddresses))
	vtxos, err := a.backend.ListVtxos(
		r.Context(),
		addressList(gameAddresses),
	)
	if err != nil {
		logging.GetLogger().Errorf("failed to list VTXOs for stats: %s", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	for _, gameAddress := range gameAddresses {
		var count int
		var received uint64
		for _, vtxo := range vtxos {
			if gameAddress.MatchesScript(vtxo.Script) {
				count++
				received += vtxo.Amount
			}
		}
		perAddress = append(perAddress, map[string]any{
			"multiplier":      gameAddress.Multiplier.String(),
			"address":         gameAddress.Address,
			"number_of_games": count,
			"total_received":  received,
		})
	}
	writeJson(w, map[string]any{
		"total_games":       stats.TotalGames,
		"total_donations":   stats.TotalDonations,
		"total_winners":     stats.TotalWinners,
		"unpaid_winners":    stats.UnpaidWinners,
		"total_bet_sats":    stats.TotalBetSats,
		"total_payout_sats": stats.TotalPayoutSats,
		"game_stats":        perAddress,
	})
}

func (a *Api) HandleBalance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	balance, err := a.backend.Balance(r.Context())
	if err != nil {
		logging.GetLogger().Errorf("failed to fetch balance: %s", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJson(w, map[string]any{
		"offchain": map[string]uint64{
			"spendable": balance.OffchainSpendable,
			"expired":   balance.OffchainExpired,
		},
		"boarding": map[string]uint64{
			"spendable": balance.BoardingSpendable,
			"expired":   balance.BoardingExpired,
			"pending":   balance.BoardingPending,
		},
	})
}

func (a *Api) HandleVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJson(w, map[string]string{
		"version": version.GetVersionString(),
	})
}

// HandleWebSocket upgrades the connection and streams live game results.
// Recent history is sent first so a client can render immediately.
func (a *Api) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	logger := logging.GetLogger()
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Errorf("websocket upgrade failed: %s", err)
		return
	}
	connId := uuid.NewString()

	a.wsMu.Lock()
	a.wsConns[connId] = conn
	a.wsMu.Unlock()
	logger.Debugf("websocket client %s connected from %s", connId, conn.RemoteAddr())

	defer func() {
		a.wsMu.Lock()
		delete(a.wsConns, connId)
		a.wsMu.Unlock()
		_ = conn.Close()
		logger.Debugf("websocket client %s disconnected", connId)
	}()

	// Send recent history first
	rows, err := a.ledger.GetGameResultsPage(1, 20)
	if err == nil {
		items := make([]events.GameResult, 0, len(rows))
		for _, row := range rows {
			items = append(items, a.gameHistoryItem(row))
		}
		_ = conn.WriteJSON(map[string]any{
			"type":  "history",
			"games": items,
		})
	}

	// Read messages (for ping/pong and close handling)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

// broadcastLoop subscribes to settlement events and pushes them to every
// connected WebSocket client
func (a *Api) broadcastLoop() {
	logger := logging.GetLogger()
	subId, updates := a.broadcaster.Subscribe()
	defer a.broadcaster.Unsubscribe(subId)

	for update := range updates {
		var failedConns []string

		a.wsMu.RLock()
		for connId, conn := range a.wsConns {
			if err := conn.WriteJSON(update); err != nil {
				logger.Debugf(
					"failed to push update to websocket client %s: %s",
					connId,
					err,
				)
				failedConns = append(failedConns, connId)
			}
		}
		a.wsMu.RUnlock()

		// Remove failed connections outside of the read lock
		if len(failedConns) > 0 {
			a.wsMu.Lock()
			for _, connId := range failedConns {
				if conn, ok := a.wsConns[connId]; ok {
					delete(a.wsConns, connId)
					_ = conn.Close()
				}
			}
			a.wsMu.Unlock()
		}
	}
}

// WebSocketClientCount returns the number of connected clients
func (a *Api) WebSocketClientCount() int {
	a.wsMu.RLock()
	defer a.wsMu.RUnlock()
	return len(a.wsConns)
}

func addressList(gameAddresses []ark.GameAddress) []string {
	ret := make([]string, 0, len(gameAddresses))
	for _, gameAddress := range gameAddresses {
		ret = append(ret, gameAddress.Address)
	}
	return ret
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}
