package room

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/koopa0/system-design/gomoku-room-engine/internal/broadcast"
	"github.com/koopa0/system-design/gomoku-room-engine/internal/gomoku"
	apperrors "github.com/koopa0/system-design/gomoku-room-engine/pkg/errors"
	"github.com/koopa0/system-design/gomoku-room-engine/pkg/logger"
)

// UserIDHeader 由外部網關認證後注入的用戶 ID
const UserIDHeader = "X-User-ID"

// Handler HTTP 與 WebSocket 命令入口
//
// 只做參數解析與錯誤映射，所有規則都在 Service 中。
type Handler struct {
	service *Service
	hub     *broadcast.Hub
	logger  *slog.Logger
}

// NewHandler 創建處理器，hub 為 nil 時不提供 WebSocket
func NewHandler(service *Service, hub *broadcast.Hub, logger *slog.Logger) *Handler {
	return &Handler{
		service: service,
		hub:     hub,
		logger:  logger,
	}
}

// Routes 設定路由
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.loggerMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/health", h.health)

	r.Route("/api/v1/rooms", func(r chi.Router) {
		r.Post("/", h.createRoom)
		r.Get("/", h.listRooms)

		r.Route("/{roomID}", func(r chi.Router) {
			r.Get("/", h.snapshot)
			r.Post("/seats", h.bindSeat)
			r.Post("/seat-key", h.issueSeatKey)
			r.Post("/seat-key/bind", h.bindSeatKey)
			r.Post("/moves", h.place)
			r.Post("/resign", h.resign)
			r.Post("/restart", h.restart)
			r.Post("/new-game", h.newGame)
			r.Get("/suggest", h.suggest)
			r.Post("/ready", h.toggleReady)
			r.Post("/start", h.startGame)
			r.Post("/leave", h.leave)
			r.Post("/kick", h.kick)
			r.Get("/history", h.history)
		})
	})

	if h.hub != nil {
		r.Get("/ws/rooms/{roomID}", h.serveWS)
	}
	return r
}

// 請求結構
type createRoomRequest struct {
	Mode    string `json:"mode"`
	Rule    string `json:"rule"`
	AIPiece string `json:"aiPiece"`
}

type bindSeatRequest struct {
	Side string `json:"side"`
}

type seatKeyRequest struct {
	Side        string `json:"side"`
	ExistingKey string `json:"existingKey"`
}

type bindSeatKeyRequest struct {
	SeatKey string `json:"seatKey"`
}

type moveRequest struct {
	X int `json:"x"`
	Y int `json:"y"`
}

type kickRequest struct {
	UserID string `json:"userId"`
}

func (h *Handler) createRoom(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	var req createRoomRequest
	if !h.decode(w, r, &req) {
		return
	}

	mode, ok := gomoku.ParseMode(req.Mode)
	if !ok {
		h.errorResponse(w, r, apperrors.ErrInvalidInput.WithDetails("unknown mode "+req.Mode))
		return
	}
	rule, ok := gomoku.ParseRule(req.Rule)
	if !ok {
		h.errorResponse(w, r, apperrors.ErrInvalidInput.WithDetails("unknown rule "+req.Rule))
		return
	}
	aiPiece, ok := gomoku.ParsePiece(req.AIPiece)
	if !ok {
		h.errorResponse(w, r, apperrors.ErrInvalidInput.WithDetails("aiPiece must be X or O"))
		return
	}

	roomID, err := h.service.NewRoom(r.Context(), mode, aiPiece, rule, userID)
	if err != nil {
		h.errorResponse(w, r, err)
		return
	}
	snap, err := h.service.Snapshot(r.Context(), roomID)
	if err != nil {
		h.errorResponse(w, r, err)
		return
	}
	h.jsonResponse(w, snap, http.StatusCreated)
}

func (h *Handler) listRooms(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	offset, _ := strconv.Atoi(query.Get("offset"))
	limit, _ := strconv.Atoi(query.Get("limit"))

	rooms, err := h.service.ListRooms(r.Context(), offset, limit)
	if err != nil {
		h.errorResponse(w, r, err)
		return
	}
	h.jsonResponse(w, map[string]any{
		"rooms":  rooms,
		"offset": offset,
	}, http.StatusOK)
}

func (h *Handler) snapshot(w http.ResponseWriter, r *http.Request) {
	h.respondSnapshot(w, r, chi.URLParam(r, "roomID"), http.StatusOK)
}

func (h *Handler) bindSeat(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	var req bindSeatRequest
	if !h.decode(w, r, &req) {
		return
	}
	want, ok := gomoku.ParsePiece(req.Side)
	if !ok {
		h.errorResponse(w, r, apperrors.ErrInvalidInput.WithDetails("side must be X or O"))
		return
	}

	side, err := h.service.ResolveAndBindSide(r.Context(), chi.URLParam(r, "roomID"), userID, want)
	if err != nil {
		h.errorResponse(w, r, err)
		return
	}
	h.jsonResponse(w, map[string]any{"side": side}, http.StatusOK)
}

func (h *Handler) issueSeatKey(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	var req seatKeyRequest
	if !h.decode(w, r, &req) {
		return
	}
	side, ok := gomoku.ParsePiece(req.Side)
	if !ok {
		h.errorResponse(w, r, apperrors.ErrInvalidInput.WithDetails("side must be X or O"))
		return
	}

	key, err := h.service.IssueSeatKey(r.Context(), chi.URLParam(r, "roomID"), side, userID, req.ExistingKey)
	if err != nil {
		h.errorResponse(w, r, err)
		return
	}
	var out *string
	if key != "" {
		out = &key
	}
	h.jsonResponse(w, map[string]any{"seatKey": out}, http.StatusOK)
}

func (h *Handler) bindSeatKey(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	var req bindSeatKeyRequest
	if !h.decode(w, r, &req) {
		return
	}

	side, err := h.service.BindBySeatKey(r.Context(), chi.URLParam(r, "roomID"), req.SeatKey, userID)
	if err != nil {
		h.errorResponse(w, r, err)
		return
	}
	if side == gomoku.Empty {
		h.errorResponse(w, r, apperrors.ErrInvalidInput.WithDetails("unknown seat key"))
		return
	}
	h.jsonResponse(w, map[string]any{"side": side}, http.StatusOK)
}

func (h *Handler) place(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	side, ok := h.requireSeat(w, r, roomID)
	if !ok {
		return
	}
	var req moveRequest
	if !h.decode(w, r, &req) {
		return
	}

	if _, err := h.service.Place(r.Context(), roomID, req.X, req.Y, side); err != nil {
		h.errorResponse(w, r, err)
		return
	}
	h.respondSnapshot(w, r, roomID, http.StatusOK)
}

func (h *Handler) resign(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	side, ok := h.requireSeat(w, r, roomID)
	if !ok {
		return
	}
	if _, err := h.service.Resign(r.Context(), roomID, side); err != nil {
		h.errorResponse(w, r, err)
		return
	}
	h.respondSnapshot(w, r, roomID, http.StatusOK)
}

func (h *Handler) restart(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	if _, ok := h.requireSeat(w, r, roomID); !ok {
		return
	}
	if _, err := h.service.Restart(r.Context(), roomID); err != nil {
		h.errorResponse(w, r, err)
		return
	}
	h.respondSnapshot(w, r, roomID, http.StatusOK)
}

func (h *Handler) newGame(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	if _, ok := h.requireSeat(w, r, roomID); !ok {
		return
	}
	if _, err := h.service.NewGame(r.Context(), roomID); err != nil {
		h.errorResponse(w, r, err)
		return
	}
	h.respondSnapshot(w, r, roomID, http.StatusOK)
}

func (h *Handler) suggest(w http.ResponseWriter, r *http.Request) {
	side, ok := gomoku.ParsePiece(r.URL.Query().Get("side"))
	if !ok {
		h.errorResponse(w, r, apperrors.ErrInvalidInput.WithDetails("side must be X or O"))
		return
	}
	move, err := h.service.Suggest(r.Context(), chi.URLParam(r, "roomID"), side)
	if err != nil {
		h.errorResponse(w, r, err)
		return
	}
	h.jsonResponse(w, map[string]any{"move": move}, http.StatusOK)
}

func (h *Handler) toggleReady(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	ready, err := h.service.ToggleReady(r.Context(), chi.URLParam(r, "roomID"), userID)
	if err != nil {
		h.errorResponse(w, r, err)
		return
	}
	h.jsonResponse(w, map[string]any{"ready": ready}, http.StatusOK)
}

func (h *Handler) startGame(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	roomID := chi.URLParam(r, "roomID")
	if _, err := h.service.StartGame(r.Context(), roomID, userID); err != nil {
		h.errorResponse(w, r, err)
		return
	}
	h.respondSnapshot(w, r, roomID, http.StatusOK)
}

func (h *Handler) leave(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	if err := h.service.LeaveRoom(r.Context(), chi.URLParam(r, "roomID"), userID); err != nil {
		h.errorResponse(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) kick(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	var req kickRequest
	if !h.decode(w, r, &req) {
		return
	}
	roomID := chi.URLParam(r, "roomID")
	if err := h.service.KickPlayer(r.Context(), roomID, userID, req.UserID); err != nil {
		h.errorResponse(w, r, err)
		return
	}
	h.respondSnapshot(w, r, roomID, http.StatusOK)
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	results, err := h.service.History(r.Context(), chi.URLParam(r, "roomID"), limit)
	if err != nil {
		h.errorResponse(w, r, err)
		return
	}
	h.jsonResponse(w, map[string]any{"games": results}, http.StatusOK)
}

// serveWS 升級連接，第一條消息是房間快照
func (h *Handler) serveWS(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		userID = r.Header.Get(UserIDHeader)
	}
	if userID == "" {
		h.errorResponse(w, r, apperrors.ErrInvalidInput.WithDetails("user_id is required"))
		return
	}

	snap, err := h.service.Snapshot(r.Context(), roomID)
	if err != nil {
		h.errorResponse(w, r, err)
		return
	}
	h.hub.ServeWS(w, r, roomID, userID, broadcast.NewEvent(broadcast.EventSnapshot, roomID, snap))
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Ping(r.Context()); err != nil {
		h.errorResponse(w, r, err)
		return
	}
	h.jsonResponse(w, map[string]any{
		"status": "healthy",
		"time":   time.Now().Unix(),
	}, http.StatusOK)
}

// requireUser 讀取 X-User-ID，缺少時回應 400
func (h *Handler) requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := r.Header.Get(UserIDHeader)
	if userID == "" {
		h.errorResponse(w, r, apperrors.ErrInvalidInput.WithDetails(UserIDHeader+" header is required"))
		return "", false
	}
	return userID, true
}

// requireSeat 請求者在房間中的座位，落子與認輸都以此為準
func (h *Handler) requireSeat(w http.ResponseWriter, r *http.Request, roomID string) (gomoku.Piece, bool) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return gomoku.Empty, false
	}
	side, err := h.service.SeatOf(r.Context(), roomID, userID)
	if err != nil {
		h.errorResponse(w, r, err)
		return gomoku.Empty, false
	}
	return side, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.errorResponse(w, r, apperrors.ErrInvalidInput.WithDetails("invalid request body"))
		return false
	}
	return true
}

func (h *Handler) respondSnapshot(w http.ResponseWriter, r *http.Request, roomID string, status int) {
	snap, err := h.service.Snapshot(r.Context(), roomID)
	if err != nil {
		h.errorResponse(w, r, err)
		return
	}
	h.jsonResponse(w, snap, status)
}

// jsonResponse 返回 JSON 響應
func (h *Handler) jsonResponse(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("encode response failed", "error", err)
	}
}

// errorResponse 依錯誤碼回應
//
// 被搶先的 CAS 寫入不是錯誤：回應 204，由 STATE 廣播帶來最新狀態。
func (h *Handler) errorResponse(w http.ResponseWriter, r *http.Request, err error) {
	if apperrors.IsStaleWrite(err) {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	status := apperrors.HTTPStatus(err)
	body := map[string]any{"error": err.Error()}
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		body["code"] = appErr.Code
		body["error"] = appErr.Message
		if appErr.Details != "" {
			body["details"] = appErr.Details
		}
	}
	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
	}
	h.jsonResponse(w, body, status)
}

// loggerMiddleware 請求日誌，並把用戶 ID 放進 context
func (h *Handler) loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		if userID := r.Header.Get(UserIDHeader); userID != "" {
			r = r.WithContext(logger.WithUserID(r.Context(), userID))
		}

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		h.logger.InfoContext(r.Context(), "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
