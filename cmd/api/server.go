package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"bondflow/auth"
	"bondflow/casefile"
	"bondflow/catalog"
	"bondflow/packet"
	"bondflow/signing"
	"bondflow/webhook"
)

const maxWebhookBodyBytes = 1 << 20 // 1MB

type ctxKey string

const (
	ctxKeyOperatorID ctxKey = "operatorID"
	ctxKeyRole       ctxKey = "role"
)

type authService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.Operator, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(token string) (string, auth.Role, error)
}

type rosterLoader interface {
	LoadRoster(ctx context.Context, caseID string) (casefile.Roster, error)
}

type packetComposer interface {
	Compose(roster casefile.Roster, templateKeys []string) (packet.Packet, error)
}

type packetDispatcher interface {
	DispatchPacket(ctx context.Context, pkt packet.Packet, method signing.DeliveryMethod) ([]signing.Binding, error)
	Resend(ctx context.Context, bindingID string) (signing.Binding, error)
}

type bindingTracker interface {
	ListByCase(ctx context.Context, caseID string) ([]signing.Binding, error)
}

type eventIngestor interface {
	HandleProviderEvent(ctx context.Context, raw []byte, signatureHeader string) (signing.ApplyResult, error)
}

// Server wires the HTTP surface to the domain services.
type Server struct {
	authService authService
	rosters     rosterLoader
	composer    packetComposer
	dispatcher  packetDispatcher
	tracker     bindingTracker
	ingestor    eventIngestor
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/register", s.handleRegister)
	mux.HandleFunc("/api/login", s.handleLogin)
	mux.HandleFunc("/api/cases/", s.requireAuth(s.handleCaseDetail))
	mux.HandleFunc("/api/bindings/", s.requireAuth(s.handleBindingDetail))
	mux.HandleFunc("/webhooks/esign", s.handleEsignWebhook)
	return mux
}

// requireAuth validates the bearer token and stores the operator identity
// on the request context.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		operatorID, role, err := s.authService.VerifyToken(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyOperatorID, operatorID)
		ctx = context.WithValue(ctx, ctxKeyRole, role)
		next(w, r.WithContext(ctx))
	}
}

type operatorResponse struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	FullName string `json:"fullName"`
	Role     string `json:"role"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req auth.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	op, err := s.authService.Register(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrDuplicateEmail):
			writeError(w, http.StatusConflict, "email already registered")
		case errors.Is(err, auth.ErrWeakPassword):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusCreated, operatorResponse{
		ID:       op.ID,
		Email:    op.Email,
		FullName: op.FullName,
		Role:     string(op.Role),
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req auth.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	result, err := s.authService.Login(r.Context(), req)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"token": result.Token,
		"operator": operatorResponse{
			ID:       result.Operator.ID,
			Email:    result.Operator.Email,
			FullName: result.Operator.FullName,
			Role:     string(result.Operator.Role),
		},
	})
}

// handleCaseDetail routes /api/cases/{id}/{action}.
func (s *Server) handleCaseDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/cases/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) != 2 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "expected /api/cases/{id}/{action}")
		return
	}
	caseID, action := parts[0], parts[1]

	switch action {
	case "manifest":
		s.handleManifest(w, r, caseID)
	case "dispatch":
		s.handleDispatch(w, r, caseID)
	case "signing":
		s.handleSigningStatus(w, r, caseID)
	default:
		writeError(w, http.StatusNotFound, "unknown case action")
	}
}

type placedFieldResponse struct {
	Type   string  `json:"type"`
	Role   string  `json:"role"`
	Page   int     `json:"page"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	Signer string  `json:"signerPersonId"`
}

type instanceResponse struct {
	InstanceKey string                `json:"instanceKey"`
	TemplateKey string                `json:"templateKey"`
	BoundSigner string                `json:"boundSignerName"`
	PageOffset  int                   `json:"pageOffset"`
	PageCount   int                   `json:"pageCount"`
	Fields      []placedFieldResponse `json:"fields"`
}

type packetResponse struct {
	CaseID          string             `json:"caseId"`
	Instances       []instanceResponse `json:"instances"`
	TotalPages      int                `json:"totalPages"`
	TotalSignatures int                `json:"totalSignatures"`
}

// handleManifest composes a read-only packet preview. No bindings are
// created and nothing is persisted.
func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request, caseID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	keys := splitTemplateKeys(r.URL.Query().Get("templates"))
	if len(keys) == 0 {
		writeError(w, http.StatusBadRequest, "missing templates query parameter")
		return
	}

	pkt, err := s.composePacket(r.Context(), w, caseID, keys)
	if err != nil {
		return
	}
	writeJSON(w, http.StatusOK, toPacketResponse(pkt))
}

type dispatchRequest struct {
	TemplateKeys   []string `json:"templateKeys"`
	DeliveryMethod string   `json:"deliveryMethod"`
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request, caseID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req dispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if len(req.TemplateKeys) == 0 {
		writeError(w, http.StatusBadRequest, "templateKeys is required")
		return
	}

	pkt, err := s.composePacket(r.Context(), w, caseID, req.TemplateKeys)
	if err != nil {
		return
	}

	bindings, err := s.dispatcher.DispatchPacket(r.Context(), pkt, signing.DeliveryMethod(req.DeliveryMethod))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"items": toBindingResponses(bindings),
	})
}

func (s *Server) handleSigningStatus(w http.ResponseWriter, r *http.Request, caseID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	bindings, err := s.tracker.ListByCase(r.Context(), caseID)
	if err != nil {
		log.Printf("api: list bindings for case %s: %v", caseID, err)
		writeError(w, http.StatusInternalServerError, "list bindings failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"items": toBindingResponses(bindings),
	})
}

// handleBindingDetail routes /api/bindings/{id}/resend.
func (s *Server) handleBindingDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/bindings/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "resend" {
		writeError(w, http.StatusBadRequest, "expected /api/bindings/{id}/resend")
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	replacement, err := s.dispatcher.Resend(r.Context(), parts[0])
	if err != nil {
		switch {
		case errors.Is(err, signing.ErrBindingNotFound):
			writeError(w, http.StatusNotFound, "binding not found")
		case errors.Is(err, signing.ErrResendNotAllowed):
			writeError(w, http.StatusConflict, err.Error())
		default:
			log.Printf("api: resend binding %s: %v", parts[0], err)
			writeError(w, http.StatusInternalServerError, "resend failed")
		}
		return
	}

	writeJSON(w, http.StatusCreated, toBindingResponse(replacement))
}

// handleEsignWebhook receives provider callbacks. Authentication is the
// HMAC signature, not a bearer token. Unmatched refs are acked with 200 so
// the provider stops retrying; bad signatures are the one rejection.
func (s *Server) handleEsignWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes)
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "body too large")
		return
	}

	res, err := s.ingestor.HandleProviderEvent(r.Context(), raw, r.Header.Get("X-Signature"))
	if err != nil {
		switch {
		case errors.Is(err, webhook.ErrBadSignature):
			writeError(w, http.StatusUnauthorized, "signature mismatch")
		case errors.Is(err, webhook.ErrMalformedEvent):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			log.Printf("api: webhook event failed: %v", err)
			writeError(w, http.StatusInternalServerError, "event processing failed")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"applied": res.Applied,
	})
}

// composePacket loads the roster and composes, mapping domain failures to
// HTTP statuses. On error the response has already been written.
func (s *Server) composePacket(ctx context.Context, w http.ResponseWriter, caseID string, keys []string) (packet.Packet, error) {
	roster, err := s.rosters.LoadRoster(ctx, caseID)
	if err != nil {
		if errors.Is(err, casefile.ErrCaseNotFound) {
			writeError(w, http.StatusNotFound, "case not found")
		} else {
			log.Printf("api: load roster for case %s: %v", caseID, err)
			writeError(w, http.StatusInternalServerError, "load roster failed")
		}
		return packet.Packet{}, err
	}

	pkt, err := s.composer.Compose(roster, keys)
	if err != nil {
		switch {
		case errors.Is(err, catalog.ErrTemplateNotFound):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, packet.ErrIncompleteRoster):
			writeError(w, http.StatusUnprocessableEntity, err.Error())
		default:
			log.Printf("api: compose packet for case %s: %v", caseID, err)
			writeError(w, http.StatusInternalServerError, "compose failed")
		}
		return packet.Packet{}, err
	}
	return pkt, nil
}

type bindingResponse struct {
	ID                 string  `json:"id"`
	CaseID             string  `json:"caseId"`
	InstanceKey        string  `json:"instanceKey"`
	SignerPersonID     string  `json:"signerPersonId"`
	SignerName         string  `json:"signerName"`
	DeliveryMethod     string  `json:"deliveryMethod"`
	Status             string  `json:"status"`
	Attempts           int     `json:"attempts"`
	SentAt             *string `json:"sentAt,omitempty"`
	SignedAt           *string `json:"signedAt,omitempty"`
	ProviderSessionRef *string `json:"providerSessionRef,omitempty"`
	SupersededBy       *string `json:"supersededBy,omitempty"`
	LastError          *string `json:"lastError,omitempty"`
}

func toBindingResponse(b signing.Binding) bindingResponse {
	return bindingResponse{
		ID:                 b.ID,
		CaseID:             b.CaseID,
		InstanceKey:        b.InstanceKey,
		SignerPersonID:     b.SignerPersonID,
		SignerName:         b.SignerName,
		DeliveryMethod:     string(b.DeliveryMethod),
		Status:             string(b.Status),
		Attempts:           b.Attempts,
		SentAt:             formatTime(b.SentAt),
		SignedAt:           formatTime(b.SignedAt),
		ProviderSessionRef: b.ProviderSessionRef,
		SupersededBy:       b.SupersededBy,
		LastError:          b.LastError,
	}
}

func toBindingResponses(bindings []signing.Binding) []bindingResponse {
	out := make([]bindingResponse, 0, len(bindings))
	for _, b := range bindings {
		out = append(out, toBindingResponse(b))
	}
	return out
}

func toPacketResponse(pkt packet.Packet) packetResponse {
	resp := packetResponse{
		CaseID:          pkt.CaseID,
		Instances:       make([]instanceResponse, 0, len(pkt.Instances)),
		TotalPages:      pkt.TotalPages,
		TotalSignatures: pkt.TotalSignatures,
	}
	for _, inst := range pkt.Instances {
		ir := instanceResponse{
			InstanceKey: inst.InstanceKey,
			TemplateKey: inst.TemplateKey,
			BoundSigner: inst.BoundSigner.FullName,
			PageOffset:  inst.PageOffset,
			PageCount:   inst.PageCount,
			Fields:      make([]placedFieldResponse, 0, len(inst.Fields)),
		}
		for _, f := range inst.Fields {
			ir.Fields = append(ir.Fields, placedFieldResponse{
				Type:   string(f.Type),
				Role:   string(f.Role),
				Page:   f.Page,
				X:      f.X,
				Y:      f.Y,
				Width:  f.Width,
				Height: f.Height,
				Signer: f.Signer.PersonID,
			})
		}
		resp.Instances = append(resp.Instances, ir)
	}
	return resp
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func splitTemplateKeys(raw string) []string {
	var keys []string
	for _, k := range strings.Split(raw, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("api: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
