package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/dmsg-chat/dmsg/internal/lifecycle"
	"github.com/dmsg-chat/dmsg/internal/protocol"
	"github.com/dmsg-chat/dmsg/internal/reputation"
	intsync "github.com/dmsg-chat/dmsg/internal/sync"
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

const maxRPCBodyBytes int64 = 1 << 20 // 1 MiB

const (
	codeInvalidParams = -32602
	codeNotReady      = -32010
	codeSyncFailed    = -32020
	codeConsentFailed = -32030
	codeStoreFailed   = -32040
	codeFetchFailed   = -32050
)

func rpcInvalidParams() *rpcError {
	return &rpcError{Code: codeInvalidParams, Message: "invalid params"}
}

func rpcServiceError(code int, err error) *rpcError {
	return &rpcError{Code: code, Message: err.Error()}
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRPCBodyBytes)
	var req rpcRequest
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&req); err != nil {
		writeRPC(w, rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: -32700, Message: "parse error"}})
		return
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		writeRPC(w, rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: -32600, Message: "invalid request"}})
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		writeRPC(w, rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: -32600, Message: "invalid request"}})
		return
	}

	started := time.Now()
	result, rpcErr := s.dispatch(r.Context(), req.Method, req.Params)
	if rpcErr != nil {
		s.logger.Warn("rpc failed",
			zap.String("method", req.Method),
			zap.Int("code", rpcErr.Code),
			zap.Duration("latency", time.Since(started)))
	} else {
		s.logger.Debug("rpc ok",
			zap.String("method", req.Method),
			zap.Duration("latency", time.Since(started)))
	}

	writeRPC(w, rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: result, Error: rpcErr})
}

func writeRPC(w http.ResponseWriter, resp rpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) dispatch(ctx context.Context, method string, params json.RawMessage) (any, *rpcError) {
	switch method {
	case "session.status":
		return s.rpcSessionStatus(), nil
	case "conversation.list":
		return s.rpcConversationList(ctx, params)
	case "conversation.setActive":
		return s.rpcSetActive(params)
	case "message.list":
		return s.rpcMessageList(params)
	case "message.send":
		return s.rpcMessageSend(params)
	case "consent.get":
		return s.rpcConsentGet(params)
	case "consent.set":
		return s.rpcConsentSet(ctx, params)
	case "reputation.get":
		return s.rpcReputationGet(ctx, params)
	case "reputation.batch":
		return s.rpcReputationBatch(ctx, params)
	default:
		return nil, &rpcError{Code: -32601, Message: "method not found"}
	}
}

type sessionStatusResult struct {
	Session   string `json:"session"`
	State     string `json:"state"`
	Address   string `json:"address,omitempty"`
	InboxID   string `json:"inboxId,omitempty"`
	LastError string `json:"lastError,omitempty"`
}

func (s *Server) rpcSessionStatus() sessionStatusResult {
	res := sessionStatusResult{
		Session: s.sessionName,
		State:   string(s.manager.State()),
		Address: s.manager.SignerAddress(),
	}
	if client, err := s.manager.Client(); err == nil {
		res.InboxID = client.InboxID()
	}
	if err := s.manager.LastError(); err != nil {
		res.LastError = err.Error()
	}
	return res
}

type wireMessage struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	Body           string `json:"body"`
	Status         string `json:"status"`
	SentAt         int64  `json:"sentAt"`
}

type wirePreview struct {
	ID          string       `json:"id"`
	Kind        string       `json:"kind"`
	PeerAddress string       `json:"peerAddress"`
	Consent     string       `json:"consent"`
	CreatedAt   int64        `json:"createdAt"`
	LastMessage *wireMessage `json:"lastMessage,omitempty"`
	Unread      int          `json:"unread"`
}

type conversationListParams struct {
	Consent string `json:"consent"`
}

type conversationListResult struct {
	Conversations []wirePreview `json:"conversations"`
	// Source is "network" for a fresh fetch, "partial" when the fetch failed
	// midway and the list is best-effort, "store" when the daemon has no
	// live client and serves the persisted mirror.
	Source string `json:"source"`
	// Error carries the fetch failure when Source is "partial", so clients
	// can render the previews obtained so far alongside a retry affordance.
	Error string `json:"error,omitempty"`
}

func (s *Server) rpcConversationList(ctx context.Context, params json.RawMessage) (any, *rpcError) {
	var p conversationListParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, rpcInvalidParams()
		}
	}
	var f intsync.Filter
	if p.Consent != "" {
		state := protocol.ParseConsentState(p.Consent)
		f.ConsentState = &state
	}

	previews, err := s.engine.ListPreviews(ctx, f)
	if err != nil {
		if errors.Is(err, lifecycle.ErrNotReady) {
			return s.listFromStore(f)
		}
		var syncErr *intsync.SyncError
		if errors.As(err, &syncErr) {
			out := make([]wirePreview, 0, len(syncErr.Partial))
			for i := range syncErr.Partial {
				out = append(out, toWirePreview(&syncErr.Partial[i]))
			}
			return conversationListResult{Conversations: out, Source: "partial", Error: syncErr.Err.Error()}, nil
		}
		return nil, rpcServiceError(codeSyncFailed, err)
	}

	out := make([]wirePreview, 0, len(previews))
	for i := range previews {
		out = append(out, toWirePreview(&previews[i]))
	}
	return conversationListResult{Conversations: out, Source: "network"}, nil
}

// listFromStore serves the persisted conversation mirror when no live client
// exists, so a restarted daemon answers before its first network round-trip.
func (s *Server) listFromStore(f intsync.Filter) (any, *rpcError) {
	rows, err := s.db.ListConversations()
	if err != nil {
		return nil, rpcServiceError(codeStoreFailed, err)
	}
	out := make([]wirePreview, 0, len(rows))
	for _, row := range rows {
		if f.ConsentState != nil && row.ConsentState != string(*f.ConsentState) {
			continue
		}
		wp := wirePreview{
			ID:          row.ID,
			Kind:        row.Kind,
			PeerAddress: row.PeerAddress,
			Consent:     row.ConsentState,
			CreatedAt:   row.CreatedAt,
			Unread:      s.tracker.Count(row.ID),
		}
		if row.LastMessageAt != 0 {
			wp.LastMessage = &wireMessage{
				ConversationID: row.ID,
				SenderID:       row.LastMessageSender,
				Body:           row.LastMessagePreview,
				SentAt:         row.LastMessageAt,
			}
		}
		out = append(out, wp)
	}
	return conversationListResult{Conversations: out, Source: "store"}, nil
}

func toWirePreview(p *intsync.Preview) wirePreview {
	wp := wirePreview{
		ID:          p.ID,
		Kind:        string(p.Kind),
		PeerAddress: p.PeerAddress,
		Consent:     string(p.Consent),
		CreatedAt:   p.CreatedAt.UnixMilli(),
		Unread:      p.Unread,
	}
	if p.LastMessage != nil {
		wp.LastMessage = &wireMessage{
			ID:             p.LastMessage.ID,
			ConversationID: p.LastMessage.ConversationID,
			SenderID:       p.LastMessage.SenderID,
			Body:           p.LastMessage.Body,
			Status:         string(p.LastMessage.Status),
			SentAt:         p.LastMessage.SentAt.UnixMilli(),
		}
	}
	return wp
}

type setActiveParams struct {
	ConversationID string `json:"conversationId"`
}

func (s *Server) rpcSetActive(params json.RawMessage) (any, *rpcError) {
	var p setActiveParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, rpcInvalidParams()
	}
	s.tracker.SetActive(p.ConversationID)
	return map[string]string{"active": p.ConversationID}, nil
}

type messageListParams struct {
	ConversationID string `json:"conversationId"`
	Limit          int    `json:"limit"`
	Offset         int    `json:"offset"`
}

func (s *Server) rpcMessageList(params json.RawMessage) (any, *rpcError) {
	var p messageListParams
	if err := json.Unmarshal(params, &p); err != nil || p.ConversationID == "" {
		return nil, rpcInvalidParams()
	}
	if p.Limit <= 0 || p.Limit > 1000 {
		p.Limit = 100
	}
	rows, err := s.db.ListMessages(p.ConversationID, p.Limit, p.Offset)
	if err != nil {
		return nil, rpcServiceError(codeStoreFailed, err)
	}
	out := make([]wireMessage, 0, len(rows))
	for _, row := range rows {
		out = append(out, wireMessage{
			ID:             row.MsgID,
			ConversationID: row.ConversationID,
			SenderID:       row.SenderID,
			Body:           row.Body,
			Status:         row.Status,
			SentAt:         row.SentAt,
		})
	}
	return map[string]any{"messages": out}, nil
}

type messageSendParams struct {
	ConversationID string `json:"conversationId"`
	Body           string `json:"body"`
}

func (s *Server) rpcMessageSend(params json.RawMessage) (any, *rpcError) {
	var p messageSendParams
	if err := json.Unmarshal(params, &p); err != nil || p.ConversationID == "" || p.Body == "" {
		return nil, rpcInvalidParams()
	}
	clientMsgID, err := s.sender.Enqueue(p.ConversationID, p.Body)
	if err != nil {
		return nil, rpcServiceError(codeStoreFailed, err)
	}
	// Flush immediately rather than waiting for the next tick.
	go s.sender.ProcessPending(context.Background())
	return map[string]any{"clientMsgId": clientMsgID, "accepted": true}, nil
}

type consentParams struct {
	SubjectID string `json:"subjectId"`
	State     string `json:"state"`
}

func (s *Server) rpcConsentGet(params json.RawMessage) (any, *rpcError) {
	var p consentParams
	if err := json.Unmarshal(params, &p); err != nil || p.SubjectID == "" {
		return nil, rpcInvalidParams()
	}
	return map[string]string{
		"subjectId": p.SubjectID,
		"state":     string(s.consents.Get(p.SubjectID)),
	}, nil
}

func (s *Server) rpcConsentSet(ctx context.Context, params json.RawMessage) (any, *rpcError) {
	var p consentParams
	if err := json.Unmarshal(params, &p); err != nil || p.SubjectID == "" {
		return nil, rpcInvalidParams()
	}
	var err error
	switch protocol.ParseConsentState(p.State) {
	case protocol.ConsentAllowed:
		err = s.consents.Allow(ctx, p.SubjectID)
	case protocol.ConsentDenied:
		err = s.consents.Deny(ctx, p.SubjectID)
	default:
		return nil, rpcInvalidParams()
	}
	if err != nil {
		if errors.Is(err, lifecycle.ErrNotReady) {
			return nil, rpcServiceError(codeNotReady, err)
		}
		return nil, rpcServiceError(codeConsentFailed, err)
	}
	return map[string]string{"subjectId": p.SubjectID, "state": p.State}, nil
}

type reputationParams struct {
	Address   string   `json:"address"`
	Addresses []string `json:"addresses"`
}

type wireProfile struct {
	Address     string  `json:"address"`
	Score       float64 `json:"score"`
	Tier        string  `json:"tier"`
	DisplayName string  `json:"displayName,omitempty"`
	AvatarURL   string  `json:"avatarUrl,omitempty"`
	FetchedAt   int64   `json:"fetchedAt"`
}

func (s *Server) rpcReputationGet(ctx context.Context, params json.RawMessage) (any, *rpcError) {
	var p reputationParams
	if err := json.Unmarshal(params, &p); err != nil || p.Address == "" {
		return nil, rpcInvalidParams()
	}
	profile, err := s.cache.GetOne(ctx, p.Address)
	if err != nil {
		return nil, rpcServiceError(codeFetchFailed, err)
	}
	if profile == nil {
		return map[string]any{"profile": nil}, nil
	}
	wp := toWireProfile(profile)
	return map[string]any{"profile": &wp}, nil
}

func (s *Server) rpcReputationBatch(ctx context.Context, params json.RawMessage) (any, *rpcError) {
	var p reputationParams
	if err := json.Unmarshal(params, &p); err != nil || len(p.Addresses) == 0 {
		return nil, rpcInvalidParams()
	}
	profiles, err := s.cache.GetBatch(ctx, p.Addresses)
	if err != nil {
		return nil, rpcServiceError(codeFetchFailed, err)
	}
	out := make(map[string]wireProfile, len(profiles))
	for addr, prof := range profiles {
		out[addr] = toWireProfile(prof)
	}
	return map[string]any{"profiles": out}, nil
}

func toWireProfile(p *reputation.Profile) wireProfile {
	return wireProfile{
		Address:     p.Address,
		Score:       p.Score,
		Tier:        p.Tier,
		DisplayName: p.DisplayName,
		AvatarURL:   p.AvatarURL,
		FetchedAt:   p.FetchedAt.UnixMilli(),
	}
}
