// Package server is the HTTP protocol surface: it maps the LocalSend
// endpoints onto the device registry and the session engine, and drives
// outgoing transfers as a client against a remote peer's surface.
package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"

	"peersend/crypto"
	"peersend/discovery"
	"peersend/dto"
	"peersend/session"
)

// maxControlBodyBytes bounds JSON control payloads. Chunk uploads are
// bounded separately by the chunk size plus crypto overhead.
const maxControlBodyBytes = 1 << 20

// HistoryRecorder persists transfer outcomes and device sightings. A nil
// recorder disables history without changing protocol behavior.
type HistoryRecorder interface {
	UpsertDeviceSighting(device dto.DeviceInfo) error
	RecordSession(id, senderID, receiverID string, fileCount int, totalBytes int64) error
	RecordSessionFiles(sessionID string, files []dto.FileMetadata) error
	UpdateSessionOutcome(id, outcome string, bytesTransferred int64) error
}

// Options configures the protocol surface.
type Options struct {
	SelfID       string
	DeviceName   string
	DeviceType   string
	Version      string
	Port         int
	UsesPassword bool
	DownloadDir  string
	ChunkSize    int

	Manager  *session.Manager
	Registry *discovery.Registry
	History  HistoryRecorder
}

func (o Options) withDefaults() Options {
	out := o
	if out.DeviceType == "" {
		out.DeviceType = "desktop"
	}
	if out.ChunkSize <= 0 {
		out.ChunkSize = session.DefaultChunkSize
	}
	return out
}

func (o Options) validate() error {
	if strings.TrimSpace(o.SelfID) == "" {
		return errors.New("self device ID is required")
	}
	if o.Manager == nil {
		return errors.New("session manager is required")
	}
	if o.Registry == nil {
		return errors.New("device registry is required")
	}
	if strings.TrimSpace(o.DownloadDir) == "" {
		return errors.New("download directory is required")
	}
	return nil
}

// inboundTransfer tracks receive-side state the session itself does not
// carry: the receiver engine, the agreed token, and the per-file cursor.
type inboundTransfer struct {
	mu       sync.Mutex
	receiver *session.Receiver
	token    string

	names         map[string]string
	currentFileID string
	received      map[string]int64
}

// Handler serves the protocol endpoints.
type Handler struct {
	opts Options

	mu      sync.Mutex
	inbound map[string]*inboundTransfer
}

// NewHandler builds the protocol surface. The caller binds the listener
// socket and mounts this handler on it.
func NewHandler(options Options) (*Handler, error) {
	opts := options.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	return &Handler{
		opts:    opts,
		inbound: make(map[string]*inboundTransfer),
	}, nil
}

// ServeHTTP routes a request by endpoint path. Unrecognized paths are
// rejected with a structured not-found response.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch dto.ParseRequestType(r.URL.Path) {
	case dto.RequestRegister:
		h.handleRegister(w, r)
	case dto.RequestRequest:
		h.handleRequest(w, r)
	case dto.RequestPrepare:
		h.handlePrepare(w, r)
	case dto.RequestBlock:
		h.handleUpload(w, r)
	case dto.RequestCancel:
		h.handleCancel(w, r)
	default:
		writeError[struct{}](w, http.StatusNotFound, "unknown endpoint")
	}
}

// handleRegister answers a registration probe with this device's identity
// and, when the probe carries the caller's identity, registers the caller.
func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		var req dto.RegisterRequest
		if err := decodeBody(r, &req); err == nil && req.ID != "" && req.ID != h.opts.SelfID {
			device := dto.DeviceFromAnnouncement(dto.AnnouncementFromRegister(req, h.opts.Port), remoteIP(r), h.opts.Port)
			h.opts.Registry.Add(device)
			h.recordSighting(device)
		}
	}

	writeJSON(w, http.StatusOK, dto.Success(dto.RegisterResponse{
		ID:              h.opts.SelfID,
		DeviceType:      h.opts.DeviceType,
		Name:            h.opts.DeviceName,
		Version:         h.opts.Version,
		ProtocolVersion: dto.ProtocolVersion,
		Download:        true,
		Port:            h.opts.Port,
		UsesPassword:    h.opts.UsesPassword,
	}))
}

// handleRequest opens a new Waiting session for an incoming transfer.
func (h *Handler) handleRequest(w http.ResponseWriter, r *http.Request) {
	var req dto.FileRequest
	if err := decodeBody(r, &req); err != nil {
		writeError[dto.FileResponse](w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ID == "" || len(req.Files) == 0 {
		writeError[dto.FileResponse](w, http.StatusBadRequest, "sender ID and file list are required")
		return
	}

	seed, err := base64.StdEncoding.DecodeString(req.Token)
	if err != nil || len(seed) != crypto.KeySize {
		writeError[dto.FileResponse](w, http.StatusBadRequest, "invalid session token")
		return
	}

	sess := h.opts.Manager.Create(req.ID, h.opts.SelfID, req.Files, nil)

	key, err := crypto.DeriveSessionKey(seed, sess.ID, req.ID, h.opts.SelfID)
	if err != nil {
		h.opts.Manager.Remove(sess.ID)
		writeError[dto.FileResponse](w, http.StatusInternalServerError, "session key derivation failed")
		return
	}
	sess.SetKey(key)

	h.mu.Lock()
	h.inbound[sess.ID] = &inboundTransfer{
		receiver: session.NewReceiver(sess, h.opts.DownloadDir),
		token:    req.Token,
		names:    make(map[string]string, len(req.Files)),
		received: make(map[string]int64, len(req.Files)),
	}
	h.mu.Unlock()

	var total int64
	for _, f := range req.Files {
		total += f.Size
	}
	h.recordSession(sess.ID, req.ID, h.opts.SelfID, len(req.Files), total)
	h.recordSessionFiles(sess.ID, req.Files)

	writeJSON(w, http.StatusOK, dto.Success(dto.FileResponse{
		ID:        h.opts.SelfID,
		SessionID: sess.ID,
		Accepted:  true,
		Token:     req.Token,
	}))
}

// handlePrepare fixes the final file list, including save-as overrides,
// before any blocks flow.
func (h *Handler) handlePrepare(w http.ResponseWriter, r *http.Request) {
	var req dto.PrepareRequest
	if err := decodeBody(r, &req); err != nil {
		writeError[dto.PrepareResponse](w, http.StatusBadRequest, "invalid request body")
		return
	}

	sess, transfer, status, msg := h.lookupInbound(req.SessionID, req.Token)
	if sess == nil {
		writeError[dto.PrepareResponse](w, status, msg)
		return
	}
	if sess.State().Phase != session.PhaseWaiting {
		writeError[dto.PrepareResponse](w, http.StatusBadRequest, "session already transferring")
		return
	}

	transfer.mu.Lock()
	defer transfer.mu.Unlock()

	accepted := make([]dto.IncomingFileMetadata, 0, len(req.Files))
	for _, f := range req.Files {
		if _, ok := sess.FileByID(f.ID); !ok {
			writeError[dto.PrepareResponse](w, http.StatusBadRequest, "unknown file "+f.ID)
			return
		}
		name := f.Name
		if f.SaveAs != "" {
			name = f.SaveAs
		}
		if _, err := transfer.receiver.SavePath(name); err != nil {
			writeError[dto.PrepareResponse](w, http.StatusBadRequest, "unsafe file name "+f.Name)
			return
		}
		transfer.names[f.ID] = name
		accepted = append(accepted, f)
	}

	sess.Touch()
	writeJSON(w, http.StatusOK, dto.Success(dto.PrepareResponse{
		ID:        h.opts.SelfID,
		SessionID: sess.ID,
		Files:     accepted,
	}))
}

// handleUpload accepts one encrypted chunk. Block identity travels as
// query parameters; the chunk bytes are the request body.
func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	req := dto.BlockRequestFromQuery(r.URL.Query())
	if req.SessionID == "" || req.FileID == "" {
		writeError[struct{}](w, http.StatusBadRequest, "sessionId and fileId are required")
		return
	}

	sess, transfer, status, msg := h.lookupInbound(req.SessionID, req.Token)
	if sess == nil {
		writeError[struct{}](w, status, msg)
		return
	}

	// Cancellation checkpoint: observed before the chunk is processed.
	switch sess.State().Phase {
	case session.PhaseCancelled:
		writeError[struct{}](w, http.StatusConflict, "session cancelled")
		return
	case session.PhaseFinished, session.PhaseFailed:
		writeError[struct{}](w, http.StatusConflict, "session is terminal")
		return
	}

	meta, ok := sess.FileByID(req.FileID)
	if !ok {
		writeError[struct{}](w, http.StatusNotFound, "unknown file "+req.FileID)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, int64(h.opts.ChunkSize)+crypto.NonceSize+64))
	if err != nil {
		writeError[struct{}](w, http.StatusBadRequest, "read chunk body")
		return
	}

	plain, err := crypto.Decrypt(body, sess.Key())
	if err != nil {
		h.failSession(sess, session.CauseCrypto)
		writeError[struct{}](w, http.StatusBadRequest, "chunk decryption failed")
		return
	}

	transfer.mu.Lock()
	err = h.applyChunk(sess, transfer, meta, plain)
	complete := transfer.receiver.IsComplete()
	transfer.mu.Unlock()

	if err != nil {
		h.failSession(sess, session.CauseIO)
		writeError[struct{}](w, http.StatusInternalServerError, "chunk write failed")
		return
	}

	if err := sess.MarkTransferring(); err != nil && !errors.Is(err, session.ErrTerminalState) {
		log.Printf("server: session %s: %v", sess.ID, err)
	}

	if complete {
		if err := sess.Finish(); err == nil {
			h.recordOutcome(sess)
		}
		h.dropInbound(sess.ID)
	}

	writeJSON(w, http.StatusOK, dto.Success(struct{}{}))
}

// applyChunk appends one plaintext chunk, rolling the receiver to the
// next file when the block targets a new file ID. Caller holds the
// transfer lock.
func (h *Handler) applyChunk(sess *session.Session, transfer *inboundTransfer, meta dto.FileMetadata, plain []byte) error {
	if transfer.currentFileID != meta.ID {
		if transfer.currentFileID != "" {
			if err := transfer.receiver.FinishCurrentFile(); err != nil {
				return err
			}
		}
		name := transfer.names[meta.ID]
		if name == "" {
			name = meta.Name
		}
		if err := transfer.receiver.StartFile(name); err != nil {
			return err
		}
		transfer.currentFileID = meta.ID
	}

	if err := transfer.receiver.WriteChunk(plain); err != nil {
		return err
	}

	transfer.received[meta.ID] += int64(len(plain))
	if transfer.received[meta.ID] >= meta.Size {
		if err := transfer.receiver.FinishCurrentFile(); err != nil {
			return err
		}
		transfer.currentFileID = ""
	}
	return nil
}

// handleCancel forces a session into Cancelled. Cancelling a session that
// already reached a terminal state is reported as invalid, not fatal.
func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req dto.CancelRequest
	if err := decodeBody(r, &req); err != nil {
		writeError[struct{}](w, http.StatusBadRequest, "invalid request body")
		return
	}

	sess, ok := h.opts.Manager.Get(req.SessionID)
	if !ok {
		writeError[struct{}](w, http.StatusNotFound, "unknown session "+req.SessionID)
		return
	}

	if err := sess.Cancel(); err != nil {
		writeError[struct{}](w, http.StatusConflict, "session is already terminal")
		return
	}

	h.recordOutcome(sess)
	h.dropInbound(sess.ID)
	writeJSON(w, http.StatusOK, dto.Success(struct{}{}))
}

// CloseSession drops receive-side state for a finished or failed session
// and removes it from the manager.
func (h *Handler) CloseSession(id string) {
	h.dropInbound(id)
	h.opts.Manager.Remove(id)
}

// dropInbound releases receive-side state once a session is terminal. The
// session itself stays in the manager until removed, so its outcome
// remains observable.
func (h *Handler) dropInbound(id string) {
	h.mu.Lock()
	transfer, ok := h.inbound[id]
	delete(h.inbound, id)
	h.mu.Unlock()

	if ok {
		_ = transfer.receiver.Close()
	}
}

func (h *Handler) lookupInbound(sessionID, token string) (*session.Session, *inboundTransfer, int, string) {
	if sessionID == "" {
		return nil, nil, http.StatusBadRequest, "sessionId is required"
	}

	sess, ok := h.opts.Manager.Get(sessionID)
	if !ok {
		return nil, nil, http.StatusNotFound, "unknown session " + sessionID
	}

	h.mu.Lock()
	transfer, ok := h.inbound[sessionID]
	h.mu.Unlock()
	if !ok {
		// Receive-side state is dropped once a session turns terminal;
		// the manager entry still tells cancelled from unknown.
		switch sess.State().Phase {
		case session.PhaseCancelled:
			return nil, nil, http.StatusConflict, "session cancelled"
		case session.PhaseFinished, session.PhaseFailed:
			return nil, nil, http.StatusConflict, "session is terminal"
		}
		return nil, nil, http.StatusNotFound, "unknown session " + sessionID
	}
	if transfer.token != token {
		return nil, nil, http.StatusForbidden, "invalid session token"
	}

	return sess, transfer, 0, ""
}

func (h *Handler) failSession(sess *session.Session, cause session.ErrorCause) {
	if err := sess.Fail(cause); err == nil {
		h.recordOutcome(sess)
	}
	h.dropInbound(sess.ID)
}

func (h *Handler) recordSighting(device dto.DeviceInfo) {
	if h.opts.History == nil {
		return
	}
	if err := h.opts.History.UpsertDeviceSighting(device); err != nil {
		log.Printf("server: record device sighting: %v", err)
	}
}

func (h *Handler) recordSession(id, senderID, receiverID string, fileCount int, totalBytes int64) {
	if h.opts.History == nil {
		return
	}
	if err := h.opts.History.RecordSession(id, senderID, receiverID, fileCount, totalBytes); err != nil {
		log.Printf("server: record session: %v", err)
	}
}

func (h *Handler) recordSessionFiles(id string, files []dto.FileMetadata) {
	if h.opts.History == nil {
		return
	}
	if err := h.opts.History.RecordSessionFiles(id, files); err != nil {
		log.Printf("server: record session files: %v", err)
	}
}

func (h *Handler) recordOutcome(sess *session.Session) {
	if h.opts.History == nil {
		return
	}
	state := sess.State()
	outcome := state.Phase.String()
	if state.Phase == session.PhaseFailed {
		outcome = "error:" + state.Cause.String()
	}
	if err := h.opts.History.UpdateSessionOutcome(sess.ID, outcome, sess.Progress().BytesTransferred); err != nil {
		log.Printf("server: record session outcome: %v", err)
	}
}

func decodeBody(r *http.Request, v any) error {
	defer func() {
		_, _ = io.Copy(io.Discard, r.Body)
	}()
	return json.NewDecoder(io.LimitReader(r.Body, maxControlBodyBytes)).Decode(v)
}

func writeJSON[T any](w http.ResponseWriter, status int, payload dto.ApiResponse[T]) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("server: encode response: %v", err)
	}
}

func writeError[T any](w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, dto.Failure[T](message))
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
