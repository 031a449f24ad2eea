package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"peersend/crypto"
	"peersend/dto"
	"peersend/session"
)

// ErrRejected is returned when the peer declines a transfer request.
var ErrRejected = errors.New("server: transfer rejected by peer")

// ClientOptions configures outgoing transfers.
type ClientOptions struct {
	SelfID     string
	DeviceName string
	DeviceType string
	ChunkSize  int
	Timeout    time.Duration

	Manager *session.Manager
}

func (o ClientOptions) withDefaults() ClientOptions {
	out := o
	if out.DeviceType == "" {
		out.DeviceType = "desktop"
	}
	if out.ChunkSize <= 0 {
		out.ChunkSize = session.DefaultChunkSize
	}
	if out.Timeout <= 0 {
		out.Timeout = 30 * time.Second
	}
	return out
}

// Client drives an outgoing transfer against a remote protocol surface:
// register check, session request, prepare, then the chunk loop.
type Client struct {
	opts ClientOptions
	http *http.Client
}

// NewClient creates an outgoing-transfer client.
func NewClient(options ClientOptions) (*Client, error) {
	opts := options.withDefaults()
	if opts.SelfID == "" {
		return nil, errors.New("self device ID is required")
	}
	if opts.Manager == nil {
		return nil, errors.New("session manager is required")
	}

	return &Client{
		opts: opts,
		http: &http.Client{Timeout: opts.Timeout},
	}, nil
}

// SendFiles transfers the given files to a peer. The returned session is
// registered with the local manager so observers can track progress; on
// any mid-transfer failure the peer is told to cancel before the error is
// returned.
func (c *Client) SendFiles(ctx context.Context, device dto.DeviceInfo, files []session.OutgoingFile) (*session.Session, error) {
	if len(files) == 0 {
		return nil, errors.New("no files to send")
	}

	base := fmt.Sprintf("http://%s:%d", device.IP, device.Port)

	if _, err := c.register(ctx, base); err != nil {
		return nil, fmt.Errorf("peer registration check: %w", err)
	}

	seed, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate session seed: %w", err)
	}
	token := base64.StdEncoding.EncodeToString(seed)

	metas := make([]dto.FileMetadata, 0, len(files))
	for _, f := range files {
		metas = append(metas, f.Meta)
	}

	accepted, err := c.requestSession(ctx, base, device, metas, token)
	if err != nil {
		return nil, err
	}

	sess := c.opts.Manager.Create(c.opts.SelfID, device.ID, metas, nil)
	key, err := crypto.DeriveSessionKey(seed, accepted.SessionID, c.opts.SelfID, device.ID)
	crypto.ClearKey(seed)
	if err != nil {
		c.opts.Manager.Remove(sess.ID)
		return nil, fmt.Errorf("derive session key: %w", err)
	}
	sess.SetKey(key)

	if err := c.prepare(ctx, base, accepted.SessionID, metas, token); err != nil {
		c.cancelRemote(base, accepted.SessionID, "prepare failed")
		_ = sess.Fail(session.CauseProtocol)
		return sess, err
	}

	if err := c.streamFiles(ctx, base, sess, accepted.SessionID, files, token); err != nil {
		c.cancelRemote(base, accepted.SessionID, "transfer failed")
		if sess.State().Phase == session.PhaseWaiting || sess.State().Phase == session.PhaseTransferring {
			cause := session.CauseIO
			if errors.Is(err, context.Canceled) {
				_ = sess.Cancel()
				return sess, err
			}
			_ = sess.Fail(cause)
		}
		return sess, err
	}

	if err := sess.Finish(); err != nil {
		return sess, fmt.Errorf("finish session: %w", err)
	}
	return sess, nil
}

func (c *Client) register(ctx context.Context, base string) (dto.RegisterResponse, error) {
	payload := dto.RegisterRequest{
		ID:              c.opts.SelfID,
		DeviceType:      c.opts.DeviceType,
		Name:            c.opts.DeviceName,
		ProtocolVersion: dto.ProtocolVersion,
		Download:        true,
	}

	var resp dto.RegisterResponse
	if err := c.postJSON(ctx, base+dto.PathRegister, payload, &resp); err != nil {
		return dto.RegisterResponse{}, err
	}
	if resp.ID == "" {
		return dto.RegisterResponse{}, errors.New("peer returned no identity")
	}
	return resp, nil
}

func (c *Client) requestSession(ctx context.Context, base string, device dto.DeviceInfo, files []dto.FileMetadata, token string) (dto.FileResponse, error) {
	payload := dto.FileRequest{
		ID:         c.opts.SelfID,
		Sender:     c.opts.DeviceName,
		SenderType: c.opts.DeviceType,
		Files:      files,
		SessionID:  uuid.NewString(),
		Token:      token,
	}

	var resp dto.FileResponse
	if err := c.postJSON(ctx, base+dto.PathRequest, payload, &resp); err != nil {
		return dto.FileResponse{}, fmt.Errorf("request session: %w", err)
	}
	if !resp.Accepted {
		return dto.FileResponse{}, ErrRejected
	}
	if resp.SessionID == "" {
		return dto.FileResponse{}, errors.New("peer accepted without a session ID")
	}
	return resp, nil
}

func (c *Client) prepare(ctx context.Context, base, sessionID string, files []dto.FileMetadata, token string) error {
	incoming := make([]dto.IncomingFileMetadata, 0, len(files))
	for _, f := range files {
		incoming = append(incoming, dto.IncomingFileMetadata{
			ID:       f.ID,
			Name:     f.Name,
			FileType: f.FileType,
			Size:     f.Size,
		})
	}

	payload := dto.PrepareRequest{
		ID:        c.opts.SelfID,
		SessionID: sessionID,
		Files:     incoming,
		Token:     token,
	}

	var resp dto.PrepareResponse
	if err := c.postJSON(ctx, base+dto.PathPrepare, payload, &resp); err != nil {
		return fmt.Errorf("prepare upload: %w", err)
	}
	return nil
}

// streamFiles walks the sender cursor, encrypting and posting one chunk
// at a time. Cancellation is observed between chunks. Every file posts at
// least one block, so an empty file still reaches the receiver and
// completes there.
func (c *Client) streamFiles(ctx context.Context, base string, sess *session.Session, remoteSessionID string, files []session.OutgoingFile, token string) error {
	sender := session.NewSender(sess, files, c.opts.ChunkSize)
	defer func() {
		_ = sender.Close()
	}()

	sentCurrent := false
	for !sender.IsComplete() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if sess.State().Phase == session.PhaseCancelled {
			return errors.New("session cancelled")
		}

		meta, err := sender.CurrentFile()
		if err != nil {
			return err
		}

		chunk, err := sender.ReadChunk()
		if errors.Is(err, io.EOF) {
			if sentCurrent {
				sender.NextFile()
				sentCurrent = false
				continue
			}
			chunk = []byte{}
		} else if err != nil {
			return err
		} else if chunk == nil {
			break
		}

		sealed, err := crypto.Encrypt(chunk, sess.Key())
		if err != nil {
			_ = sess.Fail(session.CauseCrypto)
			return fmt.Errorf("encrypt chunk: %w", err)
		}

		if err := c.uploadChunk(ctx, base, remoteSessionID, meta.ID, sealed, token); err != nil {
			return err
		}
		sentCurrent = true
		_ = sess.MarkTransferring()
	}

	return nil
}

func (c *Client) uploadChunk(ctx context.Context, base, sessionID, fileID string, sealed []byte, token string) error {
	block := dto.BlockRequest{
		ID:        c.opts.SelfID,
		SessionID: sessionID,
		FileID:    fileID,
		Size:      int64(len(sealed)),
		Token:     token,
	}

	url := base + dto.PathUpload + "?" + block.Query().Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(sealed))
	if err != nil {
		return fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("upload chunk: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("upload chunk: peer returned status %d", resp.StatusCode)
	}
	return nil
}

// cancelRemote tells the peer to abort. Best effort: the local outcome is
// already decided when this runs.
func (c *Client) cancelRemote(base, sessionID, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	payload := dto.CancelRequest{
		ID:        c.opts.SelfID,
		SessionID: sessionID,
		Reason:    reason,
	}
	var resp struct{}
	_ = c.postJSON(ctx, base+dto.PathCancel, payload, &resp)
}

func (c *Client) postJSON(ctx context.Context, url string, payload, out any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxControlBodyBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var envelope struct {
		Data  json.RawMessage `json:"data"`
		Error string          `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		if envelope.Error != "" {
			return fmt.Errorf("peer returned status %d: %s", resp.StatusCode, envelope.Error)
		}
		return fmt.Errorf("peer returned status %d", resp.StatusCode)
	}
	if envelope.Data == nil {
		return errors.New("peer returned an empty response")
	}
	return json.Unmarshal(envelope.Data, out)
}
