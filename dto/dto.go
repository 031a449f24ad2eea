// Package dto defines the LocalSend-compatible wire messages.
//
// Field names are wire-stable: JSON encoding, one object per message.
package dto

import (
	"encoding/json"
	"net/url"
	"strconv"
)

const (
	// ProtocolVersion is the LocalSend protocol version spoken on the wire.
	ProtocolVersion = "2.0"
	// AnnouncementType is the fixed "type" value of multicast announcements.
	AnnouncementType = "announce"
)

// DeviceInfo describes a discovered remote device.
//
// Identity key is ID. A registry entry is never mutated in place; a later
// sighting with the same ID is ignored.
type DeviceInfo struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	DeviceType      string `json:"type"`
	IP              string `json:"ip"`
	Port            int    `json:"port"`
	Version         string `json:"version"`
	ProtocolVersion string `json:"protocolVersion,omitempty"`
	AnnouncementID  string `json:"announcementId,omitempty"`
	UsesPassword    bool   `json:"usesPassword,omitempty"`
}

// Announcement is the periodic UDP multicast identity broadcast.
type Announcement struct {
	Type            string `json:"type"`
	ID              string `json:"id"`
	DeviceType      string `json:"deviceType"`
	Name            string `json:"name"`
	Version         string `json:"version"`
	ProtocolVersion string `json:"protocolVersion"`
	Download        bool   `json:"download"`
	Port            int    `json:"port,omitempty"`
	AnnouncementID  string `json:"announcementId,omitempty"`
	UsesPassword    bool   `json:"usesPassword"`
}

// RegisterRequest is a device registration probe payload.
type RegisterRequest struct {
	ID              string `json:"id"`
	DeviceType      string `json:"type"`
	Name            string `json:"name"`
	Version         string `json:"version"`
	ProtocolVersion string `json:"protocolVersion"`
	Download        bool   `json:"download"`
	Port            int    `json:"port,omitempty"`
	AnnouncementID  string `json:"announcementId,omitempty"`
	UsesPassword    bool   `json:"usesPassword"`
}

// RegisterResponse mirrors RegisterRequest and describes the responding device.
type RegisterResponse struct {
	ID              string `json:"id"`
	DeviceType      string `json:"type"`
	Name            string `json:"name"`
	Version         string `json:"version"`
	ProtocolVersion string `json:"protocolVersion"`
	Download        bool   `json:"download"`
	Port            int    `json:"port,omitempty"`
	AnnouncementID  string `json:"announcementId,omitempty"`
	UsesPassword    bool   `json:"usesPassword"`
}

// FileMetadata describes one file offered in a transfer request.
type FileMetadata struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	FileType string          `json:"fileType"`
	Size     int64           `json:"size"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// FileRequest asks a peer to accept a multi-file transfer session.
type FileRequest struct {
	ID         string         `json:"id"`
	Sender     string         `json:"sender"`
	SenderType string         `json:"senderType"`
	Files      []FileMetadata `json:"files"`
	SessionID  string         `json:"sessionId"`
	Token      string         `json:"token,omitempty"`
	Message    string         `json:"message,omitempty"`
}

// FileResponse answers a FileRequest.
type FileResponse struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionId"`
	Accepted  bool   `json:"accepted"`
	Token     string `json:"token,omitempty"`
}

// IncomingFileMetadata describes one file in a prepare-upload exchange.
type IncomingFileMetadata struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	FileType string `json:"fileType"`
	Size     int64  `json:"size"`
	SaveAs   string `json:"saveAs,omitempty"`
}

// PrepareRequest proposes the final file list before blocks flow.
type PrepareRequest struct {
	ID        string                 `json:"id"`
	SessionID string                 `json:"sessionId"`
	Files     []IncomingFileMetadata `json:"files"`
	Token     string                 `json:"token,omitempty"`
}

// PrepareResponse acknowledges a PrepareRequest.
type PrepareResponse struct {
	ID        string                 `json:"id"`
	SessionID string                 `json:"sessionId"`
	Files     []IncomingFileMetadata `json:"files,omitempty"`
}

// BlockRequest identifies one uploaded chunk. On the wire its fields travel
// as upload query parameters; the chunk bytes are the request body.
type BlockRequest struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionId"`
	FileID    string `json:"fileId"`
	Size      int64  `json:"size"`
	Token     string `json:"token,omitempty"`
}

// BlockRequestFromQuery parses upload query parameters into a BlockRequest.
func BlockRequestFromQuery(values url.Values) BlockRequest {
	size, _ := strconv.ParseInt(values.Get("size"), 10, 64)
	return BlockRequest{
		ID:        values.Get("id"),
		SessionID: values.Get("sessionId"),
		FileID:    values.Get("fileId"),
		Size:      size,
		Token:     values.Get("token"),
	}
}

// Query renders the BlockRequest as upload query parameters.
func (b BlockRequest) Query() url.Values {
	values := url.Values{}
	values.Set("id", b.ID)
	values.Set("sessionId", b.SessionID)
	values.Set("fileId", b.FileID)
	values.Set("size", strconv.FormatInt(b.Size, 10))
	if b.Token != "" {
		values.Set("token", b.Token)
	}
	return values
}

// CancelRequest aborts a session.
type CancelRequest struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason,omitempty"`
}

// ApiResponse is the uniform HTTP response envelope.
type ApiResponse[T any] struct {
	Data  *T     `json:"data"`
	Error string `json:"error,omitempty"`
}

// Success wraps a payload in a successful ApiResponse.
func Success[T any](data T) ApiResponse[T] {
	return ApiResponse[T]{Data: &data}
}

// Failure wraps an error message in an ApiResponse.
func Failure[T any](message string) ApiResponse[T] {
	return ApiResponse[T]{Error: message}
}

// RequestType identifies the HTTP endpoint a request targets.
type RequestType string

const (
	RequestRegister RequestType = "register"
	RequestRequest  RequestType = "request"
	RequestPrepare  RequestType = "prepare-upload"
	RequestBlock    RequestType = "upload"
	RequestCancel   RequestType = "cancel"
	RequestUnknown  RequestType = "unknown"
)

const apiPrefix = "/api/v1/localsend"

// Endpoint paths served by the protocol surface.
const (
	PathRegister = apiPrefix + "/register"
	PathRequest  = apiPrefix + "/request"
	PathPrepare  = apiPrefix + "/prepare-upload"
	PathUpload   = apiPrefix + "/upload"
	PathCancel   = apiPrefix + "/cancel"
)

// ParseRequestType maps an HTTP path to its request type. Unrecognized
// paths map to RequestUnknown and must be rejected by the caller.
func ParseRequestType(path string) RequestType {
	switch path {
	case PathRegister:
		return RequestRegister
	case PathRequest:
		return RequestRequest
	case PathPrepare:
		return RequestPrepare
	case PathUpload:
		return RequestBlock
	case PathCancel:
		return RequestCancel
	default:
		return RequestUnknown
	}
}

// AnnouncementFromRegister converts a register payload into an announcement,
// defaulting the port when the request carries none.
func AnnouncementFromRegister(req RegisterRequest, port int) Announcement {
	out := Announcement{
		Type:            AnnouncementType,
		ID:              req.ID,
		DeviceType:      req.DeviceType,
		Name:            req.Name,
		Version:         req.Version,
		ProtocolVersion: req.ProtocolVersion,
		Download:        req.Download,
		Port:            req.Port,
		AnnouncementID:  req.AnnouncementID,
		UsesPassword:    req.UsesPassword,
	}
	if out.Port == 0 {
		out.Port = port
	}
	return out
}

// DeviceFromAnnouncement converts a parsed announcement into a DeviceInfo,
// taking the IP from the datagram source and defaulting the port.
func DeviceFromAnnouncement(msg Announcement, ip string, defaultPort int) DeviceInfo {
	port := msg.Port
	if port == 0 {
		port = defaultPort
	}
	return DeviceInfo{
		ID:              msg.ID,
		Name:            msg.Name,
		DeviceType:      msg.DeviceType,
		IP:              ip,
		Port:            port,
		Version:         msg.Version,
		ProtocolVersion: msg.ProtocolVersion,
		AnnouncementID:  msg.AnnouncementID,
		UsesPassword:    msg.UsesPassword,
	}
}

// DeviceFromRegisterResponse converts a probe response into a DeviceInfo.
func DeviceFromRegisterResponse(resp RegisterResponse, ip string, defaultPort int) DeviceInfo {
	port := resp.Port
	if port == 0 {
		port = defaultPort
	}
	return DeviceInfo{
		ID:              resp.ID,
		Name:            resp.Name,
		DeviceType:      resp.DeviceType,
		IP:              ip,
		Port:            port,
		Version:         resp.Version,
		ProtocolVersion: resp.ProtocolVersion,
		AnnouncementID:  resp.AnnouncementID,
		UsesPassword:    resp.UsesPassword,
	}
}
