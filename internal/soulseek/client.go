// Package soulseek implements the Soulseek Supervisor (C7): it owns the
// single protocol-client connection, applies option patches, performs
// login and exponential-backoff reconnect, and exposes the resolver
// callbacks the protocol client invokes for incoming requests.
package soulseek

import (
	"context"
	"io"
	"time"
)

// ProxyOptions configures an optional SOCKS-style proxy for the protocol
// client's outbound connections.
type ProxyOptions struct {
	Address  string
	Port     int
	Username string
	Password string
}

// ClientOptions is the connection-affecting configuration block. Per
// §4.3, the protocol client can only have this block replaced wholesale,
// never patched field-by-field, and a replacement only affects new
// connections.
type ClientOptions struct {
	ListenPort            int
	DistributedChildLimit int
	ConnectTimeout        time.Duration
	InactivityTimeout     time.Duration
	Proxy                 *ProxyOptions
}

// Patch is a minimal set of changed fields to apply to a running client.
// ConnectionOptions is non-nil only when at least one connection-affecting
// field changed, per §4.3's "entire connection block is replaced" rule.
type Patch struct {
	ConnectionOptions     *ClientOptions
	DistributedChildLimit *int
}

// DisconnectCause classifies why the client disconnected, driving §4.3's
// disconnect-handling branch.
type DisconnectCause int

const (
	DisconnectUnknown DisconnectCause = iota
	DisconnectShutdown
	DisconnectUserInitiated
	DisconnectDisposed
	DisconnectLoginRejected
	DisconnectKickedDuplicateLogin
	DisconnectTransport
)

// EventKind enumerates the protocol client's typed event stream, modeled
// per §9 as a single channel rather than per-event subscriptions.
type EventKind int

const (
	EventDiagnostic EventKind = iota
	EventTransferState
	EventTransferProgress
	EventBrowseProgress
	EventUserStatus
	EventPrivateMessage
	EventRoomMessage
	EventRoomJoined
	EventRoomLeft
	EventDisconnected
	EventConnected
	EventLoggedIn
)

// Event is one entry on the client's event stream.
type Event struct {
	Kind      EventKind
	Cause     DisconnectCause // meaningful only for EventDisconnected
	Reason    string
	Username  string
	RoomName  string
	Message   string
}

// SearchRequest is an inbound search from the network.
type SearchRequest struct {
	Username string
	Query    string
	Token    uint32
}

// SearchResponse is the supervisor's answer to a SearchRequest.
type SearchResponse struct {
	Username       string
	Token          uint32
	Files          []FileResult
	UploadSpeed    int64
	FreeSlots      int
	QueueLength    int
}

// FileResult is the wire shape of one matched file in a SearchResponse.
type FileResult struct {
	Filename string
	Size     uint64
}

// UserInfoResponse answers the protocol client's user-info resolver.
type UserInfoResponse struct {
	Description string
	Picture     []byte
	FreeSlots   int
	QueueLength int
}

// BrowseResponse is the serialized share listing returned to a peer.
type BrowseResponse struct {
	Directories map[string][]FileResult // masked directory name -> files
}

// Client is the external Soulseek protocol client contract (§6). The core
// never implements the wire protocol itself; it only drives and is driven
// by this interface.
type Client interface {
	Connect(ctx context.Context, username, password string) error
	Disconnect(reason string) error
	ReconfigureOptions(patch Patch) (reconnectRequired bool, err error)

	Upload(ctx context.Context, username, filename string, size int64, body io.Reader, cancel <-chan struct{}) error
	Download(ctx context.Context, username, filename string, dest io.WriterAt, size int64, startOffset int64, cancel <-chan struct{}) error
	ConnectToUser(ctx context.Context, username string, invalidateCache bool) error
	GetDownloadPlaceInQueue(ctx context.Context, username, filename string) (int, error)
	SetSharedCounts(directories, files int) error
	SendUploadSpeed(ctx context.Context, bps int64) error

	JoinRoom(ctx context.Context, name string) error
	LeaveRoom(ctx context.Context, name string) error
	SendPrivateMessage(ctx context.Context, username, message string) error
	SendRoomMessage(ctx context.Context, room, message string) error
	AcknowledgePrivateMessage(ctx context.Context, id int64) error

	Events() <-chan Event
}
