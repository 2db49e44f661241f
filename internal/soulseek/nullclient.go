package soulseek

import (
	"context"
	"io"

	"github.com/soulfired/soulfired/internal/errs"
)

// NullClient is a Client that never reaches the real Soulseek network. It
// exists so cmd/soulfired can wire a complete Supervisor and Orchestrator
// around a single shared instance without a real peer-wire protocol
// implementation, which is explicitly out of this module's scope:
// deployments needing actual network connectivity construct their own
// Client implementation in its place.
type NullClient struct {
	events chan Event
}

// NewNullClient builds a NullClient from its initial connection options; the
// func(ClientOptions) Client shape lets it (or a real implementation) be
// constructed once and handed to both the Supervisor and the Transfer
// Orchestrator.
func NewNullClient(ClientOptions) Client {
	return &NullClient{events: make(chan Event)}
}

func (c *NullClient) Connect(ctx context.Context, username, password string) error {
	return errs.New(errs.TransportFailure, "soulseek.NullClient.Connect", "no protocol client configured")
}

func (c *NullClient) Disconnect(reason string) error { return nil }

func (c *NullClient) ReconfigureOptions(patch Patch) (bool, error) { return false, nil }

func (c *NullClient) Upload(ctx context.Context, username, filename string, size int64, body io.Reader, cancel <-chan struct{}) error {
	return errs.New(errs.TransportFailure, "soulseek.NullClient.Upload", "no protocol client configured")
}

func (c *NullClient) Download(ctx context.Context, username, filename string, dest io.WriterAt, size int64, startOffset int64, cancel <-chan struct{}) error {
	return errs.New(errs.TransportFailure, "soulseek.NullClient.Download", "no protocol client configured")
}

func (c *NullClient) ConnectToUser(ctx context.Context, username string, invalidateCache bool) error {
	return errs.New(errs.TransportFailure, "soulseek.NullClient.ConnectToUser", "no protocol client configured")
}

func (c *NullClient) GetDownloadPlaceInQueue(ctx context.Context, username, filename string) (int, error) {
	return 0, errs.New(errs.TransportFailure, "soulseek.NullClient.GetDownloadPlaceInQueue", "no protocol client configured")
}

func (c *NullClient) SetSharedCounts(directories, files int) error { return nil }

func (c *NullClient) SendUploadSpeed(ctx context.Context, bps int64) error { return nil }

func (c *NullClient) JoinRoom(ctx context.Context, name string) error { return nil }

func (c *NullClient) LeaveRoom(ctx context.Context, name string) error { return nil }

func (c *NullClient) SendPrivateMessage(ctx context.Context, username, message string) error {
	return nil
}

func (c *NullClient) SendRoomMessage(ctx context.Context, room, message string) error { return nil }

func (c *NullClient) AcknowledgePrivateMessage(ctx context.Context, id int64) error { return nil }

func (c *NullClient) Events() <-chan Event { return c.events }
