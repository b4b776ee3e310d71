package domain

import (
	"context"
	"time"
)

type MediaRole string

const (
	MediaPublisher  MediaRole = "publisher"
	MediaSubscriber MediaRole = "subscriber"
)

// ConnectionHandle identifies one open media channel. It is owned by
// whoever opened it and must be passed back to CloseChannel.
type ConnectionHandle struct {
	ChannelID    string    `json:"channel_id"`
	ConnectionID string    `json:"connection_id"`
	Role         MediaRole `json:"role"`
	OpenedAt     time.Time `json:"opened_at"`
}

type TrackInfo struct {
	TrackID string `json:"track_id"`
	Kind    string `json:"kind"`
}

// MediaTransport is the narrow capability the engine needs from the
// real-time media layer. Encoding and congestion control live behind it.
type MediaTransport interface {
	OpenChannel(ctx context.Context, channelID string, role MediaRole) (ConnectionHandle, error)
	CloseChannel(ctx context.Context, handle ConnectionHandle) error
	PublishLocalTracks(ctx context.Context, handle ConnectionHandle) error
	OnRemoteTrackPublished(handle ConnectionHandle, fn func(TrackInfo))
	OnPublisherLost(handle ConnectionHandle, fn func())
}
