package main

import (
	"context"
	"net"
	"time"

	"github.com/aminofox/rtmpingest/pkg/audit"
	"github.com/aminofox/rtmpingest/pkg/control"
	"github.com/aminofox/rtmpingest/pkg/logger"
	"github.com/aminofox/rtmpingest/pkg/registry"
	"github.com/aminofox/rtmpingest/pkg/rtmp"
)

// sinkDeps are the fleet-wide collaborators one fleetSink coordinates
// around a single connection's *rtmp.ChannelSink.
type sinkDeps struct {
	capacity int
	registry *registry.Registry
	archiver *audit.Archiver
	feed     *control.Feed
	log      logger.Logger
	remote   net.Addr
}

// fleetSink wraps a per-connection rtmp.ChannelSink with the cross-node
// lease, the audit trail, and the operator feed. The connection's remote
// address stands in for a session id at this layer: rtmp.Session never
// hands its own uuid to the sinkFor closure, since the sink is
// constructed before the session exists.
type fleetSink struct {
	*rtmp.ChannelSink
	deps  sinkDeps
	owner string
}

func newFleetSink(deps sinkDeps) *fleetSink {
	owner := deps.remote.String()
	f := &fleetSink{deps: deps, owner: owner}
	f.ChannelSink = rtmp.NewChannelSink(deps.capacity, func(streamKey string) error {
		if deps.registry == nil {
			return nil
		}
		return deps.registry.Acquire(context.Background(), streamKey, owner)
	})
	return f
}

func (f *fleetSink) PublishStarted(streamKey string, metadata *rtmp.ObjectValue) error {
	if err := f.ChannelSink.PublishStarted(streamKey, metadata); err != nil {
		return err
	}

	if f.deps.archiver != nil {
		go f.recordEvent(audit.EventPublishStarted, streamKey, "")
	}
	if f.deps.feed != nil {
		f.deps.feed.StreamStarted(streamKey, f.owner)
	}
	return nil
}

func (f *fleetSink) PublishEnded(streamKey string) {
	f.ChannelSink.PublishEnded(streamKey)

	if f.deps.registry != nil {
		if err := f.deps.registry.Release(context.Background(), streamKey, f.owner); err != nil {
			f.deps.log.Warn("rtmpingestd: failed to release lease", logger.Err(err), logger.String("stream_key", streamKey))
		}
	}
	if f.deps.archiver != nil {
		go f.recordEvent(audit.EventPublishEnded, streamKey, "")
	}
	if f.deps.feed != nil {
		f.deps.feed.StreamEnded(streamKey, f.owner)
	}
}

func (f *fleetSink) recordEvent(kind audit.EventKind, streamKey, reason string) {
	err := f.deps.archiver.Record(context.Background(), audit.Event{
		Kind:       kind,
		StreamKey:  streamKey,
		SessionID:  f.owner,
		RemoteAddr: f.owner,
		Reason:     reason,
		OccurredAt: time.Now(),
	})
	if err != nil {
		f.deps.log.Warn("rtmpingestd: failed to archive event", logger.Err(err))
	}
}
