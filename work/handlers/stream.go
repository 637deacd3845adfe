// Package handlers holds the player-facing stream endpoint and the operator
// JSON API.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"iptv-hub/work/database"
	"iptv-hub/work/logger"
	"iptv-hub/work/proxy"
	"iptv-hub/work/restream"
	"iptv-hub/work/types"
)

// HandleStream serves GET /stream/{id}. It plays the channel's best active
// variant and, when that session ends with an upstream error, continues on
// the next one in priority order. A variant that cleanly ends a body already
// being played ends the response. The status is only committed with
// the first chunk, so a channel whose variants all fail answers 503.
func HandleStream(sp *proxy.StreamProxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		channelID, ok := pathID(w, r, "id")
		if !ok {
			return
		}

		ctx := r.Context()
		rc := http.NewResponseController(w)
		exclude := make(map[int64]struct{})
		started := false

		for {
			pb, err := sp.OpenStream(ctx, channelID, exclude)
			if err != nil {
				if started {
					logger.Warn("{handlers/stream - HandleStream} [STREAM_END] channel %d: %v", channelID, err)
					return
				}
				streamError(w, channelID, err)
				return
			}

			if len(exclude) > 0 {
				logger.Info("{handlers/stream - HandleStream} [STREAM_FAILOVER] channel %d: switched to variant %d", channelID, pb.Variant.ID)
			}

			clientGone, upErr := pump(ctx, w, rc, sp, pb, &started)
			sp.Close(pb)
			if clientGone {
				return
			}
			if upErr == nil {
				return
			}
			// A clean end after bytes reached the player finishes the response.
			if started && restream.IsEOF(upErr) {
				logger.Info("{handlers/stream - HandleStream} [STREAM_END] channel %d: variant %d finished", channelID, pb.Variant.ID)
				return
			}
			logger.Warn("{handlers/stream - HandleStream} channel %d: variant %d ended: %v", channelID, pb.Variant.ID, upErr)
			exclude[pb.Variant.ID] = struct{}{}
		}
	}
}

// pump copies chunks from a playback to the player. It reports true when the
// player left or a write failed, and returns the session's upstream error when
// the session ended because of the provider.
func pump(ctx context.Context, w http.ResponseWriter, rc *http.ResponseController, sp *proxy.StreamProxy, pb *proxy.Playback, started *bool) (bool, error) {
	writeTimeout := sp.Config().Stream.WriteTimeout
	chunks := pb.Handle.Subscribe()

	for {
		select {
		case <-ctx.Done():
			logger.Debug("{handlers/stream - pump} [CLIENT_GONE] channel %d: client %s", pb.Channel.ID, pb.Handle.ID())
			return true, nil

		case chunk, ok := <-chunks:
			if !ok {
				err := pb.Handle.Err()
				if restream.IsUpstream(err) {
					return false, err
				}
				return false, nil
			}

			if !*started {
				w.Header().Set("Content-Type", contentType(pb.Variant))
				w.Header().Set("Cache-Control", "no-cache")
				w.WriteHeader(http.StatusOK)
				*started = true
			}

			if writeTimeout > 0 {
				_ = rc.SetWriteDeadline(time.Now().Add(writeTimeout))
			}
			if _, err := w.Write(chunk); err != nil {
				logger.Debug("{handlers/stream - pump} channel %d: write failed: %v", pb.Channel.ID, err)
				return true, nil
			}
			_ = rc.Flush()
		}
	}
}

// contentType is the player-facing type. HLS variants are relayed segment
// by segment, so every variant reaches the player as a transport stream.
func contentType(*types.StreamVariant) string {
	return "video/mp2t"
}

func streamError(w http.ResponseWriter, channelID int64, err error) {
	switch {
	case errors.Is(err, database.ErrNotFound):
		http.Error(w, "Channel not found", http.StatusNotFound)
	case errors.Is(err, proxy.ErrChannelDisabled):
		http.Error(w, "Channel disabled", http.StatusNotFound)
	case errors.Is(err, proxy.ErrNoActiveStream):
		logger.Warn("{handlers/stream - HandleStream} [STREAM_UNAVAILABLE] channel %d: all streams failed", channelID)
		http.Error(w, "All streams failed", http.StatusServiceUnavailable)
	case errors.Is(err, restream.ErrRegistryClosed):
		http.Error(w, "Shutting down", http.StatusServiceUnavailable)
	default:
		logger.Error("{handlers/stream - HandleStream} channel %d: %v", channelID, err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}
