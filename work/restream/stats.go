package restream

import (
	"sort"
	"time"

	"iptv-hub/work/utils"
)

// SessionStats is a point-in-time view of one session.
type SessionStats struct {
	ID              string    `json:"id"`
	ChannelID       int64     `json:"channelId"`
	URL             string    `json:"url"`
	State           string    `json:"state"`
	Subscribers     int       `json:"subscribers"`
	BytesReceived   int64     `json:"bytesReceived"`
	BytesSent       int64     `json:"bytesSent"`
	Chunks          int64     `json:"chunks"`
	QueueDropped    int64     `json:"queueDropped"`
	SubscriberDrops int64     `json:"subscriberDrops"`
	BandwidthBps    float64   `json:"bandwidthBps"`
	LimitMbps       float64   `json:"limitMbps,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	LastChunkAt     time.Time `json:"lastChunkAt,omitempty"`
	Uptime          string    `json:"uptime"`
}

// Stats aggregates every live session plus lifetime counters.
type Stats struct {
	ActiveSessions    int            `json:"activeSessions"`
	ActiveSubscribers int            `json:"activeSubscribers"`
	PeakSessions      int64          `json:"peakSessions"`
	SessionsCreated   int64          `json:"sessionsCreated"`
	SubscribersServed int64          `json:"subscribersServed"`
	BytesReceived     int64          `json:"bytesReceived"`
	BytesSent         int64          `json:"bytesSent"`
	Chunks            int64          `json:"chunks"`
	DroppedChunks     int64          `json:"droppedChunks"`
	GlobalLimitMbps   float64        `json:"globalLimitMbps,omitempty"`
	Traffic           string         `json:"traffic"`
	Sessions          []SessionStats `json:"sessions"`
}

// Stats returns a snapshot of the session.
func (s *Session) Stats() SessionStats {
	now := time.Now()
	uptime := now.Sub(s.createdAt)

	st := SessionStats{
		ID:              s.id,
		ChannelID:       s.key.ChannelID,
		URL:             s.logURL(),
		State:           s.State().String(),
		Subscribers:     s.SubscriberCount(),
		BytesReceived:   s.bytesIn.Load(),
		BytesSent:       s.bytesOut.Load(),
		Chunks:          s.chunksIn.Load(),
		QueueDropped:    s.queue.Dropped(),
		SubscriberDrops: s.subDropped.Load(),
		LimitMbps:       limitMbps(s.limiter),
		CreatedAt:       s.createdAt,
		Uptime:          utils.FormatDuration(uptime),
	}
	if secs := uptime.Seconds(); secs > 0 {
		st.BandwidthBps = float64(st.BytesReceived) / secs
	}
	if last := s.lastChunk.Load(); last > 0 {
		st.LastChunkAt = time.Unix(0, last)
	}
	return st
}

// Stats returns a snapshot of every live session, ordered by channel id.
func (r *Registry) Stats() Stats {
	out := Stats{
		SessionsCreated:   r.sessionsCreated.Value(),
		SubscribersServed: r.subscribersServed.Value(),
		BytesReceived:     r.bytesReceived.Value(),
		BytesSent:         r.bytesSent.Value(),
		Chunks:            r.chunks.Value(),
		DroppedChunks:     r.dropped.Value(),
		GlobalLimitMbps:   limitMbps(r.limiter),
	}

	r.sessions.Range(func(_ SessionKey, s *Session) bool {
		st := s.Stats()
		out.ActiveSubscribers += st.Subscribers
		out.Sessions = append(out.Sessions, st)
		return true
	})
	out.ActiveSessions = len(out.Sessions)

	sort.Slice(out.Sessions, func(i, j int) bool {
		if out.Sessions[i].ChannelID != out.Sessions[j].ChannelID {
			return out.Sessions[i].ChannelID < out.Sessions[j].ChannelID
		}
		return out.Sessions[i].ID < out.Sessions[j].ID
	})

	r.peakMu.Lock()
	out.PeakSessions = r.peak
	r.peakMu.Unlock()

	out.Traffic = utils.FormatBytes(out.BytesReceived) + " in / " + utils.FormatBytes(out.BytesSent) + " out"
	return out
}
