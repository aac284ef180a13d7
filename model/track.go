package model

// Track is the media a room plays. The URL is supplied by the media-hosting
// layer and is opaque to the sync core.
type Track struct {
	AudioURL   string `json:"audioUrl"`
	DurationMs int64  `json:"duration,omitempty"` // 0 until known
	Title      string `json:"title,omitempty"`
}

// Valid reports whether the track can be played at all.
func (t *Track) Valid() bool {
	return t != nil && t.AudioURL != ""
}

// Same reports whether two tracks refer to the same media.
func (t *Track) Same(other *Track) bool {
	if t == nil || other == nil {
		return t == other
	}
	return t.AudioURL == other.AudioURL
}
