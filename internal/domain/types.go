package domain

import "time"

// Timestamps on persisted entities are unix milliseconds, the same unit
// integrators receive in webhook payloads.

// Millis converts t to unix milliseconds.
func Millis(t time.Time) int64 { return t.UnixMilli() }

// NowMillis returns the current time in unix milliseconds.
func NowMillis() int64 { return time.Now().UnixMilli() }

type Hash struct {
	Hash      string `json:"hash"`
	Algorithm string `json:"algorithm"`
}

type VideoTrack struct {
	Type        string  `json:"type"`
	Codec       string  `json:"codec"`
	StartTime   float64 `json:"startTime,omitempty"`
	Duration    float64 `json:"duration,omitempty"`
	Bitrate     float64 `json:"bitrate,omitempty"`
	Width       int     `json:"width,omitempty"`
	Height      int     `json:"height,omitempty"`
	PixelFormat string  `json:"pixelFormat,omitempty"`
	FPS         float64 `json:"fps,omitempty"`
	Channels    int     `json:"channels,omitempty"`
	SampleRate  int     `json:"sampleRate,omitempty"`
	BitDepth    int     `json:"bitDepth,omitempty"`
}

type VideoSpec struct {
	Format   string       `json:"format,omitempty"`
	Duration float64      `json:"duration,omitempty"`
	Bitrate  float64      `json:"bitrate,omitempty"`
	Tracks   []VideoTrack `json:"tracks,omitempty"`
}

type AssetFile struct {
	Type string    `json:"type"`
	Path string    `json:"path"`
	Spec *FileSpec `json:"spec,omitempty"`
}

type FileSpec struct {
	Size    int64 `json:"size,omitempty"`
	Bitrate int64 `json:"bitrate,omitempty"`
}
