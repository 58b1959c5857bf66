package media

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Stream is one stream reported by ffprobe.
type Stream struct {
	Index      int
	CodecType  string
	Codec      string
	Width      int
	Height     int
	SampleRate int
	Channels   int
}

// ProbeResult is the parsed output of one ffprobe call.
type ProbeResult struct {
	HasAudio bool
	HasVideo bool
	// Duration is the container duration in seconds.
	Duration float64
	Streams  []Stream
}

type ffprobeOutput struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
	Streams []struct {
		Index      int    `json:"index"`
		CodecName  string `json:"codec_name"`
		CodecType  string `json:"codec_type"`
		Width      int    `json:"width"`
		Height     int    `json:"height"`
		SampleRate string `json:"sample_rate"`
		Channels   int    `json:"channels"`
	} `json:"streams"`
}

// ParseProbe converts raw ffprobe JSON into a ProbeResult. Exported for
// testing without a real ffprobe binary.
func ParseProbe(data []byte) (*ProbeResult, error) {
	var raw ffprobeOutput
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse ffprobe JSON: %w", err)
	}
	pr := &ProbeResult{}
	if d, err := strconv.ParseFloat(raw.Format.Duration, 64); err == nil {
		pr.Duration = d
	}
	for _, s := range raw.Streams {
		rate, _ := strconv.Atoi(s.SampleRate)
		pr.Streams = append(pr.Streams, Stream{
			Index:      s.Index,
			CodecType:  s.CodecType,
			Codec:      s.CodecName,
			Width:      s.Width,
			Height:     s.Height,
			SampleRate: rate,
			Channels:   s.Channels,
		})
		switch s.CodecType {
		case "audio":
			pr.HasAudio = true
		case "video":
			pr.HasVideo = true
		}
	}
	return pr, nil
}
