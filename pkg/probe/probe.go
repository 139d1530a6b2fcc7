// Package probe extracts media metadata from the tool's diagnostic stream.
//
// The native tool prints a human-readable description of its first input on
// stderr. Extract turns those lines into a Descriptor with the container
// format, duration and the ordered list of audio/video tracks.
//
// Only the first input block is read; later inputs are ignored.
package probe

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/3leaps/ffenv/pkg/failure"
)

// InputMarker starts the first input block.
const InputMarker = "Input #0"

// TrackType is the kind of a media track.
type TrackType string

const (
	TrackVideo TrackType = "video"
	TrackAudio TrackType = "audio"
)

// Descriptor is the structured result of probing a file.
type Descriptor struct {
	// Path is the logical path that was probed. Empty when extracting raw lines.
	Path      string    `json:"path,omitempty" yaml:"path,omitempty"`
	Container Container `json:"container" yaml:"container"`
	Tracks    []Track   `json:"tracks" yaml:"tracks"`
}

// Container holds container-level metadata.
type Container struct {
	// Format lists the demuxer names, e.g. [mov mp4 m4a 3gp 3g2 mj2].
	Format []string `json:"format,omitempty" yaml:"format,omitempty"`

	// Duration is the total duration in seconds.
	Duration float64 `json:"duration,omitempty" yaml:"duration,omitempty"`
}

// Track is a single stream in declaration order.
type Track struct {
	Type     TrackType `json:"type" yaml:"type"`
	Codec    string    `json:"codec" yaml:"codec"`
	Language string    `json:"language" yaml:"language"`
}

var (
	inputRe    = regexp.MustCompile(`^Input #0, (.*), from`)
	durationRe = regexp.MustCompile(`^Duration: (\d+):(\d{2}):(\d{2})(\.\d+)?`)
	// Stream #0:1[0x2](eng): Audio: aac (LC) ...
	streamRe = regexp.MustCompile(`^Stream #0:\d+(?:\[[^\]]*\])?(?:\(([^)]*)\))?: (\w+): ([A-Za-z0-9_]+)`)
)

// Extract parses diagnostic lines in a single forward pass.
//
// Without an input marker the result is an empty descriptor, not an error.
// A malformed duration or stream line is a ParseFailure; a stream that is
// neither video nor audio is an UnrecognizedStreamType failure.
func Extract(lines []string) (*Descriptor, error) {
	d := &Descriptor{Tracks: []Track{}}
	inInput := false

	for i, line := range lines {
		if !inInput {
			if !strings.HasPrefix(line, InputMarker) {
				continue
			}
			m := inputRe.FindStringSubmatch(line)
			if m == nil {
				return nil, parseFailure(i, line, "input header")
			}
			d.Container.Format = splitFormat(m[1])
			inInput = true
			continue
		}

		if !startsWithSpace(line) {
			break
		}

		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "Duration: "):
			secs, err := parseDuration(trimmed)
			if err != nil {
				return nil, parseFailure(i, line, "duration")
			}
			d.Container.Duration = secs
		case strings.HasPrefix(trimmed, "Stream #0:"):
			track, err := parseStream(i, trimmed)
			if err != nil {
				return nil, err
			}
			d.Tracks = append(d.Tracks, track)
		}
	}

	return d, nil
}

func parseDuration(s string) (float64, error) {
	m := durationRe.FindStringSubmatch(s)
	if m == nil {
		return 0, strconv.ErrSyntax
	}
	hh, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, err
	}
	mm, err := strconv.Atoi(m[2])
	if err != nil {
		return 0, err
	}
	ss, err := strconv.Atoi(m[3])
	if err != nil {
		return 0, err
	}
	frac := 0.0
	if m[4] != "" {
		// ".50" is half a second, not fifty milliseconds.
		if frac, err = strconv.ParseFloat("0"+m[4], 64); err != nil {
			return 0, err
		}
	}
	return float64(hh*3600+mm*60+ss) + frac, nil
}

func parseStream(idx int, s string) (Track, error) {
	m := streamRe.FindStringSubmatch(s)
	if m == nil {
		return Track{}, parseFailure(idx, s, "stream")
	}
	lang, kind, codec := m[1], m[2], m[3]

	var typ TrackType
	switch kind {
	case "Video":
		typ = TrackVideo
	case "Audio":
		typ = TrackAudio
	default:
		return Track{}, &failure.Error{
			Kind:    failure.KindUnrecognizedStreamType,
			Op:      "probe",
			Message: "line " + strconv.Itoa(idx+1) + ": unrecognized stream type " + strconv.Quote(kind),
		}
	}
	return Track{Type: typ, Codec: codec, Language: lang}, nil
}

func splitFormat(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func startsWithSpace(line string) bool {
	return line != "" && (line[0] == ' ' || line[0] == '\t')
}

func parseFailure(idx int, line, what string) error {
	return &failure.Error{
		Kind:    failure.KindParse,
		Op:      "probe",
		Message: "line " + strconv.Itoa(idx+1) + ": malformed " + what + ": " + strconv.Quote(strings.TrimSpace(line)),
	}
}

// VideoTracks returns the number of video tracks.
func (d *Descriptor) VideoTracks() int {
	return d.count(TrackVideo)
}

// AudioTracks returns the number of audio tracks.
func (d *Descriptor) AudioTracks() int {
	return d.count(TrackAudio)
}

func (d *Descriptor) count(t TrackType) int {
	n := 0
	for _, tr := range d.Tracks {
		if tr.Type == t {
			n++
		}
	}
	return n
}
