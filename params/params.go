// clipforge/params/params.go
package params

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/shlex"
)

// TimeRange is the syntactic form of a -time=start-end flag. Validation
// (end > start) happens at transcode time, not here.
type TimeRange struct {
	Start float64
	End   float64
}

func (t TimeRange) Duration() float64 { return t.End - t.Start }
func (t TimeRange) Valid() bool       { return t.End > t.Start }

// Request is a parsed command argument string. Optional fields are nil when
// the flag was not explicitly provided, so a caller can tell a default apart
// from a user choice (a default audio codec must not override -mute, for
// example). Use the *OrDefault accessors to read effective values.
type Request struct {
	Source   string
	Quality  *string
	Audio    *string
	Mode     *string
	FPS      *int
	Scale    *string
	Span     *TimeRange
	Optimize bool
	Speed    *float64
	Loop     *int
	Dither   *string
	Colors   *int
}

const (
	DefaultQuality = "1080"
	DefaultAudio   = "mp3"
	DefaultMode    = "auto"
	DefaultFPS     = 15
	DefaultScale   = "480:-1"
	DefaultSpeed   = 1.0
	DefaultLoop    = 0
	DefaultDither  = "bayer:bayer_scale=5"
	DefaultColors  = 256
)

func (r *Request) QualityOrDefault() string {
	if r.Quality != nil {
		return *r.Quality
	}
	return DefaultQuality
}

func (r *Request) AudioOrDefault() string {
	if r.Audio != nil {
		return *r.Audio
	}
	return DefaultAudio
}

func (r *Request) ModeOrDefault() string {
	if r.Mode != nil {
		return *r.Mode
	}
	return DefaultMode
}

func (r *Request) FPSOrDefault() int {
	if r.FPS != nil {
		return *r.FPS
	}
	return DefaultFPS
}

func (r *Request) ScaleOrDefault() string {
	if r.Scale != nil {
		return *r.Scale
	}
	return DefaultScale
}

func (r *Request) SpeedOrDefault() float64 {
	if r.Speed != nil {
		return *r.Speed
	}
	return DefaultSpeed
}

func (r *Request) LoopOrDefault() int {
	if r.Loop != nil {
		return *r.Loop
	}
	return DefaultLoop
}

func (r *Request) DitherOrDefault() string {
	if r.Dither != nil {
		return *r.Dither
	}
	return DefaultDither
}

func (r *Request) ColorsOrDefault() int {
	if r.Colors != nil {
		return *r.Colors
	}
	return DefaultColors
}

var (
	assignedFlagRe = regexp.MustCompile(`-(\w+)=(\w+)`)
	qualityFlagRe  = regexp.MustCompile(`^-(\d+)p$`)

	fpsRe      = regexp.MustCompile(`-fps=(\d+)`)
	scaleRe    = regexp.MustCompile(`-scale=(\d+:-1)`)
	timeRe     = regexp.MustCompile(`-time=(\d+(?:\.\d+)?)-(\d+(?:\.\d+)?)`)
	optimizeRe = regexp.MustCompile(`-optimize`)
	speedRe    = regexp.MustCompile(`-speed=(\d*\.?\d+)`)
	inlineQRe  = regexp.MustCompile(`-(\d+)p`)
	loopRe     = regexp.MustCompile(`-loop=(-?\d+)`)
	ditherRe   = regexp.MustCompile(`-dither=(\S+)`)
	colorsRe   = regexp.MustCompile(`-colors=(\d+)`)
)

// ParseDownload parses the flag grammar shared by every command: quality
// tiers (-720p, -max), audio format, download mode and their legacy
// long-form equivalents. Unrecognized tokens are skipped, never an error;
// it is the orchestrator's job to reject an empty source.
func ParseDownload(args string) *Request {
	// Normalize -flag=value into -flag value so both spellings tokenize
	// the same way.
	normalized := assignedFlagRe.ReplaceAllString(args, "-$1 $2")

	tokens, err := shlex.Split(normalized)
	if err != nil {
		// Unbalanced quotes and similar; fall back to a plain split.
		tokens = strings.Fields(normalized)
	}

	// Leading non-flag tokens form the source string.
	var sourceParts []string
	i := 0
	for i < len(tokens) && !strings.HasPrefix(tokens[i], "-") {
		sourceParts = append(sourceParts, tokens[i])
		i++
	}

	r := &Request{Source: strings.TrimSpace(strings.Join(sourceParts, " "))}

	for i < len(tokens) {
		tok := tokens[i]
		switch {
		case qualityFlagRe.MatchString(tok):
			q := qualityFlagRe.FindStringSubmatch(tok)[1]
			r.Quality = &q
			i++
		case tok == "-max":
			q := "max"
			r.Quality = &q
			i++
		case tok == "-wav" || tok == "-ogg" || tok == "-opus" || tok == "-best":
			a := tok[1:]
			r.Audio = &a
			i++
		case tok == "-mute":
			m := "mute"
			r.Mode = &m
			i++
		case tok == "-audio":
			// Legacy long form takes a value; bare -audio selects
			// audio-only mode.
			if i+1 < len(tokens) && !strings.HasPrefix(tokens[i+1], "-") {
				a := tokens[i+1]
				r.Audio = &a
				i += 2
			} else {
				m := "audio"
				r.Mode = &m
				i++
			}
		case tok == "-quality" && i+1 < len(tokens):
			q := tokens[i+1]
			r.Quality = &q
			i += 2
		case tok == "-mode" && i+1 < len(tokens):
			m := tokens[i+1]
			r.Mode = &m
			i += 2
		default:
			// Tolerate stray input.
			i++
		}
	}

	return r
}

// ParseGIF layers the GIF conversion flags on top of the base grammar.
// The assigned-value flags are matched against the raw string and stripped
// back out of the source in case they were interleaved with it.
func ParseGIF(args string) *Request {
	r := ParseDownload(args)

	var matched []string
	if m := fpsRe.FindStringSubmatch(args); m != nil {
		if v, err := strconv.Atoi(m[1]); err == nil && v > 0 {
			r.FPS = &v
		}
		matched = append(matched, m[0])
	}
	if m := scaleRe.FindStringSubmatch(args); m != nil {
		s := m[1]
		r.Scale = &s
		matched = append(matched, m[0])
	}
	if m := timeRe.FindStringSubmatch(args); m != nil {
		start, err1 := strconv.ParseFloat(m[1], 64)
		end, err2 := strconv.ParseFloat(m[2], 64)
		if err1 == nil && err2 == nil {
			r.Span = &TimeRange{Start: start, End: end}
		}
		matched = append(matched, m[0])
	}
	if m := optimizeRe.FindString(args); m != "" {
		r.Optimize = true
		matched = append(matched, m)
	}
	if m := speedRe.FindStringSubmatch(args); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil && v > 0 {
			r.Speed = &v
		}
		matched = append(matched, m[0])
	}

	stripFromSource(r, matched)
	return r
}

// ParseDirect parses the direct-transcode grammar: everything ParseGIF
// accepts plus loop, dither and color-count knobs.
func ParseDirect(args string) *Request {
	r := ParseGIF(args)

	var matched []string
	if m := inlineQRe.FindStringSubmatch(args); m != nil {
		q := m[1]
		r.Quality = &q
		matched = append(matched, m[0])
	}
	if m := loopRe.FindStringSubmatch(args); m != nil {
		if v, err := strconv.Atoi(m[1]); err == nil && v >= -1 {
			r.Loop = &v
		}
		matched = append(matched, m[0])
	}
	if m := ditherRe.FindStringSubmatch(args); m != nil {
		d := m[1]
		r.Dither = &d
		matched = append(matched, m[0])
	}
	if m := colorsRe.FindStringSubmatch(args); m != nil {
		if v, err := strconv.Atoi(m[1]); err == nil && v > 0 && v <= 256 {
			r.Colors = &v
		}
		matched = append(matched, m[0])
	}

	stripFromSource(r, matched)
	return r
}

// ParseAudio parses the audio-extraction grammar: the base flags plus an
// optional time range.
func ParseAudio(args string) *Request {
	r := ParseDownload(args)

	if m := timeRe.FindStringSubmatch(args); m != nil {
		start, err1 := strconv.ParseFloat(m[1], 64)
		end, err2 := strconv.ParseFloat(m[2], 64)
		if err1 == nil && err2 == nil {
			r.Span = &TimeRange{Start: start, End: end}
		}
		stripFromSource(r, []string{m[0]})
	}

	return r
}

// stripFromSource removes recognized flag substrings that ended up inside
// the extracted source string. This happens when flags precede the source
// token or the source itself contains no spaces.
func stripFromSource(r *Request, matched []string) {
	for _, m := range matched {
		if strings.Contains(r.Source, m) {
			r.Source = strings.TrimSpace(strings.ReplaceAll(r.Source, m, ""))
		}
	}
}

// String renders the request back into canonical flag form. Parsing the
// result yields an equal request, which the tests rely on.
func (r *Request) String() string {
	parts := []string{}
	if r.Source != "" {
		parts = append(parts, r.Source)
	}
	if r.Quality != nil {
		switch q := *r.Quality; {
		case q == "max":
			parts = append(parts, "-max")
		case qualityFlagRe.MatchString("-" + q + "p"):
			parts = append(parts, fmt.Sprintf("-%sp", q))
		default:
			parts = append(parts, "-quality", q)
		}
	}
	if r.Audio != nil {
		switch a := *r.Audio; a {
		case "wav", "ogg", "opus", "best":
			parts = append(parts, "-"+a)
		default:
			parts = append(parts, "-audio", a)
		}
	}
	if r.Mode != nil {
		switch m := *r.Mode; m {
		case "audio", "mute":
			parts = append(parts, "-"+m)
		default:
			parts = append(parts, "-mode", m)
		}
	}
	if r.FPS != nil {
		parts = append(parts, fmt.Sprintf("-fps=%d", *r.FPS))
	}
	if r.Scale != nil {
		parts = append(parts, "-scale="+*r.Scale)
	}
	if r.Span != nil {
		parts = append(parts, fmt.Sprintf("-time=%s-%s",
			strconv.FormatFloat(r.Span.Start, 'f', -1, 64),
			strconv.FormatFloat(r.Span.End, 'f', -1, 64)))
	}
	if r.Optimize {
		parts = append(parts, "-optimize")
	}
	if r.Speed != nil {
		parts = append(parts, "-speed="+strconv.FormatFloat(*r.Speed, 'f', -1, 64))
	}
	if r.Loop != nil {
		parts = append(parts, fmt.Sprintf("-loop=%d", *r.Loop))
	}
	if r.Dither != nil {
		parts = append(parts, "-dither="+*r.Dither)
	}
	if r.Colors != nil {
		parts = append(parts, fmt.Sprintf("-colors=%d", *r.Colors))
	}
	return strings.Join(parts, " ")
}
