// Package streams lists the directly playable stream URLs of a YouTube video.
//
// All HTTP goes through the client it is given, so the session's peer performs
// the requests.
package streams

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/floegence/wsfetch/fetch"
	"github.com/floegence/wsfetch/session"
)

const (
	DefaultBaseURL   = "https://www.youtube.com"
	DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"

	playerResponseMarker = "ytInitialPlayerResponse"
	maxPageBytes         = 8 << 20
)

var (
	ErrNoPlayerResponse = errors.New("watch page has no player response")
	ErrUnplayable       = errors.New("video is not playable")
)

// Stream is one playable format.
type Stream struct {
	URL            string  `json:"url"`
	Itag           int     `json:"itag"`
	Ext            string  `json:"ext"`
	VideoCodec     *string `json:"video_codec"`
	AudioCodec     *string `json:"audio_codec"`
	AverageBitrate *int64  `json:"average_bitrate"`
	AudioBitrate   *int64  `json:"audio_bitrate"`
	VideoBitrate   *int64  `json:"video_bitrate"`
	Filesize       *int64  `json:"filesize"`
}

type Options struct {
	BaseURL   string // DefaultBaseURL when empty.
	UserAgent string // DefaultUserAgent when empty.
}

type playerResponse struct {
	PlayabilityStatus struct {
		Status string `json:"status"`
		Reason string `json:"reason"`
	} `json:"playabilityStatus"`
	StreamingData struct {
		Formats         []format `json:"formats"`
		AdaptiveFormats []format `json:"adaptiveFormats"`
	} `json:"streamingData"`
}

type format struct {
	Itag            int    `json:"itag"`
	URL             string `json:"url"`
	MimeType        string `json:"mimeType"`
	Bitrate         int64  `json:"bitrate"`
	AverageBitrate  int64  `json:"averageBitrate"`
	ContentLength   string `json:"contentLength"`
	SignatureCipher string `json:"signatureCipher"`
}

// Task returns the session task listing the streams of videoID.
func Task(opts Options, videoID string) session.Task {
	return func(ctx context.Context, proxy *fetch.Proxy) (any, error) {
		return List(ctx, proxy.HTTPClient(), opts, videoID)
	}
}

// TaskFactory adapts Task to the server's per-connection factory.
func TaskFactory(opts Options) func(videoID string) session.Task {
	return func(videoID string) session.Task { return Task(opts, videoID) }
}

// List fetches the watch page of videoID with client and extracts its streams.
//
// Formats that only carry a signature cipher are skipped.
func List(ctx context.Context, client *http.Client, opts Options, videoID string) ([]Stream, error) {
	page, err := fetchWatchPage(ctx, client, opts, videoID)
	if err != nil {
		return nil, err
	}
	pr, err := parsePlayerResponse(page)
	if err != nil {
		return nil, err
	}
	if st := pr.PlayabilityStatus.Status; st != "" && st != "OK" {
		reason := pr.PlayabilityStatus.Reason
		if reason == "" {
			reason = st
		}
		return nil, fmt.Errorf("%w: %s", ErrUnplayable, reason)
	}

	all := append(append([]format(nil), pr.StreamingData.Formats...), pr.StreamingData.AdaptiveFormats...)
	out := make([]Stream, 0, len(all))
	for _, f := range all {
		if f.URL == "" {
			continue
		}
		out = append(out, toStream(f))
	}
	return out, nil
}

func fetchWatchPage(ctx context.Context, client *http.Client, opts Options, videoID string) ([]byte, error) {
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	ua := opts.UserAgent
	if ua == "" {
		ua = DefaultUserAgent
	}
	u := base + "/watch?" + url.Values{"v": {videoID}, "hl": {"en"}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", ua)
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("watch page: unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
}

// parsePlayerResponse decodes the JSON object assigned to ytInitialPlayerResponse.
func parsePlayerResponse(page []byte) (*playerResponse, error) {
	s := string(page)
	i := strings.Index(s, playerResponseMarker)
	if i < 0 {
		return nil, ErrNoPlayerResponse
	}
	j := strings.IndexByte(s[i:], '{')
	if j < 0 {
		return nil, ErrNoPlayerResponse
	}
	var pr playerResponse
	// The decoder stops after the first value, ignoring the script that follows.
	if err := json.NewDecoder(strings.NewReader(s[i+j:])).Decode(&pr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoPlayerResponse, err)
	}
	return &pr, nil
}

func toStream(f format) Stream {
	st := Stream{URL: f.URL, Itag: f.Itag, Ext: UnknownExt}

	mediaType, params, err := mime.ParseMediaType(f.MimeType)
	if err == nil {
		st.Ext = ExtFromMime(mediaType)
	}
	var codecs []string
	for _, c := range strings.Split(params["codecs"], ",") {
		if c = strings.TrimSpace(c); c != "" {
			codecs = append(codecs, c)
		}
	}
	isVideo := strings.HasPrefix(mediaType, "video/")
	isAudio := strings.HasPrefix(mediaType, "audio/")
	switch {
	case isVideo && len(codecs) > 0:
		st.VideoCodec = &codecs[0]
		if len(codecs) > 1 {
			// Muxed formats list the audio codec second.
			st.AudioCodec = &codecs[1]
		}
	case isAudio && len(codecs) > 0:
		st.AudioCodec = &codecs[0]
	}

	if f.Bitrate > 0 {
		b := f.Bitrate
		if isVideo {
			st.VideoBitrate = &b
		}
		if isAudio {
			st.AudioBitrate = &b
		}
	}
	if avg := f.AverageBitrate; avg > 0 {
		st.AverageBitrate = &avg
	} else if f.Bitrate > 0 {
		b := f.Bitrate
		st.AverageBitrate = &b
	}
	if n, err := strconv.ParseInt(f.ContentLength, 10, 64); err == nil && n > 0 {
		st.Filesize = &n
	}
	return st
}
