package streams

import "strings"

// UnknownExt is reported when a mime type has no known file extension.
const UnknownExt = "unknown"

var extByMime = map[string]string{
	// video
	"3gpp":             "3gp",
	"mp2t":             "ts",
	"mp4":              "mp4",
	"mpeg":             "mpeg",
	"mpegurl":          "m3u8",
	"quicktime":        "mov",
	"webm":             "webm",
	"vp9":              "vp9",
	"x-flv":            "flv",
	"x-m4v":            "m4v",
	"x-matroska":       "mkv",
	"x-mng":            "mng",
	"x-mp4-fragmented": "mp4",
	"x-ms-asf":         "asf",
	"x-ms-wmv":         "wmv",
	"x-msvideo":        "avi",

	// audio
	"audio/mp4":        "m4a",
	"audio/mpeg":       "mp3",
	"audio/webm":       "webm",
	"audio/x-matroska": "mka",
	"audio/x-mpegurl":  "m3u",
	"midi":             "mid",
	"ogg":              "ogg",
	"wav":              "wav",
	"wave":             "wav",
	"x-aac":            "aac",
	"x-flac":           "flac",
	"x-m4a":            "m4a",
	"x-realaudio":      "ra",
	"x-wav":            "wav",
}

// ExtFromMime maps a media type without parameters to a file extension.
//
// The full type is tried first, then its subtype.
func ExtFromMime(mediaType string) string {
	mediaType = strings.ToLower(strings.TrimSpace(mediaType))
	if ext, ok := extByMime[mediaType]; ok {
		return ext
	}
	if i := strings.LastIndexByte(mediaType, '/'); i >= 0 {
		if ext, ok := extByMime[mediaType[i+1:]]; ok {
			return ext
		}
	}
	return UnknownExt
}
