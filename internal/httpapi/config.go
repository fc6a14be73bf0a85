package httpapi

import "time"

const (
	defaultMaxBodyBytes  int64 = 1 << 20
	defaultMaxAudioBytes int64 = 100 << 20
)

// maxBodyBytes caps JSON request bodies.
var maxBodyBytes = defaultMaxBodyBytes

// SetMaxBodyBytes sets the JSON body cap; n <= 0 restores 1 MiB.
func SetMaxBodyBytes(n int64) {
	if n <= 0 {
		n = defaultMaxBodyBytes
	}
	maxBodyBytes = n
}

// maxAudioBytes caps POST /transcribe bodies.
var maxAudioBytes = defaultMaxAudioBytes

// SetMaxAudioBytes sets the audio upload cap; n <= 0 restores 100 MiB.
func SetMaxAudioBytes(n int64) {
	if n <= 0 {
		n = defaultMaxAudioBytes
	}
	maxAudioBytes = n
}

// inferenceTimeout bounds POST /inference; zero leaves it to the gateway.
var inferenceTimeout time.Duration

// SetInferenceTimeout sets the per-request inference bound (0 disables).
func SetInferenceTimeout(d time.Duration) {
	if d < 0 {
		d = 0
	}
	inferenceTimeout = d
}

// sseHeartbeat is how often /events writes a keep-alive comment.
var sseHeartbeat = 15 * time.Second

// CORS is opt-in; with no origins no CORS middleware is installed.
var (
	corsAllowedOrigins []string
	corsAllowedMethods []string
	corsAllowedHeaders []string
)

// SetCORSOptions configures CORS. Empty methods or headers take defaults.
func SetCORSOptions(origins, methods, headers []string) {
	corsAllowedOrigins = append([]string(nil), origins...)
	corsAllowedMethods = append([]string(nil), methods...)
	corsAllowedHeaders = append([]string(nil), headers...)
}
