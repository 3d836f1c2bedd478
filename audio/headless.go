//go:build headless

package audio

// DefaultBackend is used when no backend is configured. Headless builds
// carry no platform audio and use the null backend.
const DefaultBackend = "null"
