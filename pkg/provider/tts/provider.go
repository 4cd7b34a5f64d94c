// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (an OpenAI-compatible
// endpoint, the free Edge service, or a local engine) and presents a uniform
// whole-object interface: text in, encoded audio bytes out. Streaming is
// deliberately not part of the contract — the cache in front of the providers
// stores complete artifacts.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// Provider is the abstraction over any TTS backend.
//
// Implementations must be safe for concurrent use. Multiple synthesis
// requests may run in parallel.
type Provider interface {
	// Synthesize produces encoded audio for the given request. The returned
	// bytes are a complete audio object in req.Format (providers that only
	// emit one container format may ignore the requested format and return
	// their native one; the caller transcodes when it cares).
	//
	// Errors carrying an upstream HTTP status should be returned as a
	// [*StatusError] so the fallback layer can classify them.
	Synthesize(ctx context.Context, req Request) ([]byte, error)
}

// Request describes one synthesis call.
type Request struct {
	// Text is the utterance to synthesise. Must be non-empty.
	Text string

	// Voice is the caller-namespace voice identifier (e.g. "alloy",
	// "Decent_Boy", "tr-TR-AhmetNeural"). Providers map it to their own
	// namespace where needed.
	Voice string

	// Model selects the synthesis model (e.g. "tts-1"). May be empty.
	Model string

	// Format is the requested audio container format, one of [Formats].
	Format string
}
