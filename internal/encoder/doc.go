// Package encoder drives a pluggable codec over a stream of audio chunks.
//
// An Engine owns the accumulation buffer, the pre-roll RepeatBuffer, an
// optional resampler, the voice activity detector and exactly one Plugin.
// Plugins are created through a Factory looked up in a Registry by codec id.
// The engine reports everything it produces as Messages to an Emitter.
package encoder
