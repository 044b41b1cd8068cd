// Package audio holds the sample-level building blocks of the encoder pipeline.
// It provides the per-channel Chunk type, the accumulation Buffer, the pre-roll
// RepeatBuffer, fixed-size frame splitting and WAV/PCM byte codecs.
package audio
