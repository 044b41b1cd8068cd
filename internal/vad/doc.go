// Package vad implements a counter-driven voice activity detector.
// Each chunk is classified against an amplitude threshold and hysteresis
// counters decide when speech starts, ends, overflows or can be cleared.
package vad
