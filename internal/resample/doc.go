// Package resample converts chunks between sample rates.
package resample
