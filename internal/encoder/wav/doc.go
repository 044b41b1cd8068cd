// Package wav is the PCM codec. It produces RIFF/WAVE files or headerless
// little-endian PCM streams (audio/l8, audio/l16, audio/l24).
package wav
