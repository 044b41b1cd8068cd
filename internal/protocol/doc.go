// Package protocol implements the binary packet format used to feed audio
// and control commands to encoding sessions. Every packet starts with a
// 24-byte big-endian header; audio packets carry channel-planar float32
// samples, control packets a JSON command.
package protocol
