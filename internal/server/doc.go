// Package server exposes encoding sessions over the network. The UDP server
// takes binary audio and control packets, sharded across workers by session
// id. The HTTP server offers session management, audio upload, blocking data
// requests, a websocket stream per session and monitoring endpoints.
package server
