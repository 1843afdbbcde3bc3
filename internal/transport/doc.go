// Package transport exchanges HTTP/1.1 messages over stream connections.
//
// UPnP speaks plain textual HTTP, including methods net/http does not know
// about (SUBSCRIBE, UNSUBSCRIBE, NOTIFY), so messages are framed here.
//
// # Framing
//
// Outgoing bodies are written with Content-Length, or with chunked
// transfer-encoding when they exceed the connection's MaxChunkSize. Incoming
// bodies are read by Content-Length, chunked encoding, or until the peer
// disconnects when a response carries neither.
//
// # Blocking and non-blocking use
//
// Conn.Send and Conn.Receive block the calling goroutine, bounded by the idle
// ReadTimeout which is re-armed before every read and write.
//
// Exchange is the same request/response pair as an I/O-free state machine:
//
//	NotStarted -> WritingHeaderAndBody -> ReadingHeader -> ReadingBody -> Succeeded | Failed
//
// Conn.StartExchange drives an Exchange from its own goroutine and reports
// the outcome once through a callback carrying the exchange's OpID.
package transport
