// Package ws implements WebSocket relaying for the record engine and
// position-strict frame replay for the replay engine.
//
// The upgrade/relay plumbing builds on gorilla/websocket's hub-and-client
// pattern, repurposed from broadcasting one message to many clients into
// relaying one client<->upstream frame sequence while capturing every
// frame.
package ws

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"ouli/internal/format"
	"ouli/internal/ouerr"
)

// Upgrader is shared by record and replay; origin checking is left to the
// endpoint's HTTP layer (the proxy only forwards, it doesn't enforce CORS
// policy for upstream targets).
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Clock abstracts time for injectable timestamps (mirrors store.Clock).
type Clock interface{ NowNs() uint64 }

// RelayAndCapture pipes frames bidirectionally between client and
// upstream, recording each as a format.Chunk in arrival order. It returns
// once either side closes or errors.
func RelayAndCapture(client, upstream *websocket.Conn, clock Clock) ([]format.Chunk, error) {
	var chunks []format.Chunk
	chunksCh := make(chan format.Chunk, 64)
	errCh := make(chan error, 2)
	done := make(chan struct{})

	pump := func(src, dst *websocket.Conn, direction byte) {
		for {
			msgType, data, err := src.ReadMessage()
			if err != nil {
				errCh <- err
				return
			}
			chunksCh <- format.Chunk{
				Direction:   direction,
				Opcode:      byte(msgType),
				Data:        append([]byte(nil), data...),
				TimestampNs: clock.NowNs(),
			}
			if err := dst.WriteMessage(msgType, data); err != nil {
				errCh <- err
				return
			}
		}
	}

	go pump(client, upstream, format.DirectionClientToServer)
	go pump(upstream, client, format.DirectionServerToClient)

	go func() {
		<-errCh
		close(done)
	}()

collect:
	for {
		select {
		case c := <-chunksCh:
			chunks = append(chunks, c)
		case <-done:
			// Drain any chunks queued before the pumps stopped.
			for {
				select {
				case c := <-chunksCh:
					chunks = append(chunks, c)
				default:
					break collect
				}
			}
		}
	}

	return chunks, nil
}

// ReplayConn drives position-strict replay of a captured chunk sequence
// against a live client connection.
type ReplayConn struct {
	Client *websocket.Conn
	Chunks []format.Chunk
	Delay  time.Duration // inter-chunk pacing; zero disables pacing
}

// Run walks the chunk sequence in order: ClientToServer chunks are
// compared against a frame read from the client (redacted payload
// equality), ServerToClient chunks are sent to the client. Any mismatch or
// out-of-order frame returns ouerr.ErrWebSocketMismatch; Run itself sends
// no close frame to the client.
func (rc *ReplayConn) Run(redactFn func([]byte) []byte) error {
	for _, chunk := range rc.Chunks {
		switch chunk.Direction {
		case format.DirectionServerToClient:
			if rc.Delay > 0 {
				time.Sleep(rc.Delay)
			}
			if err := rc.Client.WriteMessage(int(chunk.Opcode), chunk.Data); err != nil {
				return err
			}
		case format.DirectionClientToServer:
			msgType, data, err := rc.Client.ReadMessage()
			if err != nil {
				return err
			}
			if byte(msgType) != chunk.Opcode {
				return ouerr.ErrWebSocketMismatch
			}
			got := data
			want := chunk.Data
			if redactFn != nil {
				got = redactFn(got)
				want = redactFn(want)
			}
			if string(got) != string(want) {
				return ouerr.ErrWebSocketMismatch
			}
		}
	}
	return nil
}
