// Package wsbridge carries window messages between processes. A Server
// hub plays the role of the browser: each window connects with a name,
// the hub records the origin it connected from, and it only delivers a
// message to a window whose origin equals the sender's target origin.
// The sender origin seen by receivers is stamped by the hub.
package wsbridge

import (
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rbaliyan/config/codec"

	"github.com/rbaliyan/secmsg"
	"github.com/rbaliyan/secmsg/agent"
)

const (
	framePost  = "post"
	frameReply = "reply"

	codeNoReceiver   = "no_receiver"
	codeTargetOrigin = "target_origin"
	codeBusy         = "busy"

	// WindowParam is the query parameter naming the connecting window.
	WindowParam = "window"

	writeWait = 10 * time.Second

	// DefaultReadLimit bounds a single frame.
	DefaultReadLimit = 1 << 20
)

// ErrRemote wraps an error reported by the receiving window.
var ErrRemote = errors.New("wsbridge: receiver failed")

// ErrClosed is returned for sends on a closed client.
var ErrClosed = errors.New("wsbridge: connection closed")

// ErrBusy is returned when the receiving window has too many messages in
// flight.
var ErrBusy = errors.New("wsbridge: receiver busy")

type frame struct {
	Type         string           `json:"type"`
	ID           string           `json:"id"`
	Window       string           `json:"window,omitempty"`
	TargetOrigin string           `json:"targetOrigin,omitempty"`
	From         string           `json:"from,omitempty"`
	Envelope     *secmsg.Envelope `json:"envelope,omitempty"`
	Error        string           `json:"error,omitempty"`
}

var frameCodec = codec.JSON()

func writeFrame(conn *websocket.Conn, f frame) error {
	data, err := frameCodec.Encode(f)
	if err != nil {
		return fmt.Errorf("wsbridge: encode frame: %w", err)
	}
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func readFrame(conn *websocket.Conn) (frame, bool, error) {
	var f frame
	_, data, err := conn.ReadMessage()
	if err != nil {
		return f, false, err
	}
	if err := frameCodec.Decode(data, &f); err != nil || f.ID == "" {
		return f, false, nil
	}
	return f, true, nil
}

// replyError maps an error frame to the error returned by Send.
func replyError(f frame) error {
	switch f.Error {
	case "":
		return nil
	case codeNoReceiver:
		return fmt.Errorf("%w: window %q", agent.ErrNoReceiver, f.Window)
	case codeTargetOrigin:
		return agent.ErrTargetOriginRequired
	case codeBusy:
		return fmt.Errorf("%w: window %q", ErrBusy, f.Window)
	default:
		return fmt.Errorf("%w: %s", ErrRemote, f.Error)
	}
}
