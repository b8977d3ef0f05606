package window

import (
	"context"
	"errors"

	"github.com/danmuck/xframe/internal/protocol/channel"
	"github.com/rs/zerolog/log"
)

// Bridge stands a network peer in as a local window. Messages local posts to
// the returned stand-in are sent on port; messages received on port are
// posted to local as if the stand-in sent them. Closing the stand-in closes
// port, and a failed port closes the stand-in.
func Bridge(local *Window, remoteOrigin string, port channel.Port) *Window {
	remote := New(remoteOrigin)
	ctx, cancel := context.WithCancel(context.Background())

	unsub := remote.Subscribe(func(ev Event) {
		if ev.Source != local {
			return
		}
		if err := port.Send(ctx, ev.Data); err != nil {
			log.Debug().Msgf("window.Bridge send failed remote=%s err=%v", remoteOrigin, err)
		}
	})
	remote.OnClose(func() {
		unsub()
		cancel()
		_ = port.Close()
	})
	local.OnClose(remote.Close)

	go func() {
		defer remote.Close()
		for {
			msg, err := port.Receive(ctx)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					log.Debug().Msgf("window.Bridge receive ended remote=%s err=%v", remoteOrigin, err)
				}
				return
			}
			if err := local.PostMessage(remote, msg.Data); err != nil {
				return
			}
		}
	}()
	return remote
}

// AttachParent creates a window of origin whose parent is a bridged
// stand-in for the network peer, so code in it reaches the peer through
// Parent. The frame and the stand-in close together.
func AttachParent(origin, remoteOrigin string, port channel.Port) *Window {
	frame := newWindow(origin, nil, nil)
	parent := Bridge(frame, remoteOrigin, port)
	frame.parent = parent
	parent.OnClose(frame.Close)
	return frame
}
