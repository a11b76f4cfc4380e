package swarm

import (
	"errors"
	"fmt"

	"github.com/dkeye/swarm-relay/internal/domain"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-msgio"
)

// ErrTopicMismatch is returned when the remote side of a stream is not on
// the topic the stream was opened for.
var ErrTopicMismatch = errors.New("topic mismatch")

// The opener sends the topic as the first frame; the acceptor echoes it
// back only if it is still joined. Relay frames follow.

func writeHello(st network.Stream, t domain.Topic) error {
	return msgio.NewVarintWriter(st).WriteMsg(t[:])
}

func readHello(st network.Stream) (domain.Topic, error) {
	var t domain.Topic
	r := msgio.NewVarintReaderSize(st, len(t))
	msg, err := r.ReadMsg()
	if err != nil {
		return t, fmt.Errorf("read hello: %w", err)
	}
	defer r.ReleaseMsg(msg)
	if len(msg) != len(t) {
		return t, fmt.Errorf("%w: hello of %d bytes", ErrTopicMismatch, len(msg))
	}
	copy(t[:], msg)
	return t, nil
}
