package transport

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"

	"mini-jsonrpc/message"
)

// IDGenerator hands out request ids. It must be safe for concurrent use and
// never repeat an id while the previous one may still be pending.
type IDGenerator func() message.ID

// SequentialIDs numbers requests 1, 2, 3, ...
func SequentialIDs() IDGenerator {
	var seq atomic.Uint64
	return func() message.ID {
		return message.NumberID(seq.Add(1))
	}
}

// UUIDIDs uses random UUID strings, for peers shared by several clients.
func UUIDIDs() IDGenerator {
	return func() message.ID {
		return message.StringID(uuid.NewString())
	}
}

// IDsByName maps a config value to a generator.
func IDsByName(name string) (IDGenerator, error) {
	switch name {
	case "", "sequence":
		return SequentialIDs(), nil
	case "uuid":
		return UUIDIDs(), nil
	}
	return nil, fmt.Errorf("transport: unknown id style %q", name)
}
