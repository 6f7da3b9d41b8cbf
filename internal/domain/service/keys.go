package service

import (
	"fmt"

	"github.com/turtacn/arena-realtime/pkg/constants"
)

// KeyBuilder builds counter store keys under a common prefix.
type KeyBuilder struct {
	Prefix string
}

// NewKeyBuilder creates a KeyBuilder, falling back to the default prefix.
func NewKeyBuilder(prefix string) KeyBuilder {
	if prefix == "" {
		prefix = constants.DefaultKeyPrefix
	}
	return KeyBuilder{Prefix: prefix}
}

func (k KeyBuilder) build(segment, id string) string {
	return fmt.Sprintf("%s:%s:%s", k.Prefix, segment, id)
}

// UserConnections is the key of a user's connection counter.
func (k KeyBuilder) UserConnections(userID string) string {
	return k.build(constants.KeySegmentUserConn, userID)
}

// IPConnections is the key of an address's connection counter.
func (k KeyBuilder) IPConnections(ip string) string {
	return k.build(constants.KeySegmentIPConn, ip)
}

// Room is the key of a room's membership set.
func (k KeyBuilder) Room(roomID string) string {
	return k.build(constants.KeySegmentRoom, roomID)
}

// Bucket is the key of a message-rate bucket.
func (k KeyBuilder) Bucket(scope constants.BucketScope, id string) string {
	return k.build(constants.KeySegmentBucket, string(scope)+":"+id)
}
