package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/redis/go-redis/v9"

	"taskboard/api/internal/util"
)

// envelope is the bridge wire format. Frames stay JSON inside so a
// receiving instance forwards them to sockets untouched.
type envelope struct {
	Origin string `cbor:"origin"`
	Room   string `cbor:"room"`
	Frame  []byte `cbor:"frame"`
}

var envMode cbor.EncMode

func init() {
	var err error
	envMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("realtime: CBOR encoder initialization failed: " + err.Error())
	}
}

// Bridge fans relayed frames out to other API instances over Redis pub/sub.
type Bridge struct {
	client  *redis.Client
	channel string
	origin  string
	hub     *Hub
	out     chan envelope
	logger  *slog.Logger
}

func NewBridge(client *redis.Client, channel string, hub *Hub) *Bridge {
	return &Bridge{
		client:  client,
		channel: channel,
		origin:  util.NewID("node"),
		hub:     hub,
		out:     make(chan envelope, 256),
		logger:  hub.logger.With("bridge", channel),
	}
}

// Publish queues a frame for other instances. A full queue drops the frame.
func (b *Bridge) Publish(room string, msg []byte) {
	select {
	case b.out <- envelope{Origin: b.origin, Room: room, Frame: msg}:
	default:
		b.logger.Warn("bridge queue full, dropping frame", "room", room)
	}
}

// Run subscribes to the channel and pumps frames both ways until ctx is done.
func (b *Bridge) Run(ctx context.Context) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	b.hub.SetPublisher(b)
	defer b.hub.SetPublisher(nil)
	b.logger.Info("realtime bridge subscribed", "origin", b.origin)

	incoming := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-b.out:
			b.send(ctx, env)
		case msg, ok := <-incoming:
			if !ok {
				return nil
			}
			b.receive([]byte(msg.Payload))
		}
	}
}

func (b *Bridge) send(ctx context.Context, env envelope) {
	data, err := envMode.Marshal(env)
	if err != nil {
		b.logger.Warn("encode envelope", "error", err)
		return
	}
	pubCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := b.client.Publish(pubCtx, b.channel, data).Err(); err != nil {
		b.logger.Warn("publish envelope", "room", env.Room, "error", err)
		return
	}
	b.hub.countPublished()
}

func (b *Bridge) receive(data []byte) {
	var env envelope
	if err := cbor.Unmarshal(data, &env); err != nil {
		b.logger.Warn("decode envelope", "error", err)
		return
	}
	if env.Origin == b.origin {
		return
	}
	b.hub.DeliverRemote(env.Room, env.Frame)
}
