// Package redisstore implements store.ChatStore on Redis.
//
// Room summaries live in one sorted set scored by last update time, messages
// in one stream per room. Timestamps come from the Redis server clock through
// a small script that also keeps them strictly increasing across writers.
// Every write publishes a change notice; each Store bridges those notices into
// a local notify.Broker so that subscribers in any process see every write.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/pliu/duochat/internal/models"
	"github.com/pliu/duochat/internal/store"
	"github.com/pliu/duochat/internal/store/notify"
)

const (
	prefix        = "duochat:"
	clockKey      = prefix + "clock"
	roomsKey      = prefix + "rooms"
	changedPrefix = prefix + "changed:"
	roomsTopic    = "rooms"
)

// clockPrelude leaves a strictly increasing server time in microseconds in
// the local "now" and records it under KEYS[1].
const clockPrelude = `
local t = redis.call('TIME')
local now = tonumber(t[1]) * 1000000 + tonumber(t[2])
local last = tonumber(redis.call('GET', KEYS[1]) or '0')
if now <= last then now = last + 1 end
redis.call('SET', KEYS[1], string.format('%d', now))
`

// KEYS: clock, rooms. ARGV: room id. Returns -1 when the room exists.
var createSummaryScript = redis.NewScript(`
if redis.call('ZSCORE', KEYS[2], ARGV[1]) then return -1 end
` + clockPrelude + `
redis.call('ZADD', KEYS[2], string.format('%d', now), ARGV[1])
return now
`)

// KEYS: clock, stream. ARGV: message id, sender, text.
var addMessageScript = redis.NewScript(clockPrelude + `
redis.call('XADD', KEYS[2], string.format('%d-0', now), 'id', ARGV[1], 'sender', ARGV[2], 'text', ARGV[3])
return now
`)

type Store struct {
	client *redis.Client
	pubsub *redis.PubSub
	broker *notify.Broker
	log    zerolog.Logger
}

var _ store.ChatStore = (*Store)(nil)

// New connects to the Redis server at url and starts relaying change notices.
func New(ctx context.Context, url string, log zerolog.Logger) (*Store, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	c := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := c.Ping(pingCtx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}

	ps := c.PSubscribe(ctx, changedPrefix+"*")
	// Wait for the subscription to be confirmed so no notice is missed.
	if _, err := ps.Receive(pingCtx); err != nil {
		_ = ps.Close()
		_ = c.Close()
		return nil, fmt.Errorf("redis: psubscribe: %w", err)
	}

	s := &Store{
		client: c,
		pubsub: ps,
		broker: notify.NewBroker(log),
		log:    log.With().Str("component", "redisstore").Logger(),
	}
	go s.relay()
	return s, nil
}

func (s *Store) relay() {
	for msg := range s.pubsub.Channel() {
		s.broker.Publish(strings.TrimPrefix(msg.Channel, changedPrefix))
	}
}

func (s *Store) changed(ctx context.Context, topic string) {
	if err := s.client.Publish(ctx, changedPrefix+topic, "").Err(); err != nil {
		// Local watchers still hear about it.
		s.log.Warn().Err(err).Str("topic", topic).Msg("publish change notice")
		s.broker.Publish(topic)
	}
}

func (s *Store) CreateRoomMarker(ctx context.Context, roomID string) error {
	ok, err := s.client.SetNX(ctx, markerKey(roomID), 1, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return store.ErrAlreadyExists
	}
	return nil
}

func (s *Store) CreateRoomSummary(ctx context.Context, roomID string) (models.Room, error) {
	micros, err := createSummaryScript.Run(ctx, s.client, []string{clockKey, roomsKey}, roomID).Int64()
	if err != nil {
		return models.Room{}, err
	}
	if micros < 0 {
		return models.Room{}, store.ErrAlreadyExists
	}
	s.changed(ctx, roomsTopic)
	return models.Room{ID: roomID, LastUpdatedAt: fromMicros(micros)}, nil
}

func (s *Store) GetRoom(ctx context.Context, roomID string) (models.Room, error) {
	score, err := s.client.ZScore(ctx, roomsKey, roomID).Result()
	if errors.Is(err, redis.Nil) {
		return models.Room{}, store.ErrNotFound
	}
	if err != nil {
		return models.Room{}, err
	}
	return models.Room{ID: roomID, LastUpdatedAt: fromMicros(int64(score))}, nil
}

func (s *Store) TouchRoom(ctx context.Context, roomID string, at time.Time) error {
	// XX leaves unknown rooms alone, GT keeps the score from moving backwards.
	n, err := s.client.ZAddArgs(ctx, roomsKey, redis.ZAddArgs{
		XX:      true,
		GT:      true,
		Ch:      true,
		Members: []redis.Z{{Score: float64(at.UnixMicro()), Member: roomID}},
	}).Result()
	if err != nil {
		return err
	}
	if n > 0 {
		s.changed(ctx, roomsTopic)
	}
	return nil
}

func (s *Store) AddMessage(ctx context.Context, msg models.Message) (models.Message, error) {
	micros, err := addMessageScript.Run(ctx, s.client, []string{clockKey, streamKey(msg.RoomID)},
		msg.ID, msg.SenderID, msg.Text).Int64()
	if err != nil {
		return models.Message{}, err
	}
	msg.CreatedAt = fromMicros(micros)
	s.changed(ctx, messagesTopic(msg.RoomID))
	return msg, nil
}

func (s *Store) listMessages(ctx context.Context, roomID string) ([]models.Message, error) {
	entries, err := s.client.XRange(ctx, streamKey(roomID), "-", "+").Result()
	if err != nil {
		return nil, err
	}
	messages := make([]models.Message, 0, len(entries))
	for _, e := range entries {
		ms, _, _ := strings.Cut(e.ID, "-")
		micros, err := strconv.ParseInt(ms, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("redis: stream id %q: %w", e.ID, err)
		}
		messages = append(messages, models.Message{
			ID:        field(e.Values, "id"),
			RoomID:    roomID,
			SenderID:  field(e.Values, "sender"),
			Text:      field(e.Values, "text"),
			CreatedAt: fromMicros(micros),
		})
	}
	return messages, nil
}

func (s *Store) listRooms(ctx context.Context) ([]models.Room, error) {
	zs, err := s.client.ZRevRangeWithScores(ctx, roomsKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	rooms := make([]models.Room, 0, len(zs))
	for _, z := range zs {
		id, _ := z.Member.(string)
		rooms = append(rooms, models.Room{ID: id, LastUpdatedAt: fromMicros(int64(z.Score))})
	}
	return rooms, nil
}

func (s *Store) SubscribeMessages(ctx context.Context, roomID string, fn func([]models.Message)) (store.Disposer, error) {
	stop, err := notify.Watch(ctx, s.broker, messagesTopic(roomID), func(ctx context.Context) ([]models.Message, error) {
		return s.listMessages(ctx, roomID)
	}, fn)
	if err != nil {
		return nil, err
	}
	return stop, nil
}

func (s *Store) SubscribeRooms(ctx context.Context, fn func([]models.Room)) (store.Disposer, error) {
	stop, err := notify.Watch(ctx, s.broker, roomsTopic, s.listRooms, fn)
	if err != nil {
		return nil, err
	}
	return stop, nil
}

func (s *Store) Close() error {
	err := s.pubsub.Close()
	if cerr := s.client.Close(); err == nil {
		err = cerr
	}
	return err
}

func markerKey(roomID string) string { return prefix + "room:" + roomID + ":marker" }

func streamKey(roomID string) string { return prefix + "room:" + roomID + ":messages" }

func messagesTopic(roomID string) string { return "messages." + roomID }

func fromMicros(n int64) time.Time { return time.UnixMicro(n).UTC() }

func field(values map[string]interface{}, key string) string {
	v, _ := values[key].(string)
	return v
}
