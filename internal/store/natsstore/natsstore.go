// Package natsstore implements store.ChatStore on NATS JetStream.
//
// Markers and room summaries are keys in a KV bucket, so create-if-absent is a
// KV Create. Messages are published to one stream subject per room and take
// their timestamp and order from the stream. Writers announce changes on core
// NATS subjects that every Store relays into its local notify.Broker.
package natsstore

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/pliu/duochat/internal/models"
	"github.com/pliu/duochat/internal/store"
	"github.com/pliu/duochat/internal/store/notify"
)

const (
	bucketName     = "DUOCHAT_ROOMS"
	streamName     = "DUOCHAT_MESSAGES"
	messageSubject = "duochat.msg."
	changedSubject = "duochat.changed."
	roomsTopic     = "rooms"

	casAttempts = 5
	fetchWait   = 5 * time.Second
)

type Store struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	kv     jetstream.KeyValue
	stream jetstream.Stream
	sub    *nats.Subscription
	broker *notify.Broker
	log    zerolog.Logger
}

var _ store.ChatStore = (*Store)(nil)

type summaryValue struct {
	// Zero until the first touch; the entry's creation time stands in.
	LastUpdatedAt int64 `json:"lastUpdatedAt"`
}

type messageValue struct {
	ID     string `json:"id"`
	Sender string `json:"sender"`
	Text   string `json:"text"`
}

func New(ctx context.Context, url string, log zerolog.Logger) (*Store, error) {
	log = log.With().Str("component", "natsstore").Logger()
	nc, err := nats.Connect(url,
		nats.Name("duochat"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats: connect: %w", err)
	}

	s, err := setup(ctx, nc, log)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return s, nil
}

func setup(ctx context.Context, nc *nats.Conn, log zerolog.Logger) (*Store, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("nats: jetstream: %w", err)
	}
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucketName,
		Description: "room markers and summaries",
		History:     1,
	})
	if err != nil {
		return nil, fmt.Errorf("nats: kv bucket: %w", err)
	}
	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      streamName,
		Subjects:  []string{messageSubject + ">"},
		Retention: jetstream.LimitsPolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("nats: stream: %w", err)
	}

	s := &Store{
		nc:     nc,
		js:     js,
		kv:     kv,
		stream: stream,
		broker: notify.NewBroker(log),
		log:    log,
	}
	s.sub, err = nc.Subscribe(changedSubject+">", func(msg *nats.Msg) {
		s.broker.Publish(strings.TrimPrefix(msg.Subject, changedSubject))
	})
	if err != nil {
		return nil, fmt.Errorf("nats: subscribe: %w", err)
	}
	// Make sure the server has the interest before any write is announced.
	if err := nc.Flush(); err != nil {
		return nil, fmt.Errorf("nats: flush: %w", err)
	}
	return s, nil
}

func (s *Store) changed(topic string) {
	if err := s.nc.Publish(changedSubject+topic, nil); err != nil {
		s.log.Warn().Err(err).Str("topic", topic).Msg("publish change notice")
		s.broker.Publish(topic)
	}
}

func (s *Store) CreateRoomMarker(ctx context.Context, roomID string) error {
	_, err := s.kv.Create(ctx, markerKey(roomID), []byte("1"))
	if errors.Is(err, jetstream.ErrKeyExists) {
		return store.ErrAlreadyExists
	}
	return err
}

func (s *Store) CreateRoomSummary(ctx context.Context, roomID string) (models.Room, error) {
	data, _ := json.Marshal(summaryValue{})
	if _, err := s.kv.Create(ctx, summaryKey(roomID), data); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return models.Room{}, store.ErrAlreadyExists
		}
		return models.Room{}, err
	}
	s.changed(roomsTopic)
	return s.GetRoom(ctx, roomID)
}

func (s *Store) GetRoom(ctx context.Context, roomID string) (models.Room, error) {
	entry, err := s.kv.Get(ctx, summaryKey(roomID))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return models.Room{}, store.ErrNotFound
	}
	if err != nil {
		return models.Room{}, err
	}
	at, err := lastUpdated(entry)
	if err != nil {
		return models.Room{}, err
	}
	return models.Room{ID: roomID, LastUpdatedAt: at}, nil
}

func (s *Store) TouchRoom(ctx context.Context, roomID string, at time.Time) error {
	key := summaryKey(roomID)
	var lastErr error
	for i := 0; i < casAttempts; i++ {
		entry, err := s.kv.Get(ctx, key)
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		current, err := lastUpdated(entry)
		if err != nil {
			return err
		}
		if !at.After(current) {
			return nil
		}
		data, _ := json.Marshal(summaryValue{LastUpdatedAt: at.UnixNano()})
		if _, err := s.kv.Update(ctx, key, data, entry.Revision()); err != nil {
			// Someone else wrote in between; reread and compare again.
			lastErr = err
			continue
		}
		s.changed(roomsTopic)
		return nil
	}
	return fmt.Errorf("nats: touch %s: %w", roomID, lastErr)
}

func (s *Store) AddMessage(ctx context.Context, msg models.Message) (models.Message, error) {
	data, err := json.Marshal(messageValue{ID: msg.ID, Sender: msg.SenderID, Text: msg.Text})
	if err != nil {
		return models.Message{}, err
	}
	ack, err := s.js.Publish(ctx, messageSubject+token(msg.RoomID), data)
	if err != nil {
		return models.Message{}, err
	}
	raw, err := s.stream.GetMsg(ctx, ack.Sequence)
	if err != nil {
		return models.Message{}, err
	}
	msg.CreatedAt = raw.Time.UTC()
	s.changed(messagesTopic(msg.RoomID))
	return msg, nil
}

func (s *Store) listMessages(ctx context.Context, roomID string) ([]models.Message, error) {
	subject := messageSubject + token(roomID)
	info, err := s.stream.Info(ctx, jetstream.WithSubjectFilter(subject))
	if err != nil {
		return nil, err
	}
	count := info.State.Subjects[subject]
	messages := make([]models.Message, 0, count)
	if count == 0 {
		return messages, nil
	}

	cons, err := s.stream.CreateConsumer(ctx, jetstream.ConsumerConfig{
		FilterSubject:     subject,
		DeliverPolicy:     jetstream.DeliverAllPolicy,
		AckPolicy:         jetstream.AckNonePolicy,
		InactiveThreshold: time.Minute,
		MemoryStorage:     true,
	})
	if err != nil {
		return nil, err
	}
	defer func() {
		name := cons.CachedInfo().Name
		if err := s.stream.DeleteConsumer(context.WithoutCancel(ctx), name); err != nil {
			s.log.Warn().Err(err).Str("consumer", name).Msg("delete reload consumer")
		}
	}()
	batch, err := cons.Fetch(int(count), jetstream.FetchMaxWait(fetchWait))
	if err != nil {
		return nil, err
	}
	for m := range batch.Messages() {
		md, err := m.Metadata()
		if err != nil {
			return nil, err
		}
		var v messageValue
		if err := json.Unmarshal(m.Data(), &v); err != nil {
			s.log.Warn().Err(err).Uint64("seq", md.Sequence.Stream).Msg("skipping malformed message")
			continue
		}
		messages = append(messages, models.Message{
			ID:        v.ID,
			RoomID:    roomID,
			SenderID:  v.Sender,
			Text:      v.Text,
			CreatedAt: md.Timestamp.UTC(),
		})
	}
	if err := batch.Error(); err != nil {
		return nil, err
	}
	return messages, nil
}

func (s *Store) listRooms(ctx context.Context) ([]models.Room, error) {
	w, err := s.kv.Watch(ctx, "summary.*", jetstream.IgnoreDeletes())
	if err != nil {
		return nil, err
	}
	defer w.Stop()

	rooms := []models.Room{}
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case entry := <-w.Updates():
			// nil marks the end of the current values.
			if entry == nil {
				sort.Slice(rooms, func(i, j int) bool {
					return rooms[i].LastUpdatedAt.After(rooms[j].LastUpdatedAt)
				})
				return rooms, nil
			}
			id, err := untoken(strings.TrimPrefix(entry.Key(), "summary."))
			if err != nil {
				s.log.Warn().Str("key", entry.Key()).Msg("skipping undecodable room key")
				continue
			}
			at, err := lastUpdated(entry)
			if err != nil {
				return nil, err
			}
			rooms = append(rooms, models.Room{ID: id, LastUpdatedAt: at})
		}
	}
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
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
	return s.nc.Drain()
}

func lastUpdated(entry jetstream.KeyValueEntry) (time.Time, error) {
	var v summaryValue
	if err := json.Unmarshal(entry.Value(), &v); err != nil {
		return time.Time{}, fmt.Errorf("nats: summary %s: %w", entry.Key(), err)
	}
	if v.LastUpdatedAt == 0 {
		return entry.Created().UTC(), nil
	}
	return time.Unix(0, v.LastUpdatedAt).UTC(), nil
}

// token makes a room id safe as a single subject token and KV key segment.
func token(roomID string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(roomID))
}

func untoken(t string) (string, error) {
	b, err := base64.RawURLEncoding.DecodeString(t)
	return string(b), err
}

func markerKey(roomID string) string { return "marker." + token(roomID) }

func summaryKey(roomID string) string { return "summary." + token(roomID) }

func messagesTopic(roomID string) string { return "messages." + token(roomID) }
