package replica

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const seenWrites = 1024

var ErrNoRelays = errors.New("no relay peers configured")

// Relay is one redundant endpoint of the store.
type Relay struct {
	Name   string
	Client *redis.Client
}

// RedisStore replicates through every relay independently: a write goes to
// all of them and a read takes the newest record any relay holds, copying
// it back to relays that missed the write.
type RedisStore struct {
	relays []Relay

	mu   sync.Mutex
	last int64
}

// record is what a relay holds at a path and publishes after a write. At
// orders writes from every writer; ID folds the same write arriving through
// several relays.
type record struct {
	ID    string `json:"id"`
	At    int64  `json:"at"`
	Value string `json:"value"`
}

func (r record) newerThan(o record) bool {
	if r.At != o.At {
		return r.At > o.At
	}
	return r.ID > o.ID
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// readRecord reports found=false for a missing key and for a value that is
// not a record, so either can be overwritten.
func readRecord(ctx context.Context, c getter, path string) (record, bool, error) {
	raw, err := c.Get(ctx, path).Result()
	if errors.Is(err, redis.Nil) {
		return record{}, false, nil
	}
	if err != nil {
		return record{}, false, err
	}
	var rec record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil || rec.ID == "" {
		log.Debug().Str("path", path).Msg("replica: relay holds an unstamped value")
		return record{}, false, nil
	}
	return rec, true, nil
}

func NewRedisStore(relays []Relay) (*RedisStore, error) {
	if len(relays) == 0 {
		return nil, ErrNoRelays
	}
	return &RedisStore{relays: relays}, nil
}

// DialRelays builds relay clients from redis URLs. Unreachable relays are
// kept; the client reconnects on its own and the others carry the traffic.
func DialRelays(ctx context.Context, urls []string) ([]Relay, error) {
	relays := make([]Relay, 0, len(urls))
	for _, raw := range urls {
		opts, err := redis.ParseURL(raw)
		if err != nil {
			return nil, fmt.Errorf("parse relay url %q: %w", raw, err)
		}
		client := redis.NewClient(opts)

		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := client.Ping(pingCtx).Err(); err != nil {
			log.Warn().Err(err).Str("relay", opts.Addr).Msg("replica: relay unreachable at startup")
		}
		cancel()
		relays = append(relays, Relay{Name: opts.Addr, Client: client})
	}
	if len(relays) == 0 {
		return nil, ErrNoRelays
	}
	return relays, nil
}

// stamp issues a write stamp above every stamp this store has written or
// observed, so a write made after seeing another writer's orders after it.
func (s *RedisStore) stamp() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	at := time.Now().UnixNano()
	if at <= s.last {
		at = s.last + 1
	}
	s.last = at
	return at
}

func (s *RedisStore) observe(at int64) {
	s.mu.Lock()
	if at > s.last {
		s.last = at
	}
	s.mu.Unlock()
}

func (s *RedisStore) Put(ctx context.Context, path, value string) error {
	rec := record{ID: uuid.NewString(), At: s.stamp(), Value: value}

	var errs []error
	for _, relay := range s.relays {
		if err := s.write(ctx, relay, path, rec, true); err != nil {
			errs = append(errs, fmt.Errorf("put via %s: %w", relay.Name, err))
		}
	}
	if len(errs) == len(s.relays) {
		return errors.Join(errs...)
	}
	for _, err := range errs {
		log.Warn().Err(err).Str("path", path).Msg("replica: relay write failed")
	}
	return nil
}

const writeAttempts = 3

// write stores rec on one relay unless the relay already holds a record at
// least as new. announce also publishes rec to the path's subscribers.
func (s *RedisStore) write(ctx context.Context, relay Relay, path string, rec record, announce bool) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	apply := func(tx *redis.Tx) error {
		current, found, err := readRecord(ctx, tx, path)
		if err != nil {
			return err
		}
		if found && !rec.newerThan(current) {
			s.observe(current.At)
			if current.ID != rec.ID {
				log.Debug().Str("relay", relay.Name).Str("path", path).Msg("replica: relay already holds a newer write")
			}
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, path, payload, 0)
			if announce {
				pipe.Publish(ctx, path, payload)
			}
			return nil
		})
		return err
	}
	for attempt := 0; attempt < writeAttempts; attempt++ {
		err = relay.Client.Watch(ctx, apply, path)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return err
}

func (s *RedisStore) On(path string, cb Callback) (func(), error) {
	seen, err := lru.New(seenWrites)
	if err != nil {
		return nil, fmt.Errorf("dedupe cache: %w", err)
	}

	var (
		subs []*redis.PubSub
		errs []error
		wg   sync.WaitGroup

		deliverMu sync.Mutex
		latest    record
	)
	// deliver folds copies of one write and drops writes older than the last
	// one delivered, so relays that reorder writes cannot roll a subscriber
	// back behind what Once would answer.
	deliver := func(relay string, rec record) {
		deliverMu.Lock()
		defer deliverMu.Unlock()
		if duplicate, _ := seen.ContainsOrAdd(rec.ID, struct{}{}); duplicate {
			return
		}
		if latest.newerThan(rec) {
			log.Debug().Str("relay", relay).Str("path", path).Msg("replica: dropping superseded write")
			return
		}
		latest = rec
		s.observe(rec.At)
		cb(rec.Value)
	}

	for _, relay := range s.relays {
		pubsub := relay.Client.Subscribe(context.Background(), path)
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_, err := pubsub.Receive(ctx)
		cancel()
		if err != nil {
			errs = append(errs, fmt.Errorf("subscribe via %s: %w", relay.Name, err))
			log.Warn().Err(err).Str("relay", relay.Name).Str("path", path).Msg("replica: subscription not confirmed")
		}
		subs = append(subs, pubsub)

		wg.Add(1)
		go func(relay string, pubsub *redis.PubSub) {
			defer wg.Done()
			for msg := range pubsub.Channel() {
				var rec record
				if err := json.Unmarshal([]byte(msg.Payload), &rec); err != nil || rec.ID == "" {
					log.Debug().Str("relay", relay).Msg("replica: dropping malformed notice")
					continue
				}
				deliver(relay, rec)
			}
		}(relay.Name, pubsub)
	}

	cancel := func() {
		for _, pubsub := range subs {
			_ = pubsub.Close()
		}
		wg.Wait()
	}
	if len(errs) == len(s.relays) {
		cancel()
		return nil, errors.Join(errs...)
	}
	return cancel, nil
}

// Once reads every relay and answers with the newest record. Reachable
// relays that lack it are brought up to date before the answer is delivered.
func (s *RedisStore) Once(ctx context.Context, path string, cb func(OnceResult)) {
	go func() {
		type held struct {
			relay Relay
			rec   record
			found bool
		}
		var (
			reads  []held
			errs   []error
			newest record
			found  bool
		)
		for _, relay := range s.relays {
			rec, ok, err := readRecord(ctx, relay.Client, path)
			if err != nil {
				errs = append(errs, fmt.Errorf("get via %s: %w", relay.Name, err))
				continue
			}
			reads = append(reads, held{relay: relay, rec: rec, found: ok})
			if ok && (!found || rec.newerThan(newest)) {
				newest, found = rec, true
			}
		}
		if len(errs) == len(s.relays) {
			cb(OnceResult{Err: errors.Join(errs...)})
			return
		}
		if !found {
			cb(OnceResult{})
			return
		}

		s.observe(newest.At)
		for _, r := range reads {
			if r.found && r.rec.ID == newest.ID {
				continue
			}
			if err := s.write(ctx, r.relay, path, newest, false); err != nil {
				log.Warn().Err(err).Str("relay", r.relay.Name).Str("path", path).Msg("replica: relay repair failed")
			}
		}
		cb(OnceResult{Value: newest.Value, Found: true})
	}()
}

// Ping succeeds when at least one relay answers.
func (s *RedisStore) Ping(ctx context.Context) error {
	var errs []error
	for _, relay := range s.relays {
		if err := relay.Client.Ping(ctx).Err(); err != nil {
			errs = append(errs, fmt.Errorf("ping %s: %w", relay.Name, err))
			continue
		}
		return nil
	}
	return errors.Join(errs...)
}

func (s *RedisStore) Close() error {
	var errs []error
	for _, relay := range s.relays {
		if err := relay.Client.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
