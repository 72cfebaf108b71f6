// Package redis stores configuration nodes in Redis and relays change events over pub/sub,
// so that several hstroute processes share one configuration repository.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/MrSnakeDoc/hstroute/internal/logger"
	connector "github.com/MrSnakeDoc/hstroute/internal/redis"
	"github.com/MrSnakeDoc/hstroute/internal/repository"
	"github.com/redis/go-redis/v9"
)

// treeAttempts bounds the retries of a subtree read that keeps racing writers.
const treeAttempts = 5

// Options configure a Repository.
type Options struct {
	Prefix  string
	Channel string
	Logger  logger.Logger
}

// Repository is a repository.Repository backed by Redis.
//
// Nodes are stored as JSON strings, children as sorted sets of paths. Every write notifies
// local synchronous observers and then publishes the events on the channel; subscribers of
// every process, this one included, receive them from the channel.
type Repository struct {
	*repository.Fanout

	client  *redis.Client
	keys    Keys
	channel string
	origin  string
	log     logger.Logger

	pubsub *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

type message struct {
	Origin string             `json:"origin"`
	Events []repository.Event `json:"events"`
}

// NewRepository ensures the root node exists and starts relaying the channel to local
// subscribers. It returns once the channel subscription is confirmed.
func NewRepository(ctx context.Context, client *redis.Client, opts Options) (*Repository, error) {
	if opts.Channel == "" {
		opts.Channel = DefaultChannel
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	host, _ := os.Hostname()

	r := &Repository{
		Fanout:  repository.NewFanout(),
		client:  client,
		keys:    NewKeys(opts.Prefix),
		channel: opts.Channel,
		origin:  fmt.Sprintf("redis-%s-%d-%d", host, os.Getpid(), time.Now().UnixNano()),
		log:     opts.Logger.With(logger.Component("redis-repository")),
		done:    make(chan struct{}),
	}

	root, err := json.Marshal(repository.NewNode("/", repository.TypeUnknown))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal root node: %w", err)
	}
	if err := client.SetNX(ctx, r.keys.Node("/"), root, 0).Err(); err != nil {
		return nil, fmt.Errorf("%w: failed to create root node: %w", repository.ErrUnavailable, err)
	}

	r.pubsub = client.Subscribe(ctx, r.channel)
	if _, err := r.pubsub.Receive(ctx); err != nil {
		_ = r.pubsub.Close()
		return nil, fmt.Errorf("%w: failed to subscribe to %s: %w", repository.ErrUnavailable, r.channel, err)
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	go r.listen(listenCtx)
	return r, nil
}

// Origin identifies writes made through this process.
func (r *Repository) Origin() string { return r.origin }

// Node retrieves a node by path
func (r *Repository) Node(ctx context.Context, path string) (*repository.Node, error) {
	p := repository.Clean(path)
	data, err := r.client.Get(ctx, r.keys.Node(p)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", repository.ErrNotFound, p)
		}
		return nil, fmt.Errorf("%w: failed to get node %s: %w", repository.ErrUnavailable, p, err)
	}
	return decodeNode(data)
}

// Children returns the direct children of a node in creation order
func (r *Repository) Children(ctx context.Context, path string) ([]*repository.Node, error) {
	p := repository.Clean(path)

	pipe := r.client.Pipeline()
	exists := pipe.Exists(ctx, r.keys.Node(p))
	members := pipe.ZRange(ctx, r.keys.Children(p), 0, -1)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: failed to list children of %s: %w", repository.ErrUnavailable, p, err)
	}
	if exists.Val() == 0 {
		return nil, fmt.Errorf("%w: %s", repository.ErrNotFound, p)
	}

	paths := members.Val()
	if len(paths) == 0 {
		return []*repository.Node{}, nil
	}
	keys := make([]string, len(paths))
	for i, cp := range paths {
		keys[i] = r.keys.Node(cp)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get children of %s: %w", repository.ErrUnavailable, p, err)
	}

	out := make([]*repository.Node, 0, len(values))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			// removed between the two reads
			continue
		}
		n, err := decodeNode([]byte(s))
		if err != nil {
			r.log.Warn("skipping undecodable node", logger.String("path", paths[i]), logger.Error(err))
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

// Save adds or updates a single node
func (r *Repository) Save(ctx context.Context, n *repository.Node) error {
	return r.Apply(ctx, []*repository.Node{n}, nil)
}

// Remove deletes a node and its subtree
func (r *Repository) Remove(ctx context.Context, path string) error {
	return r.Apply(ctx, nil, []string{path})
}

// Apply validates the batch, then commits it in one MULTI transaction and publishes all
// events in one message.
func (r *Repository) Apply(ctx context.Context, saves []*repository.Node, removes []string) error {
	rm, stored, err := repository.PrepareBatch(saves, removes)
	if err != nil {
		return err
	}
	if len(rm)+len(stored) == 0 {
		return nil
	}

	pipe := r.client.Pipeline()
	rmExists := make([]*redis.IntCmd, len(rm))
	for i, p := range rm {
		rmExists[i] = pipe.Exists(ctx, r.keys.Node(p))
	}
	parents := make([]*redis.IntCmd, len(stored))
	current := make([]*redis.StringCmd, len(stored))
	for i, n := range stored {
		parents[i] = pipe.Exists(ctx, r.keys.Node(repository.Parent(n.Path)))
		current[i] = pipe.Get(ctx, r.keys.Node(n.Path))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: failed to read batch: %w", repository.ErrUnavailable, err)
	}

	var removed []string
	seen := make(map[string]bool)
	for i, p := range rm {
		if rmExists[i].Val() == 0 {
			return fmt.Errorf("%w: %s", repository.ErrNotFound, p)
		}
		var sub []string
		if err := r.collect(ctx, p, &sub); err != nil {
			return err
		}
		for _, sp := range sub {
			if !seen[sp] {
				seen[sp] = true
				removed = append(removed, sp)
			}
		}
	}

	type write struct {
		path string
		data []byte
		typ  repository.EventType
	}
	var writes []write
	added := make(map[string]bool, len(stored))
	for i, n := range stored {
		parent := repository.Parent(n.Path)
		if (parents[i].Val() == 0 || repository.Covered(rm, parent)) && !added[parent] {
			return fmt.Errorf("%w: parent of %s", repository.ErrNotFound, n.Path)
		}
		added[n.Path] = true

		typ := repository.NodeAdded
		if data, err := current[i].Bytes(); err == nil && !repository.Covered(rm, n.Path) {
			if old, err := decodeNode(data); err == nil && old.Equal(n) {
				continue
			}
			typ = repository.NodeChanged
		}
		data, err := json.Marshal(n)
		if err != nil {
			return fmt.Errorf("failed to marshal node: %w", err)
		}
		writes = append(writes, write{path: n.Path, data: data, typ: typ})
	}

	count := len(removed) + len(writes)
	if count == 0 {
		return nil
	}
	last, err := r.client.IncrBy(ctx, r.keys.Seq(), int64(count)).Result()
	if err != nil {
		return fmt.Errorf("%w: failed to allocate sequence: %w", repository.ErrUnavailable, err)
	}
	seq := uint64(last) - uint64(count)

	tx := r.client.TxPipeline()
	events := make([]repository.Event, 0, count)
	for _, rp := range removed {
		seq++
		tx.Del(ctx, r.keys.Node(rp), r.keys.Children(rp))
		events = append(events, repository.Event{Type: repository.NodeRemoved, Path: rp, Origin: r.origin, Seq: seq})
	}
	for _, p := range rm {
		tx.ZRem(ctx, r.keys.Children(repository.Parent(p)), p)
	}
	for _, w := range writes {
		seq++
		tx.Set(ctx, r.keys.Node(w.path), w.data, 0)
		tx.ZAddNX(ctx, r.keys.Children(repository.Parent(w.path)), redis.Z{Score: float64(seq), Member: w.path})
		events = append(events, repository.Event{Type: w.typ, Path: w.path, Origin: r.origin, Seq: seq})
	}
	tx.Incr(ctx, r.keys.Gen())
	if _, err := tx.Exec(ctx); err != nil {
		return fmt.Errorf("%w: failed to apply batch: %w", repository.ErrUnavailable, err)
	}

	return r.emit(ctx, events)
}

// Tree reads the subtree at path node by node and retries when a write transaction
// committed meanwhile.
func (r *Repository) Tree(ctx context.Context, path string) (*repository.Node, error) {
	p := repository.Clean(path)
	for attempt := 0; attempt < treeAttempts; attempt++ {
		before, err := r.Generation(ctx)
		if err != nil {
			return nil, err
		}
		n, readErr := repository.ReadTree(ctx, r, p)
		if readErr != nil && !errors.Is(readErr, repository.ErrNotFound) {
			return nil, readErr
		}
		after, err := r.Generation(ctx)
		if err != nil {
			return nil, err
		}
		if before == after {
			return n, readErr
		}
		r.log.Debug("subtree changed while reading, retrying",
			logger.String("path", p), logger.Int("attempt", attempt+1))
	}
	return nil, fmt.Errorf("%w: %s kept changing while being read", repository.ErrUnavailable, p)
}

// Generation returns the number of committed write transactions.
func (r *Repository) Generation(ctx context.Context) (uint64, error) {
	g, err := r.client.Get(ctx, r.keys.Gen()).Uint64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: failed to read generation: %w", repository.ErrUnavailable, err)
	}
	return g, nil
}

// collect lists a subtree deepest-first.
func (r *Repository) collect(ctx context.Context, p string, out *[]string) error {
	children, err := r.client.ZRange(ctx, r.keys.Children(p), 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: failed to list children of %s: %w", repository.ErrUnavailable, p, err)
	}
	for _, c := range children {
		if err := r.collect(ctx, c, out); err != nil {
			return err
		}
	}
	*out = append(*out, p)
	return nil
}

// emit notifies local observers, then publishes for every process. The write has already
// been committed, so a publish failure is reported but the observers have run. Local
// subscribers then get a resync in place of the lost message.
func (r *Repository) emit(ctx context.Context, events []repository.Event) error {
	r.NotifySync(events)

	data, err := json.Marshal(message{Origin: r.origin, Events: events})
	if err != nil {
		r.Resync(r.origin)
		return fmt.Errorf("failed to marshal events: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		r.Resync(r.origin)
		return fmt.Errorf("%w: failed to publish events: %w", repository.ErrUnavailable, err)
	}
	return nil
}

// listen relays channel messages to local subscribers. After an interruption it sends a
// resync to every subscriber, since messages published meanwhile are lost.
func (r *Repository) listen(ctx context.Context) {
	defer close(r.done)

	b := connector.NewBackoff(100*time.Millisecond, 5*time.Second)
	interrupted := false
	for {
		msg, err := r.pubsub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
				return
			}
			interrupted = true
			wait := b.Next()
			r.log.Warn("change channel interrupted, retrying",
				logger.String("channel", r.channel),
				logger.Int("attempt", b.Attempt()),
				logger.Duration("next_retry_in", wait),
				logger.Error(err))
			if connector.Sleep(ctx, wait) != nil {
				return
			}
			continue
		}

		if interrupted {
			interrupted = false
			b.Reset()
			r.log.Info("change channel restored, resyncing subscribers", logger.String("channel", r.channel))
			r.Resync(r.origin)
		}

		var m message
		if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
			r.log.Warn("dropping undecodable change message", logger.Error(err))
			continue
		}
		r.Publish(m.Events)
	}
}

// Close stops relaying and ends all subscriptions. The client is left open.
func (r *Repository) Close() error {
	var err error
	r.once.Do(func() {
		r.cancel()
		err = r.pubsub.Close()
		<-r.done
		r.Fanout.Close()
	})
	return err
}

// Count returns the number of stored nodes, root included.
func (r *Repository) Count(ctx context.Context) (int, error) {
	count := 0
	iter := r.client.Scan(ctx, 0, r.keys.Node("*"), 0).Iterator()
	for iter.Next(ctx) {
		count++
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("%w: failed to count nodes: %w", repository.ErrUnavailable, err)
	}
	return count, nil
}

func decodeNode(data []byte) (*repository.Node, error) {
	var n repository.Node
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, fmt.Errorf("failed to unmarshal node: %w", err)
	}
	if n.Properties == nil {
		n.Properties = make(map[string][]string)
	}
	return &n, nil
}
