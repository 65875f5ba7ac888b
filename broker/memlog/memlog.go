// Package memlog implements the broker interfaces with an in-process
// partitioned log. It is used by tests, by single-process deployments, and
// for disaster-recovery replay: consumers can be pointed at the earliest
// retained offset and the whole pipeline state rebuilt from the log alone.
package memlog

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/agora-sim/agora/broker"
)

const defaultPartitions = 8

// Log is an in-memory partitioned message log.
type Log struct {
	mu         sync.Mutex
	partitions int
	topics     map[broker.Topic][][]broker.Message // topic -> partition -> records
	groups     map[groupKey][]int64                // group+topic -> committed offset per partition
	waiters    []chan struct{}
	closed     bool
}

type groupKey struct {
	group string
	topic broker.Topic
}

// New creates an empty log with the default partition count.
func New() *Log {
	return NewWithPartitions(defaultPartitions)
}

// NewWithPartitions creates an empty log with the given partition count.
func NewWithPartitions(n int) *Log {
	if n <= 0 {
		n = 1
	}
	return &Log{
		partitions: n,
		topics:     make(map[broker.Topic][][]broker.Message),
		groups:     make(map[groupKey][]int64),
	}
}

// partitionFor maps a routing key to a partition. All messages with the
// same key land on the same partition, which is the only ordering
// guarantee the pipeline relies on.
func (l *Log) partitionFor(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32()) % l.partitions
}

func (l *Log) topicLocked(t broker.Topic) [][]broker.Message {
	p, ok := l.topics[t]
	if !ok {
		p = make([][]broker.Message, l.partitions)
		l.topics[t] = p
	}
	return p
}

// notifyLocked wakes all blocked fetchers.
func (l *Log) notifyLocked() {
	for _, ch := range l.waiters {
		close(ch)
	}
	l.waiters = nil
}

// Publish appends the message. The in-memory log is its own single
// replica, so the append itself is the full acknowledgement.
func (l *Log) Publish(ctx context.Context, msg broker.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return broker.ErrClosed
	}
	p := l.partitionFor(msg.Key)
	records := l.topicLocked(msg.Topic)
	msg.Partition = p
	msg.Offset = int64(len(records[p]))
	records[p] = append(records[p], msg)
	l.notifyLocked()
	return nil
}

// Flush is a no-op: Publish is synchronous.
func (l *Log) Flush(ctx context.Context) error {
	return ctx.Err()
}

// Close marks the log closed. Outstanding fetchers are woken.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.notifyLocked()
	return nil
}

// Healthy implements broker.HealthChecker.
func (l *Log) Healthy(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return broker.ErrClosed
	}
	return nil
}

var _ broker.Publisher = (*Log)(nil)
var _ broker.HealthChecker = (*Log)(nil)

// Consumer reads one or more topics as part of a named group. Fetch order
// interleaves partitions but preserves per-partition order.
type Consumer struct {
	log    *Log
	group  string
	topics []broker.Topic

	mu      sync.Mutex
	cursors map[groupKey][]int64 // next offset to hand out, per partition
	closed  bool
}

// NewConsumer creates a consumer for the group over the given topics,
// positioned at the group's committed offsets (the earliest retained
// offset for a new group, which is what log replay relies on).
func (l *Log) NewConsumer(group string, topics ...broker.Topic) *Consumer {
	c := &Consumer{
		log:     l,
		group:   group,
		topics:  topics,
		cursors: make(map[groupKey][]int64),
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, t := range topics {
		k := groupKey{group, t}
		if _, ok := l.groups[k]; !ok {
			l.groups[k] = make([]int64, l.partitions)
		}
		cur := make([]int64, l.partitions)
		copy(cur, l.groups[k])
		c.cursors[k] = cur
	}
	return c
}

// Fetch returns the next unread message, blocking until one is appended or
// ctx expires.
func (c *Consumer) Fetch(ctx context.Context) (broker.Message, error) {
	for {
		c.log.mu.Lock()
		if c.closed || c.log.closed {
			c.log.mu.Unlock()
			return broker.Message{}, broker.ErrClosed
		}
		c.mu.Lock()
		msg, ok := c.nextLocked()
		c.mu.Unlock()
		if ok {
			c.log.mu.Unlock()
			return msg, nil
		}
		wait := make(chan struct{})
		c.log.waiters = append(c.log.waiters, wait)
		c.log.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return broker.Message{}, ctx.Err()
		}
	}
}

// nextLocked scans assigned topics and partitions for the next message.
// Caller holds both c.log.mu and c.mu.
func (c *Consumer) nextLocked() (broker.Message, bool) {
	for _, t := range c.topics {
		records := c.log.topicLocked(t)
		cur := c.cursors[groupKey{c.group, t}]
		for p := 0; p < c.log.partitions; p++ {
			if cur[p] < int64(len(records[p])) {
				msg := records[p][cur[p]]
				cur[p]++
				return msg, true
			}
		}
	}
	return broker.Message{}, false
}

// Commit advances the group's committed offset for the message's
// partition. Commits are cumulative per partition.
func (c *Consumer) Commit(ctx context.Context, msg broker.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.log.mu.Lock()
	defer c.log.mu.Unlock()
	k := groupKey{c.group, msg.Topic}
	committed, ok := c.log.groups[k]
	if !ok {
		return fmt.Errorf("memlog: commit for unsubscribed topic %s", msg.Topic)
	}
	if msg.Offset+1 > committed[msg.Partition] {
		committed[msg.Partition] = msg.Offset + 1
	}
	return nil
}

// Lag returns the total appended-but-uncommitted message count across the
// consumer's topics: sum over partitions of high watermark minus the
// group's committed offset.
func (c *Consumer) Lag(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.log.mu.Lock()
	defer c.log.mu.Unlock()
	var lag int64
	for _, t := range c.topics {
		records := c.log.topicLocked(t)
		committed := c.log.groups[groupKey{c.group, t}]
		for p := 0; p < c.log.partitions; p++ {
			lag += int64(len(records[p])) - committed[p]
		}
	}
	return lag, nil
}

// Close releases the consumer.
func (c *Consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

var _ broker.Consumer = (*Consumer)(nil)
