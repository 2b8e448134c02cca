package editor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"sync"
)

var (
	ErrQueueClosed  = errors.New("QUEUE_CLOSED")
	ErrCommandPanic = errors.New("COMMAND_PANIC")
)

const defaultQueueSize = 64

type result struct {
	value any
	err   error
}

type command struct {
	name  string
	run   func() (any, error)
	reply chan result
}

// CommandQueue 单个文档的命令队列：一个 goroutine 按提交顺序逐个执行。
// 文档和修订缓存只在这个 goroutine 里修改。
type CommandQueue struct {
	objectID string
	ch       chan command
	done     chan struct{}

	mu     sync.RWMutex
	closed bool
}

func NewCommandQueue(objectID string, size int) *CommandQueue {
	if size <= 0 {
		size = defaultQueueSize
	}
	q := &CommandQueue{
		objectID: objectID,
		ch:       make(chan command, size),
		done:     make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *CommandQueue) run() {
	defer close(q.done)
	for cmd := range q.ch {
		cmd.reply <- q.execute(cmd)
	}
}

// execute 单个命令里的 panic 只影响这个命令的调用方
func (q *CommandQueue) execute(cmd command) (res result) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("editor: command panic doc=%s cmd=%s panic=%v\n%s", q.objectID, cmd.name, r, debug.Stack())
			res = result{err: fmt.Errorf("%w: %s: %v", ErrCommandPanic, cmd.name, r)}
		}
	}()
	v, err := cmd.run()
	return result{value: v, err: err}
}

// Do 提交一个命令并等待结果
func (q *CommandQueue) Do(ctx context.Context, name string, fn func() (any, error)) (any, error) {
	cmd := command{name: name, run: fn, reply: make(chan result, 1)}

	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return nil, ErrQueueClosed
	}
	select {
	case q.ch <- cmd:
		q.mu.RUnlock()
	case <-ctx.Done():
		q.mu.RUnlock()
		return nil, ctx.Err()
	}

	select {
	case res := <-cmd.reply:
		return res.value, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close 不再接收新命令，已经入队的命令执行完后返回
func (q *CommandQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.closed = true
	close(q.ch)
	q.mu.Unlock()
	<-q.done
}

// submit 带类型的 Do
func submit[T any](ctx context.Context, q *CommandQueue, name string, fn func() (T, error)) (T, error) {
	v, err := q.Do(ctx, name, func() (any, error) { return fn() })
	if err != nil {
		var zero T
		return zero, err
	}
	out, _ := v.(T)
	return out, nil
}
