package worker

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"vodflow/internal/queue"
)

// Pool runs queue deliveries on a bounded set of goroutines. While every slot
// is busy the consumer loop blocks, so the broker stops pushing beyond its
// prefetch window.
type Pool struct {
	sem  chan struct{}
	wg   sync.WaitGroup
	stop chan struct{}
	once sync.Once
}

func NewPool(size int) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{sem: make(chan struct{}, size), stop: make(chan struct{})}
}

// Size is the number of deliveries handled at once.
func (p *Pool) Size() int { return cap(p.sem) }

// Wrap returns a handler that hands each delivery to h on a pool slot.
func (p *Pool) Wrap(h queue.Handler) queue.Handler {
	return func(ctx context.Context, d queue.Delivery) {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case p.sem <- struct{}{}:
		}
		p.wg.Add(1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().Interface("panic", r).Str("routing_key", d.RoutingKey).Msg("delivery handler panicked")
				}
				<-p.sem
				p.wg.Done()
			}()
			h(ctx, d)
		}()
	}
}

// Stop refuses new deliveries and waits for in-flight ones to finish or ctx
// to end.
func (p *Pool) Stop(ctx context.Context) error {
	p.once.Do(func() { close(p.stop) })
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
