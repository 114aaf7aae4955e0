package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/israelio/amqp10-go-client/amqp"
)

type receiveCommand struct {
	partitions int
	count      int64
	quiet      bool
}

func (c *receiveCommand) register(fs *pflag.FlagSet) {
	fs.IntVarP(&c.partitions, "partitions", "p", 0,
		"receive from <address>/Partitions/0..N-1 on one connection each")
	fs.Int64VarP(&c.count, "count", "c", 0, "stop after this many messages in total; 0 runs until interrupted")
	fs.BoolVarP(&c.quiet, "quiet", "q", false, "do not print message bodies")
}

func (c *receiveCommand) run(ctx context.Context, e *env, args []string) error {
	if len(args) != 1 {
		return errors.New("receive needs exactly one address")
	}
	sources := []string{args[0]}
	if c.partitions > 0 {
		sources = sources[:0]
		for i := 0; i < c.partitions; i++ {
			sources = append(sources, fmt.Sprintf("%s/Partitions/%d", args[0], i))
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// A Connection is used by one goroutine only, so each source gets its own
	var received atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	for _, source := range sources {
		source := source
		g.Go(func() error {
			return c.consume(ctx, e, source, func() {
				if n := received.Add(1); c.count > 0 && n >= c.count {
					cancel()
				}
			})
		})
	}
	err := g.Wait()
	e.logger.Info("receive complete", zap.Int64("received", received.Load()))
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *receiveCommand) consume(ctx context.Context, e *env, source string, onMessage func()) error {
	conn, sess, err := e.connect(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", source, err)
	}
	defer conn.Close(context.Background(), nil, amqp.WaitFor(5*time.Second))

	handler := func(msg *amqp.Message) amqp.DeliveryState {
		if !c.quiet {
			body, err := msg.Data()
			if err != nil {
				e.logger.Warn("undecodable message", zap.String("source", source), zap.Error(err))
				return amqp.Reject(amqp.NewError(amqp.ErrCondDecodeError, err.Error()))
			}
			fmt.Fprintf(os.Stdout, "%s\t%s\n", source, body)
		}
		onMessage()
		return nil
	}

	rcv, err := sess.CreateReceiverLink(ctx, source, handler, e.cfg.Link.ReceiverOptions()...)
	if err != nil {
		return err
	}
	if err := rcv.WaitAttached(ctx, amqp.WaitFor(e.cfg.Connection.DialTimeout)); err != nil {
		return fmt.Errorf("attach %s: %w", source, err)
	}

	for {
		if err := conn.Listen(ctx, amqp.WaitFor(time.Second), 32); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if rcv.IsClosed() {
			return fmt.Errorf("%s: %w", source, amqp.ErrLinkDetached)
		}
	}
}
