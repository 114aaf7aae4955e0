package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/israelio/amqp10-go-client/amqp"
)

type sendCommand struct {
	repeat  int
	timeout time.Duration
}

func (c *sendCommand) register(fs *pflag.FlagSet) {
	fs.IntVarP(&c.repeat, "repeat", "n", 1, "send each body this many times")
	fs.DurationVar(&c.timeout, "timeout", 0, "per-message settlement timeout, overrides link.send_timeout")
}

func (c *sendCommand) run(ctx context.Context, e *env, args []string) error {
	if len(args) < 2 {
		return errors.New("send needs an address and at least one body")
	}
	address, bodies := args[0], args[1:]
	timeout := e.cfg.Link.SendTimeout
	if c.timeout > 0 {
		timeout = c.timeout
	}

	conn, sess, err := e.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close(context.Background(), nil, amqp.WaitFor(5*time.Second))

	snd, err := sess.CreateSenderLink(ctx, address, e.cfg.Link.SenderOptions()...)
	if err != nil {
		return err
	}
	if err := snd.WaitAttached(ctx, amqp.WaitFor(e.cfg.Connection.DialTimeout)); err != nil {
		return fmt.Errorf("attach %s: %w", address, err)
	}
	if snd.RemoteTarget() == nil {
		return fmt.Errorf("attach %s: refused by peer", address)
	}

	var pending, failed int
	done := func(reason amqp.SettleReason, state amqp.DeliveryState, err error) {
		pending--
		if _, ok := state.(*amqp.Accepted); reason == amqp.Settled || ok {
			return
		}
		failed++
		e.logger.Warn("message not accepted",
			zap.Stringer("reason", reason), zap.Any("state", state), zap.Error(err))
	}

	for i := 0; i < c.repeat; i++ {
		for _, body := range bodies {
			for snd.Credit() == 0 {
				if err := conn.Listen(ctx, amqp.WaitFor(time.Second), 16); err != nil {
					return err
				}
			}
			if err := snd.Send(ctx, amqp.NewMessage([]byte(body)), done, timeout); err != nil {
				return err
			}
			pending++
		}
	}
	for pending > 0 {
		if err := conn.Listen(ctx, amqp.WaitFor(time.Second), 16); err != nil {
			return err
		}
	}

	e.logger.Info("send complete", zap.Int("sent", c.repeat*len(bodies)), zap.Int("failed", failed))
	if err := snd.Detach(ctx, nil, amqp.WaitFor(5*time.Second)); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d messages were not accepted", failed)
	}
	return nil
}
