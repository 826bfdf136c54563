// Command distmq-demo runs a small message-passing session over a TCP mesh.
// Every participant posts one greeting to every rank on two independent
// queues sharing the same mesh; the second queue rewrites its outgoing
// buffers through a cleaner hook.
//
// Start one process per rank, all with the same config file:
//
//	distmq-demo --config mesh.toml --rank 0
//	distmq-demo --config mesh.toml --rank 1
package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/lukasgraetz/distmq"
	"github.com/lukasgraetz/distmq/aggregation"
	"github.com/lukasgraetz/distmq/transport/tcp"
)

type meshConfig struct {
	Addrs  []string `toml:"addrs"`
	Secret string   `toml:"secret"`
}

func main() {
	app := &cli.App{
		Name:  "distmq-demo",
		Usage: "exchange greetings across a TCP mesh on two queues",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "TOML mesh config", Required: true},
			&cli.IntFlag{Name: "rank", Usage: "this process's rank", Required: true},
			&cli.DurationFlag{Name: "connect-timeout", Value: time.Minute},
			&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "distmq-demo:", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	var cfg meshConfig
	if _, err := toml.DecodeFile(c.String("config"), &cfg); err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	// Rank order is the sorted address order, so every process derives the
	// same assignment from the same file.
	sort.Strings(cfg.Addrs)

	rank := c.Int("rank")
	level := zerolog.InfoLevel
	if c.Bool("verbose") {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().Timestamp().Int("rank", rank).Logger()

	ctx, cancel := context.WithTimeout(context.Background(), c.Duration("connect-timeout"))
	defer cancel()
	node, err := tcp.Connect[int32](ctx, tcp.Config{
		Addrs:       cfg.Addrs,
		Rank:        rank,
		Secret:      cfg.Secret,
		DialTimeout: c.Duration("connect-timeout"),
		Logger:      log,
	})
	if err != nil {
		return fmt.Errorf("connect mesh: %w", err)
	}
	defer node.Close()
	log.Info().Int("size", node.Size()).Msg("mesh up")

	fields := aggregation.FieldSize | aggregation.FieldSender
	merger := aggregation.EnvelopeMerger[int32, int32]{Fields: fields, Codec: aggregation.Scalar[int32]{}}
	splitter := aggregation.EnvelopeSplitter[int32, int32]{Fields: fields, Codec: aggregation.Scalar[int32]{}}

	plain, err := distmq.NewBuffered[int32](node.Conn(), merger, splitter,
		distmq.WithLogger(log.With().Str("queue", "plain").Logger()))
	if err != nil {
		return err
	}
	defer plain.Close()

	cleanedConn, err := node.Conn().Dup()
	if err != nil {
		return err
	}
	cleaned, err := distmq.NewBuffered[int32](cleanedConn, merger, splitter,
		distmq.WithLogger(log.With().Str("queue", "cleaned").Logger()))
	if err != nil {
		return err
	}
	defer cleaned.Close()
	cleaned.SetCleaner(func(buf []int32, receiver distmq.PEID) []int32 {
		log.Debug().Int32("receiver", int32(receiver)).Int("elements", len(buf)).Msg("cleaning outgoing buffer")
		// Records are [size, sender, payload...]; only the payload is
		// negated so the splitter can still frame the buffer.
		for i := 0; i < len(buf); i += int(buf[i]) + 1 {
			for j := i + 2; j <= i+int(buf[i]); j++ {
				buf[j] = -buf[j]
			}
		}
		return buf
	})

	size := node.Size()
	for dest := 0; dest < size; dest++ {
		// The greeting encodes sender and receiver so misrouting is obvious.
		v := int32(rank*1000 + dest)
		if err := plain.Post(v, distmq.PEID(dest)); err != nil {
			return err
		}
		if err := cleaned.Post(v, distmq.PEID(dest)); err != nil {
			return err
		}
	}

	report := func(queue string) distmq.Handler[int32] {
		return func(env distmq.Envelope[int32]) {
			for _, v := range env.Message {
				log.Info().Str("queue", queue).
					Int32("from", int32(env.Sender)).
					Int32("value", v).
					Msg("greeting")
			}
		}
	}
	for done := false; !done; {
		if done, err = plain.Terminate(report("plain")); err != nil {
			return err
		}
		if err := cleaned.Poll(report("cleaned")); err != nil {
			return err
		}
	}
	for done := false; !done; {
		if done, err = cleaned.Terminate(report("cleaned")); err != nil {
			return err
		}
	}

	for name, q := range map[string]*distmq.BufferedQueue[int32, int32]{"plain": plain, "cleaned": cleaned} {
		st := q.Stats()
		log.Info().Str("queue", name).
			Int64("sent", st.Sent).
			Int64("received", st.Received).
			Msg("done")
	}
	return nil
}
