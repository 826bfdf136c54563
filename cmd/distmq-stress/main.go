// Command distmq-stress drives a task workloop over an in-process
// world: every rank seeds tasks that hop between random ranks until their
// TTL expires, optionally routed through the grid relay scheme. It reports
// throughput and the queue metrics when the loop settles.
package main

import (
	"fmt"
	"math/rand"
	"os"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/lukasgraetz/distmq"
	"github.com/lukasgraetz/distmq/aggregation"
	"github.com/lukasgraetz/distmq/indirection"
	"github.com/lukasgraetz/distmq/transport/local"
)

func main() {
	app := &cli.App{
		Name:  "distmq-stress",
		Usage: "run a task workloop until termination settles",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "ranks", Aliases: []string{"p"}, Value: 8, Usage: "world size"},
			&cli.IntFlag{Name: "seeds", Aliases: []string{"n"}, Value: 10000, Usage: "seed tasks per rank"},
			&cli.IntFlag{Name: "ttl", Value: 12, Usage: "maximum task lifetime in hops"},
			&cli.IntFlag{Name: "threshold", Value: distmq.DefaultLocalThreshold, Usage: "per-destination flush threshold"},
			&cli.BoolFlag{Name: "grid", Usage: "route through the grid relay scheme"},
			&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "distmq-stress:", err)
		os.Exit(1)
	}
}

// poster is the part of the queue surface the workloop touches; the plain
// buffered queue and the relay adapter both provide it.
type poster interface {
	PostMessage(payload []int32, receiver distmq.PEID) error
	Poll(h distmq.Handler[int32]) error
	Terminate(h distmq.Handler[int32]) (bool, error)
	Close() error
}

func run(c *cli.Context) error {
	p := c.Int("ranks")
	seeds := c.Int("seeds")
	maxTTL := c.Int("ttl")
	if p < 1 || seeds < 1 || maxTTL < 1 {
		return fmt.Errorf("ranks, seeds and ttl must be positive")
	}

	level := zerolog.InfoLevel
	if c.Bool("verbose") {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()

	reg := prometheus.NewRegistry()
	world := local.NewWorld[int32](p)
	fields := aggregation.FieldSize | aggregation.FieldReceiver | aggregation.FieldSender
	merger := aggregation.EnvelopeMerger[int32, int32]{Fields: fields, Codec: aggregation.Scalar[int32]{}}
	splitter := aggregation.EnvelopeSplitter[int32, int32]{Fields: fields, Codec: aggregation.Scalar[int32]{}}

	var consumed, hops atomic.Int64
	start := time.Now()
	var g errgroup.Group
	for rank := 0; rank < p; rank++ {
		conn := world.Conn(rank)
		g.Go(func() error {
			q, err := distmq.NewBuffered[int32](conn, merger, splitter,
				distmq.WithLocalThreshold(c.Int("threshold")),
				distmq.WithLogger(log.With().Int("rank", rank).Logger()),
				distmq.WithRegisterer(reg))
			if err != nil {
				return err
			}
			var queue poster = q
			if c.Bool("grid") {
				queue = indirection.New(q, indirection.NewGrid(distmq.PEID(rank), p))
			}
			defer queue.Close()
			return workloop(queue, rank, p, seeds, maxTTL, &consumed, &hops)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	elapsed := time.Since(start)

	total := consumed.Load()
	log.Info().
		Int64("tasks", total).
		Int64("hops", hops.Load()).
		Dur("elapsed", elapsed).
		Float64("tasks_per_sec", float64(total)/elapsed.Seconds()).
		Msg("workloop settled")

	families, err := reg.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		var sum float64
		for _, m := range mf.GetMetric() {
			if ctr := m.GetCounter(); ctr != nil {
				sum += ctr.GetValue()
			}
		}
		if sum > 0 {
			log.Info().Str("metric", mf.GetName()).Float64("total", sum).Msg("counter")
		}
	}
	return nil
}

// Tasks travel as [ttl, origin]; each delivery forwards the task once with
// its TTL decremented, and a task whose TTL reaches zero on any rank counts
// as consumed.
func workloop(q poster, rank, p, seeds, maxTTL int, consumed, hops *atomic.Int64) error {
	rng := rand.New(rand.NewSource(int64(rank)))
	var handlerErr error
	h := func(env distmq.Envelope[int32]) {
		ttl := env.Message[0]
		hops.Add(1)
		if ttl == 0 {
			consumed.Add(1)
			return
		}
		task := []int32{ttl - 1, env.Message[1]}
		if err := q.PostMessage(task, distmq.PEID(rng.Intn(p))); err != nil && handlerErr == nil {
			handlerErr = err
		}
	}

	for i := 0; i < seeds; i++ {
		ttl := int32(1 + rng.Intn(maxTTL))
		if err := q.PostMessage([]int32{ttl, int32(rank)}, distmq.PEID(rng.Intn(p))); err != nil {
			return err
		}
		if err := q.Poll(h); err != nil {
			return err
		}
	}
	for {
		done, err := q.Terminate(h)
		if err != nil {
			return err
		}
		if done {
			break
		}
	}
	return handlerErr
}
