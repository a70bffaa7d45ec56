package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	lifecycle "github.com/goliatone/go-lifecycle"
	"github.com/goliatone/go-lifecycle/config"
	"github.com/goliatone/go-lifecycle/engine"
	"github.com/goliatone/go-lifecycle/events"
	"github.com/goliatone/go-lifecycle/metrics"
	"github.com/goliatone/go-lifecycle/store"
)

type cli struct {
	Config    string  `help:"Path to a YAML or JSON config file." type:"path" env:"LIFECYCLE_CONFIG"`
	Env       string  `help:"Environment code. Overrides the config file."`
	Consumers []int64 `name:"consumer" help:"Consumer ids that receive new notifications. Defaults to the sentinel consumer 0."`

	ImportDefinition importDefinitionCmd `cmd:"" help:"Import a definition document (JSON or YAML)."`
	ImportPolicy     importPolicyCmd     `cmd:"" help:"Import a routing policy and attach it to the definitions it names."`
	Trigger          triggerCmd          `cmd:"" help:"Apply an event to an instance."`
	Ack              ackCmd              `cmd:"" help:"Report a consumer outcome for a delivery."`
	Pending          pendingCmd          `cmd:"" help:"Count deliveries still pending for a consumer."`
	History          historyCmd          `cmd:"" help:"List the transitions applied to an instance."`
	Monitor          monitorCmd          `cmd:"" help:"Run the dispatch monitor until interrupted."`
}

// app is bound into every command's Run.
type app struct {
	ctx     context.Context
	cfg     config.Config
	engine  *engine.Engine
	metrics *metrics.Prometheus
	logger  lifecycle.Logger
	out     io.Writer
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "lifecycle: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var c cli
	parser, err := kong.New(&c,
		kong.Name("lifecycle"),
		kong.Description("Operate versioned lifecycle definitions, instances and deliveries."),
		kong.Writers(stdout, stderr),
		kong.UsageOnError(),
	)
	if err != nil {
		return err
	}
	kctx, err := parser.Parse(args)
	if err != nil {
		return err
	}

	cfg, err := config.Load(c.Config)
	if err != nil {
		return err
	}
	if c.Env != "" {
		cfg.Env = c.Env
	}
	logger := cfg.Logger(stderr)

	s, err := cfg.OpenStore(ctx, store.WithLogger(logger))
	if err != nil {
		return err
	}
	prom := metrics.NewPrometheus()
	e := engine.New(s,
		engine.WithLogger(logger),
		engine.WithMetrics(prom),
		engine.WithConsumerResolver(engine.StaticConsumers(c.Consumers)),
	)
	defer func() {
		if err := e.Close(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("close engine: %v", err)
		}
	}()
	e.SubscribeFunc(logEvent(logger))

	return kctx.Run(&app{ctx: ctx, cfg: cfg, engine: e, metrics: prom, logger: logger, out: stdout})
}

func logEvent(logger lifecycle.Logger) func(context.Context, events.Event) error {
	return func(ctx context.Context, evt events.Event) error {
		fields := map[string]any{"ack_guid": evt.AckGUID(), "consumer_id": evt.Consumer()}
		l := lifecycle.WithFields(logger.WithContext(ctx), fields)
		switch e := evt.(type) {
		case events.TransitionEvent:
			l.Info("transition event instance_id=%d %s -> %s via %s redelivery=%t", e.InstanceID, e.FromState, e.ToState, e.EventName, e.Redelivery)
		case events.HookEvent:
			l.Info("hook event instance_id=%d state=%s code=%s redelivery=%t", e.InstanceID, e.State, e.Code, e.Redelivery)
		}
		return nil
	}
}
