package main

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goliatone/go-lifecycle/ack"
	"github.com/goliatone/go-lifecycle/blueprint"
	"github.com/goliatone/go-lifecycle/engine"
	"github.com/goliatone/go-lifecycle/store"
)

type importDefinitionCmd struct {
	File        string `arg:"" help:"Definition file. .yaml and .yml are read as YAML." type:"existingfile"`
	DisplayName string `help:"Display name used when the environment is created."`
}

func (c *importDefinitionCmd) Run(a *app) error {
	raw, err := os.ReadFile(c.File)
	if err != nil {
		return err
	}
	var versionID int64
	switch strings.ToLower(filepath.Ext(c.File)) {
	case ".yaml", ".yml":
		doc, err := blueprint.ParseYAMLDocument(raw)
		if err != nil {
			return err
		}
		versionID, err = a.engine.Catalog().ImportDocument(a.ctx, a.cfg.Env, c.DisplayName, doc)
		if err != nil {
			return err
		}
	default:
		versionID, err = a.engine.ImportDefinition(a.ctx, a.cfg.Env, c.DisplayName, raw)
		if err != nil {
			return err
		}
	}
	return writeJSON(a, map[string]any{"env": a.cfg.Env, "version_id": versionID})
}

type importPolicyCmd struct {
	File string `arg:"" help:"Policy JSON file." type:"existingfile"`
}

func (c *importPolicyCmd) Run(a *app) error {
	raw, err := os.ReadFile(c.File)
	if err != nil {
		return err
	}
	policyID, err := a.engine.ImportPolicy(a.ctx, a.cfg.Env, "", raw)
	if err != nil {
		return err
	}
	return writeJSON(a, map[string]any{"env": a.cfg.Env, "policy_id": policyID})
}

type triggerCmd struct {
	Definition string `help:"Definition name. Uses its latest version." xor:"target"`
	VersionID  int64  `help:"Pin a definition version id." xor:"target"`
	Ref        string `required:"" help:"External reference of the instance."`
	Event      string `arg:"" help:"Event name."`
	Actor      string `help:"Actor recorded with the transition."`
	RequestID  string `help:"Caller request id recorded with the transition."`
	Payload    string `help:"JSON payload recorded with the transition."`
}

func (c *triggerCmd) Run(a *app) error {
	req := engine.TriggerRequest{
		EnvCode:     a.cfg.Env,
		Definition:  c.Definition,
		VersionID:   c.VersionID,
		ExternalRef: c.Ref,
		Event:       c.Event,
		Actor:       c.Actor,
		RequestID:   c.RequestID,
	}
	if strings.TrimSpace(c.Payload) != "" {
		req.Payload = json.RawMessage(c.Payload)
	}
	result, err := a.engine.Trigger(a.ctx, req)
	if err != nil && !result.Applied {
		return err
	}
	if werr := writeJSON(a, result); werr != nil {
		return werr
	}
	return err
}

type ackCmd struct {
	GUID       string        `arg:"" help:"Ack guid from the event."`
	Outcome    string        `arg:"" help:"One of delivered, processed, failed, retry."`
	ConsumerID int64         `help:"Consumer id reporting the outcome."`
	Message    string        `help:"Message stored with the outcome."`
	RetryAfter time.Duration `help:"For retry, schedule the next redelivery window from now."`
}

func (c *ackCmd) Run(a *app) error {
	req := ack.Request{ConsumerID: c.ConsumerID, GUID: c.GUID, Outcome: ack.Outcome(c.Outcome), Message: c.Message}
	if c.RetryAfter > 0 {
		req.RetryAt = time.Now().UTC().Add(c.RetryAfter)
	}
	result, err := a.engine.Ack(a.ctx, req)
	if err != nil {
		return err
	}
	return writeJSON(a, result)
}

type pendingCmd struct {
	ConsumerID int64         `help:"Consumer id."`
	OlderThan  time.Duration `help:"Only count deliveries whose last attempt is older than this."`
}

func (c *pendingCmd) Run(a *app) error {
	query := store.DispatchQuery{ConsumerID: c.ConsumerID, Status: store.AckPending}
	if c.OlderThan > 0 {
		query.OlderThan = time.Now().UTC().Add(-c.OlderThan)
	}
	transitions, err := a.engine.Acks().CountPendingLifecycleDispatch(a.ctx, query)
	if err != nil {
		return err
	}
	hooks, err := a.engine.Acks().CountPendingHookDispatch(a.ctx, query)
	if err != nil {
		return err
	}
	return writeJSON(a, map[string]any{"consumer_id": c.ConsumerID, "transitions": transitions, "hooks": hooks})
}

type historyCmd struct {
	Definition string `required:"" help:"Definition name."`
	Ref        string `required:"" help:"External reference of the instance."`
}

func (c *historyCmd) Run(a *app) error {
	inst, err := a.engine.Instance(a.ctx, a.cfg.Env, c.Definition, c.Ref)
	if err != nil {
		return err
	}
	entries, err := a.engine.History(a.ctx, inst.ID)
	if err != nil {
		return err
	}
	return writeJSON(a, entries)
}

type monitorCmd struct {
	MetricsAddr string `help:"Serve Prometheus metrics on this address, e.g. :9090."`
}

func (c *monitorCmd) Run(a *app) error {
	if err := a.engine.StartMonitor(a.ctx, a.cfg.MonitorConfig()); err != nil {
		return err
	}

	var srv *http.Server
	if c.MetricsAddr != "" {
		ln, err := net.Listen("tcp", c.MetricsAddr)
		if err != nil {
			return err
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", a.metrics.Handler())
		srv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("metrics server: %v", err)
			}
		}()
		a.logger.Info("metrics listening on %s", ln.Addr())
	}

	<-a.ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(a.ctx), 10*time.Second)
	defer cancel()
	if srv != nil {
		_ = srv.Shutdown(stopCtx)
	}
	if err := a.engine.StopMonitor(stopCtx); err != nil {
		return err
	}
	status, _ := a.engine.MonitorStatus()
	return writeJSON(a, status)
}

func writeJSON(a *app, v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
