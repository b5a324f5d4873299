package events

import (
	"strings"
	"unicode/utf8"

	"fleetrun/internal/task"
	logx "fleetrun/pkg/logx"
)

// Doc documents a run in the log. Schedulers register one automatically
// unless told otherwise.
type Doc struct {
	log logx.Logger
}

func NewDoc(log logx.Logger) *Doc {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Doc{log: log.With(logx.String("comp", "doc"))}
}

func (d *Doc) RunStarted(r Run) {
	d.log.Info("run started",
		logx.String("run", r.Name),
		logx.String("run_id", r.ID),
		logx.String("strategy", r.Strategy),
		logx.Int("concurrency", r.Concurrency),
		logx.Bool("noop", r.Noop),
	)
}

func (d *Doc) RunFinished(r Run) {
	d.log.Info("run finished", logx.String("run", r.Name), logx.String("run_id", r.ID))
}

func (d *Doc) RunFailed(r Run, err error) {
	d.log.Error("run failed", logx.String("run", r.Name), logx.String("run_id", r.ID), logx.Err(err))
}

func (d *Doc) JobComputationStarted(r Run) {
	d.log.Debug("computing jobs", logx.String("strategy", r.Strategy))
}

func (d *Doc) JobComputationFinished(r Run, jobs []task.Job) {
	d.log.Info("jobs computed", logx.String("strategy", r.Strategy), logx.Int("jobs", len(jobs)))
}

func (d *Doc) JobStarted(job task.Job) {
	d.log.Info("job started", logx.String("job", job.Name), logx.Strings("hosts", job.Hosts))
}

func (d *Doc) JobFinished(job task.Job) {
	d.log.Info("job finished", logx.String("job", job.Name))
}

func (d *Doc) JobFailed(job task.Job, err error) {
	d.log.Warn("job failed", logx.String("job", job.Name), logx.Err(err))
}

func (d *Doc) CommandStarted(t task.Task, host string) {
	d.log.Debug("command started", logx.String("task", t.Name), logx.String("host", host), logx.String("cmd", t.Command.String()))
}

func (d *Doc) CommandFinished(t task.Task, host string, out task.ExecOutput) {
	fields := []logx.Field{
		logx.String("task", t.Name),
		logx.String("host", host),
		logx.Int("exit", out.ExitStatus),
	}
	if s := strings.TrimSpace(out.Stderr); s != "" && !out.Success() {
		fields = append(fields, logx.String("stderr", truncate(s, 512)))
	}
	if out.Success() {
		d.log.Debug("command finished", fields...)
		return
	}
	d.log.Warn("command finished", fields...)
}

func truncate(s string, maxN int) string {
	if maxN <= 0 || len(s) <= maxN {
		return s
	}
	cut := maxN
	if maxN >= 10 {
		cut = maxN - 3
	}
	// never split a multi-byte rune
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	if maxN < 10 {
		return s[:cut]
	}
	return s[:cut] + "..."
}

var _ Handler = (*Doc)(nil)
