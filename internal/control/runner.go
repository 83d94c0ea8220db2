package control

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"pvefleet/internal/batch"
	"pvefleet/internal/config"
	"pvefleet/internal/fleet"
	"pvefleet/internal/inventory"
	"pvefleet/internal/logging"
	"pvefleet/internal/report"

	"go.uber.org/zap"
)

const defaultUploadMode os.FileMode = 0o644

type upload struct {
	src  string
	dest step
	mode os.FileMode
}

// Runner uploads files and runs commands on resolved hosts. It only sees
// the target list and the become user, never the API token.
type Runner struct {
	dial           Dialer
	uploads        []upload
	commands       []step
	becomeUser     string
	defaultUser    string
	defaultKey     string
	knownHosts     string
	port           int
	connectTimeout time.Duration
	commandTimeout time.Duration
}

// NewRunner builds a Runner from the automation config.
func NewRunner(cfg config.AutomationConfig, becomeUser string, dial Dialer) (*Runner, error) {
	if dial == nil {
		dial = NewController
	}
	r := &Runner{
		dial:           dial,
		becomeUser:     becomeUser,
		defaultUser:    cfg.User,
		defaultKey:     cfg.PrivateKeyPath,
		knownHosts:     cfg.KnownHostsFile,
		port:           cfg.SSHPort,
		connectTimeout: cfg.ConnectTimeout,
		commandTimeout: cfg.CommandTimeout,
	}
	for _, u := range cfg.Uploads {
		mode, err := parseMode(u.Mode)
		if err != nil {
			return nil, fleet.ConfigurationError("configure automation", fmt.Sprintf("invalid mode %q for %s", u.Mode, u.Dest), err)
		}
		dest, err := parseStep(u.Dest)
		if err != nil {
			return nil, fleet.ConfigurationError("configure automation", "invalid upload destination "+u.Dest, err)
		}
		r.uploads = append(r.uploads, upload{src: u.Src, dest: dest, mode: mode})
	}
	for i, c := range cfg.Commands {
		st, err := parseStep(c)
		if err != nil {
			return nil, fleet.ConfigurationError("configure automation", fmt.Sprintf("invalid command %d", i+1), err)
		}
		r.commands = append(r.commands, st)
	}
	if len(r.uploads) == 0 && len(r.commands) == 0 {
		return nil, fleet.ConfigurationError("configure automation", "automation has no uploads or commands", nil)
	}
	return r, nil
}

func parseMode(s string) (os.FileMode, error) {
	if s == "" {
		return defaultUploadMode, nil
	}
	v, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return 0, err
	}
	return os.FileMode(v), nil
}

// Configure runs the automation steps on h. It satisfies batch.Func once
// bound to a host.
func (r *Runner) Configure(ctx context.Context, h inventory.Host) (batch.Result, error) {
	ctrl, err := r.dial(ctx, r.controllerConfig(h))
	if err != nil {
		return batch.Result{}, err
	}
	defer safeClose("controller", ctrl.Close)

	for _, u := range r.uploads {
		dest, err := u.dest.render(h)
		if err != nil {
			return batch.Result{}, fleet.PermanentError("upload to "+h.Name, "invalid upload destination "+u.dest.raw, err)
		}
		if err := ctrl.Upload(ctx, u.src, dest, u.mode); err != nil {
			return batch.Result{}, err
		}
	}

	for i, st := range r.commands {
		command, err := st.render(h)
		if err != nil {
			return batch.Result{}, fleet.PermanentError("run on "+h.Name, fmt.Sprintf("invalid command %d", i+1), err)
		}
		logging.Logger().Debug("running automation step",
			zap.String("host", h.Name),
			zap.Int("step", i+1),
			zap.String("command", logging.Truncate(st.raw)))

		cmdCtx, cancel := r.commandContext(ctx)
		err = ctrl.Run(cmdCtx, r.wrap(command))
		cancel()
		if err != nil {
			logging.Logger().Error("automation step failed",
				zap.String("host", h.Name),
				zap.Int("step", i+1),
				zap.Error(err))
			return batch.Result{}, err
		}
	}

	return batch.Result{Message: fmt.Sprintf("%d upload(s), %d command(s)", len(r.uploads), len(r.commands))}, nil
}

// ConfigureAll configures every resolved host through br and returns the
// "configure" report. Ids missing from the inventory are recorded as skipped.
func (r *Runner) ConfigureAll(ctx context.Context, br *batch.Runner, res inventory.Resolution) (*report.Report, error) {
	rep := report.New("configure")

	for _, id := range res.Unknown {
		logging.Logger().Warn("vm id not in inventory, skipping", zap.String("operation", "configure"), zap.Int("vmid", id))
		if err := rep.Record(report.Entry{TargetID: id, Outcome: report.Skipped, Message: "vm id not in inventory"}); err != nil {
			logging.Logger().Error("failed to record report entry", zap.Int("vmid", id), zap.Error(err))
		}
	}

	hosts := make(map[int]inventory.Host, len(res.Targets))
	targets := make([]batch.Target, 0, len(res.Targets))
	for _, h := range res.Targets {
		hosts[h.VMID] = h
		targets = append(targets, batch.Target{ID: h.VMID, Name: h.Name})
	}

	br.Run(ctx, targets, func(ctx context.Context, t batch.Target) (batch.Result, error) {
		return r.Configure(ctx, hosts[t.ID])
	}, rep)
	rep.Finish()

	return rep, rep.Err()
}

func (r *Runner) commandContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.commandTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.commandTimeout)
}

func (r *Runner) controllerConfig(h inventory.Host) Config {
	user := h.User
	if user == "" {
		user = r.defaultUser
	}
	key := h.KeyFile
	if key == "" {
		key = r.defaultKey
	}
	if h.Port == 0 && r.port != 0 {
		h.Port = r.port
	}
	return Config{
		Address:        h.SSHAddress(),
		User:           user,
		PrivateKeyPath: key,
		KnownHostsFile: r.knownHosts,
		ConnectTimeout: r.connectTimeout,
		DialTimeout:    30 * time.Second,
		HostName:       h.Name,
	}
}

// wrap runs command as the become user when one is configured.
func (r *Runner) wrap(command string) string {
	if r.becomeUser == "" {
		return command
	}
	return "sudo -n -u " + shellQuote(r.becomeUser) + " -- sh -c " + shellQuote(command)
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
